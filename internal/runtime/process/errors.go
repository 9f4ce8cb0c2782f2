package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

// SpawnErrorKind classifies why a spawn failed.
type SpawnErrorKind string

const (
	KindExecutableNotFound SpawnErrorKind = "executable_not_found"
	KindPermissionDenied   SpawnErrorKind = "permission_denied"
	KindOSFailure          SpawnErrorKind = "os_spawn_failure"
)

var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSpawnFailed        = errors.New("spawn failed")
)

// SpawnError is returned synchronously by Spawn. It is never retried.
type SpawnError struct {
	Kind    SpawnErrorKind
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	switch e.Kind {
	case KindExecutableNotFound:
		return fmt.Sprintf("spawn %s: executable not found", e.Command)
	case KindPermissionDenied:
		return fmt.Sprintf("spawn %s: permission denied", e.Command)
	default:
		if e.Err == nil {
			return fmt.Sprintf("spawn %s: failed", e.Command)
		}
		return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
	}
}

// Unwrap exposes both the kind sentinel and the underlying OS error.
func (e *SpawnError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (e *SpawnError) sentinel() error {
	switch e.Kind {
	case KindExecutableNotFound:
		return ErrExecutableNotFound
	case KindPermissionDenied:
		return ErrPermissionDenied
	default:
		return ErrSpawnFailed
	}
}

func classifySpawnError(command string, err error) *SpawnError {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return &SpawnError{Kind: KindOSFailure, Command: command, Err: fmt.Errorf("working directory: %w", err)}
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return &SpawnError{Kind: KindExecutableNotFound, Command: command, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &SpawnError{Kind: KindPermissionDenied, Command: command, Err: err}
	default:
		return &SpawnError{Kind: KindOSFailure, Command: command, Err: err}
	}
}

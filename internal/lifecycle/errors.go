package lifecycle

import (
	"errors"
	"fmt"
)

// TerminationErrorKind classifies a failed termination.
type TerminationErrorKind string

const (
	KindPermissionDenied TerminationErrorKind = "permission_denied"
	// KindNotFound is never returned by Terminate; a vanished process counts
	// as terminated.
	KindNotFound TerminationErrorKind = "not_found"
	KindOther    TerminationErrorKind = "other"
)

var (
	// ErrNoProcess is returned by a Signaler when the target pid does not
	// exist.
	ErrNoProcess = errors.New("no such process")

	ErrPermissionDenied  = errors.New("permission denied")
	ErrTerminationFailed = errors.New("termination failed")
)

// PermissionHint is attached to permission failures.
const PermissionHint = "run procsup with elevated privileges (sudo or Administrator), or close the process from the application that owns it"

// TerminationError reports why a process tree could not be terminated.
type TerminationError struct {
	Kind TerminationErrorKind
	PID  int
	Hint string
	Err  error
}

func (e *TerminationError) Error() string {
	msg := fmt.Sprintf("terminate pid %d", e.PID)
	switch e.Kind {
	case KindPermissionDenied:
		msg += ": permission denied"
	case KindNotFound:
		msg += ": process not found"
	default:
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		} else {
			msg += ": failed"
		}
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Unwrap exposes the kind sentinel and the underlying error.
func (e *TerminationError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindPermissionDenied:
		sentinel = ErrPermissionDenied
	case KindNotFound:
		sentinel = ErrNoProcess
	default:
		sentinel = ErrTerminationFailed
	}
	errs := []error{sentinel}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

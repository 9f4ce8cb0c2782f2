package api

import (
	stdcontext "context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Paintersrp/procsup/internal/lifecycle"
	"github.com/Paintersrp/procsup/internal/runtime"
	"github.com/Paintersrp/procsup/internal/supervisor"
)

var (
	ErrInvalidPID     = errors.New("invalid pid")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownProfile = errors.New("unknown profile")
	ErrEmptyWorkspace = errors.New("no profiles in workspace")
	ErrUnavailable    = errors.New("supervisor unavailable")
)

// LaunchRequest is the body of POST /api/v1/launch. When Profile is set the
// named profile supplies the defaults and the remaining fields override it.
type LaunchRequest struct {
	Profile      string            `json:"profile,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Dir          string            `json:"dir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Hidden       bool              `json:"hidden,omitempty"`
	Detached     bool              `json:"detached,omitempty"`
	Track        bool              `json:"track,omitempty"`
	Quiet        bool              `json:"quiet,omitempty"`
	ExpectedName string            `json:"expected_name,omitempty"`
	ExcludeNames []string          `json:"exclude_names,omitempty"`
	MaxWait      string            `json:"max_wait,omitempty"`
	RunID        string            `json:"run_id,omitempty"`
	ActionID     string            `json:"action_id,omitempty"`
	WorkspaceID  string            `json:"workspace_id,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Apply overlays the request onto base. Boolean flags can only be switched on.
func (r LaunchRequest) Apply(base runtime.LaunchSpec) (runtime.LaunchSpec, error) {
	spec := base
	if r.Command != "" {
		spec.Command = r.Command
		spec.Args = nil
	}
	if r.Args != nil {
		spec.Args = append([]string(nil), r.Args...)
	}
	if r.Dir != "" {
		spec.Dir = r.Dir
	}
	if len(r.Env) > 0 {
		env := make(map[string]string, len(spec.Env)+len(r.Env))
		for k, v := range spec.Env {
			env[k] = v
		}
		for k, v := range r.Env {
			env[k] = v
		}
		spec.Env = env
	}
	spec.Hidden = spec.Hidden || r.Hidden
	spec.Detached = spec.Detached || r.Detached
	spec.Track = spec.Track || r.Track
	spec.Quiet = spec.Quiet || r.Quiet
	if r.ExpectedName != "" {
		spec.ExpectedName = r.ExpectedName
	}
	if r.ExcludeNames != nil {
		spec.ExcludeNames = append([]string(nil), r.ExcludeNames...)
	}
	if r.MaxWait != "" {
		d, err := ParseWait(r.MaxWait)
		if err != nil {
			return runtime.LaunchSpec{}, err
		}
		spec.MaxWait = d
	}

	spec.Correlation = spec.Correlation.Clone()
	if r.RunID != "" {
		spec.Correlation.RunID = r.RunID
	}
	if r.ActionID != "" {
		spec.Correlation.ActionID = r.ActionID
	}
	if r.WorkspaceID != "" {
		spec.Correlation.WorkspaceID = r.WorkspaceID
	}
	if len(r.Labels) > 0 {
		if spec.Correlation.Labels == nil {
			spec.Correlation.Labels = make(map[string]string, len(r.Labels))
		}
		for k, v := range r.Labels {
			spec.Correlation.Labels[k] = v
		}
	}

	if strings.TrimSpace(spec.Command) == "" {
		return runtime.LaunchSpec{}, fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	return spec, nil
}

// ParseWait parses a non-negative duration string.
func ParseWait(value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: max_wait: %v", ErrInvalidRequest, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: max_wait must be non-negative", ErrInvalidRequest)
	}
	return d, nil
}

// LaunchResult reports a successful launch.
type LaunchResult struct {
	ID          string              `json:"id"`
	Command     string              `json:"command"`
	InitialPID  int                 `json:"initial_pid"`
	PID         int                 `json:"pid"`
	Tracked     bool                `json:"tracked"`
	Resolved    bool                `json:"resolved"`
	StartedAt   time.Time           `json:"started_at"`
	Correlation runtime.Correlation `json:"correlation"`
}

// BatchLaunchRequest is the body of POST /api/v1/launch/batch. Every profile
// whose workspace matches Workspace is launched in name order, followed by
// Items in the order given. Launches are detached unless Detached is false.
type BatchLaunchRequest struct {
	Workspace string          `json:"workspace,omitempty"`
	Items     []LaunchRequest `json:"items,omitempty"`
	Detached  *bool           `json:"detached,omitempty"`
}

// BatchItem reports one launch of a batch. A failed launch never stops the
// ones after it.
type BatchItem struct {
	Profile string        `json:"profile,omitempty"`
	Command string        `json:"command,omitempty"`
	Success bool          `json:"success"`
	Launch  *LaunchResult `json:"launch,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    string        `json:"code,omitempty"`

	Err error `json:"-"`
}

// BatchLaunchResult lists the per-item outcomes of a batch in launch order.
type BatchLaunchResult struct {
	Workspace string      `json:"workspace,omitempty"`
	Launched  int         `json:"launched"`
	Failed    int         `json:"failed"`
	Items     []BatchItem `json:"items"`
}

// WorkspaceStopItem reports the termination of one launch of a workspace.
type WorkspaceStopItem struct {
	LaunchID string              `json:"launch_id"`
	PID      int                 `json:"pid"`
	Command  string              `json:"command,omitempty"`
	Success  bool                `json:"success"`
	Outcomes []lifecycle.Outcome `json:"outcomes,omitempty"`
	Error    string              `json:"error,omitempty"`
	Code     string              `json:"code,omitempty"`

	Err error `json:"-"`
}

// WorkspaceStopResult is the response of DELETE /api/v1/workspaces/{id}.
type WorkspaceStopResult struct {
	Workspace   string              `json:"workspace"`
	Items       []WorkspaceStopItem `json:"items"`
	CompletedAt time.Time           `json:"completed_at"`
}

// Capabilities describes which launch options take effect on the host.
type Capabilities struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	HiddenWindow bool   `json:"hidden_window"`
	GroupDetach  bool   `json:"group_detach"`
	Watching     bool   `json:"watching"`
}

// ProcessList is the set of launches still believed to be running.
type ProcessList struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Processes   []supervisor.Entry `json:"processes"`
}

// ProcessStatus reports liveness for a single pid.
type ProcessStatus struct {
	PID   int  `json:"pid"`
	Alive bool `json:"alive"`
}

// ResolveRequest is the body of POST /api/v1/resolve.
type ResolveRequest struct {
	ParentPID    int      `json:"parent_pid"`
	ExpectedName string   `json:"expected_name,omitempty"`
	ExcludeNames []string `json:"exclude_names,omitempty"`
	MaxWait      string   `json:"max_wait,omitempty"`
}

// ResolveResult reports the worker found behind a parent pid.
type ResolveResult struct {
	ParentPID int  `json:"parent_pid"`
	PID       int  `json:"pid"`
	Found     bool `json:"found"`
}

// TerminateResult wraps the outcome of a tree termination.
type TerminateResult struct {
	Outcome     lifecycle.Outcome `json:"outcome"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Controller exposes supervisor operations required by control servers.
type Controller interface {
	Launch(stdcontext.Context, LaunchRequest) (*LaunchResult, error)
	LaunchBatch(stdcontext.Context, BatchLaunchRequest) (*BatchLaunchResult, error)
	StopWorkspace(stdcontext.Context, string) (*WorkspaceStopResult, error)
	Capabilities(stdcontext.Context) (*Capabilities, error)
	Processes(stdcontext.Context) (*ProcessList, error)
	ProcessStatus(stdcontext.Context, int) (*ProcessStatus, error)
	Terminate(stdcontext.Context, int) (*TerminateResult, error)
	Resolve(stdcontext.Context, ResolveRequest) (*ResolveResult, error)
}

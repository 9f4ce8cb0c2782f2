package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	stdruntime "runtime"
	"strings"
	"time"

	"github.com/Paintersrp/procsup/internal/api"
	"github.com/Paintersrp/procsup/internal/config"
	"github.com/Paintersrp/procsup/internal/resolve"
	"github.com/Paintersrp/procsup/internal/runtime"
	"github.com/Paintersrp/procsup/internal/runtime/process"
	"github.com/Paintersrp/procsup/internal/supervisor"
)

// ControlAPI exposes supervisor operations for the HTTP control plane.
type ControlAPI struct {
	cfg *config.Config
	sup *supervisor.Supervisor
}

// NewControlAPI constructs a ControlAPI around a supervisor. Profiles are
// looked up in cfg.
func NewControlAPI(cfg *config.Config, sup *supervisor.Supervisor) *ControlAPI {
	if cfg == nil || sup == nil {
		return nil
	}
	return &ControlAPI{cfg: cfg, sup: sup}
}

// Launch starts a process from an inline request or a named profile.
func (c *ControlAPI) Launch(ctx stdcontext.Context, req api.LaunchRequest) (*api.LaunchResult, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	spec, err := launchSpecFor(c.cfg, req)
	if err != nil {
		return nil, err
	}
	launch, err := c.sup.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return launchResult(launch), nil
}

func launchResult(launch *supervisor.Launch) *api.LaunchResult {
	return &api.LaunchResult{
		ID:          launch.ID,
		Command:     launch.Command,
		InitialPID:  launch.InitialPID,
		PID:         launch.PID,
		Tracked:     launch.Tracked,
		Resolved:    launch.Resolved,
		StartedAt:   launch.StartedAt,
		Correlation: launch.Correlation,
	}
}

// LaunchBatch launches the profiles of a workspace and any explicit items one
// after another, reporting each outcome.
func (c *ControlAPI) LaunchBatch(ctx stdcontext.Context, req api.BatchLaunchRequest) (*api.BatchLaunchResult, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	items, err := batchRequests(c.cfg, req)
	if err != nil {
		return nil, err
	}
	result := &api.BatchLaunchResult{Workspace: req.Workspace, Items: make([]api.BatchItem, 0, len(items))}
	for _, item := range items {
		entry := api.BatchItem{Profile: item.Profile, Command: item.Command}
		if entry.Command == "" && c.cfg != nil {
			if profile := c.cfg.Profiles[item.Profile]; profile != nil {
				entry.Command = profile.Command
			}
		}
		// A cancelled batch reports the remaining items without launching them.
		var launch *api.LaunchResult
		err := ctx.Err()
		if err == nil {
			launch, err = c.Launch(ctx, item)
		}
		if err != nil {
			entry.Err = err
			entry.Error = err.Error()
			result.Failed++
		} else {
			entry.Success = true
			entry.Command = launch.Command
			entry.Launch = launch
			result.Launched++
		}
		result.Items = append(result.Items, entry)
	}
	return result, nil
}

// batchRequests expands a batch into individual launch requests.
func batchRequests(cfg *config.Config, req api.BatchLaunchRequest) ([]api.LaunchRequest, error) {
	var out []api.LaunchRequest
	if req.Workspace != "" && cfg != nil {
		for _, name := range cfg.ProfileNames() {
			if p := cfg.Profiles[name]; p != nil && p.WorkspaceID == req.Workspace {
				out = append(out, api.LaunchRequest{Profile: name})
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: %s", api.ErrEmptyWorkspace, req.Workspace)
		}
	}
	out = append(out, req.Items...)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: batch has no launches", api.ErrInvalidRequest)
	}
	detached := req.Detached == nil || *req.Detached
	for i := range out {
		out[i].Detached = out[i].Detached || detached
		if out[i].WorkspaceID == "" {
			out[i].WorkspaceID = req.Workspace
		}
	}
	return out, nil
}

// StopWorkspace terminates every watched launch of a workspace.
func (c *ControlAPI) StopWorkspace(ctx stdcontext.Context, workspaceID string) (*api.WorkspaceStopResult, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	if strings.TrimSpace(workspaceID) == "" {
		return nil, fmt.Errorf("%w: workspace is required", api.ErrInvalidRequest)
	}
	stops, err := c.sup.StopWorkspace(ctx, workspaceID)
	if errors.Is(err, supervisor.ErrNotWatching) {
		return nil, fmt.Errorf("%w: %w", api.ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	result := &api.WorkspaceStopResult{Workspace: workspaceID, Items: make([]api.WorkspaceStopItem, 0, len(stops))}
	for _, stop := range stops {
		item := api.WorkspaceStopItem{
			LaunchID: stop.Entry.LaunchID,
			PID:      stop.Entry.PID,
			Command:  stop.Entry.Command,
			Success:  stop.Err == nil,
			Outcomes: stop.Outcomes,
			Err:      stop.Err,
		}
		if stop.Err != nil {
			item.Error = stop.Err.Error()
		}
		result.Items = append(result.Items, item)
	}
	result.CompletedAt = time.Now()
	return result, nil
}

// Capabilities reports which launch options the host honours.
func (c *ControlAPI) Capabilities(stdcontext.Context) (*api.Capabilities, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	return &api.Capabilities{
		OS:           stdruntime.GOOS,
		Arch:         stdruntime.GOARCH,
		HiddenWindow: process.SupportsHiddenWindow,
		GroupDetach:  process.SupportsGroupDetach,
		Watching:     c.sup.Watcher() != nil,
	}, nil
}

// Processes lists launches the watcher still considers running.
func (c *ControlAPI) Processes(ctx stdcontext.Context) (*api.ProcessList, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := c.sup.Processes()
	if entries == nil {
		entries = []supervisor.Entry{}
	}
	return &api.ProcessList{GeneratedAt: time.Now(), Processes: entries}, nil
}

// ProcessStatus reports whether pid is alive.
func (c *ControlAPI) ProcessStatus(ctx stdcontext.Context, pid int) (*api.ProcessStatus, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", api.ErrInvalidPID, pid)
	}
	return &api.ProcessStatus{PID: pid, Alive: c.sup.IsAlive(ctx, pid)}, nil
}

// Terminate ends the process tree rooted at pid.
func (c *ControlAPI) Terminate(ctx stdcontext.Context, pid int) (*api.TerminateResult, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", api.ErrInvalidPID, pid)
	}
	out, err := c.sup.Terminate(ctx, pid)
	if err != nil {
		return nil, err
	}
	return &api.TerminateResult{Outcome: out, CompletedAt: time.Now()}, nil
}

// Resolve finds the worker behind a parent pid.
func (c *ControlAPI) Resolve(ctx stdcontext.Context, req api.ResolveRequest) (*api.ResolveResult, error) {
	if c == nil || c.sup == nil {
		return nil, api.ErrUnavailable
	}
	if req.ParentPID <= 0 {
		return nil, fmt.Errorf("%w: %d", api.ErrInvalidPID, req.ParentPID)
	}
	q := resolve.Query{
		ParentPID:    req.ParentPID,
		ExpectedName: req.ExpectedName,
		ExcludeNames: req.ExcludeNames,
	}
	if req.MaxWait != "" {
		d, err := api.ParseWait(req.MaxWait)
		if err != nil {
			return nil, err
		}
		q.MaxWait = d
	}
	pid, ok := c.sup.Resolve(ctx, q)
	return &api.ResolveResult{ParentPID: req.ParentPID, PID: pid, Found: ok}, nil
}

// launchSpecFor builds the launch spec for a request, starting from the named
// profile when one is given.
func launchSpecFor(cfg *config.Config, req api.LaunchRequest) (runtime.LaunchSpec, error) {
	var base runtime.LaunchSpec
	if req.Profile != "" {
		var profile *config.ProfileSpec
		if cfg != nil {
			profile = cfg.Profiles[req.Profile]
		}
		if profile == nil {
			return runtime.LaunchSpec{}, fmt.Errorf("%w: %s", api.ErrUnknownProfile, req.Profile)
		}
		base = profile.LaunchSpec(req.Profile)
	}
	return req.Apply(base)
}

// Ensure interface compliance at compile time.
var _ api.Controller = (*ControlAPI)(nil)

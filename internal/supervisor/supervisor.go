// Package supervisor ties spawning, output relay, worker resolution,
// liveness and tree termination into the operations an orchestrator calls.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/procsup/internal/lifecycle"
	"github.com/Paintersrp/procsup/internal/proctable"
	"github.com/Paintersrp/procsup/internal/resolve"
	"github.com/Paintersrp/procsup/internal/runtime"
	"github.com/Paintersrp/procsup/internal/runtime/process"
)

// ErrNotWatching is returned by operations that need the exit watcher when
// it is disabled.
var ErrNotWatching = errors.New("exit watcher disabled")

// Options configures a Supervisor. The zero value uses the host process
// table, discards output and disables the watcher.
type Options struct {
	Table       proctable.Table
	Sink        runtime.Sink
	Logger      *slog.Logger
	// MaxPending bounds the output bytes each stream holds for a slow sink.
	// MaxLineSize bounds a relayed line in bytes. Zero keeps either default.
	MaxPending  int
	MaxLineSize int

	Resolver   []resolve.Option
	Terminator []lifecycle.Option

	// WatchInterval enables the exit watcher when positive.
	WatchInterval time.Duration
}

// Supervisor is the facade used by callers that launch and manage processes.
type Supervisor struct {
	table      proctable.Table
	spawner    *process.Spawner
	resolver   *resolve.Resolver
	checker    *lifecycle.Checker
	terminator *lifecycle.Terminator
	watcher    *Watcher
	log        *slog.Logger
	now        func() time.Time
}

// New constructs a Supervisor.
func New(opts Options) *Supervisor {
	table := opts.Table
	if table == nil {
		table = proctable.System()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	resolverOpts := append([]resolve.Option{resolve.WithLogger(log)}, opts.Resolver...)
	terminatorOpts := append([]lifecycle.Option{lifecycle.WithLogger(log)}, opts.Terminator...)

	s := &Supervisor{
		table: table,
		spawner: process.New(
			process.WithSink(opts.Sink),
			process.WithLogger(log),
			process.WithMaxPending(opts.MaxPending),
			process.WithMaxLineSize(opts.MaxLineSize),
		),
		resolver:   resolve.New(table, resolverOpts...),
		checker:    lifecycle.NewChecker(table),
		terminator: lifecycle.NewTerminator(table, terminatorOpts...),
		log:        log,
		now:        time.Now,
	}
	if opts.WatchInterval > 0 {
		s.watcher = NewWatcher(table, opts.WatchInterval, log)
	}
	return s
}

// Launch is the result of a successful launch.
type Launch struct {
	ID          string              `json:"id"`
	Command     string              `json:"command"`
	InitialPID  int                 `json:"initial_pid"`
	PID         int                 `json:"pid"`
	Tracked     bool                `json:"tracked"`
	Resolved    bool                `json:"resolved"`
	StartedAt   time.Time           `json:"started_at"`
	Correlation runtime.Correlation `json:"correlation"`

	proc *process.Process
}

// Process returns the handle on the directly spawned child.
func (l *Launch) Process() *process.Process {
	return l.proc
}

// Launch spawns spec, starts relaying its output and, for tracked launches,
// resolves the worker behind the spawned pid. When resolution finds nothing
// the spawned pid is reported instead; only spawn failures are errors.
func (s *Supervisor) Launch(ctx context.Context, spec runtime.LaunchSpec) (*Launch, error) {
	spec.Correlation = spec.Correlation.Clone()
	if spec.Correlation.RunID == "" {
		spec.Correlation.RunID = uuid.NewString()
	}

	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		s.log.Warn("launch failed", "command", spec.Command, "run_id", spec.Correlation.RunID, "error", err)
		return nil, err
	}

	launch := &Launch{
		ID:          spec.Correlation.RunID,
		Command:     spec.Command,
		InitialPID:  proc.PID(),
		PID:         proc.PID(),
		Tracked:     spec.Track,
		StartedAt:   s.now(),
		Correlation: spec.Correlation,
		proc:        proc,
	}

	if spec.Track {
		expected := spec.ExpectedName
		if expected == "" {
			expected = resolve.HintFor(spec.Command, spec.Args)
		}
		pid, ok := s.resolver.Resolve(ctx, resolve.Query{
			ParentPID:    proc.PID(),
			ExpectedName: expected,
			ExcludeNames: spec.ExcludeNames,
			MaxWait:      spec.MaxWait,
		})
		if ok {
			launch.PID = pid
			launch.Resolved = true
		} else {
			s.log.Debug("no worker resolved, tracking spawned pid", "pid", proc.PID(), "run_id", launch.ID)
		}
	}

	if s.watcher != nil {
		s.watcher.Track(Entry{
			LaunchID:    launch.ID,
			PID:         launch.PID,
			InitialPID:  launch.InitialPID,
			Command:     launch.Command,
			StartedAt:   launch.StartedAt,
			Correlation: launch.Correlation,
		})
		s.watcher.notify(Event{
			Type:        EventTypeLaunched,
			LaunchID:    launch.ID,
			PID:         launch.PID,
			Command:     launch.Command,
			StartedAt:   launch.StartedAt,
			Correlation: launch.Correlation,
		})
	}

	s.log.Info("launched process",
		"run_id", launch.ID,
		"command", spec.Command,
		"initial_pid", launch.InitialPID,
		"pid", launch.PID,
		"resolved", launch.Resolved,
		"detached", spec.Detached,
	)
	return launch, nil
}

// Resolve finds the worker behind pid.
func (s *Supervisor) Resolve(ctx context.Context, q resolve.Query) (int, bool) {
	return s.resolver.Resolve(ctx, q)
}

// IsAlive reports whether pid is currently alive.
func (s *Supervisor) IsAlive(ctx context.Context, pid int) bool {
	return s.checker.IsAlive(ctx, pid)
}

// Terminate ends the process tree rooted at pid. Watched launches whose
// worker was pid stop being tracked.
func (s *Supervisor) Terminate(ctx context.Context, pid int) (lifecycle.Outcome, error) {
	out, err := s.terminator.Terminate(ctx, pid)
	if err != nil {
		s.log.Warn("terminate failed", "pid", pid, "error", err)
		return out, err
	}
	s.log.Info("terminated process tree", "pid", pid, "outcome", out.Message, "forced", len(out.Forced))
	s.forget(pid, out.Message)
	return out, nil
}

func (s *Supervisor) forget(pid int, message string) {
	if s.watcher == nil {
		return
	}
	for _, e := range s.watcher.List() {
		if e.PID != pid || !s.watcher.Untrack(e.LaunchID) {
			continue
		}
		s.watcher.notify(Event{
			Type:        EventTypeTerminated,
			LaunchID:    e.LaunchID,
			PID:         e.PID,
			Command:     e.Command,
			StartedAt:   e.StartedAt,
			Message:     message,
			Correlation: e.Correlation,
		})
	}
}

// WorkspaceStop is the result of stopping one launch of a workspace.
type WorkspaceStop struct {
	Entry    Entry
	Outcomes []lifecycle.Outcome
	Err      error
}

// StopWorkspace terminates every watched launch of a workspace, newest
// first. The spawned pid is terminated before a resolved worker that may have
// left its tree. A failure on one launch does not stop the others.
func (s *Supervisor) StopWorkspace(ctx context.Context, workspaceID string) ([]WorkspaceStop, error) {
	if s.watcher == nil {
		return nil, ErrNotWatching
	}
	entries := s.watcher.ListWorkspace(workspaceID)
	stops := make([]WorkspaceStop, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return stops, err
		}
		e := entries[i]
		stop := WorkspaceStop{Entry: e}
		roots := []int{e.PID}
		if e.InitialPID > 0 && e.InitialPID != e.PID {
			roots = []int{e.InitialPID, e.PID}
		}
		for _, pid := range roots {
			out, err := s.Terminate(ctx, pid)
			stop.Outcomes = append(stop.Outcomes, out)
			stop.Err = errors.Join(stop.Err, err)
		}
		stops = append(stops, stop)
	}
	s.log.Info("stopped workspace", "workspace_id", workspaceID, "launches", len(stops))
	return stops, nil
}

// Snapshot reads the current process table.
func (s *Supervisor) Snapshot(ctx context.Context) (*proctable.Snapshot, error) {
	return s.table.Snapshot(ctx)
}

// ExcludeNames returns the default wrapper exclusion set.
func (s *Supervisor) ExcludeNames() []string {
	return s.resolver.ExcludeNames()
}

// Watcher returns the exit watcher, or nil when it is disabled.
func (s *Supervisor) Watcher() *Watcher {
	return s.watcher
}

// Processes returns the launches the watcher still considers running.
func (s *Supervisor) Processes() []Entry {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.List()
}

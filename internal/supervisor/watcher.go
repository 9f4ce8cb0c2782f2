package supervisor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/procsup/internal/proctable"
	"github.com/Paintersrp/procsup/internal/runtime"
)

const (
	DefaultWatchInterval = 5 * time.Second
	defaultEventBuffer   = 64
)

// Entry is a launch the watcher is tracking.
type Entry struct {
	LaunchID    string              `json:"launch_id"`
	PID         int                 `json:"pid"`
	InitialPID  int                 `json:"initial_pid"`
	Command     string              `json:"command"`
	StartedAt   time.Time           `json:"started_at"`
	Correlation runtime.Correlation `json:"correlation"`
}

// Watcher polls tracked pids and reports the ones that have exited. Each
// check reads the process table once no matter how many pids are tracked.
type Watcher struct {
	table    proctable.Table
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
	events  chan Event
}

// NewWatcher constructs a Watcher. A non-positive interval uses the default.
func NewWatcher(table proctable.Table, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		table:    table,
		interval: interval,
		log:      log,
		entries:  make(map[string]Entry),
		events:   make(chan Event, defaultEventBuffer),
	}
}

// Events exposes launch, exit and termination notifications. Events are
// dropped when nobody reads.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) notify(evt Event) {
	if !sendEvent(w.events, evt) {
		w.log.Debug("watcher event dropped", "type", string(evt.Type), "launch_id", evt.LaunchID)
	}
}

// Track starts watching an entry, replacing any entry with the same id.
func (w *Watcher) Track(entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[entry.LaunchID] = entry
}

// Untrack stops watching an entry, reporting whether it was tracked.
func (w *Watcher) Untrack(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entries[id]; !ok {
		return false
	}
	delete(w.entries, id)
	return true
}

// List returns tracked entries, oldest first.
func (w *Watcher) List() []Entry {
	w.mu.Lock()
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].LaunchID < out[j].LaunchID
	})
	return out
}

// ListWorkspace returns tracked entries belonging to a workspace.
func (w *Watcher) ListWorkspace(workspaceID string) []Entry {
	var out []Entry
	for _, e := range w.List() {
		if e.Correlation.WorkspaceID == workspaceID {
			out = append(out, e)
		}
	}
	return out
}

// Run checks immediately and then on every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.Check(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check runs one poll and returns the entries found to have exited. A failed
// table read leaves every entry tracked.
func (w *Watcher) Check(ctx context.Context) []Entry {
	w.mu.Lock()
	empty := len(w.entries) == 0
	w.mu.Unlock()
	if empty {
		return nil
	}

	snap, err := w.table.Snapshot(ctx)
	if err != nil {
		w.log.Debug("watcher snapshot failed", "error", err)
		return nil
	}

	var exited []Entry
	w.mu.Lock()
	for id, e := range w.entries {
		if snap.Contains(e.PID) {
			continue
		}
		delete(w.entries, id)
		exited = append(exited, e)
	}
	w.mu.Unlock()

	sort.Slice(exited, func(i, j int) bool { return exited[i].StartedAt.Before(exited[j].StartedAt) })
	for _, e := range exited {
		w.log.Info("process exited", "launch_id", e.LaunchID, "pid", e.PID, "command", e.Command, "ran_for", time.Since(e.StartedAt).Round(time.Millisecond))
		w.notify(Event{
			Type:        EventTypeExited,
			LaunchID:    e.LaunchID,
			PID:         e.PID,
			Command:     e.Command,
			StartedAt:   e.StartedAt,
			Correlation: e.Correlation,
		})
	}
	return exited
}

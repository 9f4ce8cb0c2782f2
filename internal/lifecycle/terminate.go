package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/Paintersrp/procsup/internal/metrics"
	"github.com/Paintersrp/procsup/internal/proctable"
)

const (
	DefaultGracePeriod  = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Signaler delivers termination requests to single processes. Implementations
// return ErrNoProcess (possibly wrapped) when the pid does not exist.
type Signaler interface {
	// Interrupt asks the process to exit cooperatively.
	Interrupt(pid int) error
	// Kill ends the process forcefully.
	Kill(pid int) error
}

// TreeInterrupter is implemented by signalers that can ask a whole tree to
// exit with one native call.
type TreeInterrupter interface {
	InterruptTree(pid int) error
}

// Outcome describes a completed termination.
type Outcome struct {
	Root          int    `json:"root"`
	AlreadyExited bool   `json:"already_exited"`
	Graceful      []int  `json:"graceful,omitempty"`
	Forced        []int  `json:"forced,omitempty"`
	Stragglers    []int  `json:"stragglers,omitempty"`
	Survivors     []int  `json:"survivors,omitempty"`
	Message       string `json:"message"`
}

// Terminator ends process trees: a cooperative request to every member, a
// grace period, then a forceful pass over whatever is left, leaves first.
type Terminator struct {
	table        proctable.Table
	signaler     Signaler
	gracePeriod  time.Duration
	pollInterval time.Duration
	log          *slog.Logger
}

// Option configures a Terminator.
type Option func(*Terminator)

// WithSignaler replaces the platform signaler.
func WithSignaler(s Signaler) Option {
	return func(t *Terminator) {
		if s != nil {
			t.signaler = s
		}
	}
}

// WithGracePeriod sets how long members get to exit after the cooperative
// request.
func WithGracePeriod(d time.Duration) Option {
	return func(t *Terminator) {
		if d >= 0 {
			t.gracePeriod = d
		}
	}
}

// WithPollInterval sets how often the table is checked while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(t *Terminator) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithLogger sets the logger used for termination diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(t *Terminator) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTerminator constructs a Terminator over table using the platform
// signaler.
func NewTerminator(table proctable.Table, opts ...Option) *Terminator {
	t := &Terminator{
		table:        table,
		signaler:     SystemSignaler(),
		gracePeriod:  DefaultGracePeriod,
		pollInterval: DefaultPollInterval,
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Terminate ends the tree rooted at root. A root that is already gone is a
// success and no signal is sent. Members that exit on their own while the
// tree is being torn down never fail the call.
func (t *Terminator) Terminate(ctx context.Context, root int) (Outcome, error) {
	out := Outcome{Root: root}
	if root <= 0 {
		metrics.RecordTermination("failed")
		return out, &TerminationError{Kind: KindOther, PID: root, Err: fmt.Errorf("invalid pid %d", root)}
	}

	snap, err := t.table.Snapshot(ctx)
	if err != nil {
		metrics.RecordTermination("failed")
		return out, &TerminationError{Kind: KindOther, PID: root, Err: fmt.Errorf("read process table: %w", err)}
	}
	if !snap.Contains(root) {
		out.AlreadyExited = true
		out.Message = "already terminated"
		metrics.RecordTermination("already_exited")
		return out, nil
	}

	members := snap.Tree(root)
	var permErr, otherErr error
	note := func(pid int, err error) {
		switch {
		case errors.Is(err, ErrNoProcess):
		case errors.Is(err, fs.ErrPermission):
			if permErr == nil {
				permErr = err
			}
		default:
			if otherErr == nil {
				otherErr = err
			}
		}
		t.log.Debug("signal failed", "pid", pid, "root", root, "error", err)
	}

	if ti, ok := t.signaler.(TreeInterrupter); ok {
		if err := ti.InterruptTree(root); err != nil {
			note(root, err)
		} else {
			out.Graceful = pids(members)
		}
	} else {
		for _, m := range members {
			if err := t.signaler.Interrupt(m.PID); err != nil {
				note(m.PID, err)
				continue
			}
			out.Graceful = append(out.Graceful, m.PID)
		}
	}

	remaining := members
	if len(out.Graceful) > 0 {
		remaining, err = t.waitGone(ctx, members)
		if err != nil {
			metrics.RecordTermination("failed")
			return out, &TerminationError{Kind: KindOther, PID: root, Err: err}
		}
		if len(remaining) == 0 {
			out.Message = "terminated gracefully"
			metrics.RecordTermination("graceful")
			t.log.Debug("process tree terminated", "root", root, "members", len(members), "forced", 0)
			return out, nil
		}
	}

	// Members can fork while the grace period runs, so the closure is
	// recomputed. Members reparented away from root are still included.
	snap, err = t.table.Snapshot(ctx)
	if err != nil {
		metrics.RecordTermination("failed")
		return out, &TerminationError{Kind: KindOther, PID: root, Err: fmt.Errorf("read process table: %w", err)}
	}
	targets := escalationTargets(snap, root, remaining)
	rootTargeted := false
	var rootErr error
	for _, m := range targets {
		if m.PID == root {
			rootTargeted = true
		}
		err := t.signaler.Kill(m.PID)
		switch {
		case err == nil:
			out.Forced = append(out.Forced, m.PID)
		case errors.Is(err, ErrNoProcess):
			out.Stragglers = append(out.Stragglers, m.PID)
		default:
			note(m.PID, err)
			if m.PID == root {
				rootErr = err
			}
		}
	}

	var survivors []proctable.Member
	if len(out.Forced) > 0 {
		survivors, err = t.waitGone(ctx, forcedMembers(targets, out.Forced))
		if err != nil {
			metrics.RecordTermination("failed")
			return out, &TerminationError{Kind: KindOther, PID: root, Err: err}
		}
		out.Survivors = pids(survivors)
	}
	// Success is decided by the root alone. Descendants that could not be
	// signalled are logged and reported in the outcome.
	rootGone := !rootTargeted || (rootErr == nil && !slices.Contains(out.Survivors, root))
	switch {
	case rootGone:
		out.Message = "terminated"
		metrics.RecordTermination("forced")
		if permErr != nil || otherErr != nil {
			t.log.Warn("descendants could not be signalled", "root", root, "error", errors.Join(permErr, otherErr))
		}
		t.log.Debug("process tree terminated", "root", root, "members", len(targets), "forced", len(out.Forced), "stragglers", len(out.Stragglers))
		return out, nil
	case errors.Is(rootErr, fs.ErrPermission):
		metrics.RecordTermination("permission_denied")
		return out, &TerminationError{Kind: KindPermissionDenied, PID: root, Hint: PermissionHint, Err: rootErr}
	case rootErr != nil:
		metrics.RecordTermination("failed")
		return out, &TerminationError{Kind: KindOther, PID: root, Err: rootErr}
	default:
		metrics.RecordTermination("failed")
		return out, &TerminationError{Kind: KindOther, PID: root, Err: fmt.Errorf("%d processes still running after kill", len(survivors))}
	}
}

// waitGone polls until none of members is alive or the grace period ends,
// returning the members still alive.
func (t *Terminator) waitGone(ctx context.Context, members []proctable.Member) ([]proctable.Member, error) {
	deadline := time.Now().Add(t.gracePeriod)
	for {
		snap, err := t.table.Snapshot(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return members, ctxErr
			}
			return members, fmt.Errorf("read process table: %w", err)
		}
		members = stillAlive(snap, members)
		if len(members) == 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return members, nil
		}
		wait := t.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return members, ctx.Err()
		case <-timer.C:
		}
	}
}

// stillAlive filters members to those present in snap. A pid whose start
// time changed has been reused and no longer counts.
func stillAlive(snap *proctable.Snapshot, members []proctable.Member) []proctable.Member {
	var out []proctable.Member
	for _, m := range members {
		rec, ok := snap.Lookup(m.PID)
		if !ok || !sameProcess(rec, m.Record) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func sameProcess(a, b proctable.Record) bool {
	if a.StartTime.IsZero() || b.StartTime.IsZero() {
		return true
	}
	return a.StartTime.Equal(b.StartTime)
}

// escalationTargets merges the fresh closure of root with earlier members
// that are still alive, ordered deepest first and by pid descending within a
// depth.
func escalationTargets(snap *proctable.Snapshot, root int, earlier []proctable.Member) []proctable.Member {
	byPID := make(map[int]proctable.Member)
	for _, m := range snap.Tree(root) {
		byPID[m.PID] = m
	}
	for _, m := range stillAlive(snap, earlier) {
		if _, ok := byPID[m.PID]; !ok {
			byPID[m.PID] = m
		}
	}
	out := make([]proctable.Member, 0, len(byPID))
	for _, m := range byPID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth > out[j].Depth
		}
		return out[i].PID > out[j].PID
	})
	return out
}

func forcedMembers(targets []proctable.Member, forced []int) []proctable.Member {
	want := make(map[int]struct{}, len(forced))
	for _, pid := range forced {
		want[pid] = struct{}{}
	}
	var out []proctable.Member
	for _, m := range targets {
		if _, ok := want[m.PID]; ok {
			out = append(out, m)
		}
	}
	return out
}

func pids(members []proctable.Member) []int {
	out := make([]int, 0, len(members))
	for _, m := range members {
		out = append(out, m.PID)
	}
	return out
}

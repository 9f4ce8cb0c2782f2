// Package resolve finds the real worker process behind a wrapper executable.
//
// Shells, script runners and package manager shims fork the process a caller
// actually cares about. The resolver polls fresh process table snapshots for
// descendants of the launched pid and picks the most plausible worker.
package resolve

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Paintersrp/procsup/internal/metrics"
	"github.com/Paintersrp/procsup/internal/proctable"
)

const (
	DefaultMaxWait      = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// DefaultExcludeNames lists wrapper executables that are never reported as
// the worker. Matching is a case-insensitive substring test.
var DefaultExcludeNames = []string{
	"powershell",
	"pwsh",
	"cmd",
	"conhost",
	"bash",
	"sh",
	"zsh",
	"dash",
	"x-terminal-emulator",
	"npm",
	"npx",
	"yarn",
	"pnpm",
}

// Query describes one resolution.
type Query struct {
	ParentPID    int           `json:"parent_pid"`
	ExpectedName string        `json:"expected_name,omitempty"`
	ExcludeNames []string      `json:"exclude_names,omitempty"`
	MaxWait      time.Duration `json:"max_wait,omitempty"`
}

// Outcome records which rule picked the resolved pid.
type Outcome string

const (
	OutcomeHint     Outcome = "hint"
	OutcomeRoot     Outcome = "root"
	OutcomeEarliest Outcome = "earliest"
	OutcomeNone     Outcome = "none"
)

// Resolver polls a process table for the worker behind a wrapper pid.
type Resolver struct {
	table        proctable.Table
	pollInterval time.Duration
	maxWait      time.Duration
	exclude      []string
	log          *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPollInterval sets the delay between attempts.
func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithMaxWait sets the budget used when a query does not carry one.
func WithMaxWait(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

// WithExcludeNames replaces the default wrapper exclusion set.
func WithExcludeNames(names []string) Option {
	return func(r *Resolver) {
		if names != nil {
			r.exclude = append([]string(nil), names...)
		}
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// New constructs a Resolver over table.
func New(table proctable.Table, opts ...Option) *Resolver {
	r := &Resolver{
		table:        table,
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
		exclude:      append([]string(nil), DefaultExcludeNames...),
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExcludeNames returns the exclusion set applied to queries without their own.
func (r *Resolver) ExcludeNames() []string {
	return append([]string(nil), r.exclude...)
}

// Resolve polls until a worker is found, the wait budget is spent or ctx is
// done. At least one attempt is always made, and an unsuccessful resolve
// returns only after the full budget has elapsed. A missing result is a
// normal outcome: callers fall back to the pid they launched.
func (r *Resolver) Resolve(ctx context.Context, q Query) (int, bool) {
	maxWait := q.MaxWait
	if maxWait <= 0 {
		maxWait = r.maxWait
	}
	exclude := q.ExcludeNames
	if exclude == nil {
		exclude = r.exclude
	}
	hint := NormalizeHint(q.ExpectedName)

	start := time.Now()
	deadline := start.Add(maxWait)
	attempts := 0
	for {
		attempts++
		snap, err := r.table.Snapshot(ctx)
		if err != nil {
			r.log.Debug("process snapshot failed", "parent_pid", q.ParentPID, "attempt", attempts, "error", err)
		} else if pid, outcome := Select(snap, q.ParentPID, hint, exclude); outcome != OutcomeNone {
			metrics.ObserveResolve(string(outcome), time.Since(start))
			r.log.Debug("resolved worker process",
				"parent_pid", q.ParentPID,
				"pid", pid,
				"outcome", string(outcome),
				"attempts", attempts,
				"elapsed", time.Since(start),
			)
			return pid, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := r.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.ObserveResolve(string(OutcomeNone), time.Since(start))
			return 0, false
		case <-timer.C:
		}
	}

	metrics.ObserveResolve(string(OutcomeNone), time.Since(start))
	r.log.Debug("no worker process found", "parent_pid", q.ParentPID, "attempts", attempts, "max_wait", maxWait)
	return 0, false
}

// Select applies the resolution rules to a single snapshot:
//
//  1. Descendants of parent are walked breadth first. Excluded wrappers are
//     walked through but never collected.
//  2. With a hint, the first collected process whose name contains it wins.
//  3. Otherwise the earliest started root candidate wins, where a root
//     candidate is a collected process whose parent was not collected.
//  4. Otherwise the earliest started collected process wins.
func Select(snap *proctable.Snapshot, parent int, hint string, exclude []string) (int, Outcome) {
	if snap == nil {
		return 0, OutcomeNone
	}
	var collected []proctable.Record
	inSet := make(map[int]struct{})
	for _, m := range snap.Descendants(parent) {
		if proctable.NameContainsAny(m.Name, exclude) {
			continue
		}
		collected = append(collected, m.Record)
		inSet[m.PID] = struct{}{}
	}
	if len(collected) == 0 {
		return 0, OutcomeNone
	}

	if hint != "" {
		for _, rec := range collected {
			if strings.Contains(strings.ToLower(rec.Name), hint) {
				return rec.PID, OutcomeHint
			}
		}
	}

	var roots []proctable.Record
	for _, rec := range collected {
		if _, ok := inSet[rec.PPID]; !ok {
			roots = append(roots, rec)
		}
	}
	if len(roots) > 0 {
		return earliest(roots).PID, OutcomeRoot
	}
	return earliest(collected).PID, OutcomeEarliest
}

func earliest(records []proctable.Record) proctable.Record {
	sorted := append([]proctable.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.PID < b.PID
	})
	return sorted[0]
}

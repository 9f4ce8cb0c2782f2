// Package proctable reads the operating system's live process listing.
//
// Every query takes a fresh snapshot. Nothing in this package caches process
// state across calls, and a Snapshot is never mutated after construction.
package proctable

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is a read-only view of a single live process.
type Record struct {
	PID       int       `json:"pid"`
	PPID      int       `json:"ppid"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
}

// Table produces snapshots of the live process listing.
type Table interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// TableFunc adapts a function to the Table interface.
type TableFunc func(ctx context.Context) (*Snapshot, error)

// Snapshot calls f(ctx).
func (f TableFunc) Snapshot(ctx context.Context) (*Snapshot, error) {
	return f(ctx)
}

// Snapshot is an immutable, indexed copy of the process listing taken at a
// single point in time.
type Snapshot struct {
	TakenAt  time.Time
	records  []Record
	byPID    map[int]int
	children map[int][]int
}

// NewSnapshot indexes records. When a pid appears more than once the last
// record wins.
func NewSnapshot(records []Record) *Snapshot {
	s := &Snapshot{
		TakenAt:  time.Now(),
		records:  make([]Record, 0, len(records)),
		byPID:    make(map[int]int, len(records)),
		children: make(map[int][]int),
	}
	for _, rec := range records {
		if rec.PID <= 0 {
			continue
		}
		if idx, dup := s.byPID[rec.PID]; dup {
			s.records[idx] = rec
			continue
		}
		s.byPID[rec.PID] = len(s.records)
		s.records = append(s.records, rec)
	}
	for _, rec := range s.records {
		if rec.PPID == rec.PID {
			continue
		}
		s.children[rec.PPID] = append(s.children[rec.PPID], rec.PID)
	}
	for ppid := range s.children {
		sort.Ints(s.children[ppid])
	}
	return s
}

// Len reports the number of live processes in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// Records returns a copy of every record ordered by pid.
func (s *Snapshot) Records() []Record {
	if s == nil {
		return nil
	}
	out := append([]Record(nil), s.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Lookup returns the record for pid.
func (s *Snapshot) Lookup(pid int) (Record, bool) {
	if s == nil {
		return Record{}, false
	}
	idx, ok := s.byPID[pid]
	if !ok {
		return Record{}, false
	}
	return s.records[idx], true
}

// Contains reports whether pid is live in the snapshot.
func (s *Snapshot) Contains(pid int) bool {
	_, ok := s.Lookup(pid)
	return ok
}

// Children returns the direct children of pid ordered by pid.
func (s *Snapshot) Children(pid int) []Record {
	if s == nil {
		return nil
	}
	pids := s.children[pid]
	out := make([]Record, 0, len(pids))
	for _, child := range pids {
		out = append(out, s.records[s.byPID[child]])
	}
	return out
}

// Member is a process discovered while walking a tree, annotated with its
// distance from the root.
type Member struct {
	Record
	Depth int
}

// Descendants walks the tree rooted at root breadth-first and returns every
// transitive descendant. The root itself is not included and need not be
// live. Each pid is visited at most once, so inconsistent parent links caused
// by pid reuse cannot loop.
func (s *Snapshot) Descendants(root int) []Member {
	if s == nil {
		return nil
	}
	visited := map[int]struct{}{root: {}}
	var out []Member
	queue := []Member{{Record: Record{PID: root}, Depth: 0}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range s.Children(current.PID) {
			if _, seen := visited[child.PID]; seen {
				continue
			}
			visited[child.PID] = struct{}{}
			member := Member{Record: child, Depth: current.Depth + 1}
			out = append(out, member)
			queue = append(queue, member)
		}
	}
	return out
}

// Tree returns the root (when live) followed by its descendants.
func (s *Snapshot) Tree(root int) []Member {
	var out []Member
	if rec, ok := s.Lookup(root); ok {
		out = append(out, Member{Record: rec})
	}
	return append(out, s.Descendants(root)...)
}

// NameContainsAny reports whether name contains any of the needles, ignoring
// case. Empty needles never match.
func NameContainsAny(name string, needles []string) bool {
	lower := strings.ToLower(name)
	for _, needle := range needles {
		needle = strings.ToLower(strings.TrimSpace(needle))
		if needle == "" {
			continue
		}
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Static is an in-memory Table. It is safe for concurrent use and may be
// mutated between snapshots, which makes it a stand-in for the OS in tests.
type Static struct {
	mu      sync.Mutex
	records map[int]Record
	err     error
}

// NewStatic constructs a table holding the provided records.
func NewStatic(records ...Record) *Static {
	t := &Static{records: make(map[int]Record, len(records))}
	for _, rec := range records {
		t.records[rec.PID] = rec
	}
	return t
}

// Snapshot returns a copy of the current records.
func (t *Static) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	records := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		records = append(records, rec)
	}
	return NewSnapshot(records), nil
}

// Add inserts or replaces a record.
func (t *Static) Add(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.PID] = rec
}

// Remove deletes a record, reporting whether it was present.
func (t *Static) Remove(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[pid]; !ok {
		return false
	}
	delete(t.records, pid)
	return true
}

// SetError makes subsequent snapshots fail with err. A nil err clears it.
func (t *Static) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

var _ Table = (*Static)(nil)

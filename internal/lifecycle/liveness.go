// Package lifecycle answers liveness questions about pids and terminates
// whole process trees with escalating force.
package lifecycle

import (
	"context"

	"github.com/Paintersrp/procsup/internal/proctable"
)

// Checker reports whether pids are currently alive.
type Checker struct {
	table proctable.Table
}

// NewChecker constructs a Checker over table.
func NewChecker(table proctable.Table) *Checker {
	return &Checker{table: table}
}

// IsAlive takes a fresh snapshot and reports whether pid is in it. Failures
// to read the process table report false.
func (c *Checker) IsAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	snap, err := c.table.Snapshot(ctx)
	if err != nil {
		return false
	}
	return snap.Contains(pid)
}

//go:build linux

package proctable

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

type systemTable struct {
	mountPoint string
}

// System returns the Table backed by the host operating system.
func System() Table {
	return &systemTable{mountPoint: procfs.DefaultMountPoint}
}

func (t *systemTable) Snapshot(ctx context.Context) (*Snapshot, error) {
	fs, err := procfs.NewFS(t.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	records := make([]Record, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stat, err := p.Stat()
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		if stat.State == "Z" || stat.State == "X" {
			continue
		}
		rec := Record{PID: stat.PID, PPID: stat.PPID, Name: stat.Comm}
		if secs, err := stat.StartTime(); err == nil {
			rec.StartTime = epochSeconds(secs)
		}
		records = append(records, rec)
	}
	return NewSnapshot(records), nil
}

// epochSeconds converts fractional seconds since the epoch. The same input
// always yields the same instant, so start times compare equal across
// snapshots.
func epochSeconds(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second)))
}

//go:build !linux

package proctable

import (
	"context"
	"fmt"

	ps "github.com/mitchellh/go-ps"
)

type systemTable struct{}

// System returns the Table backed by the host operating system.
func System() Table {
	return systemTable{}
}

func (systemTable) Snapshot(ctx context.Context) (*Snapshot, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	records := make([]Record, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := Record{PID: p.Pid(), PPID: p.PPid(), Name: p.Executable()}
		rec.StartTime = startTime(rec.PID)
		records = append(records, rec)
	}
	return NewSnapshot(records), nil
}

package proctable_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	stdruntime "runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/procsup/internal/proctable"
)

func sampleTree() []proctable.Record {
	base := time.Unix(1_700_000_000, 0)
	return []proctable.Record{
		{PID: 1, PPID: 0, Name: "init", StartTime: base},
		{PID: 10, PPID: 1, Name: "bash", StartTime: base.Add(time.Second)},
		{PID: 11, PPID: 10, Name: "node", StartTime: base.Add(2 * time.Second)},
		{PID: 12, PPID: 11, Name: "esbuild", StartTime: base.Add(3 * time.Second)},
		{PID: 13, PPID: 10, Name: "tail", StartTime: base.Add(4 * time.Second)},
		{PID: 20, PPID: 1, Name: "sshd", StartTime: base.Add(5 * time.Second)},
	}
}

func TestSnapshotDescendantsBreadthFirst(t *testing.T) {
	snap := proctable.NewSnapshot(sampleTree())

	members := snap.Descendants(10)
	require.Len(t, members, 3)

	var pids []int
	depths := map[int]int{}
	for _, m := range members {
		pids = append(pids, m.PID)
		depths[m.PID] = m.Depth
	}
	assert.Equal(t, []int{11, 13, 12}, pids)
	assert.Equal(t, map[int]int{11: 1, 13: 1, 12: 2}, depths)
}

func TestSnapshotDescendantsOfMissingRoot(t *testing.T) {
	snap := proctable.NewSnapshot(sampleTree())

	assert.Empty(t, snap.Descendants(999))
	assert.False(t, snap.Contains(999))
}

func TestSnapshotDescendantsSurvivesParentCycles(t *testing.T) {
	snap := proctable.NewSnapshot([]proctable.Record{
		{PID: 5, PPID: 6, Name: "a"},
		{PID: 6, PPID: 5, Name: "b"},
	})

	members := snap.Descendants(5)
	require.Len(t, members, 1)
	assert.Equal(t, 6, members[0].PID)
}

func TestSnapshotTreeIncludesLiveRoot(t *testing.T) {
	snap := proctable.NewSnapshot(sampleTree())

	tree := snap.Tree(11)
	require.Len(t, tree, 2)
	assert.Equal(t, 11, tree[0].PID)
	assert.Equal(t, 0, tree[0].Depth)
	assert.Equal(t, 12, tree[1].PID)
}

func TestSnapshotIgnoresInvalidPIDs(t *testing.T) {
	snap := proctable.NewSnapshot([]proctable.Record{{PID: 0, Name: "idle"}, {PID: -4}, {PID: 3, Name: "x"}})

	assert.Equal(t, 1, snap.Len())
	rec, ok := snap.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "x", rec.Name)
}

func TestNameContainsAny(t *testing.T) {
	tests := []struct {
		name    string
		process string
		needles []string
		want    bool
	}{
		{name: "exactMatch", process: "bash", needles: []string{"bash"}, want: true},
		{name: "caseInsensitive", process: "PowerShell.exe", needles: []string{"powershell"}, want: true},
		{name: "substring", process: "x-terminal-emulator", needles: []string{"terminal"}, want: true},
		{name: "noMatch", process: "sleep", needles: []string{"sh", "bash"}, want: false},
		{name: "emptyNeedleIgnored", process: "sleep", needles: []string{"", "  "}, want: false},
		{name: "noNeedles", process: "sleep", needles: nil, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, proctable.NameContainsAny(tc.process, tc.needles))
		})
	}
}

func TestStaticTableMutations(t *testing.T) {
	table := proctable.NewStatic(sampleTree()...)
	ctx := context.Background()

	snap, err := table.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Contains(12))

	assert.True(t, table.Remove(12))
	assert.False(t, table.Remove(12))
	assert.True(t, snap.Contains(12), "earlier snapshots must not observe later mutations")

	snap, err = table.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Contains(12))

	boom := errors.New("boom")
	table.SetError(boom)
	_, err = table.Snapshot(ctx)
	require.ErrorIs(t, err, boom)
}

func TestSystemSnapshotSeesChildProcess(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("test uses unix sleep command")
	}

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	snap, err := proctable.System().Snapshot(context.Background())
	require.NoError(t, err)

	rec, ok := snap.Lookup(cmd.Process.Pid)
	require.True(t, ok, "spawned child should be listed")
	assert.Equal(t, os.Getpid(), rec.PPID)
	assert.Contains(t, rec.Name, "sleep")
	if stdruntime.GOOS == "linux" {
		assert.False(t, rec.StartTime.IsZero())
		assert.WithinDuration(t, time.Now(), rec.StartTime, time.Minute)
	}
}

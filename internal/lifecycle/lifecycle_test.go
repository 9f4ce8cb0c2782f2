package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	stdruntime "runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/procsup/internal/proctable"
)

type signalCall struct {
	kind string
	pid  int
}

// fakeSignaler applies signals to a static table.
type fakeSignaler struct {
	mu       sync.Mutex
	table    *proctable.Static
	calls    []signalCall
	stubborn map[int]bool
	denied   map[int]bool
	vanish   map[int]bool

	onInterrupt func(pid int)
}

func newFakeSignaler(table *proctable.Static) *fakeSignaler {
	return &fakeSignaler{
		table:    table,
		stubborn: map[int]bool{},
		denied:   map[int]bool{},
		vanish:   map[int]bool{},
	}
}

func (f *fakeSignaler) Interrupt(pid int) error {
	f.mu.Lock()
	f.calls = append(f.calls, signalCall{"interrupt", pid})
	hook := f.onInterrupt
	denied, stubborn := f.denied[pid], f.stubborn[pid]
	f.mu.Unlock()

	if hook != nil {
		hook(pid)
	}
	if denied {
		return fmt.Errorf("signal %d: %w", pid, fs.ErrPermission)
	}
	if stubborn {
		return nil
	}
	if !f.table.Remove(pid) {
		return ErrNoProcess
	}
	return nil
}

func (f *fakeSignaler) Kill(pid int) error {
	f.mu.Lock()
	f.calls = append(f.calls, signalCall{"kill", pid})
	denied, vanish := f.denied[pid], f.vanish[pid]
	f.mu.Unlock()

	if denied {
		return fmt.Errorf("signal %d: %w", pid, fs.ErrPermission)
	}
	if vanish {
		f.table.Remove(pid)
		return fmt.Errorf("signal %d: %w", pid, ErrNoProcess)
	}
	if !f.table.Remove(pid) {
		return ErrNoProcess
	}
	return nil
}

func (f *fakeSignaler) recorded(kind string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c.pid)
		}
	}
	return out
}

//	10 app
//	├── 11 worker
//	│   └── 12 helper
//	└── 13 watcher
func appTree() *proctable.Static {
	base := time.Unix(1_700_000_000, 0)
	return proctable.NewStatic(
		proctable.Record{PID: 1, Name: "init", StartTime: base},
		proctable.Record{PID: 10, PPID: 1, Name: "app", StartTime: base.Add(time.Second)},
		proctable.Record{PID: 11, PPID: 10, Name: "worker", StartTime: base.Add(2 * time.Second)},
		proctable.Record{PID: 12, PPID: 11, Name: "helper", StartTime: base.Add(3 * time.Second)},
		proctable.Record{PID: 13, PPID: 10, Name: "watcher", StartTime: base.Add(4 * time.Second)},
	)
}

func newTestTerminator(table proctable.Table, sig Signaler) *Terminator {
	return NewTerminator(table,
		WithSignaler(sig),
		WithGracePeriod(60*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
	)
}

func TestTerminateAlreadyExitedRootSendsNoSignal(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 4242)
	require.NoError(t, err)
	assert.True(t, out.AlreadyExited)
	assert.Equal(t, "already terminated", out.Message)
	assert.Empty(t, sig.recorded("interrupt"))
	assert.Empty(t, sig.recorded("kill"))
}

func TestTerminateGracefulTree(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{10, 11, 13, 12}, out.Graceful)
	assert.Empty(t, out.Forced)
	assert.Empty(t, sig.recorded("kill"))

	snap, err := table.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Tree(10))
}

func TestTerminateEscalatesLeavesFirst(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)
	for _, pid := range []int{10, 11, 12, 13} {
		sig.stubborn[pid] = true
	}

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 13, 11, 10}, sig.recorded("kill"))
	assert.Equal(t, []int{12, 13, 11, 10}, out.Forced)
	assert.Empty(t, out.Survivors)
	assert.Equal(t, "terminated", out.Message)
}

func TestTerminateKillsMembersReparentedDuringGrace(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)
	sig.stubborn[11] = true
	sig.stubborn[12] = true
	base := time.Unix(1_700_000_000, 0)
	sig.onInterrupt = func(pid int) {
		if pid == 10 {
			// The root exits and its stubborn child is adopted by init.
			table.Add(proctable.Record{PID: 11, PPID: 1, Name: "worker", StartTime: base.Add(2 * time.Second)})
		}
	}

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{11, 12}, out.Forced)

	snap, err := table.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Contains(11))
	assert.False(t, snap.Contains(12))
}

func TestTerminateToleratesStragglers(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)
	for _, pid := range []int{10, 11, 12, 13} {
		sig.stubborn[pid] = true
	}
	sig.vanish[12] = true
	sig.vanish[13] = true

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{12, 13}, out.Stragglers)
	assert.Equal(t, []int{11, 10}, out.Forced)
}

func TestTerminatePermissionDenied(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)
	for _, pid := range []int{10, 11, 12, 13} {
		sig.denied[pid] = true
	}

	start := time.Now()
	_, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.Error(t, err)

	var termErr *TerminationError
	require.True(t, errors.As(err, &termErr))
	assert.Equal(t, KindPermissionDenied, termErr.Kind)
	assert.Equal(t, 10, termErr.PID)
	assert.NotEmpty(t, termErr.Hint)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.Contains(t, err.Error(), "elevated privileges")
	assert.Less(t, time.Since(start), time.Second, "no grace wait when nothing accepted the interrupt")
}

func TestTerminatePartialPermissionStillSucceeds(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)
	for _, pid := range []int{10, 11, 12, 13} {
		sig.stubborn[pid] = true
	}
	sig.denied[13] = true

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 11, 10}, out.Forced)
}

func TestTerminateRootPermissionDeniedFailsEvenWhenChildrenDie(t *testing.T) {
	table := appTree()
	sig := newFakeSignaler(table)
	for _, pid := range []int{10, 11, 12, 13} {
		sig.stubborn[pid] = true
	}
	sig.denied[10] = true

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.Error(t, err)

	var termErr *TerminationError
	require.True(t, errors.As(err, &termErr))
	assert.Equal(t, KindPermissionDenied, termErr.Kind)
	assert.Equal(t, 10, termErr.PID)
	assert.Equal(t, []int{12, 13, 11}, out.Forced)
	assert.Empty(t, out.Message)

	snap, err := table.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Contains(10), "root must still be running")
	assert.False(t, snap.Contains(11))
}

func TestTerminateSurvivingRootFails(t *testing.T) {
	table := appTree()
	sig := &immortalSignaler{fakeSignaler: newFakeSignaler(table), immortal: 10}
	for _, pid := range []int{10, 11, 12, 13} {
		sig.stubborn[pid] = true
	}

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, out.Survivors, 10)
	assert.Contains(t, err.Error(), "still running")
}

// immortalSignaler reports success for kills of one pid without removing it.
type immortalSignaler struct {
	*fakeSignaler
	immortal int
}

func (s *immortalSignaler) Kill(pid int) error {
	if pid == s.immortal {
		s.mu.Lock()
		s.calls = append(s.calls, signalCall{"kill", pid})
		s.mu.Unlock()
		return nil
	}
	return s.fakeSignaler.Kill(pid)
}

func TestTerminateSnapshotFailure(t *testing.T) {
	table := appTree()
	boom := errors.New("procfs unavailable")
	table.SetError(boom)

	_, err := newTestTerminator(table, newFakeSignaler(table)).Terminate(context.Background(), 10)
	var termErr *TerminationError
	require.True(t, errors.As(err, &termErr))
	assert.Equal(t, KindOther, termErr.Kind)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrTerminationFailed)
}

type treeSignaler struct {
	*fakeSignaler
	trees []int
}

func (s *treeSignaler) InterruptTree(pid int) error {
	s.trees = append(s.trees, pid)
	snap, _ := s.table.Snapshot(context.Background())
	for _, m := range snap.Tree(pid) {
		s.table.Remove(m.PID)
	}
	return nil
}

func TestTerminateUsesNativeTreeInterrupt(t *testing.T) {
	table := appTree()
	sig := &treeSignaler{fakeSignaler: newFakeSignaler(table)}

	out, err := newTestTerminator(table, sig).Terminate(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{10}, sig.trees)
	assert.Empty(t, sig.recorded("interrupt"))
	assert.ElementsMatch(t, []int{10, 11, 12, 13}, out.Graceful)
}

func TestCheckerIsAlive(t *testing.T) {
	table := appTree()
	checker := NewChecker(table)
	ctx := context.Background()

	assert.True(t, checker.IsAlive(ctx, 11))
	assert.False(t, checker.IsAlive(ctx, 999))
	assert.False(t, checker.IsAlive(ctx, 0))
	assert.False(t, checker.IsAlive(ctx, -1))

	table.SetError(errors.New("boom"))
	assert.False(t, checker.IsAlive(ctx, 11))
}

func TestSystemCheckerNonexistentPID(t *testing.T) {
	checker := NewChecker(proctable.System())

	assert.True(t, checker.IsAlive(context.Background(), os.Getpid()))
	assert.False(t, checker.IsAlive(context.Background(), 99_999_999))
}

func TestTerminateLiveTree(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("test uses unix shell")
	}

	cmd := exec.Command("sh", "-c", "sleep 30 & sleep 30 & wait")
	require.NoError(t, cmd.Start())
	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-reaped
	})

	table := proctable.System()
	root := cmd.Process.Pid
	var children []int
	require.Eventually(t, func() bool {
		snap, err := table.Snapshot(context.Background())
		if err != nil {
			return false
		}
		children = children[:0]
		for _, c := range snap.Children(root) {
			children = append(children, c.PID)
		}
		return len(children) == 2
	}, 2*time.Second, 20*time.Millisecond)

	out, err := NewTerminator(table).Terminate(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, out.AlreadyExited)

	checker := NewChecker(table)
	for _, pid := range append([]int{root}, children...) {
		pid := pid
		assert.Eventually(t, func() bool {
			return !checker.IsAlive(context.Background(), pid)
		}, 2*time.Second, 20*time.Millisecond, "pid %d should be gone", pid)
	}
}

package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/rcomp/internal/headroom"
	"github.com/ocx/rcomp/internal/workerpool"
)

type fakeExecutor struct {
	active   map[uint64]chan struct{}
	signaled []uint64
	delay    time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{active: make(map[uint64]chan struct{})}
}

func (f *fakeExecutor) addBuild(id uint64) {
	f.active[id] = make(chan struct{})
}

func (f *fakeExecutor) RequestCancel(buildID uint64, reason string, force bool) bool {
	ch, ok := f.active[buildID]
	if !ok {
		return false
	}
	f.signaled = append(f.signaled, buildID)
	go func() {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		close(ch)
	}()
	return true
}

func (f *fakeExecutor) Wait(buildID uint64) <-chan struct{} {
	ch, ok := f.active[buildID]
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return ch
}

func TestCancel_ReleasesSlotsOnCleanFinish(t *testing.T) {
	pool := workerpool.New()
	pool.AddWorker(workerpool.Config{ID: "w1", TotalSlots: 4})
	guard, ok := pool.TryAcquireSlots("w1", 2)
	require.True(t, ok, "failed to acquire slots")

	ledger := headroom.NewLedger()
	ledger.Charge(1, "w1", 2, headroom.Prediction{Expected: 1000}, time.Time{})

	exec := newFakeExecutor()
	exec.addBuild(1)

	orch := New(exec, pool, ledger)
	orch.RegisterGuard(1, guard)

	receipt, err := orch.Cancel(context.Background(), 1, ReasonClientRequest, false)
	require.NoError(t, err)
	require.Equal(t, uint64(1), receipt.BuildID)

	if r, found := ledger.Get(1); found {
		require.Equal(t, headroom.ReservationReleased, r.Status, "expected reservation to be released")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	pool := workerpool.New()
	pool.AddWorker(workerpool.Config{ID: "w1", TotalSlots: 4})
	ledger := headroom.NewLedger()
	exec := newFakeExecutor()
	exec.addBuild(5)

	guard, ok := pool.TryAcquireSlots("w1", 1)
	require.True(t, ok, "failed to acquire slots")

	orch := New(exec, pool, ledger)
	orch.RegisterGuard(5, guard)

	first, err := orch.Cancel(context.Background(), 5, ReasonTimeout, false)
	require.NoError(t, err)
	second, err := orch.Cancel(context.Background(), 5, ReasonClientRequest, false)
	require.NoError(t, err)
	require.Equal(t, first.Reason, second.Reason, "duplicate Cancel must return the original receipt")
}

func TestCancel_WatchdogForceReleasesSlots(t *testing.T) {
	pool := workerpool.New()
	pool.AddWorker(workerpool.Config{ID: "w1", TotalSlots: 4})
	guard, ok := pool.TryAcquireSlots("w1", 3)
	require.True(t, ok, "failed to acquire slots")

	ledger := headroom.NewLedger()
	ledger.Charge(9, "w1", 3, headroom.Prediction{Expected: 500}, time.Time{})

	exec := newFakeExecutor()
	exec.addBuild(9)
	exec.delay = Watchdog + 2*time.Second // exceeds the watchdog, forcing release

	orch := New(exec, pool, ledger)
	orch.RegisterGuard(9, guard)

	start := time.Now()
	receipt, err := orch.Cancel(context.Background(), 9, ReasonStuckDetector, true)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.GreaterOrEqualf(t, elapsed, Watchdog, "Cancel returned before the watchdog elapsed: %v", elapsed)
	require.True(t, receipt.Forced, "expected Forced=true")

	st, _ := pool.Get("w1")
	require.Equal(t, uint32(4), st.AvailableSlots(), "slots not released after watchdog")

	if r, ok := ledger.Get(9); ok {
		require.Equal(t, headroom.ReservationReleased, r.Status, "reservation not released after watchdog")
	}
}

func TestCancel_UnknownBuildErrors(t *testing.T) {
	pool := workerpool.New()
	ledger := headroom.NewLedger()
	exec := newFakeExecutor()
	orch := New(exec, pool, ledger)

	_, err := orch.Cancel(context.Background(), 999, ReasonClientRequest, false)
	require.Error(t, err, "expected an error cancelling a build the executor does not know about")
}

package workerpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, totalSlots uint32) (*Pool, string) {
	t.Helper()
	p := New()
	p.AddWorker(Config{ID: "w1", TotalSlots: totalSlots})
	return p, "w1"
}

func TestTryAcquireSlots_NeverOvercommits(t *testing.T) {
	p, id := newTestPool(t, 4)
	var wg sync.WaitGroup
	successes := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := p.TryAcquireSlots(id, 1)
			successes <- ok
		}()
	}
	wg.Wait()
	close(successes)
	count := 0
	for ok := range successes {
		if ok {
			count++
		}
	}
	require.Equal(t, 4, count, "expected exactly 4 successful acquisitions")
	st, _ := p.Get(id)
	require.Equal(t, uint32(4), st.UsedSlots())
}

func TestAcquireWithNEqualTotal_SucceedsOnceThenRefuses(t *testing.T) {
	p, id := newTestPool(t, 2)
	g, ok := p.TryAcquireSlots(id, 2)
	require.True(t, ok, "expected first acquisition of n=total to succeed")

	_, ok = p.TryAcquireSlots(id, 1)
	require.False(t, ok, "expected second acquisition to fail")

	g.Release()
	_, ok = p.TryAcquireSlots(id, 2)
	require.True(t, ok, "expected acquisition to succeed after release")
}

func TestSlotGuard_ReleaseIsIdempotent(t *testing.T) {
	p, id := newTestPool(t, 1)
	g, _ := p.TryAcquireSlots(id, 1)
	g.Release()
	g.Release()
	st, _ := p.Get(id)
	require.Equal(t, uint32(0), st.UsedSlots(), "used slots after double release")
}

func TestDisabledWorkerRejectsAcquisitionButAllowsRelease(t *testing.T) {
	p, id := newTestPool(t, 2)
	p.SetStatus(id, StatusDisabled)
	_, ok := p.TryAcquireSlots(id, 1)
	require.False(t, ok, "expected Disabled worker to reject acquisition")
	p.ReleaseSlots(id, 0) // no-op, but must not panic
}

func TestAddWorker_DuplicateIDPanics(t *testing.T) {
	p := New()
	p.AddWorker(Config{ID: "dup", TotalSlots: 1})
	require.Panics(t, func() {
		p.AddWorker(Config{ID: "dup", TotalSlots: 1})
	}, "expected panic on duplicate worker id")
}

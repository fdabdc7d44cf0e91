package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/rcomp/internal/circuitbreaker"
	"github.com/ocx/rcomp/internal/workerpool"
)

type scriptedProber struct {
	results map[string][]error // per-worker queue of results, FIFO
}

func (p *scriptedProber) Probe(ctx context.Context, workerID string) error {
	q := p.results[workerID]
	if len(q) == 0 {
		return nil
	}
	err := q[0]
	p.results[workerID] = q[1:]
	return err
}

func newPoolWithWorker(id string) *workerpool.Pool {
	p := workerpool.New()
	p.AddWorker(workerpool.Config{ID: id, TotalSlots: 4})
	return p
}

func TestMonitor_SuccessKeepsHealthy(t *testing.T) {
	pool := newPoolWithWorker("w1")
	prober := &scriptedProber{results: map[string][]error{}}
	m := NewMonitor(pool, prober, DefaultConfig())
	m.Run(context.Background(), time.Now())
	st, _ := pool.Get("w1")
	require.Equal(t, workerpool.StatusHealthy, st.Status())
}

func TestMonitor_FailuresMarkDegradedThenUnreachable(t *testing.T) {
	pool := newPoolWithWorker("w1")
	failErr := errors.New("probe failed")
	prober := &scriptedProber{results: map[string][]error{"w1": {failErr}}}
	cfg := DefaultConfig()
	m := NewMonitor(pool, prober, cfg)
	now := time.Now()

	m.Run(context.Background(), now)
	st, _ := pool.Get("w1")
	require.Equalf(t, workerpool.StatusDegraded, st.Status(), "after 1 failure")

	// Advance past the Unreachable window. One failure leaves the breaker
	// Closed (FailureThreshold=3), so this pass probes again; that probe
	// fails with no success for longer than the window, so the worker is
	// promoted to Unreachable.
	now = now.Add(cfg.Interval*time.Duration(cfg.UnreachableAfter) + time.Second)
	prober.results["w1"] = []error{failErr}
	m.Run(context.Background(), now)
	require.Equalf(t, workerpool.StatusUnreachable, st.Status(), "after exceeding the unreachable window")
}

func TestMonitor_RecoveryAfterCircuitOpenGoesHealthy(t *testing.T) {
	pool := newPoolWithWorker("w1")
	failErr := errors.New("down")
	cfg := DefaultConfig()
	prober := &scriptedProber{results: map[string][]error{}}
	m := NewMonitor(pool, prober, cfg)
	st, _ := pool.Get("w1")
	now := time.Now()

	// Three consecutive failures trip the breaker Open (FailureThreshold=3).
	for i := 0; i < 3; i++ {
		prober.results["w1"] = []error{failErr}
		now = now.Add(time.Second)
		m.Run(context.Background(), now)
	}
	require.Equal(t, circuitbreaker.StateOpen, st.Breaker.State(now), "expected breaker to be Open after 3 failures")
	require.Equal(t, workerpool.StatusDegraded, st.Status(), "expected Degraded while within the unreachable window")

	// Advance past the cooldown (but still within the unreachable window) and
	// let the HalfOpen probe succeed.
	now = now.Add(st.Breaker.CooldownUntil().Sub(now) + time.Second)
	prober.results["w1"] = nil
	m.Run(context.Background(), now)
	require.Equal(t, workerpool.StatusHealthy, st.Status(), "expected recovery to Healthy")
}

func TestMonitor_DisabledWorkerIsNeverProbed(t *testing.T) {
	pool := newPoolWithWorker("w1")
	pool.SetStatus("w1", workerpool.StatusDisabled)
	prober := &scriptedProber{results: map[string][]error{}}
	m := NewMonitor(pool, prober, DefaultConfig())
	m.Run(context.Background(), time.Now())
	st, _ := pool.Get("w1")
	require.Equal(t, workerpool.StatusDisabled, st.Status(), "expected Disabled status to be left untouched")
}

func TestMonitor_DrainingWorkerIsNeverProbed(t *testing.T) {
	pool := newPoolWithWorker("w1")
	pool.SetStatus("w1", workerpool.StatusDraining)
	prober := &scriptedProber{results: map[string][]error{}}
	m := NewMonitor(pool, prober, DefaultConfig())
	m.Run(context.Background(), time.Now())
	st, _ := pool.Get("w1")
	require.Equal(t, workerpool.StatusDraining, st.Status(), "expected Draining status to be left untouched")
}

func TestConfig_NextInterval_WithinJitterBounds(t *testing.T) {
	cfg := DefaultConfig()
	for i := 0; i < 50; i++ {
		d := cfg.NextInterval()
		min := time.Duration(float64(cfg.Interval) * (1 - cfg.JitterFraction))
		max := time.Duration(float64(cfg.Interval) * (1 + cfg.JitterFraction))
		require.GreaterOrEqualf(t, d, min, "jittered interval %v outside [%v, %v]", d, min, max)
		require.LessOrEqualf(t, d, max, "jittered interval %v outside [%v, %v]", d, min, max)
	}
}

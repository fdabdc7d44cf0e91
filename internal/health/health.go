// Package health runs the periodic liveness probe loop that drives each
// worker's circuit breaker and administrative status.
//
// Grounded on the internal/monitoring probe-loop style (jittered
// ticker per target, result fed into a per-target state machine), adapted
// from service uptime probing to worker liveness probing.
package health

import (
	"context"
	"math/rand"
	"time"

	"github.com/ocx/rcomp/internal/workerpool"
)

// Prober performs one liveness probe against a worker and reports success.
type Prober interface {
	Probe(ctx context.Context, workerID string) error
}

// Config tunes the monitor's probe cadence and status thresholds.
type Config struct {
	Interval         time.Duration
	JitterFraction   float64 // 0-1, applied symmetrically around Interval
	UnreachableAfter int     // windows of Interval with no successful probe before Unreachable
}

// DefaultConfig probes every worker every 15s (jittered), marking a worker
// Unreachable once 4 probe windows have passed with no successful probe.
func DefaultConfig() Config {
	return Config{Interval: 15 * time.Second, JitterFraction: 0.2, UnreachableAfter: 4}
}

// Monitor drives the probe loop for every worker in a pool.
type Monitor struct {
	pool   *workerpool.Pool
	prober Prober
	cfg    Config

	lastSuccess map[string]time.Time
}

// NewMonitor builds a monitor bound to pool, using prober for liveness checks.
func NewMonitor(pool *workerpool.Pool, prober Prober, cfg Config) *Monitor {
	return &Monitor{pool: pool, prober: prober, cfg: cfg, lastSuccess: make(map[string]time.Time)}
}

// Run probes every worker in pool once, updating status and circuit state.
// Callers loop this on their own jittered ticker via NextInterval.
func (m *Monitor) Run(ctx context.Context, now time.Time) {
	for _, st := range m.pool.AllWorkers() {
		m.probeOne(ctx, st, now)
	}
}

func (m *Monitor) unreachableThreshold() time.Duration {
	return time.Duration(m.cfg.UnreachableAfter) * m.cfg.Interval
}

func (m *Monitor) probeOne(ctx context.Context, st *workerpool.State, now time.Time) {
	status := st.Status()
	if status == workerpool.StatusDraining || status == workerpool.StatusDisabled {
		return
	}

	id := st.Config.ID
	if _, seen := m.lastSuccess[id]; !seen {
		m.lastSuccess[id] = now
	}

	if !st.Breaker.TryProbe(now) {
		// Circuit is Open and the cooldown has not yet expired: no probe is
		// attempted this pass, but a worker silent long enough still needs
		// to surface as Unreachable rather than stay Degraded forever.
		if now.Sub(m.lastSuccess[id]) > m.unreachableThreshold() {
			st.SetStatus(workerpool.StatusUnreachable)
		}
		return
	}

	err := m.prober.Probe(ctx, id)
	if err != nil {
		st.Breaker.RecordFailure(now)
		st.RecordFailure(now, err.Error())

		if now.Sub(m.lastSuccess[id]) > m.unreachableThreshold() {
			st.SetStatus(workerpool.StatusUnreachable)
		} else {
			st.SetStatus(workerpool.StatusDegraded)
		}
		return
	}

	st.Breaker.RecordSuccess(now)
	st.RecordSuccess(now)
	m.lastSuccess[id] = now
	if status == workerpool.StatusDegraded || status == workerpool.StatusUnreachable {
		st.SetStatus(workerpool.StatusHealthy)
	}
}

// NextInterval returns the jittered delay before the next probe pass,
// spreading probe load across the fleet instead of firing in lockstep.
func (c Config) NextInterval() time.Duration {
	if c.JitterFraction <= 0 {
		return c.Interval
	}
	spread := float64(c.Interval) * c.JitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	d := time.Duration(float64(c.Interval) + offset)
	if d < 0 {
		d = 0
	}
	return d
}

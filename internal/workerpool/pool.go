// Package workerpool is the process-wide registry of remote build workers.
// It owns every WorkerState for the daemon's lifetime; every other
// component (selector, executor, health monitor) holds only a WorkerId and
// calls back into the pool, never a pointer into its internals — a
// single-owner pool plus index-based handles, to keep eviction tractable.
//
// Adapted from the internal/ghostpool/pool_manager.go, which pools
// interchangeable recyclable containers behind a buffered channel. A worker
// fleet is not a free-list of interchangeable objects — each worker has a
// fixed identity and a slot *count*, not a slot *object* — so the channel is
// replaced with an atomic used/total counter guarded by a single
// compare-and-swap per acquisition.
package workerpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/rcomp/internal/circuitbreaker"
)

// Status is a worker's health/administrative state.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnreachable
	StatusDraining
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusDegraded:
		return "degraded"
	case StatusUnreachable:
		return "unreachable"
	case StatusDraining:
		return "draining"
	case StatusDisabled:
		return "disabled"
	default:
		return "healthy"
	}
}

// Config is immutable once loaded.
type Config struct {
	ID           string
	Host         string
	User         string
	IdentityFile string
	TotalSlots   uint32
	Priority     uint32
	Tags         map[string]bool
}

const failureHistoryCap = 16

// FailureEvent is one entry in a worker's bounded failure ring.
type FailureEvent struct {
	At      time.Time
	Message string
}

// State is the mutable per-worker record the pool owns exclusively.
type State struct {
	Config Config
	Breaker *circuitbreaker.Breaker

	mu               sync.Mutex
	status           Status
	speedScore       float64
	lastError        string
	lastHealthCheck  time.Time
	failureHistory   []FailureEvent
	usedSlots        uint32 // accessed only via atomic ops below
}

func newState(cfg Config) *State {
	return &State{
		Config:     cfg,
		Breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		status:     StatusHealthy,
		speedScore: 50.0,
	}
}

// Status returns the worker's current administrative/health status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the worker's status. Operator-set Draining/Disabled
// states are never auto-reset by the health monitor.
func (s *State) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SpeedScore returns the rolling 0-100 speed score used by the selector.
func (s *State) SpeedScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speedScore
}

// SetSpeedScore updates the rolling speed score.
func (s *State) SetSpeedScore(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	s.speedScore = v
}

// RecordFailure appends to the bounded failure ring and records the last error.
func (s *State) RecordFailure(at time.Time, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = message
	s.lastHealthCheck = at
	s.failureHistory = append(s.failureHistory, FailureEvent{At: at, Message: message})
	if len(s.failureHistory) > failureHistoryCap {
		s.failureHistory = s.failureHistory[len(s.failureHistory)-failureHistoryCap:]
	}
}

// RecordSuccess updates the last-health-check timestamp on a clean probe.
func (s *State) RecordSuccess(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHealthCheck = at
}

// LastError and LastHealthCheck expose status-query state.
func (s *State) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *State) LastHealthCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealthCheck
}

// FailureHistory returns a copy of the bounded recent-failure ring.
func (s *State) FailureHistory() []FailureEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailureEvent, len(s.failureHistory))
	copy(out, s.failureHistory)
	return out
}

// UsedSlots and AvailableSlots read the atomic slot counter.
func (s *State) UsedSlots() uint32 {
	return atomic.LoadUint32(&s.usedSlots)
}

func (s *State) AvailableSlots() uint32 {
	used := atomic.LoadUint32(&s.usedSlots)
	if used >= s.Config.TotalSlots {
		return 0
	}
	return s.Config.TotalSlots - used
}

// tryAcquire performs a single compare-and-swap acquisition: used_slots(w)
// <= total_slots(w) is enforced without ever observing an intermediate
// over-committed state.
func (s *State) tryAcquire(n uint32) bool {
	for {
		used := atomic.LoadUint32(&s.usedSlots)
		if used+n > s.Config.TotalSlots {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.usedSlots, used, used+n) {
			return true
		}
	}
}

func (s *State) release(n uint32) {
	for {
		used := atomic.LoadUint32(&s.usedSlots)
		next := used - n
		if n > used {
			next = 0
		}
		if atomic.CompareAndSwapUint32(&s.usedSlots, used, next) {
			return
		}
	}
}

// SlotGuard releases its slots on Release if not already released/committed,
// so a failed selection or reservation unwinds automatically — release on
// drop unless committed, expressed in Go as an explicit method instead of a
// destructor.
type SlotGuard struct {
	pool     *Pool
	workerID string
	slots    uint32
	mu       sync.Mutex
	released bool
}

// Release gives the slots back to the worker. Idempotent.
func (g *SlotGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	if st, ok := g.pool.get(g.workerID); ok {
		st.release(g.slots)
	}
}

// Slots reports how many slots this guard holds.
func (g *SlotGuard) Slots() uint32 { return g.slots }

// WorkerID reports which worker this guard's slots belong to.
func (g *SlotGuard) WorkerID() string { return g.workerID }

// Pool is the process-wide worker registry: a single explicitly initialized
// singleton with no lazy initialization and no teardown method.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*State
	order   []string // insertion order, for deterministic iteration
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{workers: make(map[string]*State)}
}

// AddWorker registers a worker. Ids must be unique across the fleet;
// registering a duplicate id is a caller bug and panics, matching how the
// teacher's pool manager treats programmer errors in its own initialization
// path.
func (p *Pool) AddWorker(cfg Config) *State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.workers[cfg.ID]; exists {
		panic("workerpool: duplicate worker id " + cfg.ID)
	}
	st := newState(cfg)
	p.workers[cfg.ID] = st
	p.order = append(p.order, cfg.ID)
	return st
}

// AllWorkers returns every registered worker state in registration order.
func (p *Pool) AllWorkers() []*State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*State, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.workers[id])
	}
	return out
}

// Get returns a worker's state by id.
func (p *Pool) Get(id string) (*State, bool) {
	return p.get(id)
}

func (p *Pool) get(id string) (*State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.workers[id]
	return st, ok
}

// StatusOf is a convenience wrapper over Get+Status.
func (p *Pool) StatusOf(id string) (Status, bool) {
	st, ok := p.get(id)
	if !ok {
		return StatusUnreachable, false
	}
	return st.Status(), true
}

// SetStatus updates a worker's status by id. No-op if the id is unknown.
func (p *Pool) SetStatus(id string, status Status) {
	if st, ok := p.get(id); ok {
		st.SetStatus(status)
	}
}

// TryAcquireSlots attempts to reserve n slots on worker id. Disabled and
// Draining workers reject new acquisitions but still allow release; a
// worker's circuit is checked independently of its slot count by the
// caller (selector/admission), not here.
func (p *Pool) TryAcquireSlots(id string, n uint32) (*SlotGuard, bool) {
	st, ok := p.get(id)
	if !ok {
		return nil, false
	}
	status := st.Status()
	if status == StatusDisabled || status == StatusDraining {
		return nil, false
	}
	if !st.tryAcquire(n) {
		return nil, false
	}
	return &SlotGuard{pool: p, workerID: id, slots: n}, true
}

// ReleaseSlots releases n slots on worker id directly, for callers that
// never wrapped the acquisition in a SlotGuard (e.g. reconciling a crash).
func (p *Pool) ReleaseSlots(id string, n uint32) {
	if st, ok := p.get(id); ok {
		st.release(n)
	}
}

// Resolve implements sshtransport.WorkerAddress, letting the pool itself
// supply connection details to the transport layer instead of duplicating
// worker config in a second lookup table.
func (p *Pool) Resolve(workerID string) (host, user, identityFile string, ok bool) {
	st, found := p.get(workerID)
	if !found {
		return "", "", "", false
	}
	return st.Config.Host, st.Config.User, st.Config.IdentityFile, true
}

// Package circuitbreaker implements the per-worker breaker used by the
// health monitor. It is adapted from the generic service-call
// breaker but trades its fixed Timeout for an exponential cooldown:
// cooldown = base * 2^min(failures-threshold, cap), and a HalfOpen state
// that permits exactly one probe rather than a configurable burst.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker's current state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes one breaker's trip/cooldown behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips Closed -> Open.
	FailureThreshold int
	// BaseCooldown is the Open-state cooldown after exactly FailureThreshold failures.
	BaseCooldown time.Duration
	// MaxCooldownExponent caps the exponential backoff: cooldown = BaseCooldown *
	// 2^min(failures-FailureThreshold, MaxCooldownExponent).
	MaxCooldownExponent int
}

// DefaultConfig trips a worker after 3 consecutive failures, doubling the
// cooldown for each additional failure beyond the threshold.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, BaseCooldown: 30 * time.Second, MaxCooldownExponent: 6}
}

// Breaker is one worker's circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	cooldownUntil       time.Time
	halfOpenInFlight    bool
}

// New creates a breaker in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = DefaultConfig().BaseCooldown
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State reports the breaker's state as of now, transitioning Open -> HalfOpen
// if the cooldown has expired. Read-mostly; does not itself consume the
// single HalfOpen probe slot (use TryProbe for that).
func (b *Breaker) State(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(now)
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.cooldownUntil) {
		b.state = StateHalfOpen
		b.halfOpenInFlight = false
	}
	return b.state
}

// TryProbe attempts to reserve the single HalfOpen probe slot. It returns
// true if the caller may proceed (state was Closed, or HalfOpen with no
// probe currently in flight). Closed always allows; Open never does.
func (b *Breaker) TryProbe(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentStateLocked(now) {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful probe/operation.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentStateLocked(now) {
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.halfOpenInFlight = false
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure reports a failed probe/operation. A HalfOpen failure also
// increments the consecutive-failure counter before re-tripping to Open —
// see DESIGN.md's "HalfOpen failure and cooldown exponent" decision — so
// the exponential cooldown keeps growing across repeated HalfOpen failures
// instead of resetting to the base duration each time.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentStateLocked(now)
	b.halfOpenInFlight = false

	switch state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.consecutiveFailures++
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	exponent := b.consecutiveFailures - b.cfg.FailureThreshold
	if exponent < 0 {
		exponent = 0
	}
	if exponent > b.cfg.MaxCooldownExponent {
		exponent = b.cfg.MaxCooldownExponent
	}
	cooldown := b.cfg.BaseCooldown << uint(exponent)
	b.cooldownUntil = now.Add(cooldown)
}

// ConsecutiveFailures exposes the counter for status reporting.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// CooldownUntil reports the Open-state cooldown deadline (zero if not Open).
func (b *Breaker) CooldownUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldownUntil
}

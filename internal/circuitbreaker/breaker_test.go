package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, BaseCooldown: time.Second})
	now := time.Now()
	for i := 0; i < 2; i++ {
		b.RecordFailure(now)
		require.Equalf(t, StateClosed, b.State(now), "tripped early after %d failures", i+1)
	}
	b.RecordFailure(now)
	require.Equal(t, StateOpen, b.State(now), "expected Open after threshold failures")
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := New(Config{FailureThreshold: 1, BaseCooldown: time.Second})
	now := time.Now()
	b.RecordFailure(now)
	require.Equal(t, StateOpen, b.State(now))

	later := now.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State(later))
}

func TestBreaker_HalfOpenAllowsExactlyOneProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, BaseCooldown: time.Second})
	now := time.Now()
	b.RecordFailure(now)
	later := now.Add(2 * time.Second)

	require.True(t, b.TryProbe(later), "expected first probe to be allowed")
	require.False(t, b.TryProbe(later), "expected second concurrent probe to be rejected")
}

func TestBreaker_HalfOpenSuccessClosesAndResetsCounter(t *testing.T) {
	b := New(Config{FailureThreshold: 1, BaseCooldown: time.Second})
	now := time.Now()
	b.RecordFailure(now)
	later := now.Add(2 * time.Second)
	b.TryProbe(later)
	b.RecordSuccess(later)

	require.Equal(t, StateClosed, b.State(later), "expected Closed after successful probe")
	require.Zero(t, b.ConsecutiveFailures(), "expected counter reset")
}

func TestBreaker_HalfOpenFailureExtendsCooldownExponentially(t *testing.T) {
	b := New(Config{FailureThreshold: 1, BaseCooldown: time.Second, MaxCooldownExponent: 6})
	now := time.Now()
	b.RecordFailure(now) // consecutiveFailures=1, cooldown = base*2^0 = 1s
	first := b.CooldownUntil().Sub(now)

	later := now.Add(2 * time.Second)
	b.TryProbe(later)
	b.RecordFailure(later) // consecutiveFailures=2, cooldown = base*2^1 = 2s
	second := b.CooldownUntil().Sub(later)

	require.Greaterf(t, second, first, "expected extended cooldown after HalfOpen failure: first=%v second=%v", first, second)
}

func TestBreaker_OpenRejectsProbes(t *testing.T) {
	b := New(Config{FailureThreshold: 1, BaseCooldown: time.Minute})
	now := time.Now()
	b.RecordFailure(now)
	require.False(t, b.TryProbe(now), "expected Open to reject probes before cooldown expiry")
}

package pressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluate_StaleTelemetryGap(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	sample := Sample{CollectedAt: now.Add(-cfg.GapThreshold - time.Second), FreeGB: 100, TotalGB: 200}
	a := Evaluate(sample, nil, now, cfg)
	require.Equal(t, StateTelemetryGap, a.State)
	require.Equal(t, ConfidenceLow, a.Confidence)
}

func TestEvaluate_TelemetryAgeExactlyGapThreshold(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	sample := Sample{CollectedAt: now.Add(-cfg.GapThreshold), FreeGB: 100, TotalGB: 200}
	a := Evaluate(sample, nil, now, cfg)
	require.Equalf(t, StateTelemetryGap, a.State, "age exactly at threshold should be TelemetryGap")
}

func TestEvaluate_CriticalFreeRatio(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	sample := Sample{CollectedAt: now, FreeGB: 4, TotalGB: 200}
	a := Evaluate(sample, nil, now, cfg)
	require.Equal(t, StateCritical, a.State)
	require.Equal(t, ConfidenceHigh, a.Confidence)
}

func TestEvaluate_Healthy(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	sample := Sample{CollectedAt: now, FreeGB: 100, TotalGB: 200, IOUtilPct: 10}
	a := Evaluate(sample, nil, now, cfg)
	require.Equal(t, StateHealthy, a.State)
}

func TestEvaluate_HysteresisHoldsAfterSingleHealthySample(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	critical := Evaluate(Sample{CollectedAt: now, FreeGB: 2, TotalGB: 200}, nil, now, cfg)
	require.Equalf(t, StateCritical, critical.State, "setup failed: %+v", critical)

	healthyOnce := Evaluate(Sample{CollectedAt: now, FreeGB: 100, TotalGB: 200}, &critical, now, cfg)
	require.NotEqualf(t, StateHealthy, healthyOnce.State, "single healthy sample after Critical must not flip state immediately: %+v", healthyOnce)

	healthyTwice := Evaluate(Sample{CollectedAt: now, FreeGB: 100, TotalGB: 200}, &healthyOnce, now, cfg)
	require.Equalf(t, StateHealthy, healthyTwice.State, "two consecutive healthy samples should clear hysteresis: %+v", healthyTwice)
}

func TestEvaluate_Pure(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	sample := Sample{CollectedAt: now, FreeGB: 50, TotalGB: 200, IOUtilPct: 20}
	a1 := Evaluate(sample, nil, now, cfg)
	a2 := Evaluate(sample, nil, now, cfg)
	require.Equalf(t, a1, a2, "Evaluate not pure")
}

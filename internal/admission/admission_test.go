package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/rcomp/internal/circuitbreaker"
	"github.com/ocx/rcomp/internal/headroom"
	"github.com/ocx/rcomp/internal/pressure"
	"github.com/ocx/rcomp/internal/workerpool"
)

func healthyCandidate(id string) Candidate {
	return Candidate{
		WorkerID:  id,
		Status:    workerpool.StatusHealthy,
		Breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig()),
		Pressure:  pressure.Assessment{State: pressure.StateHealthy},
		FreeBytes: 10 * (1 << 30),
		Predicted: headroom.Prediction{Expected: 1 << 20},
		Ledger:    headroom.NewLedger(),
	}
}

func TestEvaluate_Admit(t *testing.T) {
	now := time.Now()
	d := Evaluate(healthyCandidate("w1"), now)
	require.Equalf(t, Admit, d.Verdict, "got %+v", d)
}

func TestEvaluate_CircuitOpenHardRejects(t *testing.T) {
	now := time.Now()
	c := healthyCandidate("w1")
	for i := 0; i < 3; i++ {
		c.Breaker.RecordFailure(now)
	}
	d := Evaluate(c, now)
	require.Equalf(t, HardReject, d.Verdict, "got %+v", d)
	require.Equal(t, "circuit_open", d.Reason)
}

func TestEvaluate_DisabledStatusHardRejects(t *testing.T) {
	now := time.Now()
	c := healthyCandidate("w1")
	c.Status = workerpool.StatusDisabled
	d := Evaluate(c, now)
	require.Equalf(t, HardReject, d.Verdict, "got %+v", d)
	require.Equal(t, "worker_unavailable", d.Reason)
}

func TestEvaluate_CriticalHighConfidenceHardRejects(t *testing.T) {
	now := time.Now()
	c := healthyCandidate("w1")
	c.Pressure = pressure.Assessment{State: pressure.StateCritical, Confidence: pressure.ConfidenceHigh}
	d := Evaluate(c, now)
	require.Equalf(t, HardReject, d.Verdict, "got %+v", d)
	require.Equal(t, "critical_pressure", d.Reason)
}

func TestEvaluate_CriticalLowConfidenceSoftRejects(t *testing.T) {
	now := time.Now()
	c := healthyCandidate("w1")
	c.Pressure = pressure.Assessment{State: pressure.StateCritical, Confidence: pressure.ConfidenceLow}
	d := Evaluate(c, now)
	require.Equalf(t, SoftReject, d.Verdict, "got %+v", d)
	require.Greaterf(t, d.Penalty, 0.0, "got %+v", d)
}

func TestEvaluate_WarningSoftRejects(t *testing.T) {
	now := time.Now()
	c := healthyCandidate("w1")
	c.Pressure = pressure.Assessment{State: pressure.StateWarning, Confidence: pressure.ConfidenceHigh}
	d := Evaluate(c, now)
	require.Equalf(t, SoftReject, d.Verdict, "got %+v", d)
}

func TestEvaluate_InsufficientHeadroomSoftRejects(t *testing.T) {
	now := time.Now()
	c := healthyCandidate("w1")
	c.FreeBytes = 100
	c.Predicted = headroom.Prediction{Expected: 1000}
	d := Evaluate(c, now)
	require.Equalf(t, SoftReject, d.Verdict, "got %+v", d)
	require.Equal(t, "insufficient_headroom", d.Reason)
}

func TestEvaluateAll_AllHardRejectedSignalsFallback(t *testing.T) {
	now := time.Now()
	c1 := healthyCandidate("w1")
	c1.Status = workerpool.StatusDisabled
	c2 := healthyCandidate("w2")
	c2.Status = workerpool.StatusUnreachable
	_, allHard := EvaluateAll([]Candidate{c1, c2}, now)
	require.True(t, allHard, "expected allHardRejected=true")
}

func TestEvaluateAll_MixedSoftAndHardIsNotAllHard(t *testing.T) {
	now := time.Now()
	c1 := healthyCandidate("w1")
	c1.Status = workerpool.StatusDisabled
	c2 := healthyCandidate("w2")
	c2.Pressure = pressure.Assessment{State: pressure.StateWarning}
	_, allHard := EvaluateAll([]Candidate{c1, c2}, now)
	require.False(t, allHard, "expected allHardRejected=false when at least one candidate is SoftRejected")
}

func TestEvaluateAll_EmptyCandidatesIsNotAllHard(t *testing.T) {
	_, allHard := EvaluateAll(nil, time.Now())
	require.False(t, allHard, "no candidates should not report allHardRejected")
}

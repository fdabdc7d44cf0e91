// Package admission implements the admission gate: it combines a worker's
// circuit state, administrative status, disk-pressure assessment, and
// reservation ledger into one of Admit, SoftReject, or HardReject for a
// candidate build.
//
// Grounded on the internal/arbitrator decision-table style
// (stack rules top to bottom, first applicable rule wins), adapted from
// arbitrating competing economic claims to arbitrating one worker's
// fitness for one build.
package admission

import (
	"time"

	"github.com/ocx/rcomp/internal/circuitbreaker"
	"github.com/ocx/rcomp/internal/headroom"
	"github.com/ocx/rcomp/internal/pressure"
	"github.com/ocx/rcomp/internal/workerpool"
)

// Verdict is the gate's decision for one candidate.
type Verdict int

const (
	Admit Verdict = iota
	SoftReject
	HardReject
)

func (v Verdict) String() string {
	switch v {
	case SoftReject:
		return "soft_reject"
	case HardReject:
		return "hard_reject"
	default:
		return "admit"
	}
}

// Decision is the gate's full output for one candidate worker.
type Decision struct {
	WorkerID string
	Verdict  Verdict
	Reason   string
	// Penalty is subtracted from the selector's score on SoftReject; zero
	// for Admit/HardReject.
	Penalty float64
}

// Candidate bundles everything the gate needs to evaluate one worker.
type Candidate struct {
	WorkerID   string
	Status     workerpool.Status
	Breaker    *circuitbreaker.Breaker
	Pressure   pressure.Assessment
	FreeBytes  uint64
	Predicted  headroom.Prediction
	Ledger     *headroom.Ledger
}

const softRejectPenalty = 25.0

// Evaluate applies the rule table in spec order; the first matching rule
// decides the verdict.
func Evaluate(c Candidate, now time.Time) Decision {
	d := Decision{WorkerID: c.WorkerID}

	if c.Breaker != nil && c.Breaker.State(now) == circuitbreaker.StateOpen {
		d.Verdict = HardReject
		d.Reason = "circuit_open"
		return d
	}
	if c.Status == workerpool.StatusDisabled || c.Status == workerpool.StatusUnreachable {
		d.Verdict = HardReject
		d.Reason = "worker_unavailable"
		return d
	}

	if c.Pressure.State == pressure.StateCritical && c.Pressure.Confidence == pressure.ConfidenceHigh {
		d.Verdict = HardReject
		d.Reason = "critical_pressure"
		return d
	}

	if c.Pressure.State == pressure.StateCritical || c.Pressure.State == pressure.StateWarning {
		d.Verdict = SoftReject
		d.Reason = "elevated_pressure"
		d.Penalty = softRejectPenalty
		return d
	}

	if c.Ledger != nil && !c.Ledger.HasHeadroom(c.WorkerID, c.FreeBytes, c.Predicted) {
		d.Verdict = SoftReject
		d.Reason = "insufficient_headroom"
		d.Penalty = softRejectPenalty
		return d
	}

	d.Verdict = Admit
	d.Reason = "admitted"
	return d
}

// EvaluateAll evaluates every candidate and returns the decisions together
// with whether every candidate was hard-rejected (false for an empty list) —
// the fact the caller needs to apply the fail-open rule: if all are
// HardRejected, fall back to local execution; otherwise even an
// all-SoftRejected field still yields a best-scored pick.
func EvaluateAll(candidates []Candidate, now time.Time) (decisions []Decision, allHardRejected bool) {
	decisions = make([]Decision, 0, len(candidates))
	allHardRejected = len(candidates) > 0
	for _, c := range candidates {
		d := Evaluate(c, now)
		if d.Verdict != HardReject {
			allHardRejected = false
		}
		decisions = append(decisions, d)
	}
	return decisions, allHardRejected
}

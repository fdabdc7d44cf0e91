// Package selector picks one worker from the admitted candidates for a
// build, scoring and breaking ties deterministically.
//
// Grounded on the internal/reputation ranking helpers (weighted
// sum of signals, deterministic tie-break chain), adapted from ranking
// reputations to ranking workers.
package selector

import (
	"sort"

	"github.com/ocx/rcomp/internal/admission"
)

// SelectionReason tags why a particular worker was chosen.
type SelectionReason int

const (
	ReasonPrimary SelectionReason = iota
	ReasonSoftFallback
	ReasonPreferredTag
)

func (r SelectionReason) String() string {
	switch r {
	case ReasonSoftFallback:
		return "soft_fallback"
	case ReasonPreferredTag:
		return "preferred_tag"
	default:
		return "primary"
	}
}

// Candidate is one scorable worker: the admission decision plus the raw
// signals the score formula needs.
type Candidate struct {
	WorkerID           string
	Decision           admission.Decision
	SpeedScore         float64 // 0-100
	AvailableSlots     uint32
	TotalSlots         uint32
	Priority           uint32
	PreferredTag       bool
}

// Selected is the selector's output.
type Selected struct {
	WorkerID string
	Score    float64
	Reason   SelectionReason
}

func (c Candidate) availableSlotsRatio() float64 {
	if c.TotalSlots == 0 {
		return 0
	}
	return float64(c.AvailableSlots) / float64(c.TotalSlots)
}

// score implements the selector's weighted formula:
// speed_score*1.0 + available_slots_ratio*40 + priority*0.5 - soft_reject_penalty.
func (c Candidate) score() float64 {
	return c.SpeedScore*1.0 + c.availableSlotsRatio()*40 + float64(c.Priority)*0.5 - c.Decision.Penalty
}

// Select returns the winning candidate among admitted/soft-rejected ones
// (HardReject candidates are never eligible), using preferredOrder (the
// request's preferred-worker list, most-preferred first) as the primary
// tie-break. Returns ok=false if no candidate is eligible, signaling the
// caller must fall back to local execution.
func Select(candidates []Candidate, preferredOrder []string) (Selected, bool) {
	eligible := make([]Candidate, 0, len(candidates))
	anyAdmitted := false
	for _, c := range candidates {
		if c.Decision.Verdict == admission.HardReject {
			continue
		}
		eligible = append(eligible, c)
		if c.Decision.Verdict == admission.Admit {
			anyAdmitted = true
		}
	}
	if len(eligible) == 0 {
		return Selected{}, false
	}

	preferredRank := make(map[string]int, len(preferredOrder))
	for i, id := range preferredOrder {
		preferredRank[id] = i
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		sa, sb := a.score(), b.score()
		if sa != sb {
			return sa > sb
		}
		ra, oka := preferredRank[a.WorkerID]
		rb, okb := preferredRank[b.WorkerID]
		if oka != okb {
			return oka // a is preferred, b is not -> a first
		}
		if oka && okb && ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.WorkerID < b.WorkerID
	})

	winner := eligible[0]
	reason := ReasonPrimary
	if winner.Decision.Verdict == admission.SoftReject || !anyAdmitted {
		reason = ReasonSoftFallback
	} else if winner.PreferredTag {
		reason = ReasonPreferredTag
	}

	return Selected{WorkerID: winner.WorkerID, Score: winner.score(), Reason: reason}, true
}

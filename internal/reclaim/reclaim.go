// Package reclaim frees disk space on a worker under critical pressure. It
// ranks removable caches by (age * size / value), protects any path owned by
// an active build, and applies a bounded action budget per pass.
//
// Grounded on the internal/revert package's closure-over-context
// action shape (UndoFunc: a deferred, context-aware side effect invoked
// later) for the Deleter seam, adapted from undoing speculative writes to
// deleting cache entries.
package reclaim

import (
	"context"
	"fmt"
	"sort"
)

// MaxDeletionsPerPass and MaxBytesPerPass bound one reclaim pass's blast
// radius.
const (
	MaxDeletionsPerPass = 4
	MaxBytesPerPass     = 20 * (1 << 30) // 20 GB
)

// Entry is one removable cache candidate on a worker.
type Entry struct {
	Path      string
	AgeDays   float64
	SizeBytes uint64
	Value     float64 // 0-1 reuse value; lower is more removable
}

// score ranks entries by (age * size / value), highest first; a zero Value
// is treated as a small epsilon to avoid a divide-by-zero making an entry
// infinitely rankable (it ranks high, but with a finite score).
func (e Entry) score() float64 {
	v := e.Value
	if v <= 0 {
		v = 0.001
	}
	return e.AgeDays * float64(e.SizeBytes) / v
}

// Action is one planned deletion.
type Action struct {
	Path      string
	SizeBytes uint64
	Reason    string
}

// Plan is the ranked, budget-bounded reclaim plan for one worker pass.
type Plan struct {
	WorkerID     string
	Actions      []Action
	BytesPlanned uint64
	DryRun       bool
	Skipped      int // candidates that ranked but were dropped by budget/protection
}

// Build ranks entries and selects the top candidates within budget, skipping
// any path present in protected (paths owned by an ActiveBuild on this
// worker, regardless of which project owns the build — see DESIGN.md's
// "Reclaim vs. active builds" decision).
func Build(workerID string, entries []Entry, protected map[string]bool, dryRun bool) Plan {
	ranked := append([]Entry(nil), entries...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score() > ranked[j].score() })

	plan := Plan{WorkerID: workerID, DryRun: dryRun}
	for _, e := range ranked {
		if protected[e.Path] {
			plan.Skipped++
			continue
		}
		if len(plan.Actions) >= MaxDeletionsPerPass {
			plan.Skipped++
			continue
		}
		if plan.BytesPlanned+e.SizeBytes > MaxBytesPerPass {
			plan.Skipped++
			continue
		}
		plan.Actions = append(plan.Actions, Action{Path: e.Path, SizeBytes: e.SizeBytes, Reason: "pressure_critical"})
		plan.BytesPlanned += e.SizeBytes
	}
	return plan
}

// Deleter removes one path on a worker. The sshtransport reference
// transport implements this alongside its Transport methods.
type Deleter interface {
	Delete(ctx context.Context, workerID, path string) error
}

// Result reports what a plan's execution actually freed.
type Result struct {
	WorkerID    string
	BytesFreed  uint64
	Deleted     []string
	Failed      map[string]error
}

// Execute deletes every action in plan via d, stopping at the first error
// only insofar as it records it and continues with the remaining actions —
// a single stuck deletion must not block freeing the rest of the pass. A
// dry-run plan is never executed; Execute returns an empty Result for it.
func Execute(ctx context.Context, d Deleter, plan Plan) Result {
	result := Result{WorkerID: plan.WorkerID, Failed: make(map[string]error)}
	if plan.DryRun {
		return result
	}
	for _, a := range plan.Actions {
		if err := d.Delete(ctx, plan.WorkerID, a.Path); err != nil {
			result.Failed[a.Path] = fmt.Errorf("reclaim: deleting %s: %w", a.Path, err)
			continue
		}
		result.Deleted = append(result.Deleted, a.Path)
		result.BytesFreed += a.SizeBytes
	}
	return result
}

// Package cancellation implements the cancel/timeout orchestrator: the sole
// component that touches both the executor (to signal and await a build's
// goroutine) and the slot/reservation accounting (to guarantee release no
// matter how the remote kill attempt turns out).
//
// Grounded on the internal/escrow/kill_switch.go: an idempotent,
// reason-and-target keyed record map guarding a one-shot state transition,
// adapted from killing an agent's further actions to killing one build.
package cancellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/rcomp/internal/headroom"
	"github.com/ocx/rcomp/internal/workerpool"
)

// Reason identifies why a build was cancelled.
type Reason string

const (
	ReasonClientRequest Reason = "client_request"
	ReasonStuckDetector Reason = "stuck_detector"
	ReasonTimeout       Reason = "timeout"
	ReasonExecutorError Reason = "executor_error"
	ReasonShutdown      Reason = "shutdown"
)

// Watchdog bounds how long the orchestrator waits for the executor's
// goroutine to exit cleanly after signaling cancellation before it force-
// releases the build's slot and reservation itself.
const Watchdog = 5 * time.Second

// Receipt is the orchestrator's idempotent record of one cancellation.
type Receipt struct {
	BuildID     uint64
	WorkerID    string
	Reason      Reason
	Forced      bool
	RequestedAt time.Time
	CompletedAt time.Time
}

// Executor is the subset of executor.Executor the orchestrator drives.
type Executor interface {
	RequestCancel(buildID uint64, reason string, force bool) bool
	Wait(buildID uint64) <-chan struct{}
}

// Orchestrator cancels or times out builds, releasing slots and reservations
// deterministically regardless of whether the remote kill succeeded.
type Orchestrator struct {
	executor Executor
	pool     *workerpool.Pool
	ledger   *headroom.Ledger

	mu       sync.Mutex
	receipts map[uint64]Receipt
	guards   map[uint64]*workerpool.SlotGuard // build id -> guard, for forced release on watchdog expiry
}

// New creates an Orchestrator bound to executor, pool, and ledger.
func New(executor Executor, pool *workerpool.Pool, ledger *headroom.Ledger) *Orchestrator {
	return &Orchestrator{
		executor: executor,
		pool:     pool,
		ledger:   ledger,
		receipts: make(map[uint64]Receipt),
		guards:   make(map[uint64]*workerpool.SlotGuard),
	}
}

// RegisterGuard records the slot guard buildID holds, so a watchdog expiry
// can force-release it even if the executor's goroutine never exits. The
// executor itself still releases the same guard on a clean finish; guard
// release is idempotent, so the two paths never double-release.
func (o *Orchestrator) RegisterGuard(buildID uint64, guard *workerpool.SlotGuard) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.guards[buildID] = guard
}

// Unregister drops buildID's guard bookkeeping once it finishes normally,
// so a subsequent build id reuse (which never happens, but defensively)
// cannot force-release someone else's slots.
func (o *Orchestrator) Unregister(buildID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.guards, buildID)
}

// Cancel cancels buildID for reason. A duplicate call for an already-
// cancelled build is a no-op that returns the first receipt. Invariant: the
// build's slot guard is released before Cancel returns, for any
// transport-kill outcome.
func (o *Orchestrator) Cancel(ctx context.Context, buildID uint64, reason Reason, force bool) (Receipt, error) {
	o.mu.Lock()
	if existing, ok := o.receipts[buildID]; ok {
		o.mu.Unlock()
		return existing, nil
	}
	requestedAt := time.Now()
	o.mu.Unlock()

	signaled := o.executor.RequestCancel(buildID, string(reason), force)
	if !signaled {
		return Receipt{}, fmt.Errorf("cancellation: build %d is not active", buildID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, Watchdog)
	defer cancel()

	select {
	case <-o.executor.Wait(buildID):
	case <-waitCtx.Done():
	}
	// Release unconditionally: on a clean finish the executor's finalize
	// step already did this and the idempotent release is a no-op; on a
	// watchdog expiry this is the only release that happens.
	o.forceRelease(buildID)

	o.mu.Lock()
	g := o.guards[buildID]
	delete(o.guards, buildID)
	workerID := ""
	if g != nil {
		workerID = g.WorkerID()
	}
	receipt := Receipt{
		BuildID: buildID, WorkerID: workerID, Reason: reason, Forced: force,
		RequestedAt: requestedAt, CompletedAt: time.Now(),
	}
	o.receipts[buildID] = receipt
	o.mu.Unlock()

	return receipt, nil
}

// forceRelease releases buildID's slot guard and reservation directly, for
// the case where the executor's goroutine did not exit within the watchdog —
// the invariant "slots released before Cancel returns" holds even then.
// Both releases are idempotent, so an executor goroutine that exits late
// and releases again is harmless.
func (o *Orchestrator) forceRelease(buildID uint64) {
	o.mu.Lock()
	g, ok := o.guards[buildID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if g != nil {
		g.Release()
	}
	if o.ledger != nil {
		o.ledger.Release(buildID)
	}
}

// Receipt returns the stored receipt for buildID, if cancellation has ever
// been requested for it.
func (o *Orchestrator) Receipt(buildID uint64) (Receipt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.receipts[buildID]
	return r, ok
}

// Package executor drives one build end-to-end: upload, remote spawn,
// stream stdout/stderr and heartbeats, download artifacts, finalize. Phases
// within one build are strictly sequential; builds on different workers run
// concurrently as independent goroutines.
//
// Grounded on the internal/gvisor/sandbox_executor.go (a
// prepare-run-cleanup subprocess lifecycle producing one result struct) and
// internal/arbitrator/stream_handler.go (a receive loop that forwards a
// primary data channel while a side channel carries out-of-band progress
// updates — here, stdout/stderr alongside heartbeats).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/rcomp/internal/classifier"
	"github.com/ocx/rcomp/internal/detector"
	"github.com/ocx/rcomp/internal/errors"
	"github.com/ocx/rcomp/internal/eventbus"
	"github.com/ocx/rcomp/internal/headroom"
	"github.com/ocx/rcomp/internal/history"
	"github.com/ocx/rcomp/internal/metrics"
	"github.com/ocx/rcomp/internal/transport"
	"github.com/ocx/rcomp/internal/workerpool"
)

// StreamSink receives the raw stdout/stderr bytes a build produces, in the
// order the worker produced them. The daemon IPC layer implements this to
// forward bytes to the client that submitted the build.
type StreamSink interface {
	Stdout(buildID uint64, chunk []byte)
	Stderr(buildID uint64, chunk []byte)
}

const (
	maxTransportRetries  = 2
	retryBaseBackoff     = 500 * time.Millisecond
	heartbeatStaleSecs   = 20 * time.Second
	progressStaleSecs    = 90 * time.Second
	cancellationWatchdog = 5 * time.Second
)

// ActiveBuild is the mutable record of one in-flight build. It is created by
// the executor at build start, mutated only by that build's own goroutine
// and by the heartbeat receiver embedded in it, and destroyed when the
// executor finishes or a cancellation succeeds.
type ActiveBuild struct {
	ID        uint64
	ProjectID string
	WorkerID  string // empty for local fallback
	Command   string
	StartedAt time.Time
	HookPID   int
	Slots     uint32

	mu            sync.Mutex
	lastHeartbeat time.Time
	lastProgress  time.Time
	phase         transport.Phase
	detail        string
	counter       int64
	percent       float64
	cancelOnce    sync.Once
	cancelCh      chan cancelSignal
	cancelled     bool
	done          chan struct{}
}

type cancelSignal struct {
	reason string
	force  bool
}

func newActiveBuild(id uint64, projectID, workerID, command string, hookPID int, slots uint32, now time.Time) *ActiveBuild {
	return &ActiveBuild{
		ID: id, ProjectID: projectID, WorkerID: workerID, Command: command,
		StartedAt: now, HookPID: hookPID, Slots: slots,
		lastHeartbeat: now, lastProgress: now, phase: transport.PhaseUpload,
		cancelCh: make(chan cancelSignal, 1),
		done:     make(chan struct{}),
	}
}

func (b *ActiveBuild) recordHeartbeat(hb transport.Heartbeat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHeartbeat = hb.At
	b.phase = hb.Phase
	b.detail = hb.Detail
	if hb.Counter != b.counter || hb.Percent != b.percent {
		b.lastProgress = hb.At
	}
	b.counter = hb.Counter
	b.percent = hb.Percent
}

func (b *ActiveBuild) setPhase(phase transport.Phase, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = phase
	b.lastHeartbeat = now
	b.lastProgress = now
}

// Snapshot reports the build's current state for detector scoring and
// status queries; hookAlive is the caller's liveness check of the hook process.
func (b *ActiveBuild) Snapshot(now time.Time, hookAlive bool) detector.BuildSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return detector.BuildSnapshot{
		BuildID:         b.ID,
		HookProcessDead: !hookAlive,
		HeartbeatAge:    now.Sub(b.lastHeartbeat),
		ProgressAge:     now.Sub(b.lastProgress),
		BuildAge:        now.Sub(b.StartedAt),
		SlotsOwned:      b.Slots,
		WorkerBound:     b.WorkerID != "",
	}
}

// requestCancel delivers a cancellation signal exactly once; subsequent
// calls are no-ops, matching the orchestrator's idempotent-cancel contract.
func (b *ActiveBuild) requestCancel(reason string, force bool) {
	b.cancelOnce.Do(func() {
		b.mu.Lock()
		b.cancelled = true
		b.mu.Unlock()
		b.cancelCh <- cancelSignal{reason: reason, force: force}
		close(b.cancelCh)
	})
}

// Done returns a channel closed once the build's goroutine has finished,
// for RequestCancel/Wait in the cancellation orchestrator.
func (b *ActiveBuild) Done() <-chan struct{} { return b.done }

// Request is everything the executor needs to drive one build.
type Request struct {
	BuildID       uint64
	ProjectID     string
	Command       string
	Kind          classifier.CompilationKind
	WorkerID      string // "" selects local fallback execution
	LocalRoot     string
	RemoteRoot    string
	SyncOrder     []transport.SyncEntry // nil -> conservative whole-tree upload
	Excludes      []string
	ArtifactGlobs []string
	Slots         uint32
	HookPID       int
	Guard         *workerpool.SlotGuard     // nil for local fallback
	Reservation   *headroom.Reservation     // nil for local fallback
	Deadline      time.Time                 // 24h hard deadline
}

// Deps bundles every collaborator the executor needs. Remote and Local are
// both transport.Transport implementations (sshtransport and dockerexec
// respectively); which one drives a given build is chosen by Request.WorkerID.
type Deps struct {
	Remote    transport.Transport
	Local     transport.Transport
	Ledger    *headroom.Ledger
	Estimator *headroom.Estimator
	History   *history.History
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Sink      StreamSink
}

// Executor drives builds and tracks the set currently active.
type Executor struct {
	deps Deps

	mu     sync.Mutex
	active map[uint64]*ActiveBuild
}

// New creates an Executor with no active builds.
func New(deps Deps) *Executor {
	return &Executor{deps: deps, active: make(map[uint64]*ActiveBuild)}
}

// ActiveBuilds returns every currently tracked build, for status queries and
// the stuck-build detector's periodic pass.
func (e *Executor) ActiveBuilds() []*ActiveBuild {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*ActiveBuild, 0, len(e.active))
	for _, b := range e.active {
		out = append(out, b)
	}
	return out
}

// Get returns the tracked build for id, if any.
func (e *Executor) Get(id uint64) (*ActiveBuild, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.active[id]
	return b, ok
}

// RequestCancel signals buildID's goroutine to stop, satisfying the
// cancellation.Executor interface. Returns false if the build is not
// currently tracked (already finished, or never started).
func (e *Executor) RequestCancel(buildID uint64, reason string, force bool) bool {
	b, ok := e.Get(buildID)
	if !ok {
		return false
	}
	b.requestCancel(reason, force)
	return true
}

// Wait returns a channel closed when buildID's goroutine finishes,
// satisfying the cancellation.Executor interface. The returned channel is
// already closed if buildID is unknown (nothing to wait for).
func (e *Executor) Wait(buildID uint64) <-chan struct{} {
	b, ok := e.Get(buildID)
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.Done()
}

func (e *Executor) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

// Run drives req's build to completion (or cancellation) and returns the
// BuildRecord to write to history. It never returns an error for a
// non-zero remote exit code — that is success-with-exit-code.
func (e *Executor) Run(ctx context.Context, req Request) history.Record {
	now := time.Now()
	build := newActiveBuild(req.BuildID, req.ProjectID, req.WorkerID, req.Command, req.HookPID, req.Slots, now)

	e.mu.Lock()
	e.active[req.BuildID] = build
	e.mu.Unlock()
	defer close(build.done)
	defer e.remove(req.BuildID)

	log := slog.With("component", "executor", "build_id", req.BuildID, "project", req.ProjectID)

	location := history.LocationLocal
	tr := e.deps.Local
	if req.WorkerID != "" {
		location = history.LocationRemote
		tr = e.deps.Remote
	}

	if e.deps.Bus != nil {
		e.deps.Bus.Publish("build.started", map[string]any{"build_id": req.BuildID, "project_id": req.ProjectID, "worker_id": req.WorkerID})
	}

	var timing history.TimingBreakdown
	var uploaded, downloaded uint64
	var cancellation *history.CancellationInfo
	exitCode := -1

	runErr := e.runPipeline(ctx, tr, build, req, log, &timing, &uploaded, &downloaded, &exitCode, &cancellation)
	if runErr != nil && cancellation == nil {
		log.Error("build failed", "error", runErr)
	}

	if req.Guard != nil {
		req.Guard.Release()
	}
	if e.deps.Ledger != nil {
		e.deps.Ledger.Release(req.BuildID)
	}
	if e.deps.Estimator != nil {
		e.deps.Estimator.Observe(req.ProjectID, req.WorkerID, uploaded+downloaded)
	}

	completedAt := time.Now()
	record := history.Record{
		ID: req.BuildID, StartedAt: now, CompletedAt: completedAt,
		ProjectID: req.ProjectID, WorkerID: req.WorkerID, Command: req.Command,
		ExitCode: exitCode, Duration: completedAt.Sub(now), Location: location,
		BytesUploaded: uploaded, BytesDownloaded: downloaded, Timing: timing,
		Cancellation: cancellation,
	}

	if e.deps.Metrics != nil {
		outcome := "success"
		if cancellation != nil {
			outcome = "cancelled"
		} else if exitCode != 0 {
			outcome = "failed"
		}
		e.deps.Metrics.BuildTotal.WithLabelValues(outcome).Inc()
		e.deps.Metrics.BuildDuration.WithLabelValues("total").Observe(record.Duration.Seconds())
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish("build.finished", map[string]any{"build_id": req.BuildID, "exit_code": exitCode, "location": string(location)})
	}

	return record
}

// runPipeline executes upload -> run -> download -> finalize, watching for
// a cancellation signal throughout. It never self-cancels on stale
// heartbeats; that decision belongs solely to the stuck-build detector and
// the cancellation orchestrator it delegates to.
func (e *Executor) runPipeline(ctx context.Context, tr transport.Transport, build *ActiveBuild, req Request,
	log *slog.Logger, timing *history.TimingBreakdown, uploaded, downloaded *uint64, exitCode *int,
	cancellation **history.CancellationInfo) error {

	uploadStart := time.Now()
	stats, err := withRetry(ctx, maxTransportRetries, func() (transport.TransferStats, error) {
		return tr.Up(ctx, req.WorkerID, req.LocalRoot, req.RemoteRoot, req.SyncOrder, req.Excludes)
	})
	timing.UploadMs = time.Since(uploadStart).Milliseconds()
	if err != nil {
		*cancellation = nil
		return errors.Wrap("RCH-E400", errors.CategoryTransfer, "upload failed after retries", errors.ErrTransferFailed.Remediation, err)
	}
	*uploaded = stats.BytesTransferred
	build.setPhase(transport.PhaseUpload, time.Now())

	select {
	case sig := <-build.cancelCh:
		*cancellation = cancelInfo(sig)
		return nil
	default:
	}

	toolchain := req.Kind.String()
	handle, err := tr.Run(ctx, req.WorkerID, req.RemoteRoot, req.Command, toolchain)
	if err != nil {
		return errors.Wrap("RCH-E400", errors.CategoryTransfer, "remote spawn failed", errors.ErrTransferFailed.Remediation, err)
	}
	build.setPhase(transport.PhaseRemoteCompile, time.Now())

	runStart := time.Now()
	code, cancelled, sig := e.streamUntilDone(ctx, tr, build, handle, log)
	timing.RemoteMs = time.Since(runStart).Milliseconds()
	if cancelled {
		*cancellation = cancelInfo(sig)
		*exitCode = code
		return nil
	}
	*exitCode = code

	downloadStart := time.Now()
	dstats, err := withRetry(ctx, maxTransportRetries, func() (transport.TransferStats, error) {
		return tr.Down(ctx, req.WorkerID, req.RemoteRoot, req.LocalRoot, req.ArtifactGlobs)
	})
	timing.DownloadMs = time.Since(downloadStart).Milliseconds()
	if err != nil {
		return errors.Wrap("RCH-E400", errors.CategoryTransfer, "download failed after retries", errors.ErrTransferFailed.Remediation, err)
	}
	*downloaded = dstats.BytesTransferred
	build.setPhase(transport.PhaseFinalize, time.Now())
	timing.TotalMs = timing.UploadMs + timing.RemoteMs + timing.DownloadMs
	return nil
}

// streamUntilDone forwards stdout/stderr to the sink and applies heartbeats
// to build until the remote process exits or a cancellation signal arrives.
// On cancellation it kills the remote process and waits up to the
// cancellation watchdog before giving up on a clean exit.
func (e *Executor) streamUntilDone(ctx context.Context, tr transport.Transport, build *ActiveBuild, handle transport.RunHandle, log *slog.Logger) (exitCode int, cancelled bool, sig cancelSignal) {
	exitCh := make(chan int, 1)
	exitErrCh := make(chan error, 1)
	go func() {
		code, err := handle.Exit(ctx)
		exitCh <- code
		exitErrCh <- err
	}()

	stdout, stderr, heartbeats := handle.Stdout(), handle.Stderr(), handle.Heartbeats()
	for {
		select {
		case chunk, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			if e.deps.Sink != nil {
				e.deps.Sink.Stdout(build.ID, chunk)
			}
		case chunk, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			if e.deps.Sink != nil {
				e.deps.Sink.Stderr(build.ID, chunk)
			}
		case hb, ok := <-heartbeats:
			if !ok {
				heartbeats = nil
				continue
			}
			build.recordHeartbeat(hb)
		case code := <-exitCh:
			<-exitErrCh
			return code, false, cancelSignal{}
		case s := <-build.cancelCh:
			killCtx, cancel := context.WithTimeout(context.Background(), cancellationWatchdog)
			_ = tr.Kill(killCtx, handle)
			cancel()
			select {
			case code := <-exitCh:
				<-exitErrCh
				return code, true, s
			case <-time.After(cancellationWatchdog):
				log.Warn("cancellation watchdog expired, force-aborting")
				return -1, true, s
			}
		}
	}
}

func cancelInfo(sig cancelSignal) *history.CancellationInfo {
	return &history.CancellationInfo{Reason: sig.reason, RequestedAt: time.Now(), Forced: sig.force}
}

// withRetry retries fn up to maxAttempts extra times with exponential
// back-off, following the retry-up-to-2-times transport-failure policy.
func withRetry(ctx context.Context, maxAttempts int, fn func() (transport.TransferStats, error)) (transport.TransferStats, error) {
	var lastErr error
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := retryBaseBackoff << uint(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return transport.TransferStats{}, ctx.Err()
			}
		}
		stats, err := fn()
		if err == nil {
			return stats, nil
		}
		lastErr = err
	}
	return transport.TransferStats{}, fmt.Errorf("exhausted %d retries: %w", maxAttempts, lastErr)
}

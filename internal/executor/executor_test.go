package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/rcomp/internal/classifier"
	"github.com/ocx/rcomp/internal/eventbus"
	"github.com/ocx/rcomp/internal/headroom"
	"github.com/ocx/rcomp/internal/history"
	"github.com/ocx/rcomp/internal/transport"
)

type fakeHandle struct {
	stdout     chan []byte
	stderr     chan []byte
	heartbeats chan transport.Heartbeat
	exitSignal chan struct{}
	exitCode   int
	exitErr    error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		stdout:     make(chan []byte, 4),
		stderr:     make(chan []byte, 4),
		heartbeats: make(chan transport.Heartbeat, 4),
		exitSignal: make(chan struct{}),
	}
}

func (h *fakeHandle) Stdout() <-chan []byte                  { return h.stdout }
func (h *fakeHandle) Stderr() <-chan []byte                  { return h.stderr }
func (h *fakeHandle) Heartbeats() <-chan transport.Heartbeat { return h.heartbeats }

// Exit blocks until finish() is called (or ctx is cancelled), mirroring a
// real remote process that only reports its code once it actually exits.
func (h *fakeHandle) Exit(ctx context.Context) (int, error) {
	select {
	case <-h.exitSignal:
		return h.exitCode, h.exitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// finish marks the fake process as exited with code, unblocking Exit. Safe
// to call at most once per handle.
func (h *fakeHandle) finish(code int) {
	h.exitCode = code
	close(h.exitSignal)
}

type fakeTransport struct {
	handle      *fakeHandle
	upErr       error
	runErr      error
	downErr     error
	killCalls   int
	upCalls     int
	runBlockFor time.Duration
}

func (f *fakeTransport) Up(ctx context.Context, workerID, localRoot, remoteRoot string, syncOrder []transport.SyncEntry, excludes []string) (transport.TransferStats, error) {
	f.upCalls++
	if f.upErr != nil {
		return transport.TransferStats{}, f.upErr
	}
	return transport.TransferStats{BytesTransferred: 1024}, nil
}

func (f *fakeTransport) Run(ctx context.Context, workerID, workdir, command, toolchain string) (transport.RunHandle, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.handle, nil
}

func (f *fakeTransport) Down(ctx context.Context, workerID, remoteRoot, localRoot string, globs []string) (transport.TransferStats, error) {
	if f.downErr != nil {
		return transport.TransferStats{}, f.downErr
	}
	return transport.TransferStats{BytesTransferred: 2048}, nil
}

func (f *fakeTransport) Kill(ctx context.Context, handle transport.RunHandle) error {
	f.killCalls++
	if h, ok := handle.(*fakeHandle); ok {
		select {
		case <-h.exitSignal:
			// already finished
		default:
			h.finish(-1)
		}
	}
	return nil
}

type fakeSink struct {
	stdout, stderr [][]byte
}

func (s *fakeSink) Stdout(buildID uint64, chunk []byte) { s.stdout = append(s.stdout, chunk) }
func (s *fakeSink) Stderr(buildID uint64, chunk []byte) { s.stderr = append(s.stderr, chunk) }

func TestRun_SuccessfulRemoteBuild(t *testing.T) {
	handle := newFakeHandle()
	go func() {
		handle.stdout <- []byte("compiling\n")
		close(handle.stdout)
		close(handle.stderr)
		handle.heartbeats <- transport.Heartbeat{At: time.Now(), Phase: transport.PhaseRemoteCompile, Counter: 1}
		close(handle.heartbeats)
		handle.finish(0)
	}()
	tr := &fakeTransport{handle: handle}
	sink := &fakeSink{}

	exec := New(Deps{Remote: tr, Local: tr, Sink: sink, Bus: eventbus.New()})
	req := Request{
		BuildID: 1, ProjectID: "proj", Command: "cargo build", Kind: classifier.KindRust,
		WorkerID: "w1", LocalRoot: "/local", RemoteRoot: "/remote",
	}

	record := exec.Run(context.Background(), req)
	require.Equal(t, 0, record.ExitCode)
	require.Equal(t, history.LocationRemote, record.Location)
	require.Nil(t, record.Cancellation, "expected no cancellation info")
	require.NotEmpty(t, sink.stdout, "expected stdout to be forwarded to the sink")
	require.Equal(t, 1, tr.upCalls)
}

func TestRun_LocalFallbackWhenNoWorker(t *testing.T) {
	handle := newFakeHandle()
	close(handle.stdout)
	close(handle.stderr)
	close(handle.heartbeats)
	handle.finish(0)
	tr := &fakeTransport{handle: handle}

	exec := New(Deps{Remote: tr, Local: tr})
	req := Request{BuildID: 2, ProjectID: "proj", Command: "make", Kind: classifier.KindRust, LocalRoot: "/l", RemoteRoot: "/r"}

	record := exec.Run(context.Background(), req)
	require.Equal(t, history.LocationLocal, record.Location)
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	handle := newFakeHandle()
	close(handle.stdout)
	close(handle.stderr)
	close(handle.heartbeats)
	handle.finish(1)
	tr := &fakeTransport{handle: handle}

	exec := New(Deps{Remote: tr, Local: tr})
	req := Request{BuildID: 3, ProjectID: "proj", Command: "cargo build", Kind: classifier.KindRust, WorkerID: "w1", LocalRoot: "/l", RemoteRoot: "/r"}

	record := exec.Run(context.Background(), req)
	require.Equal(t, 1, record.ExitCode, "non-zero exit is success-with-code")
	require.Nil(t, record.Cancellation, "a non-zero exit must not be reported as a cancellation")
}

func TestRun_UploadFailureAfterRetriesIsRecorded(t *testing.T) {
	tr := &fakeTransport{upErr: context.DeadlineExceeded}
	exec := New(Deps{Remote: tr, Local: tr})
	req := Request{BuildID: 4, ProjectID: "proj", Command: "make", Kind: classifier.KindRust, WorkerID: "w1", LocalRoot: "/l", RemoteRoot: "/r"}

	record := exec.Run(context.Background(), req)
	require.Equal(t, -1, record.ExitCode, "never ran")
}

func TestRequestCancel_StopsAnActiveBuildAndReleasesReservation(t *testing.T) {
	handle := newFakeHandle()
	tr := &fakeTransport{handle: handle}
	ledger := headroom.NewLedger()
	ledger.Charge(5, "w1", 1, headroom.Prediction{Expected: 10}, time.Time{})

	exec := New(Deps{Remote: tr, Local: tr, Ledger: ledger})
	req := Request{BuildID: 5, ProjectID: "proj", Command: "make", Kind: classifier.KindRust, WorkerID: "w1", LocalRoot: "/l", RemoteRoot: "/r"}

	done := make(chan history.Record, 1)
	go func() { done <- exec.Run(context.Background(), req) }()

	// Wait until the remote process has been spawned, so the cancellation
	// reaches streamUntilDone (which kills the process) rather than the
	// pre-spawn checkpoint (which returns without a Kill).
	deadline := time.After(2 * time.Second)
	for {
		if b, ok := exec.Get(5); ok {
			b.mu.Lock()
			phase := b.phase
			b.mu.Unlock()
			if phase == transport.PhaseRemoteCompile {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("build never became active")
		default:
		}
	}
	require.True(t, exec.RequestCancel(5, "client_request", false), "RequestCancel returned false for an active build")

	select {
	case record := <-done:
		require.NotNil(t, record.Cancellation, "expected cancellation info on a cancelled build")
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not finish after cancellation")
	}

	require.NotZero(t, tr.killCalls, "expected Kill to be called on cancellation")
	if r, ok := ledger.Get(5); ok {
		require.Equal(t, headroom.ReservationReleased, r.Status, "reservation should be released after cancelled build finishes")
	}
}

func TestRequestCancel_UnknownBuildReturnsFalse(t *testing.T) {
	exec := New(Deps{})
	require.False(t, exec.RequestCancel(999, "x", false), "expected false for an unknown build")
}

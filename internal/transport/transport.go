// Package transport defines the abstract upload/run/download/kill surface
// the build executor drives a worker through, independent of the wire
// protocol that actually moves bytes.
//
// Grounded on the internal/gvisor/sandbox_executor.go for the
// stage-then-cleanup subprocess lifecycle shape (prepare, run, always
// clean up) and internal/arbitrator/stream_handler.go for the
// receive-loop-plus-side-channel pattern used for streaming heartbeats
// alongside stdout/stderr.
package transport

import (
	"context"
	"time"
)

// TransferStats summarizes one upload or download pass.
type TransferStats struct {
	BytesTransferred uint64
	FilesTransferred int
	Duration         time.Duration
}

// Phase is the executor pipeline phase a heartbeat or progress update
// belongs to.
type Phase string

const (
	PhaseUpload        Phase = "upload"
	PhaseRemoteCompile Phase = "remote_compile"
	PhaseDownload      Phase = "download"
	PhaseFinalize      Phase = "finalize"
)

// Heartbeat is one structured progress update from the remote command.
type Heartbeat struct {
	At      time.Time
	Phase   Phase
	Detail  string
	Counter int64
	Percent float64
}

// RunHandle is a live remote process: stdout/stderr/heartbeats are
// delivered on channels that close when the process exits, and Exit blocks
// for the final code.
type RunHandle interface {
	Stdout() <-chan []byte
	Stderr() <-chan []byte
	Heartbeats() <-chan Heartbeat
	// Exit blocks until the remote process exits and returns its code.
	// Calling Exit more than once returns the same result.
	Exit(ctx context.Context) (int, error)
}

// SyncEntry names one path the upload phase must carry, in dependency
// order (entries earlier in the slice must land before later ones).
type SyncEntry struct {
	CanonicalPath string
	Risk          string
}

// Transport is the full interface the build executor drives a worker
// through. Implementations own the wire protocol (SSH+rsync, a local
// loopback, a test double).
type Transport interface {
	// Up uploads local_root to remote_root, following syncOrder if
	// non-nil (a conservative whole-tree copy otherwise), skipping
	// excludes.
	Up(ctx context.Context, workerID, localRoot, remoteRoot string, syncOrder []SyncEntry, excludes []string) (TransferStats, error)

	// Run spawns command in workdir on workerID and returns a handle to
	// its streams. toolchain is a hint (e.g. "rust", "ccpp") that may
	// select a different remote invocation wrapper; empty means no hint.
	Run(ctx context.Context, workerID, workdir, command, toolchain string) (RunHandle, error)

	// Down downloads files matching globs from remote_root back to
	// local_root.
	Down(ctx context.Context, workerID, remoteRoot, localRoot string, globs []string) (TransferStats, error)

	// Kill terminates the remote process behind handle. Idempotent:
	// killing an already-exited or already-killed handle is a no-op.
	Kill(ctx context.Context, handle RunHandle) error
}

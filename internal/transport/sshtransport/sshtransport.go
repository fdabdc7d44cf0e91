// Package sshtransport implements transport.Transport over SSH, using the
// worker's configured host/user/identity-file to run commands remotely and
// rsync-over-SSH to move files.
//
// Grounded on the use of golang.org/x/crypto (bcrypt, in
// internal/multitenancy/tenant_manager.go) as the pack's one x/crypto
// dependency; this package exercises the same module's ssh subpackage,
// which the go.mod already pulls in transitively.
package sshtransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ocx/rcomp/internal/transport"
)

// WorkerAddress resolves a worker id to connection details. The daemon's
// worker pool config is the natural implementer.
type WorkerAddress interface {
	Resolve(workerID string) (host, user, identityFile string, ok bool)
}

// Transport drives workers over SSH, shelling out to rsync for file
// transfer and opening an SSH session per Run.
type Transport struct {
	addresses WorkerAddress
	dialer    func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// New creates an SSH-backed Transport resolving worker addresses via
// addresses.
func New(addresses WorkerAddress) *Transport {
	return &Transport{addresses: addresses, dialer: ssh.Dial}
}

func (t *Transport) clientConfig(identityFile, user string) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: reading identity file %s: %w", identityFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: parsing identity file %s: %w", identityFile, err)
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}, nil
}

// Up rsyncs localRoot to remoteRoot over SSH, respecting syncOrder when
// given (each entry is synced as its own rsync invocation, in order) and a
// conservative whole-tree rsync when syncOrder is nil.
func (t *Transport) Up(ctx context.Context, workerID, localRoot, remoteRoot string, syncOrder []transport.SyncEntry, excludes []string) (transport.TransferStats, error) {
	host, user, _, ok := t.addresses.Resolve(workerID)
	if !ok {
		return transport.TransferStats{}, fmt.Errorf("sshtransport: unknown worker %q", workerID)
	}

	start := time.Now()
	var total uint64
	var files int

	paths := []string{localRoot}
	if len(syncOrder) > 0 {
		paths = paths[:0]
		for _, entry := range syncOrder {
			paths = append(paths, entry.CanonicalPath)
		}
	}

	for _, src := range paths {
		args := rsyncArgs(src, fmt.Sprintf("%s@%s:%s", user, host, remoteRoot), excludes)
		cmd := exec.CommandContext(ctx, "rsync", args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			return transport.TransferStats{}, fmt.Errorf("sshtransport: rsync up %s: %w", src, err)
		}
		n, f := parseRsyncStats(out.String())
		total += n
		files += f
	}

	return transport.TransferStats{BytesTransferred: total, FilesTransferred: files, Duration: time.Since(start)}, nil
}

// Down rsyncs files matching globs from remoteRoot back to localRoot.
func (t *Transport) Down(ctx context.Context, workerID, remoteRoot, localRoot string, globs []string) (transport.TransferStats, error) {
	host, user, _, ok := t.addresses.Resolve(workerID)
	if !ok {
		return transport.TransferStats{}, fmt.Errorf("sshtransport: unknown worker %q", workerID)
	}

	start := time.Now()
	var total uint64
	var files int

	for _, glob := range globs {
		src := fmt.Sprintf("%s@%s:%s/%s", user, host, remoteRoot, glob)
		cmd := exec.CommandContext(ctx, "rsync", "-az", "--relative", "--stats", src, localRoot)
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			// A glob matching nothing is not fatal; rsync exits non-zero
			// for "no such file" too, so this is best-effort per entry.
			continue
		}
		n, f := parseRsyncStats(out.String())
		total += n
		files += f
	}

	return transport.TransferStats{BytesTransferred: total, FilesTransferred: files, Duration: time.Since(start)}, nil
}

// Run opens an SSH session on workerID and runs command in workdir,
// parsing NDJSON heartbeat lines on a side stream mixed into stderr (lines
// starting with "@@heartbeat ") out of the stderr stream before forwarding
// the remainder to the caller.
func (t *Transport) Run(ctx context.Context, workerID, workdir, command, toolchain string) (transport.RunHandle, error) {
	host, user, identityFile, ok := t.addresses.Resolve(workerID)
	if !ok {
		return nil, fmt.Errorf("sshtransport: unknown worker %q", workerID)
	}

	cfg, err := t.clientConfig(identityFile, user)
	if err != nil {
		return nil, err
	}
	client, err := t.dialer("tcp", host+":22", cfg)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: dialing %s: %w", host, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sshtransport: opening session on %s: %w", host, err)
	}

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}

	h := &runHandle{
		session: session,
		client:  client,
		stdout:  make(chan []byte, 64),
		stderr:  make(chan []byte, 64),
		hb:      make(chan transport.Heartbeat, 64),
		done:    make(chan struct{}),
	}

	remote := fmt.Sprintf("cd %s && %s", shellQuote(workdir), command)
	if err := session.Start(remote); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("sshtransport: starting command on %s: %w", host, err)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		h.pump(stdoutPipe, h.stdout, nil)
	}()
	go func() {
		defer pumps.Done()
		h.pump(stderrPipe, h.stderr, h.hb)
	}()

	go func() {
		err := session.Wait()
		// Both pumps must drain to EOF before their channels close, or a
		// late read could send on a closed channel.
		pumps.Wait()
		h.exitErr = err
		close(h.stdout)
		close(h.stderr)
		close(h.hb)
		close(h.done)
	}()

	return h, nil
}

// Kill terminates the remote process behind handle. Idempotent.
func (t *Transport) Kill(ctx context.Context, handle transport.RunHandle) error {
	h, ok := handle.(*runHandle)
	if !ok {
		return fmt.Errorf("sshtransport: handle from a different transport")
	}
	h.killOnce.Do(func() {
		h.session.Signal(ssh.SIGKILL)
	})
	return nil
}

// Delete removes path on workerID, satisfying reclaim.Deleter for the disk
// reclaim pass. It opens a short-lived session rather than reusing a Run
// session, since reclaim runs independently of any active build.
func (t *Transport) Delete(ctx context.Context, workerID, path string) error {
	host, user, identityFile, ok := t.addresses.Resolve(workerID)
	if !ok {
		return fmt.Errorf("sshtransport: unknown worker %q", workerID)
	}
	cfg, err := t.clientConfig(identityFile, user)
	if err != nil {
		return err
	}
	client, err := t.dialer("tcp", host+":22", cfg)
	if err != nil {
		return fmt.Errorf("sshtransport: dialing %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("sshtransport: opening session on %s: %w", host, err)
	}
	defer session.Close()

	if err := session.Run(fmt.Sprintf("rm -rf -- %s", shellQuote(path))); err != nil {
		return fmt.Errorf("sshtransport: deleting %s on %s: %w", path, host, err)
	}
	return nil
}

type runHandle struct {
	session *ssh.Session
	client  *ssh.Client

	stdout chan []byte
	stderr chan []byte
	hb     chan transport.Heartbeat
	done   chan struct{}

	killOnce sync.Once
	exitErr  error
	exitOnce sync.Once
	exitCode int
}

func (h *runHandle) Stdout() <-chan []byte               { return h.stdout }
func (h *runHandle) Stderr() <-chan []byte                { return h.stderr }
func (h *runHandle) Heartbeats() <-chan transport.Heartbeat { return h.hb }

func (h *runHandle) Exit(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	h.exitOnce.Do(func() {
		h.session.Close()
		h.client.Close()
		if h.exitErr == nil {
			h.exitCode = 0
			return
		}
		if exitErr, ok := h.exitErr.(*ssh.ExitError); ok {
			h.exitCode = exitErr.ExitStatus()
			h.exitErr = nil
			return
		}
	})
	return h.exitCode, h.exitErr
}

const heartbeatPrefix = "@@heartbeat "

func (h *runHandle) pump(r io.Reader, out chan<- []byte, hb chan<- transport.Heartbeat) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := buf[:idx]
				buf = buf[idx+1:]

				if hb != nil && bytes.HasPrefix(line, []byte(heartbeatPrefix)) {
					var beat transport.Heartbeat
					if jerr := json.Unmarshal(line[len(heartbeatPrefix):], &beat); jerr == nil {
						beat.At = time.Now()
						hb <- beat
						continue
					}
				}
				out <- append([]byte(nil), line...)
			}
		}
		if err != nil {
			if len(buf) > 0 {
				out <- append([]byte(nil), buf...)
			}
			return
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func rsyncArgs(src, dst string, excludes []string) []string {
	args := []string{"-az", "--relative", "--stats"}
	for _, ex := range excludes {
		args = append(args, "--exclude", ex)
	}
	return append(args, src, dst)
}

// parseRsyncStats extracts byte/file counts from rsync's --stats summary.
// A best-effort parse; malformed output yields zero counts rather than an
// error, since the counts only feed observability and the headroom
// estimator.
func parseRsyncStats(output string) (transferred uint64, files int) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if v, ok := statValue(trimmed, "Total transferred file size:"); ok {
			transferred = v
		}
		if v, ok := statValue(trimmed, "Number of regular files transferred:"); ok {
			files = int(v)
		}
	}
	return transferred, files
}

// statValue parses lines like "Total transferred file size: 1,234 bytes".
func statValue(line, prefix string) (uint64, bool) {
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.ReplaceAll(rest, ",", "")
	v, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

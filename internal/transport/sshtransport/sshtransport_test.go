package sshtransport

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/rcomp/internal/transport"
)

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's/a/path")
	want := `'it'\''s/a/path'`
	require.Equal(t, want, got)
}

func TestRsyncArgs_IncludesExcludesInOrder(t *testing.T) {
	args := rsyncArgs("/src", "user@host:/dst", []string{".git/", "target/"})
	joined := strings.Join(args, " ")
	require.Containsf(t, joined, "--exclude .git/ --exclude target/", "got %q", joined)
	require.Equalf(t, "/src", args[len(args)-2], "expected src as second-to-last arg, got %v", args)
	require.Equalf(t, "user@host:/dst", args[len(args)-1], "expected dst as trailing arg, got %v", args)
}

func TestRunHandle_PumpSplitsHeartbeatLinesFromStderr(t *testing.T) {
	h := &runHandle{
		stdout: make(chan []byte, 8),
		stderr: make(chan []byte, 8),
		hb:     make(chan transport.Heartbeat, 8),
	}
	r := strings.NewReader("compiling foo.rs\n@@heartbeat {\"phase\":\"remote_compile\",\"percent\":42}\nwarning: unused var\n")
	h.pump(r, h.stderr, h.hb)

	var lines [][]byte
	close(h.stderr)
	for l := range h.stderr {
		lines = append(lines, l)
	}
	require.Lenf(t, lines, 2, "expected 2 plain stderr lines, got %v", lines)
	require.Equal(t, "compiling foo.rs", string(lines[0]))
	require.Equal(t, "warning: unused var", string(lines[1]))

	close(h.hb)
	var beats []transport.Heartbeat
	for b := range h.hb {
		beats = append(beats, b)
	}
	require.Len(t, beats, 1, "expected 1 heartbeat")
	require.Equal(t, float64(42), beats[0].Percent)
	require.LessOrEqualf(t, time.Since(beats[0].At), time.Minute, "expected heartbeat.At to be stamped near now")
}

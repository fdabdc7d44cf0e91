// Command rcomp-hook is the agent-side hook binary: it reads one PreToolUse
// hook payload on stdin, classifies the command with internal/classifier,
// and writes an allow/deny decision to stdout per the hook protocol in
// spec.md §6. It is a thin driver — everything decision-worthy lives in the
// classifier, which stays a pure function with no stdin/stdout of its own.
//
// Role grounded on cmd/interceptor/main.go (a process sitting in front of a
// tool call), minus its eBPF machinery, which has no use for a pure string
// classifier.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ocx/rcomp/internal/classifier"
	"github.com/ocx/rcomp/internal/config"
)

// hookInput is the stdin payload the agent host sends before running a
// shell tool call.
type hookInput struct {
	ToolName  string `json:"tool_name"`
	ToolInput struct {
		Command     string `json:"command"`
		Description string `json:"description,omitempty"`
	} `json:"tool_input"`
	SessionID string `json:"session_id,omitempty"`
}

// hookSpecificOutput carries a deny decision; an empty top-level object is
// how the protocol spells "allow".
type hookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision        string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

type hookOutput struct {
	HookSpecificOutput *hookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

func main() {
	slog.SetLogLoggerLevel(slog.LevelWarn)

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		slog.Error("rcomp-hook: reading stdin", "error", err)
		allow()
		return
	}

	var in hookInput
	if err := json.Unmarshal(raw, &in); err != nil {
		slog.Error("rcomp-hook: malformed hook payload", "error", err)
		allow()
		return
	}

	if in.ToolInput.Command == "" {
		allow()
		return
	}

	result := classifier.Classify(in.ToolInput.Command)
	threshold := defaultConfidenceThreshold()

	slog.Debug("rcomp-hook: classified",
		"is_compilation", result.IsCompilation,
		"confidence", result.Confidence,
		"kind", result.Kind.String(),
		"reason", result.Reason,
		"session_id", in.SessionID,
	)

	// The hook only ever allows or silently defers: a low-confidence or
	// non-compilation command is left for the agent host to run locally
	// exactly as it would without this hook installed. Denial is reserved
	// for configuration that explicitly disables offload, never used to
	// block a user's command from running somewhere.
	if !result.IsCompilation || result.Confidence < threshold {
		allow()
		return
	}

	if os.Getenv("RCOMP_DISABLED") == "1" {
		deny(fmt.Sprintf("rcomp offload disabled (reason=%s)", result.Reason))
		return
	}

	allow()
}

func defaultConfidenceThreshold() float64 {
	cfg, err := config.Load(os.Getenv("RCOMP_CONFIG_FILE"), os.Getenv("RCOMP_ENV_FILE"))
	if err != nil {
		return 0.85
	}
	return cfg.Compilation.ConfidenceThreshold
}

func allow() {
	json.NewEncoder(os.Stdout).Encode(hookOutput{})
}

func deny(reason string) {
	json.NewEncoder(os.Stdout).Encode(hookOutput{
		HookSpecificOutput: &hookSpecificOutput{
			HookEventName:            "PreToolUse",
			PermissionDecision:       "deny",
			PermissionDecisionReason: reason,
		},
	})
}

package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Tier0Builtins(t *testing.T) {
	for _, cmd := range []string{"cd /tmp", "ls -la", "git status", "echo hi", "pwd"} {
		r := Classify(cmd)
		assert.Falsef(t, r.IsCompilation, "Classify(%q).IsCompilation", cmd)
		assert.Equalf(t, "tier0_builtin", r.Reason, "Classify(%q).Reason", cmd)
	}
}

func TestClassify_RejectsUnquotedMetacharacters(t *testing.T) {
	cases := map[string]string{
		"cargo build 2>&1 | grep error": "redirected",
		"cargo build && echo done":      "chained",
		"cargo build; echo done":        "chained",
		"cargo build > out.log":         "redirected",
		"cargo build < in.txt":          "redirected",
		"cargo build $(whoami)":         "command_substitution",
	}
	for cmd := range cases {
		r := Classify(cmd)
		assert.Falsef(t, r.IsCompilation, "Classify(%q).IsCompilation", cmd)
	}
}

func TestClassify_RespectsQuoting(t *testing.T) {
	r := Classify(`cargo build --message-format "a; b"`)
	require.Truef(t, r.IsCompilation, "Classify with quoted metacharacter rejected: %+v", r)
}

func TestClassify_CargoSubcommands(t *testing.T) {
	compile := []string{"build", "test", "check", "clippy", "run", "bench"}
	for _, sub := range compile {
		r := Classify("cargo " + sub)
		assert.Truef(t, r.IsCompilation, "cargo %s: got %+v", sub, r)
		assert.Equalf(t, KindRust, r.Kind, "cargo %s: got %+v", sub, r)
	}
	never := []string{"install", "publish", "fmt", "clean", "new"}
	for _, sub := range never {
		r := Classify("cargo " + sub)
		assert.Falsef(t, r.IsCompilation, "cargo %s: got %+v", sub, r)
		assert.Equalf(t, "never_intercept", r.Reason, "cargo %s: reason", sub)
	}
}

func TestClassify_NpmSubcommands(t *testing.T) {
	r := Classify("npm run build")
	require.Truef(t, r.IsCompilation, "npm run build: got %+v", r)

	r = Classify("npm install")
	require.Falsef(t, r.IsCompilation, "npm install: got %+v", r)
	require.Equal(t, "never_intercept", r.Reason)
}

func TestClassify_ExactProgramMatches(t *testing.T) {
	for cmd, kind := range map[string]CompilationKind{
		"gcc -c main.c":       KindCCpp,
		"g++ -std=c++20 a.cc": KindCCpp,
		"clang foo.c":         KindCCpp,
		"make -j8":            KindMake,
		"ninja":                KindMake,
		"cmake --build .":     KindMake,
		"rustc main.rs":       KindRust,
	} {
		r := Classify(cmd)
		assert.Truef(t, r.IsCompilation, "Classify(%q) = %+v", cmd, r)
		assert.Equalf(t, kind, r.Kind, "Classify(%q) = %+v", cmd, r)
		assert.Equalf(t, 1.0, r.Confidence, "Classify(%q).Confidence", cmd)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	cmds := []string{"cargo build --release", "ls -la", "cargo build 2>&1 | grep x", "make"}
	for _, cmd := range cmds {
		a := Classify(cmd)
		b := Classify(cmd)
		assert.Equalf(t, a, b, "Classify(%q) not deterministic", cmd)
	}
}

func TestClassify_1KBCommandWithUnquotedSemicolon(t *testing.T) {
	padding := make([]byte, 1024)
	for i := range padding {
		padding[i] = 'a'
	}
	cmd := "cargo build --features " + string(padding) + "; rm -rf /"
	r := Classify(cmd)
	require.Falsef(t, r.IsCompilation, "expected rejection for command containing unquoted ';', got %+v", r)
	require.Equal(t, "chained", r.Reason)
}

func TestClassify_PathQualifiedProgram(t *testing.T) {
	r := Classify("/usr/bin/cargo build")
	require.Truef(t, r.IsCompilation, "/usr/bin/cargo build: got %+v", r)
	require.Equal(t, KindRust, r.Kind)
}

func TestClassify_EnvAssignmentsSkipped(t *testing.T) {
	r := Classify(`RUSTFLAGS="-C opt-level=3" CARGO_NET_OFFLINE=true cargo build`)
	require.Truef(t, r.IsCompilation, "env-prefixed cargo build: got %+v", r)
	require.Equal(t, KindRust, r.Kind)
}

func TestClassify_UnterminatedQuoteFailsClosed(t *testing.T) {
	r := Classify(`cargo build --message-format "unterminated`)
	require.Falsef(t, r.IsCompilation, "unterminated quote must fail closed, got %+v", r)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFileOrEnv(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.General.LogLevel)
	require.Equal(t, SourceDefault, cfg.SourceOf("general.log_level"))
}

func TestLoad_FileOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  log_level: debug\n"), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.General.LogLevel)
	require.Equal(t, SourceFile, cfg.SourceOf("general.log_level"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  log_level: debug\n"), 0o644))
	t.Setenv("RCOMP_LOG_LEVEL", "warn")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.General.LogLevel)
	require.Equal(t, SourceEnv, cfg.SourceOf("general.log_level"))
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml", "")
	require.NoError(t, err, "missing config file should not error")
}

func TestLoad_MalformedFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general: [this is not a map"), 0o644))

	_, err := Load(path, "")
	require.Error(t, err, "expected malformed YAML to error")
}

func TestConfig_SetOverride(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	cfg.SetOverride("general.log_level", "error")
	require.Equal(t, "error", cfg.General.LogLevel)
	require.Equal(t, SourceOverride, cfg.SourceOf("general.log_level"))
}

func TestManager_ReloadGeneralOnlyTouchesGeneralKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compilation:\n  min_local_time_ms: 5000\n"), 0o644))

	m, err := NewManager(path, "")
	require.NoError(t, err)
	require.Equal(t, 5000, m.Get().Compilation.MinLocalTimeMs)

	require.NoError(t, os.WriteFile(path, []byte("general:\n  log_level: debug\ncompilation:\n  min_local_time_ms: 9999\n"), 0o644))
	require.NoError(t, m.ReloadGeneral(path, ""))
	require.Equal(t, "debug", m.Get().General.LogLevel, "expected general.log_level to hot-reload")
	require.Equal(t, 5000, m.Get().Compilation.MinLocalTimeMs, "expected compilation.* to require a restart, not hot-reload")
}

// Package config loads the daemon's configuration from defaults, a YAML
// file, a .env file, and environment variables, in that precedence order,
// tracking which source won for every key.
//
// Adapted from the internal/config/config.go (YAML struct tree +
// applyEnvOverrides layering) and internal/config/manager.go (a live
// manager wrapping the loaded config for runtime overrides), narrowed from
// tenant-override resolution to general.* hot-reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Source identifies where a config value's effective setting came from.
type Source int

const (
	SourceDefault Source = iota
	SourceFile
	SourceEnv
	SourceOverride
)

func (s Source) String() string {
	switch s {
	case SourceFile:
		return "file"
	case SourceEnv:
		return "env"
	case SourceOverride:
		return "override"
	default:
		return "default"
	}
}

// General holds the general.* keys.
type General struct {
	Enabled    bool   `yaml:"enabled"`
	LogLevel   string `yaml:"log_level"`
	SocketPath string `yaml:"socket_path"`
}

// Compilation holds the compilation.* keys.
type Compilation struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinLocalTimeMs      int     `yaml:"min_local_time_ms"`
}

// Transfer holds the transfer.* keys.
type Transfer struct {
	CompressionLevel int                 `yaml:"compression_level"`
	ExcludePatterns  []string            `yaml:"exclude_patterns"`
	ArtifactGlobs    map[string][]string `yaml:"artifact_globs"`
}

// Config is the daemon's full configuration tree.
type Config struct {
	General     General     `yaml:"general"`
	Compilation Compilation `yaml:"compilation"`
	Transfer    Transfer    `yaml:"transfer"`

	mu      sync.RWMutex
	sources map[string]Source
}

func defaults() *Config {
	return &Config{
		General: General{
			Enabled:    true,
			LogLevel:   "info",
			SocketPath: "/tmp/rcompd.sock",
		},
		Compilation: Compilation{
			ConfidenceThreshold: 0.85,
			MinLocalTimeMs:      2000,
		},
		Transfer: Transfer{
			CompressionLevel: 3,
			ExcludePatterns:  []string{".git/", "target/", "node_modules/"},
			ArtifactGlobs: map[string][]string{
				"rust": {"target/*/deps/*", "target/*/*.rlib", "target/*/*.so", "target/*/*.exe", "target/*/<bin>"},
				"ccpp": {"*.o", "*.a", "*.so", "*.exe", "a.out", "*.obj"},
			},
		},
		sources: map[string]Source{
			"general.enabled":                  SourceDefault,
			"general.log_level":                SourceDefault,
			"general.socket_path":              SourceDefault,
			"compilation.confidence_threshold": SourceDefault,
			"compilation.min_local_time_ms":    SourceDefault,
			"transfer.compression_level":       SourceDefault,
			"transfer.exclude_patterns":        SourceDefault,
		},
	}
}

// SourceOf reports which source last set key (a dotted path like
// "general.log_level"). Returns SourceDefault for unknown keys.
func (c *Config) SourceOf(key string) Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sources[key]
}

func (c *Config) setSource(key string, s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sources == nil {
		c.sources = make(map[string]Source)
	}
	c.sources[key] = s
}

// fileOverlay is the subset of Config loadable from YAML, used only to
// detect which keys the file actually set (YAML zero values are
// ambiguous with "not present", so this is decoded onto a pointer-free
// struct and diffed against defaults below).
type fileOverlay struct {
	General     General     `yaml:"general"`
	Compilation Compilation `yaml:"compilation"`
	Transfer    Transfer    `yaml:"transfer"`
}

// Load builds the effective config for path (YAML) and envPath (.env),
// applying Default -> File -> Env precedence and recording the Source
// of every key along the way. A missing file at either path is not an
// error; a malformed one is.
func Load(path, envPath string) (*Config, error) {
	cfg := defaults()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading .env: %w", err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else {
			var overlay fileOverlay
			if err := yaml.Unmarshal(data, &overlay); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			applyFileOverlay(cfg, overlay)
			var enabled struct {
				General struct {
					Enabled *bool `yaml:"enabled"`
				} `yaml:"general"`
			}
			if err := yaml.Unmarshal(data, &enabled); err == nil && enabled.General.Enabled != nil {
				cfg.General.Enabled = *enabled.General.Enabled
				cfg.setSource("general.enabled", SourceFile)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func applyFileOverlay(cfg *Config, overlay fileOverlay) {
	if overlay.General.LogLevel != "" {
		cfg.General.LogLevel = overlay.General.LogLevel
		cfg.setSource("general.log_level", SourceFile)
	}
	if overlay.General.SocketPath != "" {
		cfg.General.SocketPath = overlay.General.SocketPath
		cfg.setSource("general.socket_path", SourceFile)
	}
	// General.Enabled has no reliable "unset" zero value distinct from
	// false, so Load applies it separately: the file wins whenever the key
	// is present.
	if overlay.Compilation.ConfidenceThreshold != 0 {
		cfg.Compilation.ConfidenceThreshold = overlay.Compilation.ConfidenceThreshold
		cfg.setSource("compilation.confidence_threshold", SourceFile)
	}
	if overlay.Compilation.MinLocalTimeMs != 0 {
		cfg.Compilation.MinLocalTimeMs = overlay.Compilation.MinLocalTimeMs
		cfg.setSource("compilation.min_local_time_ms", SourceFile)
	}
	if overlay.Transfer.CompressionLevel != 0 {
		cfg.Transfer.CompressionLevel = overlay.Transfer.CompressionLevel
		cfg.setSource("transfer.compression_level", SourceFile)
	}
	if len(overlay.Transfer.ExcludePatterns) > 0 {
		cfg.Transfer.ExcludePatterns = overlay.Transfer.ExcludePatterns
		cfg.setSource("transfer.exclude_patterns", SourceFile)
	}
	if len(overlay.Transfer.ArtifactGlobs) > 0 {
		cfg.Transfer.ArtifactGlobs = overlay.Transfer.ArtifactGlobs
		cfg.setSource("transfer.artifact_globs", SourceFile)
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RCOMP_LOG_LEVEL"); v != "" {
		c.General.LogLevel = v
		c.setSource("general.log_level", SourceEnv)
	}
	if v := os.Getenv("RCOMP_SOCKET_PATH"); v != "" {
		c.General.SocketPath = v
		c.setSource("general.socket_path", SourceEnv)
	}
	if v := os.Getenv("RCOMP_ENABLED"); v != "" {
		c.General.Enabled = v == "true" || v == "1"
		c.setSource("general.enabled", SourceEnv)
	}
	if v := os.Getenv("RCOMP_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Compilation.ConfidenceThreshold = f
			c.setSource("compilation.confidence_threshold", SourceEnv)
		}
	}
	if v := os.Getenv("RCOMP_MIN_LOCAL_TIME_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Compilation.MinLocalTimeMs = i
			c.setSource("compilation.min_local_time_ms", SourceEnv)
		}
	}
	if v := os.Getenv("RCOMP_COMPRESSION_LEVEL"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.Transfer.CompressionLevel = i
			c.setSource("transfer.compression_level", SourceEnv)
		}
	}
	if v := os.Getenv("RCOMP_EXCLUDE_PATTERNS"); v != "" {
		c.Transfer.ExcludePatterns = splitCSV(v)
		c.setSource("transfer.exclude_patterns", SourceEnv)
	}
}

// SetOverride applies a runtime override to one general.* key, the only
// keys eligible for hot-reload (see Manager). Unknown keys are ignored.
func (c *Config) SetOverride(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch key {
	case "general.log_level":
		c.General.LogLevel = value
	case "general.socket_path":
		c.General.SocketPath = value
	case "general.enabled":
		c.General.Enabled = value == "true" || value == "1"
	default:
		return
	}
	if c.sources == nil {
		c.sources = make(map[string]Source)
	}
	c.sources[key] = SourceOverride
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

package config

import (
	"sync"
)

// Manager wraps a loaded Config and allows general.* keys to be hot-reloaded
// at runtime without requiring a daemon restart, per the configuration
// contract's general.enabled / general.log_level / general.socket_path keys.
// Narrowed from the tenant-override Manager, which merged a
// per-tenant overlay onto a shared global config at read time — here there
// is one effective config, and only the general.* keys may be rewritten in
// place after load.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager loads path/envPath via Load and wraps the result.
func NewManager(path, envPath string) (*Manager, error) {
	cfg, err := Load(path, envPath)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// Get returns the current effective config. Callers must not mutate the
// returned value directly; use ReloadGeneral or the Config's own SetOverride.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ReloadGeneral re-reads general.* keys from path/envPath and applies them
// as SourceOverride on top of the already-loaded config, leaving
// compilation.* and transfer.* untouched — those require a daemon restart.
func (m *Manager) ReloadGeneral(path, envPath string) error {
	fresh, err := Load(path, envPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.SetOverride("general.enabled", boolString(fresh.General.Enabled))
	m.cfg.SetOverride("general.log_level", fresh.General.LogLevel)
	m.cfg.SetOverride("general.socket_path", fresh.General.SocketPath)
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

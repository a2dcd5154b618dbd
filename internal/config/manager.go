package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeHandler is called with the previous and new configuration
// whenever the watched file changes and reloads successfully.
type ChangeHandler func(oldConfig, newConfig *Config)

// Manager watches a config file and notifies registered handlers of
// changes, passing them the full old and new configuration; which fields
// get hot-applied is up to the handlers. Manager itself only logs a
// warning when the disk layout or segment size changed, since those
// need a restart.
type Manager struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	v        *viper.Viper
	logger   *slog.Logger
	handlers []ChangeHandler
}

// NewManager loads path once and starts watching it for changes.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BUNDLESTORED")
	v.AutomaticEnv()
	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	m := &Manager{current: &cfg, path: path, v: v, logger: logger}
	v.OnConfigChange(m.onViperChange)
	v.WatchConfig()
	return m, nil
}

// Current returns the most recently loaded configuration. Callers must
// not mutate the returned value.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnConfigChange registers a handler invoked after every successful
// reload, with the configuration immediately before and after the
// change.
func (m *Manager) OnConfigChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

func (m *Manager) onViperChange(_ fsnotify.Event) {
	var next Config
	if err := m.v.Unmarshal(&next); err != nil {
		m.logger.Error("config: reload unmarshal failed, keeping previous config", "path", m.path, "err", err)
		return
	}
	if err := next.Validate(); err != nil {
		m.logger.Error("config: reload validation failed, keeping previous config", "path", m.path, "err", err)
		return
	}

	m.mu.Lock()
	old := m.current
	m.current = &next
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	if old.Disks[0].Path != next.Disks[0].Path || len(old.Disks) != len(next.Disks) || old.SegmentSizeBytes != next.SegmentSizeBytes {
		m.logger.Warn("config: disk layout or segment size changed but requires a restart to take effect", "path", m.path)
	}

	for _, h := range handlers {
		h(old, &next)
	}
}

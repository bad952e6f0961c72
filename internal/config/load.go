package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	logx "campaignbot/pkg/logx"
)

// Manager owns the on-disk config: parsing, the committed copy, and the
// optional file watcher.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	log logx.Logger

	// lastRaw tracks the last successfully committed file content so the
	// watcher can skip redundant publishes when an editor rewrites the file
	// without changing it.
	lastRaw []byte
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Parse reads and strictly decodes the file without committing it.
// Unknown fields are rejected. ${VAR} references are expanded from the
// environment before decoding.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate %s: %w", m.path, err)
	}
	return &cfg, nil
}

// Load parses and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	raw, _ := os.ReadFile(m.path)
	m.mu.Lock()
	m.cfg = cfg
	m.lastRaw = raw
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"pool.interval", cfg.Pool.Interval},
		{"delivery.send_delay", cfg.Delivery.SendDelay},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Pool.MaxConcurrent < 0 {
		return errors.New("pool.max_concurrent must be >= 0")
	}
	return nil
}

// LoggingOrDefault resolves the logging block with defaults applied.
func (c *Config) LoggingOrDefault() logx.Config {
	out := logx.Config{
		Level:   c.Logging.Level,
		Console: true,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
	if c.Logging.Console != nil {
		out.Console = *c.Logging.Console
	}
	return out
}

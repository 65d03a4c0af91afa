package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatloop/config.toml.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	Backend        BackendConfig  `toml:"backend"`
	Identity       IdentityConfig `toml:"identity"`
	Tuning         TuningConfig   `toml:"tuning"`
}

// BackendConfig locates the backend collaborator.
type BackendConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
	// DebugAddr, when set, serves prometheus metrics on this address.
	DebugAddr string `toml:"debug_addr"`
}

// IdentityConfig is the local user as issued by the backend.
type IdentityConfig struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// TuningConfig holds engine timing and sizing knobs. Zero values are
// replaced with defaults by ApplyDefaults.
type TuningConfig struct {
	CacheTTLSeconds          int `toml:"cache_ttl_seconds"`
	CacheIdleSeconds         int `toml:"cache_idle_seconds"`
	CacheMaxMessages         int `toml:"cache_max_messages"`
	CacheMaxPerConversation  int `toml:"cache_max_per_conversation"`
	BackoffBaseMillis        int `toml:"backoff_base_millis"`
	BackoffMaxMillis         int `toml:"backoff_max_millis"`
	HeartbeatSeconds         int `toml:"heartbeat_seconds"`
	ProbeSeconds             int `toml:"probe_seconds"`
	ProbeWindowSize          int `toml:"probe_window_size"`
	TypingWindowSeconds      int `toml:"typing_window_seconds"`
	ReadDwellMillis          int `toml:"read_dwell_millis"`
	RefreshDebounceMillis    int `toml:"refresh_debounce_millis"`
}

// ApplyDefaults fills in zero-valued tuning fields.
func (c *Config) ApplyDefaults() {
	t := &c.Tuning
	if t.CacheTTLSeconds <= 0 {
		t.CacheTTLSeconds = 3600
	}
	if t.CacheIdleSeconds <= 0 {
		t.CacheIdleSeconds = 900
	}
	if t.CacheMaxMessages <= 0 {
		t.CacheMaxMessages = 5000
	}
	if t.CacheMaxPerConversation <= 0 {
		t.CacheMaxPerConversation = 500
	}
	if t.BackoffBaseMillis <= 0 {
		t.BackoffBaseMillis = 1000
	}
	if t.BackoffMaxMillis <= 0 {
		t.BackoffMaxMillis = 30000
	}
	if t.HeartbeatSeconds <= 0 {
		t.HeartbeatSeconds = 20
	}
	if t.ProbeSeconds <= 0 {
		t.ProbeSeconds = 30
	}
	if t.ProbeWindowSize <= 0 {
		t.ProbeWindowSize = 10
	}
	if t.TypingWindowSeconds <= 0 {
		t.TypingWindowSeconds = 5
	}
	if t.ReadDwellMillis <= 0 {
		t.ReadDwellMillis = 1000
	}
	if t.RefreshDebounceMillis <= 0 {
		t.RefreshDebounceMillis = 1500
	}
}

// Load reads config from the given path and applies tuning defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

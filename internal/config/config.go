package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.sinosply/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// APIBaseURL is the storefront REST API root, e.g.
	// "https://api.sinosply.com/v1".
	APIBaseURL string `toml:"api_base_url"`
	// ChatURL is the support chat websocket endpoint.
	ChatURL string `toml:"chat_url"`
	// APIToken, when set, is sent as a Bearer token on REST calls.
	APIToken string `toml:"api_token"`

	Cache CacheConfig `toml:"cache"`
	Chat  ChatConfig  `toml:"chat"`
}

// CacheConfig tunes the stale-while-revalidate stores.
type CacheConfig struct {
	// FreshWindow is how long a snapshot is served without any network
	// activity (age < FreshWindow).
	FreshWindow Duration `toml:"fresh_window"`
	// StaleThreshold is the age past which a cached read also kicks off a
	// background refresh. Must be below FreshWindow.
	StaleThreshold Duration `toml:"stale_threshold"`
	// Debounce is the coalescing window for rapid repeated fetches.
	Debounce Duration `toml:"debounce"`
}

// ChatConfig tunes the chat client.
type ChatConfig struct {
	ReconnectBase   Duration `toml:"reconnect_base"`
	ReconnectCap    Duration `toml:"reconnect_cap"`
	ReconnectJitter float64  `toml:"reconnect_jitter"`
	// TypingIdle is the inactivity window after which typing:false is sent.
	TypingIdle Duration `toml:"typing_idle"`
	// MaxUploadBytes bounds a single file upload.
	MaxUploadBytes int64 `toml:"max_upload_bytes"`
}

// Duration wraps time.Duration for TOML "3s"-style values.
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements toml encoding for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		APIBaseURL: "http://localhost:5000/api/v1",
		ChatURL:    "ws://localhost:5001/chat",
		Cache: CacheConfig{
			FreshWindow:    Duration{5 * time.Minute},
			StaleThreshold: Duration{4 * time.Minute},
			Debounce:       Duration{300 * time.Millisecond},
		},
		Chat: ChatConfig{
			ReconnectBase:  Duration{3 * time.Second},
			ReconnectCap:   Duration{30 * time.Second},
			TypingIdle:     Duration{3 * time.Second},
			MaxUploadBytes: 10 * 1024 * 1024,
		},
	}
}

// Load reads config from the given path, applying defaults for unset
// fields. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to the
// built-in defaults when the file does not exist.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Defaults()
	}
	return cfg
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

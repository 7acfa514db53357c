package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Config represents the global ~/.inbox/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	APIURL         string   `toml:"api_url"`
	PushURL        string   `toml:"push_url"`
	PageSize       int      `toml:"page_size"`
	CacheCap       int      `toml:"cache_cap"`
	UploadSlots    int      `toml:"upload_slots"`
	HTTPTimeout    Duration `toml:"http_timeout"`
	TypingTTL      Duration `toml:"typing_ttl"`
	MetricsAddr    string   `toml:"metrics_addr"`
	LogLevel       string   `toml:"log_level"`
}

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		APIURL:         "http://localhost:8080/api",
		PushURL:        "ws://localhost:8080/ws",
		PageSize:       50,
		CacheCap:       300,
		UploadSlots:    3,
		HTTPTimeout:    Duration{30 * time.Second},
		TypingTTL:      Duration{6 * time.Second},
		LogLevel:       "info",
	}
}

// Load reads config from the given path. Keys absent from the file keep
// their Default values. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := checkURL("api_url", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if c.PushURL != "" {
		if err := checkURL("push_url", c.PushURL, "ws", "wss"); err != nil {
			return err
		}
	}
	switch {
	case c.PageSize <= 0:
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	case c.CacheCap <= 0:
		return fmt.Errorf("cache_cap must be positive, got %d", c.CacheCap)
	case c.UploadSlots <= 0:
		return fmt.Errorf("upload_slots must be positive, got %d", c.UploadSlots)
	case c.HTTPTimeout.Duration < 0:
		return fmt.Errorf("http_timeout must not be negative")
	case c.TypingTTL.Duration <= 0:
		return fmt.Errorf("typing_ttl must be positive")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q: want a %v url", key, raw, schemes)
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

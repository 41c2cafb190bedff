// Package config loads the daemon's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as text, e.g. "1s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Config represents a session's config.toml.
type Config struct {
	SelfID    string          `toml:"self_id"`
	Server    ServerConfig    `toml:"server"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Typing    TypingConfig    `toml:"typing"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	WSURL     string `toml:"ws_url"`
	APIURL    string `toml:"api_url"`
	UploadURL string `toml:"upload_url"`
	// TokenFile holds the bearer token. It is watched for replacement.
	TokenFile string `toml:"token_file"`
}

type ReconnectConfig struct {
	BaseDelay    Duration `toml:"base_delay"`
	MaxDelay     Duration `toml:"max_delay"`
	MaxAttempts  int      `toml:"max_attempts"`
	PingInterval Duration `toml:"ping_interval"`
	PingTimeout  Duration `toml:"ping_timeout"`
	DialTimeout  Duration `toml:"dial_timeout"`
}

type TypingConfig struct {
	Debounce   Duration `toml:"debounce"`
	Inactivity Duration `toml:"inactivity"`
	Expiry     Duration `toml:"expiry"`
}

type OutboxConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	BaseDelay         Duration `toml:"base_delay"`
	MaxDelay          Duration `toml:"max_delay"`
	CorrelationWindow Duration `toml:"correlation_window"`
}

type MetricsConfig struct {
	// Listen is a host:port for /metrics. Empty disables it.
	Listen string `toml:"listen"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:  "ws://localhost:8080/ws",
			APIURL: "http://localhost:8080",
		},
		Reconnect: ReconnectConfig{
			BaseDelay:    dur(time.Second),
			MaxDelay:     dur(30 * time.Second),
			MaxAttempts:  10,
			PingInterval: dur(25 * time.Second),
			PingTimeout:  dur(10 * time.Second),
			DialTimeout:  dur(10 * time.Second),
		},
		Typing: TypingConfig{
			Debounce:   dur(3 * time.Second),
			Inactivity: dur(3 * time.Second),
			Expiry:     dur(6 * time.Second),
		},
		Outbox: OutboxConfig{
			MaxAttempts:       5,
			BaseDelay:         dur(time.Second),
			MaxDelay:          dur(30 * time.Second),
			CorrelationWindow: dur(2 * time.Minute),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path over Default. A missing file is
// an error; callers that tolerate it check os.IsNotExist.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undec)
	}
	return cfg, nil
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
	encErr := Write(f, cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Write encodes cfg as TOML.
func Write(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.SelfID == "" {
		errs = append(errs, errors.New("self_id is required"))
	}
	if c.Server.WSURL == "" {
		errs = append(errs, errors.New("server.ws_url is required"))
	}
	if c.Server.APIURL == "" {
		errs = append(errs, errors.New("server.api_url is required"))
	}
	positive := []struct {
		name string
		d    Duration
	}{
		{"reconnect.base_delay", c.Reconnect.BaseDelay},
		{"reconnect.max_delay", c.Reconnect.MaxDelay},
		{"reconnect.ping_interval", c.Reconnect.PingInterval},
		{"reconnect.ping_timeout", c.Reconnect.PingTimeout},
		{"reconnect.dial_timeout", c.Reconnect.DialTimeout},
		{"typing.debounce", c.Typing.Debounce},
		{"typing.inactivity", c.Typing.Inactivity},
		{"typing.expiry", c.Typing.Expiry},
		{"outbox.base_delay", c.Outbox.BaseDelay},
		{"outbox.max_delay", c.Outbox.MaxDelay},
		{"outbox.correlation_window", c.Outbox.CorrelationWindow},
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		errs = append(errs, errors.New("reconnect.max_delay is below base_delay"))
	}
	if c.Reconnect.MaxAttempts < 1 {
		errs = append(errs, errors.New("reconnect.max_attempts must be at least 1"))
	}
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// Package hub implements the whisperlink session hub: an authenticated
// WebSocket routing server for registration, signature login, presence,
// ciphertext relay and call signaling. The hub persists nothing; all state
// dies with the process.
package hub

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes one hub instance. Zero values fall back to DefaultConfig.
type Config struct {
	// Addr is the TCP listen address.
	Addr string
	// WSPath is the WebSocket endpoint path.
	WSPath string
	// PongWait bounds silence on a connection before it is considered dead.
	PongWait time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// AuthWindow is the maximum age of an auth timestamp.
	AuthWindow time.Duration
	// CallPurgeDelay is how long ended call records are retained.
	CallPurgeDelay time.Duration
	// TokenSecret signs session JWTs. Empty means a random per-process key.
	TokenSecret string
	// TokenTTL is the session JWT lifetime.
	TokenTTL time.Duration
	// LogLevel is the zerolog level for the hub binary.
	LogLevel string
}

// DefaultConfig returns the standard local-hub tuning.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8081",
		WSPath:         "/ws",
		PongWait:       60 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthWindow:     5 * time.Minute,
		CallPurgeDelay: 60 * time.Second,
		TokenTTL:       24 * time.Hour,
		LogLevel:       "info",
	}
}

// configFile is the YAML shape; durations are time.ParseDuration strings.
type configFile struct {
	Addr           string `yaml:"addr"`
	WSPath         string `yaml:"ws_path"`
	PongWait       string `yaml:"pong_wait"`
	WriteTimeout   string `yaml:"write_timeout"`
	AuthWindow     string `yaml:"auth_window"`
	CallPurgeDelay string `yaml:"call_purge_delay"`
	TokenSecret    string `yaml:"token_secret"`
	TokenTTL       string `yaml:"token_ttl"`
	LogLevel       string `yaml:"log_level"`
}

// LoadConfig reads a YAML config file over the defaults. Absent fields keep
// their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("hub: read config: %w", err)
	}
	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("hub: parse config: %w", err)
	}

	if file.Addr != "" {
		cfg.Addr = file.Addr
	}
	if file.WSPath != "" {
		cfg.WSPath = file.WSPath
	}
	if file.TokenSecret != "" {
		cfg.TokenSecret = file.TokenSecret
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"pong_wait", file.PongWait, &cfg.PongWait},
		{"write_timeout", file.WriteTimeout, &cfg.WriteTimeout},
		{"auth_window", file.AuthWindow, &cfg.AuthWindow},
		{"call_purge_delay", file.CallPurgeDelay, &cfg.CallPurgeDelay},
		{"token_ttl", file.TokenTTL, &cfg.TokenTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("hub: config %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// withDefaults fills zero fields so NewServer accepts partial configs.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.WSPath == "" {
		c.WSPath = def.WSPath
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AuthWindow <= 0 {
		c.AuthWindow = def.AuthWindow
	}
	if c.CallPurgeDelay <= 0 {
		c.CallPurgeDelay = def.CallPurgeDelay
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = def.TokenTTL
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

func (c Config) validate() error {
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("hub: ws path %q must start with /", c.WSPath)
	}
	return nil
}

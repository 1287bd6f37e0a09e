// Package config loads and validates the mesh configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every tunable of the peer process. Zero values are filled
// from Default before validation.
type Config struct {
	Role        string `toml:"role"`
	DisplayName string `toml:"display_name"`

	SignalingPort int `toml:"signaling_port"`
	TCPPort       int `toml:"tcp_port"`
	BroadcastPort int `toml:"broadcast_port"`

	ServiceType          string `toml:"service_type"`
	BrowseWindowSeconds  int    `toml:"browse_window_seconds"`
	PollIntervalSeconds  int    `toml:"poll_interval_seconds"`

	LogLevel  string `toml:"log_level"`
	EnableRTC bool   `toml:"enable_rtc"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		SignalingPort:       3010,
		TCPPort:             3011,
		BroadcastPort:       48488,
		ServiceType:         "_mobile-worship._tcp",
		BrowseWindowSeconds: 3,
		PollIntervalSeconds: 5,
		LogLevel:            "info",
	}
}

// Load reads the TOML file at path on top of defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Role != "" && c.Role != "controller" && c.Role != "display" {
		return fmt.Errorf("role: unsupported value %q", c.Role)
	}
	if c.SignalingPort <= 0 || c.SignalingPort > 65535 {
		return fmt.Errorf("signaling_port: %d out of range", c.SignalingPort)
	}
	// Port 0 asks the OS for an ephemeral port on the TCP transport.
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp_port: %d out of range", c.TCPPort)
	}
	if c.BroadcastPort <= 0 || c.BroadcastPort > 65535 {
		return fmt.Errorf("broadcast_port: %d out of range", c.BroadcastPort)
	}
	if c.ServiceType == "" {
		return errors.New("service_type must not be empty")
	}
	if c.BrowseWindowSeconds <= 0 {
		return fmt.Errorf("browse_window_seconds: %d must be positive", c.BrowseWindowSeconds)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds: %d must be positive", c.PollIntervalSeconds)
	}
	return nil
}

// BrowseWindow returns the discovery listen window.
func (c *Config) BrowseWindow() time.Duration {
	return time.Duration(c.BrowseWindowSeconds) * time.Second
}

// PollInterval returns the membership-diff cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

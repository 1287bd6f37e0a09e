package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.SignalingPort != 3010 || cfg.TCPPort != 3011 {
		t.Errorf("unexpected default ports: %d/%d", cfg.SignalingPort, cfg.TCPPort)
	}
	if cfg.BrowseWindow() != 3*time.Second {
		t.Errorf("browse window = %v, want 3s", cfg.BrowseWindow())
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.ServiceType != Default().ServiceType {
		t.Error("missing file should yield defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mw.toml")
	body := "role = \"display\"\nsignaling_port = 4010\npoll_interval_seconds = 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Role != "display" || cfg.SignalingPort != 4010 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.TCPPort != 3011 {
		t.Error("unset fields should keep defaults")
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Errorf("poll interval = %v, want 2s", cfg.PollInterval())
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Role = "projector" },
		func(c *Config) { c.SignalingPort = 0 },
		func(c *Config) { c.TCPPort = -1 },
		func(c *Config) { c.ServiceType = "" },
		func(c *Config) { c.BrowseWindowSeconds = 0 },
		func(c *Config) { c.PollIntervalSeconds = -5 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestValidateAllowsEphemeralTCPPort(t *testing.T) {
	cfg := Default()
	cfg.TCPPort = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("tcp_port 0 requests an OS-assigned port: %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
		check   func(t *testing.T, c *Config)
	}{
		{
			name: "empty document keeps defaults",
			yaml: "",
			check: func(t *testing.T, c *Config) {
				if c.Dispatch.MaxRetries != 3 {
					t.Errorf("MaxRetries = %d, want 3", c.Dispatch.MaxRetries)
				}
				if c.Cache.TTL != 30*time.Second {
					t.Errorf("Cache.TTL = %v, want 30s", c.Cache.TTL)
				}
			},
		},
		{
			name: "overrides with durations",
			yaml: `
inventory: /etc/switchyard/backends.yaml
dispatch:
  maxRetries: 1
  retryBaseDelay: 250ms
  breakerCooldown: 1m
cache:
  ttl: 5s
log:
  level: DEBUG
`,
			check: func(t *testing.T, c *Config) {
				if c.Inventory != "/etc/switchyard/backends.yaml" {
					t.Errorf("Inventory = %q", c.Inventory)
				}
				if c.Dispatch.MaxRetries != 1 {
					t.Errorf("MaxRetries = %d, want 1", c.Dispatch.MaxRetries)
				}
				if c.Dispatch.RetryBaseDelay != 250*time.Millisecond {
					t.Errorf("RetryBaseDelay = %v", c.Dispatch.RetryBaseDelay)
				}
				if c.Dispatch.RetryMaxDelay != 5*time.Second {
					t.Errorf("RetryMaxDelay = %v, want default 5s", c.Dispatch.RetryMaxDelay)
				}
				if c.Dispatch.BreakerCooldown != time.Minute {
					t.Errorf("BreakerCooldown = %v", c.Dispatch.BreakerCooldown)
				}
				if c.Cache.TTL != 5*time.Second {
					t.Errorf("Cache.TTL = %v", c.Cache.TTL)
				}
			},
		},
		{
			name:    "negative retries",
			yaml:    "dispatch:\n  maxRetries: -1\n",
			wantErr: "Dispatch.MaxRetries",
		},
		{
			name:    "max delay below base delay",
			yaml:    "session:\n  baseDelay: 10s\n  maxDelay: 1s\n",
			wantErr: "Session.MaxDelay must not be less than BaseDelay",
		},
		{
			name:    "jitter above one",
			yaml:    "session:\n  jitter: 1.5\n",
			wantErr: "Session.Jitter",
		},
		{
			name:    "unknown log level",
			yaml:    "log:\n  level: chatty\n",
			wantErr: "Log.Level must be one of",
		},
		{
			name:    "zero ttl",
			yaml:    "cache:\n  ttl: 0s\n",
			wantErr: "Cache.TTL",
		},
		{
			name:    "malformed yaml",
			yaml:    "dispatch: [",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromYAML([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %q, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadFromFile(filepath.Join(dir, "missing.yaml"), true)
	if err != nil {
		t.Fatalf("optional missing file: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}

	if _, err := LoadFromFile(filepath.Join(dir, "missing.yaml"), false); err == nil {
		t.Error("required missing file: expected error")
	}

	path := filepath.Join(dir, "switchyard.yaml")
	if err := os.WriteFile(path, []byte("session:\n  attemptLimit: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadFromFile(path, false)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Session.AttemptLimit != 2 {
		t.Errorf("AttemptLimit = %d, want 2", cfg.Session.AttemptLimit)
	}
}

func TestOptionConversions(t *testing.T) {
	cfg := Default()
	cfg.Dispatch.RetryBaseDelay = 100 * time.Millisecond
	cfg.Dispatch.RetryMaxDelay = time.Second
	cfg.Session.AttemptLimit = 7
	cfg.Session.ConnectTimeout = 45 * time.Second
	cfg.Log.File = "/var/log/switchyard.log"
	cfg.Log.JSON = true

	d := cfg.DispatchOptions()
	if d.RetryBackoff.Duration != 100*time.Millisecond || d.RetryBackoff.Cap != time.Second {
		t.Errorf("RetryBackoff = %+v", d.RetryBackoff)
	}
	if d.RetryBackoff.Factor != 2 {
		t.Errorf("RetryBackoff.Factor = %v, want 2", d.RetryBackoff.Factor)
	}
	if d.MaxRetries != 3 || d.BreakerThreshold != 5 {
		t.Errorf("DispatchOptions() = %+v", d)
	}

	s := cfg.SessionOptions()
	if s.AttemptLimit != 7 || s.Factor != 2 || s.ConnectTimeout != 45*time.Second {
		t.Errorf("SessionOptions() = %+v", s)
	}

	l := cfg.LoggerOptions()
	if !l.Console || !l.JSONConsole || l.FilePath != "/var/log/switchyard.log" {
		t.Errorf("LoggerOptions() = %+v", l)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "http://localhost:8000" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.WSBaseURL != "ws://localhost:8000" {
		t.Errorf("WSBaseURL = %q, want derived ws origin", cfg.WSBaseURL)
	}
	if cfg.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d, want 5", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectDelay != time.Second {
		t.Errorf("ReconnectDelay = %s, want 1s", cfg.ReconnectDelay)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAT_API_URL", "https://chat.example.com")
	t.Setenv("CHAT_RECONNECT_ATTEMPTS", "3")
	t.Setenv("CHAT_RECONNECT_DELAY", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WSBaseURL != "wss://chat.example.com" {
		t.Errorf("WSBaseURL = %q, want wss derivation", cfg.WSBaseURL)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Errorf("ReconnectAttempts = %d", cfg.ReconnectAttempts)
	}
	if cfg.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("ReconnectDelay = %s", cfg.ReconnectDelay)
	}
}

func TestExplicitWSURLWins(t *testing.T) {
	t.Setenv("CHAT_API_URL", "http://a.example.com")
	t.Setenv("CHAT_WS_URL", "ws://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WSBaseURL != "ws://b.example.com" {
		t.Errorf("WSBaseURL = %q, explicit value must win", cfg.WSBaseURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty api url", func(c *Config) { c.APIBaseURL = "" }},
		{"empty ws url", func(c *Config) { c.WSBaseURL = "" }},
		{"zero attempts", func(c *Config) { c.ReconnectAttempts = 0 }},
		{"zero delay", func(c *Config) { c.ReconnectDelay = 0 }},
		{"zero history limit", func(c *Config) { c.HistoryLimit = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

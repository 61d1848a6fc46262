// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the chat client and the stub
// server.
type Config struct {
	// APIBaseURL is the platform's HTTP origin.
	APIBaseURL string
	// WSBaseURL is the platform's websocket origin. Derived from
	// APIBaseURL when unset.
	WSBaseURL string

	// Username/Password log in through the auth endpoints. When
	// AccessToken is set instead, it is used as-is.
	Username    string
	Password    string
	AccessToken string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DialTimeout       time.Duration
	HistoryLimit      int

	// Stub server settings.
	Port      string
	DBPath    string
	JWTSecret string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	apiURL := getEnv("CHAT_API_URL", "http://localhost:8000")

	cfg := &Config{
		APIBaseURL:        apiURL,
		WSBaseURL:         getEnv("CHAT_WS_URL", deriveWSURL(apiURL)),
		Username:          getEnv("CHAT_USERNAME", ""),
		Password:          getEnv("CHAT_PASSWORD", ""),
		AccessToken:       getEnv("CHAT_TOKEN", ""),
		ReconnectAttempts: getEnvInt("CHAT_RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getEnvDuration("CHAT_RECONNECT_DELAY", time.Second),
		DialTimeout:       getEnvDuration("CHAT_DIAL_TIMEOUT", 15*time.Second),
		HistoryLimit:      getEnvInt("CHAT_HISTORY_LIMIT", 100),
		Port:              getEnv("STUB_PORT", "8000"),
		DBPath:            getEnv("STUB_DB_PATH", "./data/agentchat.db"),
		JWTSecret:         getEnv("STUB_JWT_SECRET", "dev-secret"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_URL cannot be empty")
	}
	if c.WSBaseURL == "" {
		return fmt.Errorf("CHAT_WS_URL cannot be empty")
	}
	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_ATTEMPTS must be > 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("CHAT_HISTORY_LIMIT must be > 0")
	}
	if c.Port == "" {
		return fmt.Errorf("STUB_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("STUB_DB_PATH cannot be empty")
	}
	return nil
}

// deriveWSURL maps an http(s) origin to its ws(s) counterpart.
func deriveWSURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	default:
		return apiURL
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration.
type Config struct {
	Port        string
	FrontendURL string
	AgentAddr   string
	AgentToken  string
	AccessToken string
	DialTimeout time.Duration
	Reconnect   ReconnectConfig
}

// ReconnectConfig tunes the bridge's backoff policy. MaxAttempts of 0
// means unlimited attempts.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		AgentAddr:   getEnv("AGENT_ADDR", ""),
		AgentToken:  getEnv("AGENT_TOKEN", ""),
		AccessToken: getEnv("ACCESS_TOKEN", ""),
		DialTimeout: getEnvDuration("AGENT_DIAL_TIMEOUT", 10*time.Second),
		Reconnect: ReconnectConfig{
			BaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 15*time.Second),
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AgentAddr == "" {
		return fmt.Errorf("AGENT_ADDR cannot be empty")
	}
	if !strings.HasPrefix(c.AgentAddr, "ws://") && !strings.HasPrefix(c.AgentAddr, "wss://") {
		return fmt.Errorf("AGENT_ADDR must be a ws:// or wss:// URL")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("AGENT_DIAL_TIMEOUT must be > 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

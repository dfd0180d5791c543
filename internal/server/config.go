// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines a ceiling of allowed events within a rolling window.
// It parameterizes the per-address connection limiter, the per-session message
// limiter, and the HTTP request limiter.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// Config holds the relay configuration settings including security controls.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RoomCapacity    int
	ConnectLimit    RateLimitConfig
	MessageLimit    RateLimitConfig
	RequestLimit    RateLimitConfig
	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 8192,
		RoomCapacity:   10,
		ConnectLimit: RateLimitConfig{
			Limit:  10,
			Window: time.Minute,
		},
		MessageLimit: RateLimitConfig{
			Limit:  100,
			Window: time.Minute,
		},
		RequestLimit: RateLimitConfig{
			Limit:  30,
			Window: time.Minute,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = defaults.RoomCapacity
	}

	cfg.ConnectLimit = sanitizeRateLimit(cfg.ConnectLimit, defaults.ConnectLimit)
	cfg.MessageLimit = sanitizeRateLimit(cfg.MessageLimit, defaults.MessageLimit)
	cfg.RequestLimit = sanitizeRateLimit(cfg.RequestLimit, defaults.RequestLimit)

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	return cfg
}

func sanitizeRateLimit(cfg, defaults RateLimitConfig) RateLimitConfig {
	if cfg.Limit <= 0 {
		cfg.Limit = defaults.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if capacity := os.Getenv("ROOM_CAPACITY"); capacity != "" {
		cfg.RoomCapacity = parseIntValue(capacity, cfg.RoomCapacity)
	}

	cfg.ConnectLimit = parseRateLimitEnv("CONNECT_RATE", cfg.ConnectLimit)
	cfg.MessageLimit = parseRateLimitEnv("MESSAGE_RATE", cfg.MessageLimit)
	cfg.RequestLimit = parseRateLimitEnv("HTTP_RATE", cfg.RequestLimit)

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT_SECONDS"); timeout != "" {
		cfg.ShutdownTimeout = parseSecondsValue(timeout, cfg.ShutdownTimeout)
	}

	return &cfg
}

// parseRateLimitEnv loads <prefix>_LIMIT and <prefix>_WINDOW_SECONDS.
func parseRateLimitEnv(prefix string, defaults RateLimitConfig) RateLimitConfig {
	cfg := defaults

	if limit := os.Getenv(prefix + "_LIMIT"); limit != "" {
		cfg.Limit = parseIntValue(limit, cfg.Limit)
	}

	if window := os.Getenv(prefix + "_WINDOW_SECONDS"); window != "" {
		cfg.Window = parseSecondsValue(window, cfg.Window)
	}

	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSecondsValue(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

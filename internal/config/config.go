package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all environment configuration
type Config struct {
	Port                int
	DatabaseURL         string
	Namespace           string
	ClaimTimeout        time.Duration
	PollInterval        time.Duration
	SweepInterval       time.Duration
	LogLevel            string
	DBConnectionTimeout time.Duration
	DBMaxConns          int
}

// helper: read env var as a Go duration ("1m30s"), or as whole seconds ("90")
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

// Defaults returns the built-in configuration without reading the environment.
func Defaults() *Config {
	return &Config{
		Port:                8080,
		Namespace:           "default",
		ClaimTimeout:        30 * time.Second,
		PollInterval:        5 * time.Second,
		SweepInterval:       60 * time.Second,
		LogLevel:            "info",
		DBConnectionTimeout: 5 * time.Second,
		DBMaxConns:          10,
	}
}

func LoadConfig() (*Config, error) {
	d := Defaults()
	cfg := &Config{
		Port:                getEnvAsInt("PORT", d.Port),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		Namespace:           getEnv("NAMESPACE", d.Namespace),
		ClaimTimeout:        getEnvAsDuration("CLAIM_TIMEOUT", d.ClaimTimeout),
		PollInterval:        getEnvAsDuration("POLL_INTERVAL", d.PollInterval),
		SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", d.SweepInterval),
		LogLevel:            getEnv("LOG_LEVEL", d.LogLevel),
		DBConnectionTimeout: getEnvAsDuration("DB_CONNECTION_TIMEOUT", d.DBConnectionTimeout),
		DBMaxConns:          getEnvAsInt("DB_MAX_CONNS", d.DBMaxConns),
	}

	// Basic validation
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges; it does not require DatabaseURL.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.ClaimTimeout <= 0 {
		return fmt.Errorf("invalid CLAIM_TIMEOUT: %s", c.ClaimTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid POLL_INTERVAL: %s", c.PollInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL: %s", c.SweepInterval)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("invalid DB_MAX_CONNS: %d", c.DBMaxConns)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() *slog.Logger {
	level, _ := ParseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL: %q", s)
}

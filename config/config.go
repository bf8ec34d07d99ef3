// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LockBackendMemory   = "memory"
	LockBackendPostgres = "postgres"
)

type Config struct {
	// HTTP Server
	Port        string
	CORSOrigins []string

	// Database
	DBPath string

	// Materialization
	HorizonMonths          int
	MaterializeInterval    time.Duration
	MaterializeTimeout     time.Duration
	MaterializeConcurrency int
	MaterializeMaxPerRun   int

	// Locking
	LockBackend  string
	LockTimeout  time.Duration
	RetryBackoff time.Duration
	PostgresURL  string

	// AMQP (optional)
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	LogLevel string
}

// Load reads the environment, after an optional .env file.
func Load() *Config {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),

		DBPath: getEnv("DB_PATH", "./data/recurrence.db"),

		HorizonMonths:          getEnvInt("HORIZON_MONTHS", 12),
		MaterializeInterval:    getEnvDuration("MATERIALIZE_INTERVAL", time.Hour),
		MaterializeTimeout:     getEnvDuration("MATERIALIZE_TIMEOUT", 30*time.Second),
		MaterializeConcurrency: getEnvInt("MATERIALIZE_CONCURRENCY", 4),
		MaterializeMaxPerRun:   getEnvInt("MATERIALIZE_MAX_PER_RUN", 0),

		LockBackend:  getEnv("LOCK_BACKEND", LockBackendMemory),
		LockTimeout:  getEnvDuration("LOCK_TIMEOUT", 5*time.Second),
		RetryBackoff: getEnvDuration("RETRY_BACKOFF", 200*time.Millisecond),
		PostgresURL:  getEnv("POSTGRES_URL", ""),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "finance"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "recurrence"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.DBPath == "" {
		errors = append(errors, "database path cannot be empty")
	} else if c.DBPath != ":memory:" {
		dir := filepath.Dir(c.DBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.HorizonMonths < 1 || c.HorizonMonths > 120 {
		errors = append(errors, fmt.Sprintf("invalid horizon %d: must be between 1 and 120 months", c.HorizonMonths))
	}
	if c.MaterializeInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid materialize interval %v: must be at least 1 minute", c.MaterializeInterval))
	}
	if c.MaterializeTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid materialize timeout %v: must be positive", c.MaterializeTimeout))
	}
	if c.MaterializeConcurrency < 1 || c.MaterializeConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid materialize concurrency %d: must be between 1 and 64", c.MaterializeConcurrency))
	}
	if c.MaterializeMaxPerRun < 0 {
		errors = append(errors, fmt.Sprintf("invalid max per run %d: must not be negative", c.MaterializeMaxPerRun))
	}

	switch c.LockBackend {
	case LockBackendMemory:
	case LockBackendPostgres:
		if c.PostgresURL == "" {
			errors = append(errors, "POSTGRES_URL is required when LOCK_BACKEND is postgres")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid lock backend '%s': must be one of [%s %s]", c.LockBackend, LockBackendMemory, LockBackendPostgres))
	}
	if c.LockTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid lock timeout %v: must be positive", c.LockTimeout))
	}
	if c.RetryBackoff < 0 {
		errors = append(errors, fmt.Sprintf("invalid retry backoff %v: must not be negative", c.RetryBackoff))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// ParseLogLevel maps LOG_LEVEL to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level '%s': must be debug, info, warn or error", s)
	}
	return lvl, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

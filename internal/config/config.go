// Package config provides configuration management for the rate limiting
// service. It handles loading configuration from environment variables with
// sensible defaults and validates the configuration to ensure the service
// starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Store Configuration:
//   - STORE_TYPE: State backend - "memory", "redis" or "postgres" (default: memory)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - REDIS_KEY_PREFIX: Namespace prefix for all keys (default: rategate:)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Strategy Configuration:
//   - STRATEGY: "fixed_window", "sliding_window" or "token_bucket" (default: fixed_window)
//   - RATE_LIMIT: Requests per window for window strategies (default: 100)
//   - RATE_WINDOW: Window duration (default: 60s)
//   - BUCKET_CAPACITY: Token bucket capacity (default: 100)
//   - REFILL_RATE: Tokens refilled per second (default: 10)
//   - KEY_SOURCE: Request attribute to key on - "ip", "user" or "api_key" (default: ip)
//
// Resilience:
//   - FAILURE_POLICY: "closed" or "open" (default: closed)
//   - BREAKER_ENABLED: Wrap the store in a circuit breaker (default: false)
//   - BREAKER_MAX_FAILURES: Consecutive failures before the breaker opens (default: 5)
//   - BREAKER_TIMEOUT: How long the breaker stays open (default: 30s)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the service. All string fields
// correspond to environment variables that can be set to override the
// default values.
type Config struct {
	// Application settings
	Port     string // Server port number
	LogLevel string // Logging level (debug, info, warn, error)

	// Store configuration
	StoreType string // State backend: "memory", "redis" or "postgres"

	RedisAddress   string // Redis server address (host:port)
	RedisPassword  string // Redis authentication password
	RedisDB        string // Redis database number (0-15)
	RedisPoolSize  string // Redis connection pool size
	RedisKeyPrefix string // Namespace prefix for all keys

	PostgresHost     string // PostgreSQL host address
	PostgresPort     string // PostgreSQL port number
	PostgresDB       string // PostgreSQL database name
	PostgresUser     string // PostgreSQL username
	PostgresPassword string // PostgreSQL password
	PostgresSSLMode  string // PostgreSQL SSL mode (disable, require, etc.)

	// Strategy configuration
	Strategy       string // "fixed_window", "sliding_window" or "token_bucket"
	RateLimit      string // Requests per window for window strategies
	RateWindow     string // Window duration (e.g., "60s", "1m")
	BucketCapacity string // Token bucket capacity
	RefillRate     string // Tokens refilled per second
	KeySource      string // Request attribute to key on: "ip", "user" or "api_key"

	// Resilience configuration
	FailurePolicy      string // "closed" or "open"
	BreakerEnabled     bool   // Whether to wrap the store in a circuit breaker
	BreakerMaxFailures string // Consecutive failures before the breaker opens
	BreakerTimeout     string // How long the breaker stays open
}

// Load creates a new Config instance with values loaded from environment
// variables. If an environment variable is not set, the corresponding
// default value is used.
//
// This function does not validate the configuration - call Validate() on
// the returned Config before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreType: getEnv("STORE_TYPE", "memory"),

		RedisAddress:   getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnv("REDIS_DB", "0"),
		RedisPoolSize:  getEnv("REDIS_POOL_SIZE", "10"),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "rategate:"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "rategate"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		Strategy:       getEnv("STRATEGY", "fixed_window"),
		RateLimit:      getEnv("RATE_LIMIT", "100"),
		RateWindow:     getEnv("RATE_WINDOW", "60s"),
		BucketCapacity: getEnv("BUCKET_CAPACITY", "100"),
		RefillRate:     getEnv("REFILL_RATE", "10"),
		KeySource:      getEnv("KEY_SOURCE", "ip"),

		FailurePolicy:      getEnv("FAILURE_POLICY", "closed"),
		BreakerEnabled:     getBoolEnv("BREAKER_ENABLED", false),
		BreakerMaxFailures: getEnv("BREAKER_MAX_FAILURES", "5"),
		BreakerTimeout:     getEnv("BREAKER_TIMEOUT", "30s"),
	}
}

// getEnv retrieves an environment variable value or returns a default value
// if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a
// default value when unset or unparsable.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate performs comprehensive validation on the configuration to ensure
// all required fields are present and all values are valid. The service
// should call this after loading configuration and before starting.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.StoreType {
	case "memory", "redis", "postgres", "postgresql":
		// Valid store types
	default:
		return fmt.Errorf("STORE_TYPE must be 'memory', 'redis' or 'postgres'")
	}

	if c.StoreType == "redis" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when using Redis")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if c.StoreType == "postgres" || c.StoreType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	switch c.Strategy {
	case "fixed_window", "sliding_window", "token_bucket":
		// Valid strategies
	default:
		return fmt.Errorf("STRATEGY must be 'fixed_window', 'sliding_window' or 'token_bucket'")
	}

	if c.Strategy == "token_bucket" {
		if capacity, err := strconv.ParseFloat(c.BucketCapacity, 64); err != nil || capacity < 0 {
			return fmt.Errorf("BUCKET_CAPACITY must be a non-negative number")
		}
		if rate, err := strconv.ParseFloat(c.RefillRate, 64); err != nil || rate <= 0 {
			return fmt.Errorf("REFILL_RATE must be a positive number")
		}
	} else {
		if limit, err := strconv.Atoi(c.RateLimit); err != nil || limit < 1 {
			return fmt.Errorf("RATE_LIMIT must be a positive number")
		}
		if _, err := time.ParseDuration(c.RateWindow); err != nil {
			return fmt.Errorf("RATE_WINDOW must be a valid duration (e.g., '60s', '1m')")
		}
	}

	switch c.KeySource {
	case "ip", "user", "api_key":
		// Valid key sources
	default:
		return fmt.Errorf("KEY_SOURCE must be 'ip', 'user' or 'api_key'")
	}

	switch c.FailurePolicy {
	case "closed", "open":
		// Valid policies
	default:
		return fmt.Errorf("FAILURE_POLICY must be 'closed' or 'open'")
	}

	if c.BreakerEnabled {
		if failures, err := strconv.Atoi(c.BreakerMaxFailures); err != nil || failures < 1 {
			return fmt.Errorf("BREAKER_MAX_FAILURES must be a positive number")
		}
		if _, err := time.ParseDuration(c.BreakerTimeout); err != nil {
			return fmt.Errorf("BREAKER_TIMEOUT must be a valid duration (e.g., '30s')")
		}
	}

	return nil
}

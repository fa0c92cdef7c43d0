// Package config provides environment-aware configuration management
// for the OSP reference server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	slruntime "github.com/openskills/ospd/internal/infra/runtime"
)

// Environment represents the deployment environment
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all application configuration for the OSP reference
// server: the HTTP surface, signature enforcement, rate limiting,
// degradation monitoring, and skill sandboxing.
type Config struct {
	// Environment
	Env Environment

	// HTTP surface
	ListenAddr         string
	CORSAllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string

	// Request signature verification (X-OSP-Signature/X-OSP-Alg).
	// SignatureEnforce mirrors the original server's
	// OSP_SIGNATURE_ENFORCE flag: false (soft mode, log-only) by default.
	SignatureEnforce       bool
	SignaturePublicKeyPath string
	SignatureHMACSecret    string

	// Rate limiting (per client IP, on POST /osp-rpc)
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int

	// Admin routes (POST /admin/degradation, /admin/registry/*)
	AdminKey string

	// Degradation FSM monitor loop
	DegradationSampleInterval time.Duration

	// ConformanceCronSchedule, if non-empty, is a robfig/cron schedule
	// expression (e.g. "@every 5m") on which osp.conformance.run is run as
	// a background self-check job. Empty disables the background job;
	// the JSON-RPC method remains callable on demand either way.
	ConformanceCronSchedule string

	// osp.execute defaults, overridable per-call
	ExecuteDefaultTTLSeconds int
	ExecuteDefaultMaxRetries int

	// osp.std.fs sandbox root; empty means the process's working directory
	FSSandboxRoot string

	// Optional durable backends (spec.md §1's "a production deployment may
	// back delivery contracts / the registry with durable storage"). Empty
	// means the default in-memory bounded stores are used.
	RedisContractStoreAddr string
	RedisContractStoreTTL  time.Duration
	PostgresRegistryDSN    string

	// RegistryAdminKey authorizes POST /admin/registry/revoke when the
	// caller is not the entry's original signer. Separate from AdminKey
	// so registry and degradation overrides can be rotated independently.
	RegistryAdminKey string

	// Features
	EnableDebugEndpoints bool
	MetricsEnabled       bool
}

// Load loads configuration based on the OSP_ENV environment variable.
func Load() (*Config, error) {
	envStr := os.Getenv("OSP_ENV")
	if envStr == "" {
		envStr = string(slruntime.Development)
	}

	parsedEnv, ok := slruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid OSP_ENV: %s (must be development, testing, or production)", envStr)
	}
	env := Environment(parsedEnv)

	// Load environment-specific .env file
	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	c.ListenAddr = getEnv("OSP_LISTEN_ADDR", ":8443")
	c.CORSAllowedOrigins = strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ",")

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.SignatureEnforce = getBoolEnv("OSP_SIGNATURE_ENFORCE", false)
	c.SignaturePublicKeyPath = getEnv("OSP_SIGNATURE_PUBLIC_KEY_PATH", "")
	c.SignatureHMACSecret = getEnv("OSP_SIGNATURE_HMAC_SECRET", "")

	c.RateLimitEnabled = getBoolEnv("RATE_LIMIT_ENABLED", true)
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", 60)
	rateLimitWindow := getEnv("RATE_LIMIT_WINDOW", "1m")
	window, err := time.ParseDuration(rateLimitWindow)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
	}
	c.RateLimitWindow = window
	c.RateLimitBurst = getIntEnv("RATE_LIMIT_BURST", 10)

	c.AdminKey = getEnv("OSP_ADMIN_KEY", "")
	c.RegistryAdminKey = getEnv("OSP_REGISTRY_ADMIN_KEY", c.AdminKey)

	sampleInterval := getEnv("OSP_DEGRADATION_SAMPLE_INTERVAL", "5s")
	interval, err := time.ParseDuration(sampleInterval)
	if err != nil {
		return fmt.Errorf("invalid OSP_DEGRADATION_SAMPLE_INTERVAL: %w", err)
	}
	c.DegradationSampleInterval = interval

	c.ExecuteDefaultTTLSeconds = getIntEnv("OSP_EXECUTE_DEFAULT_TTL_SECONDS", 300)
	c.ExecuteDefaultMaxRetries = getIntEnv("OSP_EXECUTE_DEFAULT_MAX_RETRIES", 2)

	c.FSSandboxRoot = getEnv("OSP_FS_SANDBOX_ROOT", "")

	c.ConformanceCronSchedule = getEnv("OSP_CONFORMANCE_CRON_SCHEDULE", "")

	c.RedisContractStoreAddr = getEnv("OSP_REDIS_CONTRACT_STORE_ADDR", "")
	redisTTL := getEnv("OSP_REDIS_CONTRACT_STORE_TTL", "1h")
	ttl, err := time.ParseDuration(redisTTL)
	if err != nil {
		return fmt.Errorf("invalid OSP_REDIS_CONTRACT_STORE_TTL: %w", err)
	}
	c.RedisContractStoreTTL = ttl
	c.PostgresRegistryDSN = getEnv("OSP_POSTGRES_REGISTRY_DSN", "")

	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Env == Development
}

// IsTesting returns true if running in testing environment
func (c *Config) IsTesting() bool {
	return c.Env == Testing
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Env == Production
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if !c.RateLimitEnabled {
			return fmt.Errorf("RATE_LIMIT_ENABLED must be true in production")
		}
		if !c.SignatureEnforce {
			return fmt.Errorf("OSP_SIGNATURE_ENFORCE must be true in production")
		}
		if c.AdminKey == "" {
			return fmt.Errorf("OSP_ADMIN_KEY must be set in production")
		}
	}

	if c.ExecuteDefaultTTLSeconds <= 0 {
		return fmt.Errorf("OSP_EXECUTE_DEFAULT_TTL_SECONDS must be positive")
	}
	if c.ExecuteDefaultMaxRetries < 0 {
		return fmt.Errorf("OSP_EXECUTE_DEFAULT_MAX_RETRIES must not be negative")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}

	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

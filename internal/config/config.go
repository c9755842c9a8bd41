// Package config provides environment variable-based configuration loading.
//
// Purpose:
//
//	This package defines the service configuration structure and provides
//	functions to load configuration from environment variables using envconfig.
//	All binaries (mfa-api, migrate) share this configuration structure.
//
// Dependencies:
//   - github.com/kelseyhightower/envconfig: Environment variable parsing
//
// Key Responsibilities:
//   - Config struct defines all service configuration fields
//   - Load reads and validates environment variables
//   - MustLoad exits the process if configuration is invalid
//
// Debugging Notes:
//   - Required fields: DATABASE_URL
//   - Defaults provided for optional fields (port, Redis, log level, policy knobs)
//   - Redis is optional (trusted-device cache is skipped if not configured)
//   - Trust/backup-code policy defaults match the documented behavior and should
//     not be changed without reviewing clients that depend on them
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents shared runtime configuration for binaries in the MFA service.
// All fields are populated from environment variables with defaults where specified.
// Required fields must be set or Load/MustLoad will return an error.
type Config struct {
	// ServiceName is emitted in logs and metrics.
	ServiceName string `envconfig:"SERVICE_NAME" default:"mfa-service"`
	// HTTPPort is the port the HTTP server listens on.
	HTTPPort int `envconfig:"HTTP_PORT" default:"8082"`
	// DatabaseURL is the Postgres connection string for the primary service database.
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	// RedisAddr is the host:port of the Redis instance used for the trusted-device
	// cache. Leave empty to disable caching.
	RedisAddr string `envconfig:"REDIS_ADDR" default:""`
	// RedisPassword is the optional password for Redis authentication.
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	// RedisDB selects the logical Redis database index.
	RedisDB int `envconfig:"REDIS_DB" default:"0"`
	// LogLevel controls zerolog global level (debug, info, warn, error).
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// Environment describes the current deployment environment (dev, staging, prod, etc.).
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	// KafkaBrokers is a comma-separated list of Kafka broker addresses
	// (e.g., "broker1:9092,broker2:9092"). If empty, security events are only
	// written to the database ledger and the service log.
	KafkaBrokers string `envconfig:"KAFKA_BROKERS" default:""`
	// KafkaTopic is the Kafka topic name for mirrored security events.
	KafkaTopic string `envconfig:"KAFKA_TOPIC" default:"audit.security"`
	// KafkaClientID is the client ID used when connecting to Kafka.
	KafkaClientID string `envconfig:"KAFKA_CLIENT_ID" default:"mfa-service"`
	// AuthHeaderSecret is the shared HMAC secret used to verify gateway-signed
	// identity headers. If empty, headers are trusted as-is (development only).
	AuthHeaderSecret string `envconfig:"AUTH_HEADER_SECRET" default:""`

	// TOTPIssuer is the issuer label rendered into otpauth provisioning URIs.
	TOTPIssuer string `envconfig:"TOTP_ISSUER" default:"Trackline"`
	// TrustDurationDays is the validity period granted to a trusted device.
	// The 90-day default is a compatibility constant; see DeviceTrustDuration.
	TrustDurationDays int `envconfig:"TRUST_DURATION_DAYS" default:"90"`
	// BackupCodeCount is the number of one-time backup codes generated when an
	// account completes MFA enablement.
	BackupCodeCount int `envconfig:"BACKUP_CODE_COUNT" default:"8"`
	// StoreTimeoutSeconds bounds every datastore round-trip. Operations that
	// exceed it fail as retryable unavailability, never hang.
	StoreTimeoutSeconds int `envconfig:"STORE_TIMEOUT_SECONDS" default:"3"`
}

// Load reads environment variables into Config, applying defaults where necessary.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	return &cfg, nil
}

// MustLoad returns Config or exits the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// DeviceTrustDuration returns the configured trusted-device validity period.
func (c *Config) DeviceTrustDuration() time.Duration {
	return time.Duration(c.TrustDurationDays) * 24 * time.Hour
}

// StoreTimeout returns the per-operation datastore deadline.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

// Package bootstrap provides centralized initialization and lifecycle
// management for core service dependencies (Postgres, Redis, audit sink).
//
// Purpose:
//
//	This package wires together the runtime dependencies of the mfa-api
//	binary in a consistent order, handles connection failures at startup,
//	and provides a unified shutdown and readiness interface.
//
// Dependencies:
//   - github.com/redis/go-redis/v9: Redis client for the trusted-device cache
//   - internal/config: Service configuration from environment variables
//   - internal/storage/postgres: Core data access layer and durable ledger
//   - internal/audit: Security event mirror emitters (logger or Kafka)
//   - internal/cache: Trusted-device read-through cache
//   - internal/mfa: The MFA core composed from the above
//
// Key Responsibilities:
//   - Initialize connects to Postgres and optional Redis, picks the audit
//     mirror, and composes the MFA service
//   - ReadinessProbe checks health of Postgres and Redis connections
//   - Close releases all resources in reverse initialization order
//
// Debugging Notes:
//   - Redis connection failures fail fast during initialization (2s timeout)
//   - Without Redis the service runs uncached; Postgres is required
//   - Kafka misconfiguration falls back to the logger mirror with a warning
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tracklinehq/mfa-service/internal/audit"
	"github.com/tracklinehq/mfa-service/internal/cache"
	"github.com/tracklinehq/mfa-service/internal/config"
	"github.com/tracklinehq/mfa-service/internal/mfa"
	"github.com/tracklinehq/mfa-service/internal/storage/postgres"
)

// Runtime bundles initialized runtime dependencies for the service binary.
// All fields are populated during Initialize and remain valid until Close.
type Runtime struct {
	Config     *config.Config
	Postgres   *postgres.Store
	Redis      *redis.Client
	TrustCache *cache.TrustCache
	Audit      audit.Emitter
	MFA        *mfa.Service
}

// Initialize wires core dependencies based on the provided configuration.
// Order: Postgres → Redis (if configured) → audit mirror → MFA service.
// The returned Runtime must be closed via Close during shutdown.
func Initialize(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	pgStore, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	var mirror audit.Emitter
	if kafkaEmitter, err := audit.NewKafkaEmitterFromConfig(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaClientID, logger); err != nil {
		logger.Warn().Err(err).Msg("kafka emitter init failed, falling back to logger mirror")
		mirror = audit.NewLoggerEmitter(logger)
	} else if kafkaEmitter != nil {
		logger.Info().Str("topic", cfg.KafkaTopic).Msg("mirroring security events to kafka")
		mirror = kafkaEmitter
	} else {
		logger.Info().Msg("kafka not configured, mirroring security events to the service log")
		mirror = audit.NewLoggerEmitter(logger)
	}

	runtime := &Runtime{
		Config:   cfg,
		Postgres: pgStore,
		Audit:    mirror,
	}

	if cfg.RedisAddr != "" {
		runtime.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := runtime.Redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		runtime.TrustCache = cache.NewTrustCache(runtime.Redis, logger)
	}

	var trustCache mfa.TrustCache
	if runtime.TrustCache != nil {
		trustCache = runtime.TrustCache
	}
	runtime.MFA = mfa.NewService(pgStore, mirror, trustCache, logger, mfa.Config{
		Issuer:          cfg.TOTPIssuer,
		TrustDuration:   cfg.DeviceTrustDuration(),
		BackupCodeCount: cfg.BackupCodeCount,
		StoreTimeout:    cfg.StoreTimeout(),
	})

	return runtime, nil
}

// Close releases runtime resources in reverse initialization order.
// Idempotent; returns the first error encountered but keeps closing.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt == nil {
		return nil
	}
	var firstErr error
	if kafkaEmitter, ok := rt.Audit.(*audit.KafkaEmitter); ok {
		if err := kafkaEmitter.Close(); err != nil {
			firstErr = err
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.Postgres != nil {
		rt.Postgres.Close()
	}
	return firstErr
}

// ReadinessProbe checks the health of critical runtime dependencies. Used by
// the /readyz endpoint; the caller sets the context timeout.
func (rt *Runtime) ReadinessProbe(ctx context.Context) error {
	if rt.Postgres != nil {
		if err := rt.Postgres.Pool().Ping(ctx); err != nil {
			return fmt.Errorf("postgres not ready: %w", err)
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis not ready: %w", err)
		}
	}
	return nil
}

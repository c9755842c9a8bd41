// Package cache provides a Redis read-through cache for trusted-device
// records.
//
// Purpose:
//   Trusted-device checks run on every login for every client, far more often
//   than trust grants. This cache keeps the hot records out of Postgres. The
//   store stays authoritative: a miss or a Redis failure falls through to the
//   database, and writes go to the database first.
//
// Dependencies:
//   - github.com/redis/go-redis/v9: Redis client
//   - github.com/rs/zerolog: cache failure logging
//
// Key Responsibilities:
//   - Get/Set/Invalidate keyed by (user, device)
//   - Entry TTL never outlives the record's trust expiry
//
// Debugging Notes:
//   - Keys follow mfa:trust:<user_id>:<device_id>
//   - Cache errors are logged at debug and counted, never surfaced
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tracklinehq/mfa-service/internal/metrics"
	"github.com/tracklinehq/mfa-service/internal/storage/postgres"
)

const (
	trustKeyPrefix  = "mfa:trust:"
	defaultTrustTTL = 10 * time.Minute
)

// TrustCache caches trusted-device records in Redis.
type TrustCache struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// NewTrustCache creates a trusted-device cache on an existing Redis client.
func NewTrustCache(client *redis.Client, logger zerolog.Logger) *TrustCache {
	return &TrustCache{
		client: client,
		logger: logger.With().Str("component", "trust_cache").Logger(),
		ttl:    defaultTrustTTL,
	}
}

func trustKey(userID uuid.UUID, deviceID string) string {
	return fmt.Sprintf("%s%s:%s", trustKeyPrefix, userID, deviceID)
}

// Get returns the cached record for (userID, deviceID). The second return
// value is false on a miss or any Redis failure.
func (c *TrustCache) Get(ctx context.Context, userID uuid.UUID, deviceID string) (postgres.TrustedDevice, bool) {
	raw, err := c.client.Get(ctx, trustKey(userID, deviceID)).Bytes()
	if err == redis.Nil {
		metrics.RecordTrustCacheLookup("miss")
		return postgres.TrustedDevice{}, false
	}
	if err != nil {
		metrics.RecordTrustCacheLookup("error")
		c.logger.Debug().Err(err).Str("device_id", deviceID).Msg("trust cache read failed")
		return postgres.TrustedDevice{}, false
	}
	var record postgres.TrustedDevice
	if err := json.Unmarshal(raw, &record); err != nil {
		metrics.RecordTrustCacheLookup("error")
		c.logger.Debug().Err(err).Str("device_id", deviceID).Msg("trust cache entry corrupt")
		return postgres.TrustedDevice{}, false
	}
	metrics.RecordTrustCacheLookup("hit")
	return record, true
}

// Set caches a record. The TTL is capped so an entry never outlives the
// record's trust expiry; already-expired records are not cached.
func (c *TrustCache) Set(ctx context.Context, record postgres.TrustedDevice) {
	ttl := c.ttl
	if remaining := time.Until(record.TrustExpiresAt); remaining <= 0 {
		return
	} else if remaining < ttl {
		ttl = remaining
	}
	raw, err := json.Marshal(record)
	if err != nil {
		c.logger.Debug().Err(err).Msg("trust cache marshal failed")
		return
	}
	if err := c.client.Set(ctx, trustKey(record.UserID, record.DeviceID), raw, ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("device_id", record.DeviceID).Msg("trust cache write failed")
	}
}

// Invalidate removes a cached record, typically after a trust grant rewrites
// the row.
func (c *TrustCache) Invalidate(ctx context.Context, userID uuid.UUID, deviceID string) {
	if err := c.client.Del(ctx, trustKey(userID, deviceID)).Err(); err != nil {
		c.logger.Debug().Err(err).Str("device_id", deviceID).Msg("trust cache invalidate failed")
	}
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklinehq/mfa-service/internal/storage/postgres"
)

func setupCache(t *testing.T) (*TrustCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTrustCache(client, zerolog.Nop()), mr
}

func testRecord(userID uuid.UUID) postgres.TrustedDevice {
	return postgres.TrustedDevice{
		UserID:         userID,
		DeviceID:       "device-1",
		OrgID:          uuid.New(),
		Fingerprint:    "fp-1",
		IsTrusted:      true,
		TrustExpiresAt: time.Now().UTC().Add(48 * time.Hour),
		LastSeenAt:     time.Now().UTC(),
	}
}

func TestTrustCacheRoundTrip(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()
	userID := uuid.New()

	_, ok := cache.Get(ctx, userID, "device-1")
	assert.False(t, ok)

	record := testRecord(userID)
	cache.Set(ctx, record)

	got, ok := cache.Get(ctx, userID, "device-1")
	require.True(t, ok)
	assert.Equal(t, record.DeviceID, got.DeviceID)
	assert.Equal(t, record.Fingerprint, got.Fingerprint)
	assert.True(t, got.IsTrusted)

	cache.Invalidate(ctx, userID, "device-1")
	_, ok = cache.Get(ctx, userID, "device-1")
	assert.False(t, ok)
}

func TestTrustCacheEntryExpires(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()
	userID := uuid.New()

	cache.Set(ctx, testRecord(userID))

	mr.FastForward(defaultTrustTTL + time.Second)
	_, ok := cache.Get(ctx, userID, "device-1")
	assert.False(t, ok, "entries expire with the cache TTL")
}

func TestTrustCacheTTLCappedByTrustExpiry(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()
	userID := uuid.New()

	record := testRecord(userID)
	record.TrustExpiresAt = time.Now().UTC().Add(2 * time.Second)
	cache.Set(ctx, record)

	// The entry must not outlive the trust grant even though the cache TTL
	// is much longer.
	mr.FastForward(3 * time.Second)
	_, ok := cache.Get(ctx, userID, "device-1")
	assert.False(t, ok)
}

func TestTrustCacheSkipsExpiredRecords(t *testing.T) {
	cache, _ := setupCache(t)
	ctx := context.Background()
	userID := uuid.New()

	record := testRecord(userID)
	record.TrustExpiresAt = time.Now().UTC().Add(-time.Minute)
	cache.Set(ctx, record)

	_, ok := cache.Get(ctx, userID, "device-1")
	assert.False(t, ok, "expired grants are never cached")
}

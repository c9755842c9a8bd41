package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mfa_service")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mfa-service", cfg.ServiceName)
	assert.Equal(t, 8082, cfg.HTTPPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "audit.security", cfg.KafkaTopic)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 90, cfg.TrustDurationDays)
	assert.Equal(t, 8, cfg.BackupCodeCount)
	assert.Equal(t, 90*24*time.Hour, cfg.DeviceTrustDuration())
	assert.Equal(t, 3*time.Second, cfg.StoreTimeout())
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	// t.Setenv registers the restore; unset to exercise the required check.
	t.Setenv("DATABASE_URL", "placeholder")
	require.NoError(t, os.Unsetenv("DATABASE_URL"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mfa_service")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("TRUST_DURATION_DAYS", "30")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 30*24*time.Hour, cfg.DeviceTrustDuration())
	assert.Equal(t, "broker1:9092,broker2:9092", cfg.KafkaBrokers)
}

package postgres

import (
	"context"
	"database/sql"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.RunContainer(ctx,
		tcpostgres.WithDatabase("mfa_service"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err)

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connString)
	require.NoError(t, err)

	_, filename, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(filename), "..", "..", "..")
	migrationsDir := filepath.Join(projectRoot, "migrations", "sql")

	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, migrationsDir))

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)

	store := NewStoreFromPool(pool)

	cleanup := func() {
		store.Close()
		_ = db.Close()
		require.NoError(t, container.Terminate(ctx))
	}

	return store, cleanup
}

func TestStoreUserSecurityLifecycle(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	orgID := uuid.New()
	userID := uuid.New()

	_, err := store.GetUserSecurity(ctx, orgID, userID)
	require.ErrorIs(t, err, ErrNotFound)

	sec, err := store.UpsertPendingSecret(ctx, UpsertPendingSecretParams{
		OrgID:  orgID,
		UserID: userID,
		Secret: "JBSWY3DPEHPK3PXP",
	})
	require.NoError(t, err)
	require.False(t, sec.Enabled)
	require.Equal(t, "JBSWY3DPEHPK3PXP", sec.TOTPSecret)
	require.Empty(t, sec.BackupCodes)

	codes := []string{"AAAA-1111", "BBBB-2222"}
	enabled, err := store.EnableUserSecurity(ctx, EnableUserSecurityParams{
		OrgID:       orgID,
		UserID:      userID,
		Version:     sec.Version,
		BackupCodes: codes,
	})
	require.NoError(t, err)
	require.True(t, enabled.Enabled)
	require.Equal(t, codes, enabled.BackupCodes)
	require.Greater(t, enabled.Version, sec.Version)

	// Stale version: the row moved on, the write must not.
	_, err = store.EnableUserSecurity(ctx, EnableUserSecurityParams{
		OrgID:       orgID,
		UserID:      userID,
		Version:     sec.Version,
		BackupCodes: codes,
	})
	require.ErrorIs(t, err, ErrOptimisticLock)

	replaced, err := store.ReplaceBackupCodes(ctx, ReplaceBackupCodesParams{
		OrgID:       orgID,
		UserID:      userID,
		Version:     enabled.Version,
		BackupCodes: []string{"BBBB-2222"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"BBBB-2222"}, replaced.BackupCodes)

	_, err = store.ReplaceBackupCodes(ctx, ReplaceBackupCodesParams{
		OrgID:       orgID,
		UserID:      userID,
		Version:     enabled.Version,
		BackupCodes: nil,
	})
	require.ErrorIs(t, err, ErrOptimisticLock)
}

func TestStoreUpsertPendingSecretResetsEnablement(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	orgID := uuid.New()
	userID := uuid.New()

	sec, err := store.UpsertPendingSecret(ctx, UpsertPendingSecretParams{
		OrgID:  orgID,
		UserID: userID,
		Secret: "FIRST2222222222A",
	})
	require.NoError(t, err)

	enabled, err := store.EnableUserSecurity(ctx, EnableUserSecurityParams{
		OrgID:       orgID,
		UserID:      userID,
		Version:     sec.Version,
		BackupCodes: []string{"AAAA-1111"},
	})
	require.NoError(t, err)
	require.True(t, enabled.Enabled)

	reset, err := store.UpsertPendingSecret(ctx, UpsertPendingSecretParams{
		OrgID:  orgID,
		UserID: userID,
		Secret: "SECOND222222222A",
	})
	require.NoError(t, err)
	require.False(t, reset.Enabled)
	require.Equal(t, "SECOND222222222A", reset.TOTPSecret)
	require.Greater(t, reset.Version, enabled.Version)
}

func TestStoreUserSecurityTenantIsolation(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	orgA := uuid.New()
	orgB := uuid.New()

	_, err := store.UpsertPendingSecret(ctx, UpsertPendingSecretParams{
		OrgID:  orgA,
		UserID: userID,
		Secret: "JBSWY3DPEHPK3PXP",
	})
	require.NoError(t, err)

	_, err = store.GetUserSecurity(ctx, orgB, userID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreTouchMFADevice(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	orgID := uuid.New()
	userID := uuid.New()

	_, err := store.GetMFADevice(ctx, orgID, userID, FactorTypeTOTP)
	require.ErrorIs(t, err, ErrNotFound)

	first, err := store.TouchMFADevice(ctx, TouchMFADeviceParams{
		OrgID:      orgID,
		UserID:     userID,
		FactorType: FactorTypeTOTP,
		UsedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, first.IsEnabled)
	require.True(t, first.IsVerified)
	require.Equal(t, int64(1), first.TotalUses)
	require.NotNil(t, first.LastUsedAt)

	second, err := store.TouchMFADevice(ctx, TouchMFADeviceParams{
		OrgID:      orgID,
		UserID:     userID,
		FactorType: FactorTypeTOTP,
		UsedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, first.DeviceID, second.DeviceID)
	require.Equal(t, int64(2), second.TotalUses)
}

func TestStoreTrustedDeviceLifecycle(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	orgID := uuid.New()
	userID := uuid.New()
	deviceID := "device-abc"

	_, err := store.GetTrustedDevice(ctx, userID, deviceID)
	require.ErrorIs(t, err, ErrNotFound)

	expires := time.Now().UTC().Add(90 * 24 * time.Hour).Truncate(time.Microsecond)
	record, err := store.UpsertTrustedDevice(ctx, UpsertTrustedDeviceParams{
		UserID:         userID,
		DeviceID:       deviceID,
		OrgID:          orgID,
		Fingerprint:    "fp-1",
		DeviceName:     "laptop",
		DeviceType:     "desktop",
		UserAgent:      "test-agent",
		TrustExpiresAt: expires,
		LastSeenAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, record.IsTrusted)
	require.WithinDuration(t, expires, record.TrustExpiresAt, time.Second)

	// Re-granting trust overwrites the previous expiry.
	later := expires.Add(24 * time.Hour)
	updated, err := store.UpsertTrustedDevice(ctx, UpsertTrustedDeviceParams{
		UserID:         userID,
		DeviceID:       deviceID,
		OrgID:          orgID,
		Fingerprint:    "fp-2",
		DeviceName:     "laptop",
		DeviceType:     "desktop",
		UserAgent:      "test-agent",
		TrustExpiresAt: later,
		LastSeenAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	require.WithinDuration(t, later, updated.TrustExpiresAt, time.Second)
	require.Equal(t, "fp-2", updated.Fingerprint)

	seenAt := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.TouchTrustedDevice(ctx, userID, deviceID, seenAt))

	fetched, err := store.GetTrustedDevice(ctx, userID, deviceID)
	require.NoError(t, err)
	require.WithinDuration(t, seenAt, fetched.LastSeenAt, time.Second)
}

func TestStoreSecurityEvents(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	orgID := uuid.New()
	userID := uuid.New()

	for i, eventType := range []string{"mfa_setup_initiated", "mfa_login_failed", "mfa_login_success"} {
		err := store.AppendSecurityEvent(ctx, SecurityEvent{
			OrgID:     &orgID,
			UserID:    userID,
			EventType: eventType,
			IPAddress: "203.0.113.7",
			UserAgent: "test-agent",
			Detail:    map[string]any{"seq": i},
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	events, err := store.ListSecurityEvents(ctx, orgID, userID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	require.Equal(t, "mfa_login_success", events[0].EventType)
	require.Equal(t, "mfa_setup_initiated", events[2].EventType)

	limited, err := store.ListSecurityEvents(ctx, orgID, userID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	otherOrg := uuid.New()
	none, err := store.ListSecurityEvents(ctx, otherOrg, userID, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

package mfa

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tracklinehq/mfa-service/internal/storage/postgres"
)

// Store is the persistence surface the service needs. *postgres.Store
// satisfies it; tests substitute an in-memory fake with the same optimistic
// locking behavior.
type Store interface {
	GetUserSecurity(ctx context.Context, orgID, userID uuid.UUID) (postgres.UserSecurity, error)
	UpsertPendingSecret(ctx context.Context, params postgres.UpsertPendingSecretParams) (postgres.UserSecurity, error)
	EnableUserSecurity(ctx context.Context, params postgres.EnableUserSecurityParams) (postgres.UserSecurity, error)
	ReplaceBackupCodes(ctx context.Context, params postgres.ReplaceBackupCodesParams) (postgres.UserSecurity, error)

	GetMFADevice(ctx context.Context, orgID, userID uuid.UUID, factorType string) (postgres.MFADevice, error)
	TouchMFADevice(ctx context.Context, params postgres.TouchMFADeviceParams) (postgres.MFADevice, error)

	GetTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string) (postgres.TrustedDevice, error)
	UpsertTrustedDevice(ctx context.Context, params postgres.UpsertTrustedDeviceParams) (postgres.TrustedDevice, error)
	TouchTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string, seenAt time.Time) error

	AppendSecurityEvent(ctx context.Context, event postgres.SecurityEvent) error
}

// TrustCache fronts trusted-device reads. Implementations may miss or fail
// silently; the store remains authoritative.
type TrustCache interface {
	Get(ctx context.Context, userID uuid.UUID, deviceID string) (postgres.TrustedDevice, bool)
	Set(ctx context.Context, record postgres.TrustedDevice)
	Invalidate(ctx context.Context, userID uuid.UUID, deviceID string)
}

// RequestMeta carries client attribution for the audit trail. Zero values
// are acceptable; the ledger stores whatever was known.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// DeviceInfo identifies the client device in verify and trust-check calls.
type DeviceInfo struct {
	DeviceID   string
	DeviceName string
	DeviceType string
	UserAgent  string
}

// SetupResult is returned from BeginSetup. The secret and URL are shown to
// the user exactly once and are never readable again through the API.
type SetupResult struct {
	Secret       string
	ProvisionURL string
}

// Status reports whether a second factor is required at login.
type Status struct {
	MFARequired    bool
	MFAType        string
	HasBackupCodes bool
}

// VerifyInput is a TOTP verification request.
type VerifyInput struct {
	UserID      uuid.UUID
	Code        string
	TrustDevice bool
	Device      DeviceInfo
}

// TrustGrant reports a device-trust registration made during verification.
type TrustGrant struct {
	DeviceID  string
	ExpiresAt time.Time
}

// VerifyResult is returned on successful TOTP verification. BackupCodes is
// non-nil only on the call that transitions the factor from pending to
// enabled; it is the single time the codes are visible.
type VerifyResult struct {
	Enabled     bool
	BackupCodes []string
	Trust       *TrustGrant
}

// BackupResult reports a consumed backup code and how many remain.
type BackupResult struct {
	Remaining int
}

// TrustStatus is the answer to a trusted-device check.
type TrustStatus struct {
	Trusted   bool
	ExpiresAt *time.Time
}

package postgres

import (
	"time"

	"github.com/google/uuid"
)

// FactorTypeTOTP is the only registered factor type today. The schema is
// polymorphic over factor_type so additional factors can land without a
// migration.
const FactorTypeTOTP = "totp"

// UserSecurity is the per-(org, user) MFA record. Enabled is only true after
// at least one successful verification; a record with Enabled=false is
// provisioned-but-unconfirmed and never satisfies an MFA check.
type UserSecurity struct {
	OrgID       uuid.UUID
	UserID      uuid.UUID
	TOTPSecret  string
	Enabled     bool
	BackupCodes []string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type UpsertPendingSecretParams struct {
	OrgID  uuid.UUID
	UserID uuid.UUID
	Secret string
}

type EnableUserSecurityParams struct {
	OrgID       uuid.UUID
	UserID      uuid.UUID
	Version     int64
	BackupCodes []string
}

type ReplaceBackupCodesParams struct {
	OrgID       uuid.UUID
	UserID      uuid.UUID
	Version     int64
	BackupCodes []string
}

// MFADevice is a registered authenticator factor. Both IsEnabled and
// IsVerified must be true for the factor to count toward MFA-required status.
type MFADevice struct {
	DeviceID   uuid.UUID
	OrgID      uuid.UUID
	UserID     uuid.UUID
	FactorType string
	IsEnabled  bool
	IsVerified bool
	LastUsedAt *time.Time
	TotalUses  int64
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type TouchMFADeviceParams struct {
	OrgID      uuid.UUID
	UserID     uuid.UUID
	FactorType string
	UsedAt     time.Time
}

// TrustedDevice is a per-(user, device) trust grant. Trust is valid iff
// IsTrusted and the expiry is in the future; expired rows are evaluated
// lazily at read time and never swept.
type TrustedDevice struct {
	UserID         uuid.UUID
	DeviceID       string
	OrgID          uuid.UUID
	Fingerprint    string
	DeviceName     string
	DeviceType     string
	UserAgent      string
	IsTrusted      bool
	TrustExpiresAt time.Time
	LastSeenAt     time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type UpsertTrustedDeviceParams struct {
	UserID         uuid.UUID
	DeviceID       string
	OrgID          uuid.UUID
	Fingerprint    string
	DeviceName     string
	DeviceType     string
	UserAgent      string
	TrustExpiresAt time.Time
	LastSeenAt     time.Time
}

// SecurityEvent is one row of the append-only security ledger. Rows are
// immutable once written.
type SecurityEvent struct {
	EventID   uuid.UUID
	OrgID     *uuid.UUID
	UserID    uuid.UUID
	EventType string
	IPAddress string
	UserAgent string
	Detail    map[string]any
	CreatedAt time.Time
}

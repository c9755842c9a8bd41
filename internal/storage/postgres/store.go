package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides Postgres-backed persistence for the MFA service.
type Store struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewStore creates a store using the provided connection string and takes ownership of the pool.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Store{pool: pool, ownsPool: true}, nil
}

// NewStoreFromPool wraps an existing pgx pool.
func NewStoreFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool if the store owns it.
func (s *Store) Close() {
	if s.ownsPool && s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pgx pool for readiness probes.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Store) withTenantTx(ctx context.Context, orgID uuid.UUID, fn func(context.Context, pgx.Tx) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// SET LOCAL doesn't support parameters, use string interpolation with proper escaping
		escapedOrgID := strings.ReplaceAll(orgID.String(), "'", "''")
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL app.org_id = '%s'", escapedOrgID)); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

// GetUserSecurity retrieves the per-user MFA record for an organization.
func (s *Store) GetUserSecurity(ctx context.Context, orgID, userID uuid.UUID) (UserSecurity, error) {
	var out UserSecurity
	err := s.withTenantTx(ctx, orgID, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT * FROM user_security
			WHERE org_id = $1 AND user_id = $2
		`, orgID, userID)
		rec, err := scanUserSecurity(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// UpsertPendingSecret writes a freshly provisioned TOTP secret. An existing
// record is overwritten and dropped back to the unconfirmed state: last write
// wins, matching the setup-before-verify contract.
func (s *Store) UpsertPendingSecret(ctx context.Context, params UpsertPendingSecretParams) (UserSecurity, error) {
	if params.Secret == "" {
		return UserSecurity{}, fmt.Errorf("pending secret must be provided")
	}

	var out UserSecurity
	err := s.withTenantTx(ctx, params.OrgID, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO user_security (org_id, user_id, totp_secret, enabled, backup_codes)
			VALUES ($1, $2, $3, FALSE, '[]'::jsonb)
			ON CONFLICT (org_id, user_id) DO UPDATE
			SET totp_secret = EXCLUDED.totp_secret,
				enabled = FALSE,
				version = user_security.version + 1,
				updated_at = now()
			RETURNING *
		`, params.OrgID, params.UserID, params.Secret)
		rec, err := scanUserSecurity(row)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// EnableUserSecurity flips a record to enabled and installs its backup code
// batch in one conditional write keyed on the pre-read version.
func (s *Store) EnableUserSecurity(ctx context.Context, params EnableUserSecurityParams) (UserSecurity, error) {
	if params.BackupCodes == nil {
		params.BackupCodes = []string{}
	}

	var out UserSecurity
	err := s.withTenantTx(ctx, params.OrgID, func(ctx context.Context, tx pgx.Tx) error {
		codesJSON, err := mustJSONB(params.BackupCodes)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE user_security
			SET enabled = TRUE,
				backup_codes = $1,
				version = version + 1,
				updated_at = now()
			WHERE org_id = $2 AND user_id = $3 AND version = $4
			RETURNING *
		`, string(codesJSON), params.OrgID, params.UserID, params.Version)
		rec, err := scanUserSecurity(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOptimisticLock
			}
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// ReplaceBackupCodes persists a reduced backup-code set using optimistic
// locking. This is the single write that enforces one-time use: concurrent
// consumers race on the version column and exactly one wins.
func (s *Store) ReplaceBackupCodes(ctx context.Context, params ReplaceBackupCodesParams) (UserSecurity, error) {
	if params.BackupCodes == nil {
		params.BackupCodes = []string{}
	}

	var out UserSecurity
	err := s.withTenantTx(ctx, params.OrgID, func(ctx context.Context, tx pgx.Tx) error {
		codesJSON, err := mustJSONB(params.BackupCodes)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE user_security
			SET backup_codes = $1,
				version = version + 1,
				updated_at = now()
			WHERE org_id = $2 AND user_id = $3 AND version = $4
			RETURNING *
		`, string(codesJSON), params.OrgID, params.UserID, params.Version)
		rec, err := scanUserSecurity(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOptimisticLock
			}
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// GetMFADevice retrieves the registered factor of the given type for a user.
func (s *Store) GetMFADevice(ctx context.Context, orgID, userID uuid.UUID, factorType string) (MFADevice, error) {
	var out MFADevice
	err := s.withTenantTx(ctx, orgID, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT * FROM mfa_devices
			WHERE org_id = $1 AND user_id = $2 AND factor_type = $3
		`, orgID, userID, factorType)
		device, err := scanMFADevice(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		out = device
		return nil
	})
	return out, err
}

// TouchMFADevice upserts the factor row after a successful verification:
// marks it enabled+verified and bumps the usage bookkeeping. Counters are
// last-writer-wins on purpose; a lost increment under concurrent logins is
// tolerable.
func (s *Store) TouchMFADevice(ctx context.Context, params TouchMFADeviceParams) (MFADevice, error) {
	if params.FactorType == "" {
		params.FactorType = FactorTypeTOTP
	}

	var out MFADevice
	err := s.withTenantTx(ctx, params.OrgID, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO mfa_devices (device_id, org_id, user_id, factor_type, is_enabled, is_verified, last_used_at, total_uses)
			VALUES ($1, $2, $3, $4, TRUE, TRUE, $5, 1)
			ON CONFLICT (org_id, user_id, factor_type) DO UPDATE
			SET is_enabled = TRUE,
				is_verified = TRUE,
				last_used_at = EXCLUDED.last_used_at,
				total_uses = mfa_devices.total_uses + 1,
				version = mfa_devices.version + 1,
				updated_at = now()
			RETURNING *
		`, uuid.New(), params.OrgID, params.UserID, params.FactorType, params.UsedAt)
		device, err := scanMFADevice(row)
		if err != nil {
			return err
		}
		out = device
		return nil
	})
	return out, err
}

// GetTrustedDevice retrieves a trust record keyed by (user, device).
func (s *Store) GetTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string) (TrustedDevice, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT * FROM trusted_devices
		WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID)
	device, err := scanTrustedDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TrustedDevice{}, ErrNotFound
		}
		return TrustedDevice{}, err
	}
	return device, nil
}

// UpsertTrustedDevice creates or refreshes a trust grant. A repeated grant for
// the same device overwrites the expiry rather than stacking.
func (s *Store) UpsertTrustedDevice(ctx context.Context, params UpsertTrustedDeviceParams) (TrustedDevice, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO trusted_devices (
			user_id,
			device_id,
			org_id,
			fingerprint,
			device_name,
			device_type,
			user_agent,
			is_trusted,
			trust_expires_at,
			last_seen_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,$8,$9)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
			device_name = EXCLUDED.device_name,
			device_type = EXCLUDED.device_type,
			user_agent = EXCLUDED.user_agent,
			is_trusted = TRUE,
			trust_expires_at = EXCLUDED.trust_expires_at,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = now()
		RETURNING *
	`,
		params.UserID,
		params.DeviceID,
		params.OrgID,
		params.Fingerprint,
		params.DeviceName,
		params.DeviceType,
		params.UserAgent,
		params.TrustExpiresAt,
		params.LastSeenAt,
	)
	device, err := scanTrustedDevice(row)
	if err != nil {
		return TrustedDevice{}, err
	}
	return device, nil
}

// TouchTrustedDevice refreshes last_seen_at on an accepted trust check.
// Last-writer-wins; no optimistic locking needed for a timestamp refresh.
func (s *Store) TouchTrustedDevice(ctx context.Context, userID uuid.UUID, deviceID string, seenAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trusted_devices
		SET last_seen_at = $1,
			updated_at = now()
		WHERE user_id = $2 AND device_id = $3
	`, seenAt, userID, deviceID)
	return err
}

// AppendSecurityEvent inserts one row into the append-only ledger. There is no
// update or delete path through the store by design of the schema.
func (s *Store) AppendSecurityEvent(ctx context.Context, event SecurityEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Detail == nil {
		event.Detail = map[string]any{}
	}

	detailJSON, err := mustJSONB(event.Detail)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO security_events (
			event_id,
			org_id,
			user_id,
			event_type,
			ip_address,
			user_agent,
			detail,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		event.EventID,
		event.OrgID,
		event.UserID,
		event.EventType,
		event.IPAddress,
		event.UserAgent,
		string(detailJSON),
		event.CreatedAt,
	)
	return err
}

// ListSecurityEvents returns ledger rows for a user in insertion order, newest
// first. Used by diagnostics and tests; the service itself never reads back.
func (s *Store) ListSecurityEvents(ctx context.Context, orgID, userID uuid.UUID, limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM security_events
		WHERE org_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, orgID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func scanUserSecurity(row pgx.Row) (UserSecurity, error) {
	var (
		rec       UserSecurity
		codesJSON []byte
	)
	err := row.Scan(
		&rec.OrgID,
		&rec.UserID,
		&rec.TOTPSecret,
		&rec.Enabled,
		&codesJSON,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return UserSecurity{}, err
	}

	codes, err := jsonSliceStringDefault(codesJSON)
	if err != nil {
		return UserSecurity{}, err
	}
	rec.BackupCodes = codes
	return rec, nil
}

func scanMFADevice(row pgx.Row) (MFADevice, error) {
	var (
		d        MFADevice
		lastUsed pgtype.Timestamptz
	)
	err := row.Scan(
		&d.DeviceID,
		&d.OrgID,
		&d.UserID,
		&d.FactorType,
		&d.IsEnabled,
		&d.IsVerified,
		&lastUsed,
		&d.TotalUses,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return MFADevice{}, err
	}
	d.LastUsedAt = timePtr(lastUsed)
	return d, nil
}

func scanTrustedDevice(row pgx.Row) (TrustedDevice, error) {
	var d TrustedDevice
	err := row.Scan(
		&d.UserID,
		&d.DeviceID,
		&d.OrgID,
		&d.Fingerprint,
		&d.DeviceName,
		&d.DeviceType,
		&d.UserAgent,
		&d.IsTrusted,
		&d.TrustExpiresAt,
		&d.LastSeenAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return TrustedDevice{}, err
	}
	return d, nil
}

func scanSecurityEvent(row pgx.Row) (SecurityEvent, error) {
	var (
		e          SecurityEvent
		orgID      pgtype.UUID
		detailJSON []byte
	)
	err := row.Scan(
		&e.EventID,
		&orgID,
		&e.UserID,
		&e.EventType,
		&e.IPAddress,
		&e.UserAgent,
		&detailJSON,
		&e.CreatedAt,
	)
	if err != nil {
		return SecurityEvent{}, err
	}
	if orgID.Valid {
		val, err := uuid.FromBytes(orgID.Bytes[:])
		if err == nil {
			e.OrgID = &val
		}
	}
	detail, err := jsonStringMap(detailJSON)
	if err != nil {
		return SecurityEvent{}, err
	}
	e.Detail = detail
	return e, nil
}

// Package mfa implements the multi-factor authentication core: TOTP
// provisioning and verification, single-use backup codes, and device trust.
//
// Purpose:
//   This package owns the business rules of the MFA subsystem. The HTTP
//   layer translates requests into calls here; the storage layer persists
//   state. Every security-relevant action is written to the durable
//   security_events ledger before the operation returns, and an action whose
//   ledger write fails is itself a failure.
//
// Dependencies:
//   - github.com/google/uuid: tenant and user identifiers
//   - github.com/rs/zerolog: structured logging
//   - internal/security: TOTP, backup code and fingerprint primitives
//   - internal/storage/postgres: persistence and the durable ledger
//   - internal/audit: best-effort event mirroring
//
// Key Responsibilities:
//   - BeginSetup provisions a pending TOTP secret (self-service only)
//   - VerifyCode validates a TOTP code, completes enablement on first
//     success, and optionally grants device trust
//   - ConsumeBackupCode atomically removes a single-use backup code
//   - CheckTrust answers whether a device may skip the MFA challenge
//
// Debugging Notes:
//   - A verification returning ErrInternal after a correct code means the
//     ledger write failed; check Postgres before suspecting the TOTP math
//   - ErrConflict on the backup path means a lost optimistic-lock race;
//     the client sees it as an invalid code and the event log shows why
package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tracklinehq/mfa-service/internal/audit"
	"github.com/tracklinehq/mfa-service/internal/metrics"
	"github.com/tracklinehq/mfa-service/internal/security"
	"github.com/tracklinehq/mfa-service/internal/storage/postgres"
)

const (
	defaultIssuer          = "Trackline"
	defaultTrustDuration   = 90 * 24 * time.Hour
	defaultBackupCodeCount = 8
	defaultStoreTimeout    = 3 * time.Second

	// casAttempts bounds optimistic-lock retries on backup-code removal and
	// enablement. Losing every attempt means sustained contention on one
	// user's row, which is itself suspicious; we stop and report it.
	casAttempts = 3
)

// Config carries the tunables of the MFA core. Zero values fall back to
// the defaults above.
type Config struct {
	Issuer          string
	TrustDuration   time.Duration
	BackupCodeCount int
	StoreTimeout    time.Duration
}

// Service implements the MFA operations on top of a Store.
type Service struct {
	store  Store
	mirror audit.Emitter
	cache  TrustCache
	logger zerolog.Logger

	issuer          string
	trustDuration   time.Duration
	backupCodeCount int
	storeTimeout    time.Duration

	now func() time.Time
}

// NewService wires an MFA service. mirror may not be nil (use
// audit.NewNoopEmitter to discard); cache may be nil to disable the
// trusted-device cache.
func NewService(store Store, mirror audit.Emitter, cache TrustCache, logger zerolog.Logger, cfg Config) *Service {
	s := &Service{
		store:           store,
		mirror:          mirror,
		cache:           cache,
		logger:          logger.With().Str("component", "mfa").Logger(),
		issuer:          cfg.Issuer,
		trustDuration:   cfg.TrustDuration,
		backupCodeCount: cfg.BackupCodeCount,
		storeTimeout:    cfg.StoreTimeout,
		now:             time.Now,
	}
	if s.issuer == "" {
		s.issuer = defaultIssuer
	}
	if s.trustDuration <= 0 {
		s.trustDuration = defaultTrustDuration
	}
	if s.backupCodeCount <= 0 {
		s.backupCodeCount = defaultBackupCodeCount
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = defaultStoreTimeout
	}
	return s
}

func (s *Service) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// record writes an event to the durable ledger and then mirrors it. The
// ledger write is mandatory: if it fails the caller's operation fails with
// ErrInternal. Mirror failures are counted and logged only.
func (s *Service) record(ctx context.Context, event audit.Event) error {
	row := postgres.SecurityEvent{
		EventID:   event.EventID,
		OrgID:     event.OrgID,
		UserID:    event.UserID,
		EventType: event.EventType,
		IPAddress: event.IPAddress,
		UserAgent: event.UserAgent,
		Detail:    event.Detail,
		CreatedAt: event.CreatedAt,
	}
	sctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	if err := s.store.AppendSecurityEvent(sctx, row); err != nil {
		s.logger.Error().Err(err).
			Str("event_type", event.EventType).
			Str("user_id", event.UserID.String()).
			Msg("security event ledger write failed")
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return errors.Join(ErrUnavailable, err)
		}
		return errors.Join(ErrInternal, err)
	}
	if err := s.mirror.Emit(ctx, event); err != nil {
		metrics.RecordAuditMirrorFailure()
		s.logger.Warn().Err(err).
			Str("event_type", event.EventType).
			Msg("security event mirror failed")
	}
	return nil
}

func (s *Service) buildEvent(orgID, userID uuid.UUID, eventType string, meta RequestMeta, detail map[string]any) audit.Event {
	org := orgID
	event := audit.BuildEvent(&org, userID, eventType, detail)
	event.IPAddress = meta.IPAddress
	event.UserAgent = meta.UserAgent
	return event
}

// BeginSetup provisions a fresh TOTP secret for the caller and returns the
// otpauth URL exactly once. Setup is strictly self-service: callerID must be
// the target user. The record stays pending (Enabled=false) until the first
// successful verification; re-running setup replaces the pending secret and
// demotes an enabled factor back to pending.
func (s *Service) BeginSetup(ctx context.Context, orgID, callerID, userID uuid.UUID, accountName string, meta RequestMeta) (SetupResult, error) {
	if userID == uuid.Nil {
		return SetupResult{}, ErrInvalidInput
	}
	if callerID != userID {
		metrics.RecordSetup(false)
		return SetupResult{}, ErrForbidden
	}
	if accountName == "" {
		accountName = userID.String()
	}

	key, err := security.GenerateTOTPKey(s.issuer, accountName)
	if err != nil {
		metrics.RecordSetup(false)
		return SetupResult{}, errors.Join(ErrInternal, err)
	}

	sctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	if _, err := s.store.UpsertPendingSecret(sctx, postgres.UpsertPendingSecretParams{
		OrgID:  orgID,
		UserID: userID,
		Secret: key.Secret,
	}); err != nil {
		metrics.RecordSetup(false)
		return SetupResult{}, storeErr(err)
	}

	event := s.buildEvent(orgID, userID, audit.EventMFASetupInitiated, meta, map[string]any{
		"factor_type": postgres.FactorTypeTOTP,
	})
	if err := s.record(ctx, event); err != nil {
		metrics.RecordSetup(false)
		return SetupResult{}, err
	}

	metrics.RecordSetup(true)
	s.logger.Info().
		Str("user_id", userID.String()).
		Str("org_id", orgID.String()).
		Msg("totp setup initiated")
	return SetupResult{Secret: key.Secret, ProvisionURL: key.URL}, nil
}

// Status reports whether the user must present a second factor. MFA is
// required when either the security record is enabled with a secret present
// or a registered factor is both enabled and verified. Missing rows mean
// MFA is simply not configured, not an error.
func (s *Service) Status(ctx context.Context, orgID, userID uuid.UUID) (Status, error) {
	sctx, cancel := s.boundedCtx(ctx)
	defer cancel()

	sec, err := s.store.GetUserSecurity(sctx, orgID, userID)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return Status{}, storeErr(err)
	}
	dev, err := s.store.GetMFADevice(sctx, orgID, userID, postgres.FactorTypeTOTP)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return Status{}, storeErr(err)
	}

	required := (sec.Enabled && sec.TOTPSecret != "") || (dev.IsEnabled && dev.IsVerified)
	status := Status{
		MFARequired:    required,
		HasBackupCodes: len(sec.BackupCodes) > 0,
	}
	if required {
		status.MFAType = postgres.FactorTypeTOTP
	}
	return status, nil
}

// VerifyCode validates a TOTP code against the user's secret with one step
// of clock drift in each direction. The first successful verification of a
// pending record completes enablement and returns the freshly generated
// backup codes; that response is the only time they are visible. With
// TrustDevice set and a device ID present, success also registers the device
// as trusted until now+TrustDuration.
func (s *Service) VerifyCode(ctx context.Context, orgID uuid.UUID, in VerifyInput, meta RequestMeta) (VerifyResult, error) {
	start := s.now()
	if in.UserID == uuid.Nil {
		return VerifyResult{}, ErrInvalidInput
	}
	if !security.ValidCodeShape(in.Code) {
		// Shape failures are rejected before any lookup and do not reach
		// the security ledger; they carry no signal about the account.
		metrics.RecordVerify(false, s.now().Sub(start))
		return VerifyResult{}, ErrInvalidInput
	}

	sctx, cancel := s.boundedCtx(ctx)
	sec, err := s.store.GetUserSecurity(sctx, orgID, in.UserID)
	cancel()
	if errors.Is(err, postgres.ErrNotFound) || (err == nil && sec.TOTPSecret == "") {
		metrics.RecordVerify(false, s.now().Sub(start))
		return VerifyResult{}, ErrNotConfigured
	}
	if err != nil {
		metrics.RecordVerify(false, s.now().Sub(start))
		return VerifyResult{}, storeErr(err)
	}

	ok, err := security.VerifyTOTP(sec.TOTPSecret, in.Code, s.now())
	if err != nil {
		metrics.RecordVerify(false, s.now().Sub(start))
		return VerifyResult{}, errors.Join(ErrInternal, err)
	}
	if !ok {
		event := s.buildEvent(orgID, in.UserID, audit.EventMFALoginFailed, meta, map[string]any{
			"method": postgres.FactorTypeTOTP,
			"reason": "invalid_code",
		})
		if rerr := s.record(ctx, event); rerr != nil {
			metrics.RecordVerify(false, s.now().Sub(start))
			return VerifyResult{}, rerr
		}
		metrics.RecordVerify(false, s.now().Sub(start))
		return VerifyResult{}, ErrInvalidCode
	}

	result := VerifyResult{Enabled: true}
	enabledNow := false
	if !sec.Enabled {
		sec, result.BackupCodes, err = s.completeEnablement(ctx, orgID, in.UserID, sec)
		if err != nil {
			metrics.RecordVerify(false, s.now().Sub(start))
			return VerifyResult{}, err
		}
		enabledNow = result.BackupCodes != nil
	}

	s.touchDevice(ctx, orgID, in.UserID)

	detail := map[string]any{
		"method": postgres.FactorTypeTOTP,
	}
	if enabledNow {
		detail["factor_enabled"] = true
	}
	if in.TrustDevice && in.Device.DeviceID != "" {
		if grant := s.grantTrust(ctx, orgID, in.UserID, in.Device); grant != nil {
			result.Trust = grant
			detail["trusted_device"] = true
			detail["device_id"] = grant.DeviceID
			detail["trust_expires_at"] = grant.ExpiresAt.Format(time.RFC3339)
		}
	}

	event := s.buildEvent(orgID, in.UserID, audit.EventMFALoginSuccess, meta, detail)
	if err := s.record(ctx, event); err != nil {
		metrics.RecordVerify(false, s.now().Sub(start))
		return VerifyResult{}, err
	}

	metrics.RecordVerify(true, s.now().Sub(start))
	return result, nil
}

// completeEnablement flips a pending record to enabled and installs a fresh
// backup code set under optimistic locking. Losing the race to a concurrent
// verification that already enabled the record is fine: the factor is on,
// the winner's response carried the codes, ours returns none.
func (s *Service) completeEnablement(ctx context.Context, orgID, userID uuid.UUID, sec postgres.UserSecurity) (postgres.UserSecurity, []string, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		codes, err := security.NewBackupCodes(s.backupCodeCount)
		if err != nil {
			return sec, nil, errors.Join(ErrInternal, err)
		}
		sctx, cancel := s.boundedCtx(ctx)
		updated, err := s.store.EnableUserSecurity(sctx, postgres.EnableUserSecurityParams{
			OrgID:       orgID,
			UserID:      userID,
			Version:     sec.Version,
			BackupCodes: codes,
		})
		cancel()
		if err == nil {
			return updated, codes, nil
		}
		if !errors.Is(err, postgres.ErrOptimisticLock) {
			return sec, nil, storeErr(err)
		}
		sctx, cancel = s.boundedCtx(ctx)
		sec, err = s.store.GetUserSecurity(sctx, orgID, userID)
		cancel()
		if err != nil {
			return sec, nil, storeErr(err)
		}
		if sec.Enabled {
			return sec, nil, nil
		}
	}
	return sec, nil, ErrConflict
}

// touchDevice keeps the registered-factor row in step with the security
// record. The row is bookkeeping over the authoritative user_security state,
// so a failure here logs and moves on rather than failing a verification
// that already committed.
func (s *Service) touchDevice(ctx context.Context, orgID, userID uuid.UUID) {
	sctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	if _, err := s.store.TouchMFADevice(sctx, postgres.TouchMFADeviceParams{
		OrgID:      orgID,
		UserID:     userID,
		FactorType: postgres.FactorTypeTOTP,
		UsedAt:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).
			Str("user_id", userID.String()).
			Msg("mfa device bookkeeping update failed")
	}
}

// grantTrust registers the device as trusted until now+TrustDuration,
// overwriting any previous grant for the same device. Returns nil if the
// write failed; verification still succeeds, the device just stays
// untrusted.
func (s *Service) grantTrust(ctx context.Context, orgID, userID uuid.UUID, dev DeviceInfo) *TrustGrant {
	now := s.now().UTC()
	expires := now.Add(s.trustDuration)
	sctx, cancel := s.boundedCtx(ctx)
	defer cancel()
	record, err := s.store.UpsertTrustedDevice(sctx, postgres.UpsertTrustedDeviceParams{
		UserID:         userID,
		DeviceID:       dev.DeviceID,
		OrgID:          orgID,
		Fingerprint:    security.Fingerprint(dev.DeviceID, dev.DeviceType, dev.UserAgent),
		DeviceName:     dev.DeviceName,
		DeviceType:     dev.DeviceType,
		UserAgent:      dev.UserAgent,
		TrustExpiresAt: expires,
		LastSeenAt:     now,
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("user_id", userID.String()).
			Str("device_id", dev.DeviceID).
			Msg("device trust grant failed")
		return nil
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, userID, dev.DeviceID)
		s.cache.Set(ctx, record)
	}
	metrics.RecordTrustGrant()
	return &TrustGrant{DeviceID: record.DeviceID, ExpiresAt: record.TrustExpiresAt}
}

// ConsumeBackupCode validates a backup code and removes it atomically, so a
// code can never authenticate twice. Matching is on normalized form
// (uppercase, separators stripped); normalized input outside 6-12 characters
// is rejected before any lookup. A lost optimistic-lock race after
// casAttempts retries surfaces as ErrConflict; the caller treats it exactly
// like an invalid code.
func (s *Service) ConsumeBackupCode(ctx context.Context, orgID, userID uuid.UUID, code string, meta RequestMeta) (BackupResult, error) {
	if userID == uuid.Nil {
		return BackupResult{}, ErrInvalidInput
	}
	normalized := security.NormalizeBackupCode(code)
	if len(normalized) < 6 || len(normalized) > 12 {
		return BackupResult{}, ErrInvalidInput
	}

	fail := func(reason string) error {
		event := s.buildEvent(orgID, userID, audit.EventBackupCodeFailed, meta, map[string]any{
			"reason": reason,
		})
		return s.record(ctx, event)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		sctx, cancel := s.boundedCtx(ctx)
		sec, err := s.store.GetUserSecurity(sctx, orgID, userID)
		cancel()
		if errors.Is(err, postgres.ErrNotFound) || (err == nil && sec.TOTPSecret == "") {
			metrics.RecordBackupCode(false)
			return BackupResult{}, ErrNotConfigured
		}
		if err != nil {
			metrics.RecordBackupCode(false)
			return BackupResult{}, storeErr(err)
		}
		if len(sec.BackupCodes) == 0 {
			metrics.RecordBackupCode(false)
			if rerr := fail("no_backup_codes"); rerr != nil {
				return BackupResult{}, rerr
			}
			return BackupResult{}, ErrNoBackupCodes
		}

		matched := -1
		for i, stored := range sec.BackupCodes {
			if security.NormalizeBackupCode(stored) == normalized {
				matched = i
				break
			}
		}
		if matched < 0 {
			metrics.RecordBackupCode(false)
			if rerr := fail("invalid_code"); rerr != nil {
				return BackupResult{}, rerr
			}
			return BackupResult{}, ErrInvalidCode
		}

		remaining := make([]string, 0, len(sec.BackupCodes)-1)
		remaining = append(remaining, sec.BackupCodes[:matched]...)
		remaining = append(remaining, sec.BackupCodes[matched+1:]...)

		sctx, cancel = s.boundedCtx(ctx)
		_, err = s.store.ReplaceBackupCodes(sctx, postgres.ReplaceBackupCodesParams{
			OrgID:       orgID,
			UserID:      userID,
			Version:     sec.Version,
			BackupCodes: remaining,
		})
		cancel()
		if errors.Is(err, postgres.ErrOptimisticLock) {
			// Someone else mutated the record between read and write.
			// Re-read and retry; if the contender consumed this same code
			// the next pass will report it invalid.
			continue
		}
		if err != nil {
			metrics.RecordBackupCode(false)
			return BackupResult{}, storeErr(err)
		}

		event := s.buildEvent(orgID, userID, audit.EventBackupCodeUsed, meta, map[string]any{
			"remaining": len(remaining),
		})
		if rerr := s.record(ctx, event); rerr != nil {
			metrics.RecordBackupCode(false)
			return BackupResult{}, rerr
		}
		metrics.RecordBackupCode(true)
		return BackupResult{Remaining: len(remaining)}, nil
	}

	metrics.RecordBackupCode(false)
	if rerr := fail("conflict"); rerr != nil {
		return BackupResult{}, rerr
	}
	return BackupResult{}, ErrConflict
}

// CheckTrust reports whether the presented device holds an unexpired trust
// grant for the user. Expiry is evaluated lazily at read time; expired rows
// are left in place so a later grant simply overwrites them. The stored
// fingerprint is record-keeping only: a mismatch against the presented
// attributes is noted in the ledger but never voids the grant.
func (s *Service) CheckTrust(ctx context.Context, orgID, userID uuid.UUID, dev DeviceInfo) (TrustStatus, error) {
	if userID == uuid.Nil || dev.DeviceID == "" {
		return TrustStatus{}, ErrInvalidInput
	}

	record, cached := postgres.TrustedDevice{}, false
	if s.cache != nil {
		record, cached = s.cache.Get(ctx, userID, dev.DeviceID)
	}
	if !cached {
		sctx, cancel := s.boundedCtx(ctx)
		var err error
		record, err = s.store.GetTrustedDevice(sctx, userID, dev.DeviceID)
		cancel()
		if errors.Is(err, postgres.ErrNotFound) {
			metrics.RecordTrustCheck("untrusted")
			return TrustStatus{}, nil
		}
		if err != nil {
			return TrustStatus{}, storeErr(err)
		}
	}

	if record.OrgID != orgID || !record.IsTrusted {
		metrics.RecordTrustCheck("untrusted")
		return TrustStatus{}, nil
	}
	if record.Fingerprint != "" && record.Fingerprint != security.Fingerprint(dev.DeviceID, dev.DeviceType, dev.UserAgent) {
		// Attribute drift is expected (browser updates, checks carrying only
		// the device ID). Note it for investigators and move on.
		s.logger.Warn().
			Str("user_id", userID.String()).
			Str("device_id", dev.DeviceID).
			Msg("trusted device fingerprint mismatch")
		event := s.buildEvent(orgID, userID, audit.EventTrustMismatch, RequestMeta{UserAgent: dev.UserAgent}, map[string]any{
			"device_id": dev.DeviceID,
		})
		if rerr := s.record(ctx, event); rerr != nil {
			s.logger.Debug().Err(rerr).Msg("fingerprint mismatch event not recorded")
		}
	}

	now := s.now()
	expires := record.TrustExpiresAt
	if !now.Before(expires) {
		metrics.RecordTrustCheck("expired")
		return TrustStatus{Trusted: false, ExpiresAt: &expires}, nil
	}

	if !cached && s.cache != nil {
		s.cache.Set(ctx, record)
	}
	// Refresh last_seen_at so idle trusted devices are distinguishable from
	// active ones. Best-effort.
	sctx, cancel := s.boundedCtx(ctx)
	if err := s.store.TouchTrustedDevice(sctx, userID, dev.DeviceID, now.UTC()); err != nil {
		s.logger.Debug().Err(err).Str("device_id", dev.DeviceID).Msg("trusted device touch failed")
	}
	cancel()

	metrics.RecordTrustCheck("trusted")
	return TrustStatus{Trusted: true, ExpiresAt: &expires}, nil
}

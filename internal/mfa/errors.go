package mfa

import (
	"context"
	"errors"

	"github.com/tracklinehq/mfa-service/internal/storage/postgres"
)

// Semantic error kinds returned by the MFA core. Callers branch with
// errors.Is; the HTTP layer maps each kind to a status code and a sanitized
// message. Full detail stays in the server log.
var (
	// ErrInvalidInput marks a malformed request shape (wrong code length or
	// charset, missing required field). Always a client error.
	ErrInvalidInput = errors.New("mfa: invalid input")
	// ErrUnauthorized marks a missing or invalid caller identity.
	ErrUnauthorized = errors.New("mfa: unauthorized")
	// ErrForbidden marks an attempt to act on another user's MFA record.
	ErrForbidden = errors.New("mfa: forbidden")
	// ErrNotConfigured marks verification attempted before a secret exists.
	// A configuration failure, not a login failure.
	ErrNotConfigured = errors.New("mfa: not configured")
	// ErrInvalidCode marks a well-formed but incorrect TOTP or backup code.
	// Always recorded as a failed security event before being returned.
	ErrInvalidCode = errors.New("mfa: invalid code")
	// ErrNoBackupCodes marks the backup-code path attempted with an empty set.
	ErrNoBackupCodes = errors.New("mfa: no backup codes")
	// ErrConflict marks a lost race on atomic backup-code removal. Callers see
	// it exactly like an invalid code; a retry will find the code gone.
	ErrConflict = errors.New("mfa: concurrent update conflict")
	// ErrUnavailable marks a datastore timeout or outage. Retryable by the
	// caller; never logged as a security failure.
	ErrUnavailable = errors.New("mfa: datastore unavailable")
	// ErrInternal marks an unexpected failure, including a ledger write that
	// could not be completed: an action that cannot be audited fails closed.
	ErrInternal = errors.New("mfa: internal error")
)

// storeErr classifies a storage failure into the retryable/terminal split.
// Deadline and cancellation become ErrUnavailable; anything else is wrapped
// as ErrInternal with the cause preserved for logging.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Join(ErrUnavailable, err)
	case errors.Is(err, postgres.ErrNotFound):
		return err
	case errors.Is(err, postgres.ErrOptimisticLock):
		return err
	default:
		return errors.Join(ErrInternal, err)
	}
}

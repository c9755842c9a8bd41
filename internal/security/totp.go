// Package security provides the cryptographic primitives for the MFA core.
//
// Purpose:
//   This package implements TOTP (Time-based One-Time Password) provisioning and
//   verification, device fingerprinting, and backup-code normalization and
//   generation. All functions are stateless and safe for concurrent use.
//
// Dependencies:
//   - github.com/pquerna/otp: RFC 6238 TOTP generation and verification
//
// Key Responsibilities:
//   - GenerateTOTPKey: Generates a new secret plus otpauth provisioning URI
//   - VerifyTOTP: Validates a 6-digit code against a secret at a given time
//   - Fingerprint: Derives a stable device identifier from client attributes
//   - NormalizeBackupCode / NewBackupCodes: Backup-code handling
//
// Debugging Notes:
//   - TOTP parameters are fixed: SHA1, 6 digits, 30-second period, ±1 step skew.
//     Authenticator apps assume these values; the skew is a deliberate bound and
//     widening it would grow the replay-acceptance surface.
//   - Code shape is checked before any cryptographic work so malformed input is
//     rejected cheaply and uniformly.
package security

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Fixed TOTP parameters. These match the defaults of standard authenticator
// apps and are part of the wire contract with enrolled devices.
const (
	totpPeriod uint = 30
	totpSkew   uint = 1
)

// TOTPKey is the result of provisioning a new authenticator secret.
type TOTPKey struct {
	// Secret is the base32-encoded shared secret.
	Secret string
	// URL is the otpauth:// provisioning URI rendered into the setup QR code.
	URL string
}

// GenerateTOTPKey creates a fresh random TOTP secret for the given account.
// The account name is the user's email; the issuer is rendered into the label
// so authenticator apps group entries correctly.
func GenerateTOTPKey(issuer, accountName string) (TOTPKey, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TOTPKey{}, fmt.Errorf("generate totp key: %w", err)
	}
	return TOTPKey{Secret: key.Secret(), URL: key.URL()}, nil
}

// ValidCodeShape reports whether code is exactly six ASCII digits.
// Callers must reject anything else before touching the stored secret.
func ValidCodeShape(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// VerifyTOTP validates a well-formed 6-digit code against a base32 secret at
// time t. The code is accepted if it matches the counter for t or either
// adjacent 30-second step (±30s drift tolerance). Comparison inside the otp
// library is constant-time per candidate.
func VerifyTOTP(secret, code string, t time.Time) (bool, error) {
	if secret == "" {
		return false, fmt.Errorf("verify totp: empty secret")
	}
	if !ValidCodeShape(code) {
		return false, nil
	}

	ok, err := totp.ValidateCustom(code, secret, t, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false, fmt.Errorf("verify totp: %w", err)
	}
	return ok, nil
}

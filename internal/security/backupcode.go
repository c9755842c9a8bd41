package security

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// backupCodeAlphabet avoids ambiguous characters (0/O, 1/I/L) so codes survive
// being read over the phone or copied by hand.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const backupCodeChars = 8

// NormalizeBackupCode canonicalizes a backup code for comparison: uppercase,
// then strip every character outside [A-Z0-9]. Submitted and stored codes are
// always compared on this form, so "ab-cd-12", "AB-CD-12", and "abcd12" are
// equivalent.
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NewBackupCodes generates count single-use recovery codes formatted as
// XXXX-XXXX. Codes are returned in display form; matching normalizes both
// sides, so the hyphen is cosmetic.
func NewBackupCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, backupCodeChars)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		buf := make([]byte, 0, backupCodeChars+1)
		for j, b := range raw {
			if j == backupCodeChars/2 {
				buf = append(buf, '-')
			}
			buf = append(buf, backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
		}
		codes = append(codes, string(buf))
	}
	return codes, nil
}

package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintSep keeps field boundaries unambiguous: ("a","","b") must not
// collide with ("a\x1fb",""). The unit separator cannot appear in device ids,
// device types, or sane user-agent strings.
const fingerprintSep = "\x1f"

// Fingerprint derives a stable, non-reversible device identifier from
// client-supplied attributes. Missing attributes contribute an empty field,
// not an omitted one. The digest is an opaque audit/lookup key, never a secret
// or a capability token.
func Fingerprint(deviceID, deviceType, userAgent string) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte(fingerprintSep))
	h.Write([]byte(deviceType))
	h.Write([]byte(fingerprintSep))
	h.Write([]byte(userAgent))
	return hex.EncodeToString(h.Sum(nil))
}

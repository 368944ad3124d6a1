package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// TokenLogLength is the number of characters of a code or token that may
// appear in logs. Enough to correlate entries, far too little to replay.
const TokenLogLength = 8

// SafeTruncate returns at most maxLen bytes of s without panicking.
// A negative maxLen yields the empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix returns the loggable prefix of a credential.
func TokenPrefix(token string) string {
	return SafeTruncate(token, TokenLogLength)
}

// HashForLogging returns a short SHA-256 fingerprint of sensitive data such
// as user identifiers, so log lines can be correlated without storing PII.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}

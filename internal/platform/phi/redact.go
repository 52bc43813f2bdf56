// Package phi provides one-way redaction of patient-identifying fields before
// they reach logs or the audit trail. Redaction is a precondition enforced by
// every producing component; downstream sinks are never trusted to catch
// leaks.
package phi

import (
	"crypto/sha256"
	"encoding/hex"
)

// sensitiveKeys are the detail-payload keys that always carry direct patient
// identifiers and must never appear in plaintext.
var sensitiveKeys = map[string]bool{
	"patient_id":    true,
	"member_id":     true,
	"first_name":    true,
	"last_name":     true,
	"date_of_birth": true,
	"ssn":           true,
	"phone":         true,
	"email":         true,
	"address":       true,
}

// Redact returns a non-reversible token for a PHI value: the first 16 hex
// characters of its SHA-256 digest. Empty input stays empty so optional
// fields do not produce noise tokens.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

// Sanitize returns a copy of detail with every sensitive key redacted.
// Non-string values under sensitive keys are dropped entirely.
func Sanitize(detail map[string]any) map[string]any {
	if detail == nil {
		return nil
	}
	out := make(map[string]any, len(detail))
	for k, v := range detail {
		if !sensitiveKeys[k] {
			out[k] = v
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
		}
	}
	return out
}

// IsSensitiveKey reports whether a detail key is treated as PHI.
func IsSensitiveKey(key string) bool {
	return sensitiveKeys[key]
}

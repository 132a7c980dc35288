package logging

import "strings"

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskCredential keeps a credential's prefix and final four characters so a
// log line can identify which key was involved without disclosing it.
// Values too short to mask safely are fully redacted.
func MaskCredential(value string) string {
	prefix := ""
	if idx := strings.Index(value, "_"); idx >= 0 {
		prefix = value[:idx+1]
	}
	if len(value) < len(prefix)+8 {
		return MaskValue(value)
	}
	return prefix + "…" + value[len(value)-4:]
}

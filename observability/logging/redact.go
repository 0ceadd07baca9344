package logging

import (
	"log/slog"
	"strings"
)

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

// MaskSecret returns a slog.Attr carrying the redacted placeholder instead of
// the supplied secret. Config dumps and auth failures log API credentials
// through this helper.
func MaskSecret(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}

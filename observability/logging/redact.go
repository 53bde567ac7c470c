package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive log values.
const RedactedValue = "[REDACTED]"

// Keys the bridge daemon is allowed to emit verbatim. Everything else passed
// through MaskField is redacted, so credential material (api keys, secrets,
// signatures, nonces) can never leak through a new log line by default.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"type":      {},
	"actor":     {},
	"owner":     {},
	"address":   {},
	"validator": {},
	"rule":      {},
	"outcome":   {},
	"token":     {},
}

// IsAllowlisted reports whether the key may be logged without redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the keys exempt from masking.
// Tests pin this list so sensitive keys cannot be allowlisted by accident.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue replaces a non-empty value with the redaction placeholder. Empty
// values pass through so absent fields stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr whose value is redacted unless the key is
// allowlisted. The caller's key casing is preserved.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

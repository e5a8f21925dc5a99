package logging

import (
	"log/slog"
	"strings"
)

// Redacted replaces sensitive log values such as reveal secrets.
const Redacted = "[REDACTED]"

// Keys that may appear in clear text even when logged through MaskField.
var maskExempt = map[string]struct{}{
	"service": {},
	"env":     {},
	"player":  {},
	"fleet":   {},
	"txhash":  {},
	"nonce":   {},
	"err":     {},
}

// MaskField returns a slog attribute whose value is replaced with the
// redaction placeholder unless the key is exempt. Empty values pass through
// so absent optional fields do not show up as redacted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := maskExempt[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, Redacted)
}

package logging

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RedactedValue replaces sensitive values.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"session",
	"jwt",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]{16,}`),
	// JWTs (access and refresh session tokens)
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}`),
	// App passwords: xxxx-xxxx-xxxx-xxxx
	regexp.MustCompile(`\b[a-z0-9]{4}-[a-z0-9]{4}-[a-z0-9]{4}-[a-z0-9]{4}\b`),
	regexp.MustCompile(`(?i)(key|token|secret|password)[=:]\s*["']?[a-z0-9+/=_-]{24,}["']?`),
}

// Redact scrubs secrets from free text.
func Redact(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, RedactedValue)
	}
	return s
}

// IsSensitiveKey reports whether a field name should never be logged.
func IsSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, key := range sensitiveKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return false
}

// RedactJSON returns payload with sensitive keys and secret-looking strings
// replaced, for logging request and mutation bodies. Payloads that do not
// parse are redacted as text.
func RedactJSON(payload []byte) string {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Redact(string(payload))
	}
	out, err := json.Marshal(redactValue(decoded))
	if err != nil {
		return RedactedValue
	}
	return string(out)
}

func redactValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			if IsSensitiveKey(k) {
				out[k] = RedactedValue
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = redactValue(inner)
		}
		return out
	case string:
		return Redact(typed)
	default:
		return v
	}
}

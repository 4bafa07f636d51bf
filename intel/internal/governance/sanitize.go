package governance

import (
	"regexp"
	"strings"
)

const redacted = "[redacted]"

var (
	sensitiveKey = regexp.MustCompile(`(?i)(secret|token|passw(or)?d|api[_-]?key|credential|authorization|cookie|session|private[_-]?key|email)`)
	emailValue   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	bearerValue  = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=\-]+`)
	opaqueValue  = regexp.MustCompile(`\b(sk|pk|xox[abpr]|ghp|AKIA)[A-Za-z0-9_\-]{12,}|[A-Fa-f0-9]{40,}`)
)

// Sanitize returns a copy of details with credential-like keys removed and
// credential-like substrings of string values masked. Nested maps and slices
// are walked.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKey.MatchString(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return SanitizeText(t)
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = sanitizeValue(t[i])
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i := range t {
			out[i] = SanitizeText(t[i])
		}
		return out
	}
	return v
}

// SanitizeText masks emails, auth headers and opaque key material in s.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = bearerValue.ReplaceAllString(s, redacted)
	s = emailValue.ReplaceAllString(s, redacted)
	s = opaqueValue.ReplaceAllString(s, redacted)
	return strings.TrimSpace(s)
}

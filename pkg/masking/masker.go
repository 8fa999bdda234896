// Package masking scrubs secrets from event payloads before they reach the
// event log or a client stream. Matching is pattern-based; a masked event is
// flagged via its redaction marker.
package masking

import "regexp"

// Pattern is one compiled secret matcher with its replacement text.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// DefaultPatterns returns the built-in matcher set: credentials in key=value
// form, PEM blocks, SSH keys, and well-known provider token formats.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{16,}["']?`),
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?[^"'\s\n]{6,}["']?`),
			Replacement: `"password": "__MASKED_PASSWORD__"`,
		},
		{
			Name:        "token",
			Regex:       regexp.MustCompile(`(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-.]{20,}["']?`),
			Replacement: `"token": "__MASKED_TOKEN__"`,
		},
		{
			Name:        "secret_key",
			Regex:       regexp.MustCompile(`(?i)(?:secret[_-]?key|private[_-]?key)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-.]{16,}["']?`),
			Replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
		},
		{
			Name:        "pem_block",
			Regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
			Replacement: `__MASKED_CERTIFICATE__`,
		},
		{
			Name:        "ssh_key",
			Regex:       regexp.MustCompile(`ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`),
			Replacement: `__MASKED_SSH_KEY__`,
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
			Replacement: `__MASKED_AWS_KEY__`,
		},
		{
			Name:        "github_token",
			Regex:       regexp.MustCompile(`\bgh[ps]_[A-Za-z0-9_]{36,255}\b`),
			Replacement: `__MASKED_GITHUB_TOKEN__`,
		},
		{
			Name:        "slack_token",
			Regex:       regexp.MustCompile(`(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`),
			Replacement: `__MASKED_SLACK_TOKEN__`,
		},
	}
}

// Masker applies a pattern set to strings and payload maps.
type Masker struct {
	patterns []Pattern
}

// NewMasker creates a masker; with no arguments it uses DefaultPatterns.
func NewMasker(patterns ...Pattern) *Masker {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return &Masker{patterns: patterns}
}

// MaskString replaces every secret match in s and reports whether anything
// matched.
func (m *Masker) MaskString(s string) (string, bool) {
	matched := false
	for _, p := range m.patterns {
		if p.Regex.MatchString(s) {
			matched = true
			s = p.Regex.ReplaceAllString(s, p.Replacement)
		}
	}
	return s, matched
}

// MaskMap walks a payload map and masks every string value in place,
// descending into nested maps and slices. Reports whether anything matched.
func (m *Masker) MaskMap(payload map[string]any) bool {
	matched := false
	for key, value := range payload {
		masked, hit := m.maskValue(value)
		if hit {
			matched = true
			payload[key] = masked
		}
	}
	return matched
}

func (m *Masker) maskValue(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		return m.MaskString(v)
	case map[string]any:
		return v, m.MaskMap(v)
	case []any:
		matched := false
		for i, item := range v {
			masked, hit := m.maskValue(item)
			if hit {
				matched = true
				v[i] = masked
			}
		}
		return v, matched
	default:
		return value, false
	}
}

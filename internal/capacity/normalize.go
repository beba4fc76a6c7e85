package capacity

import (
	"strings"
)

// Normalizer maps model or backend names onto capacity class names so
// "Claude-Sonnet-4-5-20250929" and "claude-sonnet" share one limit.
type Normalizer struct {
	aliases map[string]string
}

// NewNormalizer creates a Normalizer. Alias keys and values are normalized
// by case only, so an alias can point at any class name.
func NewNormalizer(aliases map[string]string) Normalizer {
	m := make(map[string]string, len(aliases))
	for k, v := range aliases {
		m[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	return Normalizer{aliases: m}
}

// Normalize returns the class name for name: lowercased, alias-resolved,
// with provider prefixes, tags, trailing dates and version segments removed.
func (n Normalizer) Normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}
	if alias, ok := n.aliases[s]; ok {
		return alias
	}

	if i := strings.LastIndex(s, "/"); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	if i := strings.IndexAny(s, "@:"); i > 0 {
		s = s[:i]
	}

	parts := strings.Split(s, "-")
	for len(parts) > 1 && isVersionSegment(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	s = strings.Join(parts, "-")

	if alias, ok := n.aliases[s]; ok {
		return alias
	}
	return s
}

// isVersionSegment reports whether seg looks like "4", "4.1", "20250929",
// "v2" or "latest".
func isVersionSegment(seg string) bool {
	if seg == "" {
		return false
	}
	if seg == "latest" || seg == "preview" {
		return true
	}
	if seg[0] == 'v' && len(seg) > 1 {
		seg = seg[1:]
	}
	sawDigit := false
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
			sawDigit = true
		case r == '.':
		default:
			return false
		}
	}
	return sawDigit
}

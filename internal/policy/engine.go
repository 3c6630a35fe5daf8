// Package policy matches request paths against glob patterns. It backs the
// exempt-path lists of the pipeline (CSRF callback exemptions and similar).
package policy

import (
	"path"
	"strings"
)

// Matcher holds a fixed list of path patterns.
type Matcher struct {
	patterns []string
}

// NewMatcher returns a Matcher for patterns. Empty patterns are ignored.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			m.patterns = append(m.patterns, p)
		}
	}
	return m
}

// Match reports whether reqPath matches any pattern.
func (m *Matcher) Match(reqPath string) bool {
	if m == nil {
		return false
	}
	for _, p := range m.patterns {
		if MatchPath(p, reqPath) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the configured patterns.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// MatchPath matches reqPath against a glob pattern:
//   - "/v1/auth/*"  matches one additional path segment
//   - "/v1/**"      matches any number of segments (including zero)
//   - "*"           matches any path entirely
func MatchPath(pattern, reqPath string) bool {
	// Normalize
	pattern = strings.TrimPrefix(pattern, "/")
	reqPath = strings.TrimPrefix(reqPath, "/")

	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "**") {
		prefix, suffix, _ := strings.Cut(pattern, "**")
		if !strings.HasPrefix(reqPath, prefix) {
			return false
		}
		rest := reqPath[len(prefix):]
		if suffix == "" || suffix == "/" {
			return true
		}
		return strings.HasSuffix(rest, strings.TrimPrefix(suffix, "/"))
	}

	matched, err := path.Match(pattern, reqPath)
	if err != nil {
		return false
	}
	return matched
}

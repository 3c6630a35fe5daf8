// Package validate sanitizes and schema-checks request payloads, detects
// injection probes and vets file uploads.
package validate

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	// Element bodies that must go along with their tags. RE2 has no
	// backreferences, so each element gets its own pattern.
	dangerousBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>`),
		regexp.MustCompile(`(?is)<\s*style\b[^>]*>.*?<\s*/\s*style\s*>`),
		regexp.MustCompile(`(?is)<\s*iframe\b[^>]*>.*?<\s*/\s*iframe\s*>`),
		regexp.MustCompile(`(?is)<\s*object\b[^>]*>.*?<\s*/\s*object\s*>`),
	}
	htmlTag      = regexp.MustCompile(`<\s*/?\s*[a-zA-Z!][^<>]*>`)
	scriptScheme = regexp.MustCompile(`(?i)(javascript|vbscript|livescript)\s*:|data\s*:\s*text/html`)
	eventAttr    = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// Sanitize strips markup, script URL schemes, inline event handlers and
// control characters from s and trims surrounding space.
//
// Every rewrite only removes text, so the loop reaches a fixpoint and
// Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	for {
		next := sanitizeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func sanitizeOnce(s string) string {
	for _, re := range dangerousBlocks {
		s = re.ReplaceAllString(s, "")
	}
	s = htmlTag.ReplaceAllString(s, "")
	s = scriptScheme.ReplaceAllString(s, "")
	s = eventAttr.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// SanitizeTree returns a copy of a decoded JSON value with every string
// leaf sanitized. Object keys are left alone.
func SanitizeTree(v any) any {
	switch t := v.(type) {
	case string:
		return Sanitize(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = SanitizeTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SanitizeTree(val)
		}
		return out
	}
	return v
}

// WalkStrings calls fn for every string leaf of a decoded JSON value with a
// dotted path to it.
func WalkStrings(v any, fn func(path, value string)) {
	walk("", v, fn)
}

func walk(path string, v any, fn func(string, string)) {
	switch t := v.(type) {
	case string:
		fn(path, t)
	case map[string]any:
		for k, val := range t {
			walk(join(path, k), val, fn)
		}
	case []any:
		for i, val := range t {
			walk(join(path, strconv.Itoa(i)), val, fn)
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

package validate

import (
	"regexp"
	"strings"

	"github.com/org/apiguard/pkg/models"
)

type signature struct {
	name string
	re   *regexp.Regexp
}

var sqlSignatures = []signature{
	{"tautology", regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*(=|like)\s*['"]?\w+`)},
	{"union_select", regexp.MustCompile(`(?i)\bunion\b(\s+all)?\s+select\b`)},
	{"stacked_query", regexp.MustCompile(`(?i);\s*(drop|delete|truncate|alter|insert|update|create|exec)\b`)},
	{"comment_terminator", regexp.MustCompile(`['"]\s*(--|#|/\*)`)},
	{"time_based", regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`)},
	{"schema_probe", regexp.MustCompile(`(?i)\b(information_schema|pg_catalog|sysobjects|xp_cmdshell)\b`)},
}

var xssSignatures = []signature{
	{"script_tag", regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{"script_scheme", regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)},
	{"event_handler", regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`)},
	{"embed_tag", regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg|img)\b`)},
	{"js_sink", regexp.MustCompile(`(?i)\b(document\.cookie|eval\s*\(|alert\s*\()`)},
}

// Finding is a matched injection signature.
type Finding struct {
	Type      models.EventType
	Signature string
}

// DetectInjection classifies s as an SQL injection or XSS probe. SQL
// signatures are checked first.
func DetectInjection(s string) (Finding, bool) {
	if len(s) < 4 {
		return Finding{}, false
	}
	for _, sig := range sqlSignatures {
		if sig.re.MatchString(s) {
			return Finding{Type: models.EventSQLInjectionAttempt, Signature: sig.name}, true
		}
	}
	for _, sig := range xssSignatures {
		if sig.re.MatchString(s) {
			return Finding{Type: models.EventXSSAttempt, Signature: sig.name}, true
		}
	}
	return Finding{}, false
}

var sqlTokenReplacer = strings.NewReplacer(
	"--", " ", "/*", " ", "*/", " ", ";", " ", "'", "", `"`, "", "\\", "", "\x00", "",
)

var sqlKeyword = regexp.MustCompile(`(?i)\b(union|select|insert|update|delete|drop|truncate|alter|exec|execute|xp_cmdshell)\b`)

// StripSQLTokens removes quote, comment and statement tokens and dangerous
// keywords from s. It is meant only for values that end up outside of a
// parameterized query; it never replaces parameterization.
func StripSQLTokens(s string) string {
	for {
		next := sqlKeyword.ReplaceAllString(sqlTokenReplacer.Replace(s), "")
		next = strings.Join(strings.Fields(next), " ")
		if next == s {
			return s
		}
		s = next
	}
}

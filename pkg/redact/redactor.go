// Package redact scrubs identifying or secret material from traced
// argument values before they leave the host.
package redact

import (
	"regexp"

	"github.com/mbeema/ntwatch/pkg/capture"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultArgKeys are the record arguments that carry free-form paths or
// command lines.
var DefaultArgKeys = []string{"ImageName"}

// DefaultAttrKeys are the enrichment attributes that carry paths.
var DefaultAttrKeys = []string{"process.executable.path"}

// Redactor applies a set of redaction rules to input strings.
type Redactor struct {
	rules    []Rule
	enabled  bool
	argKeys  map[string]bool
	attrKeys []string
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{
		enabled:  enabled,
		argKeys:  make(map[string]bool, len(DefaultArgKeys)),
		attrKeys: DefaultAttrKeys,
	}
	for _, k := range DefaultArgKeys {
		r.argKeys[k] = true
	}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// Enabled reports whether the redactor changes anything.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled && len(r.rules) > 0
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if !r.Enabled() {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// RedactMap applies redaction to selected map values.
func (r *Redactor) RedactMap(attrs map[string]string, keys ...string) {
	if !r.Enabled() {
		return
	}
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			attrs[k] = r.Redact(v)
		}
	}
}

// RedactRecord scrubs the path-bearing arguments and attributes of rec in
// place. Hex handles and access masks are left alone.
func (r *Redactor) RedactRecord(rec *capture.Record) {
	if !r.Enabled() {
		return
	}
	for i, a := range rec.Args {
		if r.argKeys[a.Key] {
			rec.Args[i].Value = r.Redact(a.Value)
		}
	}
	r.RedactMap(rec.Attrs, r.attrKeys...)
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "windows_user_profile",
			Pattern:     regexp.MustCompile(`(?i)\b([a-z]:\\users\\)[^\\\s"]+`),
			Replacement: "${1}[USER]",
		},
		{
			Name:        "unix_home",
			Pattern:     regexp.MustCompile(`(/home/|/Users/)[^/\s"]+`),
			Replacement: "${1}[USER]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
	}
}

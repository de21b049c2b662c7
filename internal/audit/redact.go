package audit

import (
	"fmt"
	"regexp"
)

// DefaultSensitive names the argument keys that never reach an audit record
// or a stored turn in clear text.
var DefaultSensitive = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"credential", "authorization",
}

const masked = "***"

// Redactor matches sensitive argument names. Plain names match as
// case-insensitive substrings; entries with regex syntax compile as given.
type Redactor struct {
	patterns []*regexp.Regexp
}

func NewRedactor(patterns []string) (*Redactor, error) {
	if len(patterns) == 0 {
		patterns = DefaultSensitive
	}
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid redact pattern: %w", err)
	}
	return &Redactor{patterns: compiled}, nil
}

func (r *Redactor) IsSensitive(name string) bool {
	if r == nil {
		return false
	}
	for _, re := range r.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Mask returns a copy of args with sensitive values replaced. Nested
// objects are walked.
func (r *Redactor) Mask(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch {
		case r.IsSensitive(k):
			out[k] = masked
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = r.Mask(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// Strip returns a copy of args without sensitive keys. Used where a masked
// value would later be sent back to the backend as if it were real.
func (r *Redactor) Strip(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if !r.IsSensitive(k) {
			out[k] = v
		}
	}
	return out
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}

// Package validate checks proposed action arguments against an ActionSchema.
//
// Validate is pure: it never mutates its input, performs no I/O and is
// idempotent, so feeding its output back in yields the same mapping.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"actionbridge/internal/domain"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const dateLayout = "2006-01-02"

// Error lists every offending field of one invocation.
type Error struct {
	Tool   string
	Fields []domain.FieldError
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// Missing returns the names of required fields that were absent.
func (e *Error) Missing() []string {
	var out []string
	for _, f := range e.Fields {
		if f.Message == msgRequired {
			out = append(out, f.Field)
		}
	}
	return out
}

const msgRequired = "is required"

// Validate returns the coerced argument mapping for schema, or an *Error
// naming every field that is missing, malformed or out of range.
func Validate(schema domain.ActionSchema, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	var errs []domain.FieldError

	for _, p := range schema.Params {
		v, ok := raw[p.Name]
		if ok && isBlank(v) {
			ok = false
		}
		if !ok {
			if p.Required {
				errs = append(errs, domain.FieldError{Field: p.Name, Message: msgRequired})
			}
			continue
		}
		coerced, err := coerce(p, v)
		if err != nil {
			errs = append(errs, domain.FieldError{Field: p.Name, Message: err.Error()})
			continue
		}
		if err := checkConstraints(p, coerced); err != nil {
			errs = append(errs, domain.FieldError{Field: p.Name, Message: err.Error()})
			continue
		}
		out[p.Name] = coerced
	}

	var unknown []string
	for k := range raw {
		if _, known := schema.Param(k); !known {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs = append(errs, domain.FieldError{Field: k, Message: "is not a parameter of " + schema.Name})
	}

	for _, p := range schema.Params {
		if p.NotAfter == "" {
			continue
		}
		a, okA := out[p.Name].(string)
		b, okB := out[p.NotAfter].(string)
		if okA && okB && a > b {
			errs = append(errs, domain.FieldError{Field: p.Name, Message: "must not be after " + p.NotAfter})
		}
	}

	if len(errs) > 0 {
		return nil, &Error{Tool: schema.Name, Fields: errs}
	}
	return out, nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func coerce(p domain.ParamSpec, v any) (any, error) {
	switch p.Type {
	case domain.TypeInteger:
		return toInteger(v)
	case domain.TypeNumber:
		return toNumber(v)
	case domain.TypeBoolean:
		return toBoolean(v)
	case domain.TypeEnum:
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		return matchEnum(p.Enum, s)
	case domain.TypeArray:
		return toArray(v)
	case domain.TypeObject:
		return toObject(v)
	default:
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		if len(p.Enum) > 0 {
			return matchEnum(p.Enum, s)
		}
		return s, nil
	}
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	return "", fmt.Errorf("must be a string, got %T", v)
}

func toInteger(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		return wholeNumber(t)
	case json.Number:
		return toInteger(t.String())
	case string:
		s := strings.TrimSpace(t)
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, strconv.ErrRange) {
			return 0, errIntegerRange
		}
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return wholeNumber(f)
		}
		return 0, fmt.Errorf("must be an integer, got %q", t)
	}
	return 0, fmt.Errorf("must be an integer, got %T", v)
}

var errIntegerRange = errors.New("must fit in a 64-bit integer")

// wholeNumber converts f to int64 when it has no fraction and fits.
// float64(math.MaxInt64) rounds up to 2^63, hence the >= bound.
func wholeNumber(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a whole number, got %v", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, errIntegerRange
	}
	return int64(f), nil
}

func toNumber(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		return toNumber(t.String())
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("must be a number, got %q", t)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("must be a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be a finite number")
	}
	return f, nil
}

func toBoolean(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	case int:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	case int64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1", "on":
			return true, nil
		case "false", "no", "n", "0", "off":
			return false, nil
		}
		return false, fmt.Errorf("must be a boolean, got %q", t)
	}
	return false, fmt.Errorf("must be a boolean, got %v", v)
}

func matchEnum(allowed []string, s string) (string, error) {
	for _, a := range allowed {
		if strings.EqualFold(a, s) {
			return a, nil
		}
	}
	return "", fmt.Errorf("must be one of [%s], got %q", strings.Join(allowed, ", "), s)
}

func toArray(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "[") {
			var out []any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, fmt.Errorf("must be a list: %v", err)
			}
			return out, nil
		}
		var out []any
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be a list, got %T", v)
}

func toObject(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(t)), &out); err != nil || out == nil {
			return nil, fmt.Errorf("must be a JSON object")
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be an object, got %T", v)
}

func checkConstraints(p domain.ParamSpec, v any) error {
	switch t := v.(type) {
	case int64:
		return checkRange(p, float64(t))
	case float64:
		return checkRange(p, t)
	case string:
		n := utf8.RuneCountInString(t)
		if p.MinLength != nil && n < *p.MinLength {
			return fmt.Errorf("must be at least %d characters", *p.MinLength)
		}
		if p.MaxLength != nil && n > *p.MaxLength {
			return fmt.Errorf("must be at most %d characters", *p.MaxLength)
		}
		switch p.Format {
		case domain.FormatEmail:
			if !emailPattern.MatchString(t) {
				return fmt.Errorf("must be a valid email address")
			}
		case domain.FormatDate:
			if _, err := time.Parse(dateLayout, t); err != nil {
				return fmt.Errorf("must be a date in YYYY-MM-DD format")
			}
		}
	case []any:
		if p.MinLength != nil && len(t) < *p.MinLength {
			return fmt.Errorf("must have at least %d items", *p.MinLength)
		}
		if p.MaxLength != nil && len(t) > *p.MaxLength {
			return fmt.Errorf("must have at most %d items", *p.MaxLength)
		}
	}
	return nil
}

func checkRange(p domain.ParamSpec, f float64) error {
	if p.Min != nil && f < *p.Min {
		return fmt.Errorf("must be >= %s", strconv.FormatFloat(*p.Min, 'f', -1, 64))
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Errorf("must be <= %s", strconv.FormatFloat(*p.Max, 'f', -1, 64))
	}
	return nil
}

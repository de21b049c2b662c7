package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/tidwall/gjson"

	"actionbridge/internal/domain"
)

// stepRef matches ${steps.N} and ${steps.N.path}; N is zero-based.
var stepRef = regexp.MustCompile(`\$\{steps\.(\d+)(?:\.([^}]+))?\}`)

var ErrBadReference = errors.New("invalid step reference")

// referencedSteps returns the step indexes referenced anywhere inside v.
func referencedSteps(v any) []int {
	var out []int
	walkStrings(v, func(s string) {
		for _, m := range stepRef.FindAllStringSubmatch(s, -1) {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				out = append(out, n)
			}
		}
	})
	return out
}

func hasReference(v any) bool {
	found := false
	walkStrings(v, func(s string) {
		if stepRef.MatchString(s) {
			found = true
		}
	})
	return found
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, x := range t {
			walkStrings(x, fn)
		}
	case []any:
		for _, x := range t {
			walkStrings(x, fn)
		}
	}
}

// resolveReferences returns a copy of args with every step reference replaced
// by the value found in the referenced result's payload. A string that is a
// single reference takes the referenced value's JSON type; references embedded
// in longer text are substituted as text.
func resolveReferences(args map[string]any, results []domain.ExecutionResult) (map[string]any, error) {
	if !hasReference(args) {
		return args, nil
	}
	docs := make([][]byte, len(results))
	for i, r := range results {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d payload: %v", ErrBadReference, i, err)
		}
		docs[i] = data
	}
	out, err := resolveValue(args, docs)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveValue(v any, docs [][]byte) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, docs)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			r, err := resolveValue(x, docs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			r, err := resolveValue(x, docs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func resolveString(s string, docs [][]byte) (any, error) {
	if m := stepRef.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		res, err := lookup(s, docs)
		if err != nil {
			return nil, err
		}
		return res.Value(), nil
	}

	var firstErr error
	replaced := stepRef.ReplaceAllStringFunc(s, func(ref string) string {
		res, err := lookup(ref, docs)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return res.String()
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return replaced, nil
}

func lookup(ref string, docs [][]byte) (gjson.Result, error) {
	m := stepRef.FindStringSubmatch(ref)
	n, err := strconv.Atoi(m[1])
	if err != nil || n >= len(docs) {
		return gjson.Result{}, fmt.Errorf("%w: %s refers to a step that has not run", ErrBadReference, ref)
	}
	if m[2] == "" {
		return gjson.ParseBytes(docs[n]), nil
	}
	res := gjson.GetBytes(docs[n], m[2])
	if !res.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: %s not found in step %d result", ErrBadReference, ref, n)
	}
	return res, nil
}

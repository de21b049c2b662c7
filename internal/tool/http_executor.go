package tool

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"actionbridge/internal/apiclient"
	"actionbridge/internal/domain"
)

// Caller is the part of the API client the HTTP executor needs.
type Caller interface {
	Execute(ctx context.Context, method, path string, params map[string]any, credential string, opts ...apiclient.CallOption) (*apiclient.Response, error)
}

// HTTPExecutor runs an ActionSchema against the backend: {placeholders} in
// the path are filled from arguments, the rest go to the query or body.
// Non-idempotent actions get a single attempt.
type HTTPExecutor struct {
	client Caller
}

func NewHTTPExecutor(client Caller) *HTTPExecutor {
	return &HTTPExecutor{client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, schema domain.ActionSchema, args map[string]any, credential string) (Output, error) {
	path, rest, err := ExpandPath(schema.Path, args)
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", schema.Name, err)
	}

	params := make(map[string]any, len(rest))
	query := make(map[string]any)
	for k, v := range rest {
		if spec, ok := schema.Param(k); ok && spec.In == domain.InQuery {
			query[k] = v
			continue
		}
		params[k] = v
	}

	var opts []apiclient.CallOption
	if len(query) > 0 {
		opts = append(opts, apiclient.WithQuery(query))
	}
	if !schema.IsIdempotent() {
		opts = append(opts, apiclient.WithoutRetry())
	}

	method := schema.Method
	if method == "" {
		method = "GET"
	}
	resp, err := e.client.Execute(ctx, method, path, params, credential, opts...)
	if err != nil {
		return Output{}, err
	}
	return Output{Payload: resp.Decode(), Status: resp.Status, Attempts: resp.Attempts}, nil
}

// ExpandPath substitutes {name} placeholders and returns the arguments
// that were not consumed by the path.
func ExpandPath(tmpl string, args map[string]any) (string, map[string]any, error) {
	rest := make(map[string]any, len(args))
	for k, v := range args {
		rest[k] = v
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated placeholder in path %q", tmpl)
		}
		name := tmpl[open+1 : open+end]
		v, ok := rest[name]
		if !ok || v == nil {
			return "", nil, fmt.Errorf("path parameter %q is missing", name)
		}
		b.WriteString(tmpl[:open])
		b.WriteString(url.PathEscape(pathValue(v)))
		delete(rest, name)
		tmpl = tmpl[open+end+1:]
	}
	return b.String(), rest, nil
}

func pathValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Package apiclient is the retrying transport over the backend REST surface.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"actionbridge/internal/retry"
)

const (
	defaultTimeout = 30 * time.Second
	defaultMaxBody = 8 << 20
)

// Recorder receives one observation per attempt.
type Recorder interface {
	APIAttempt(method, outcome string, elapsed time.Duration)
}

type Config struct {
	BaseURL string
	// APIKey is sent when a call carries no credential of its own.
	APIKey     string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
	Sleep      retry.Sleeper
	UserAgent  string
	// MaxBodyBytes bounds a response body; larger replies fail. Default 8 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
	Recorder     Recorder
}

type Client struct {
	base     *url.URL
	apiKey   string
	timeout  time.Duration
	policy   retry.Policy
	http     *http.Client
	sleep    retry.Sleeper
	agent    string
	maxBody  int64
	logger   *slog.Logger
	recorder Recorder
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	c := &Client{
		base:     base,
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		policy:   cfg.Retry,
		http:     cfg.HTTPClient,
		sleep:    cfg.Sleep,
		agent:    cfg.UserAgent,
		maxBody:  cfg.MaxBodyBytes,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = newHTTPClient()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBody
	}
	if c.agent == "" {
		c.agent = "actionbridge"
	}
	return c, nil
}

// newHTTPClient returns a pooled client. Per-call deadlines come from the
// request context, so the client itself carries no overall timeout.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Response is a successful backend reply.
type Response struct {
	Status   int
	Body     []byte
	Header   http.Header
	Attempts int
}

// Decode returns the body as decoded JSON, as text when it is not JSON,
// or nil when empty.
func (r *Response) Decode() any {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return string(r.Body)
	}
	return v
}

type callOptions struct {
	noRetry bool
	timeout time.Duration
	query   map[string]any
}

type CallOption func(*callOptions)

// WithoutRetry limits the call to a single attempt.
func WithoutRetry() CallOption {
	return func(o *callOptions) { o.noRetry = true }
}

// WithQuery adds query parameters regardless of method.
func WithQuery(params map[string]any) CallOption {
	return func(o *callOptions) { o.query = params }
}

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Execute performs method on path. Params go into the query string for
// GET, HEAD and DELETE and into a JSON body otherwise. Transient failures are
// retried under the configured policy; 4xx responses never are.
func (c *Client) Execute(ctx context.Context, method, path string, params map[string]any, credential string, opts ...CallOption) (*Response, error) {
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	var body []byte
	q := target.Query()
	for k, v := range o.query {
		addQuery(q, k, v)
	}
	if sendsQuery(method) {
		for k, v := range params {
			addQuery(q, k, v)
		}
	} else if len(params) > 0 {
		body, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}
	target.RawQuery = q.Encode()
	if credential == "" {
		credential = c.apiKey
	}

	policy := c.policy
	if o.noRetry {
		policy.MaxAttempts = 1
	}
	runner := retry.Runner{
		Policy:    policy,
		Retryable: IsTransient,
		Sleep:     c.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("backend call failed, will retry",
				"method", method, "path", path, "attempt", attempt, "backoff", delay, "error", err)
		},
	}

	var resp *Response
	attempts, err := runner.Do(ctx, func(ctx context.Context, _ int) error {
		r, err := c.attempt(ctx, method, target.String(), body, credential, o.timeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		c.logger.Warn("backend call failed",
			"method", method, "path", path, "attempts", attempts, "error", err)
		return nil, &attemptsError{attempts: attempts, err: err}
	}
	resp.Attempts = attempts
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, credential string, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = classifyTransport(method, target, err)
		c.record(method, err, start)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		err = classifyTransport(method, target, err)
		c.record(method, err, start)
		return nil, err
	}
	if int64(len(data)) > c.maxBody {
		err = &ResponseTooLargeError{Method: method, URL: target, Status: resp.StatusCode, Limit: c.maxBody}
		c.record(method, err, start)
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = &AuthorizationError{Method: method, URL: target, Status: resp.StatusCode, Body: string(data)}
	case resp.StatusCode >= 300:
		err = &HTTPError{Method: method, URL: target, Status: resp.StatusCode, Body: string(data)}
	default:
		if appErr := envelopeError(resp.StatusCode, data); appErr != nil {
			err = appErr
		}
	}
	c.record(method, err, start)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Body: data, Header: resp.Header}, nil
}

// Ping checks that the backend answers at all; any non-5xx reply counts.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, http.MethodGet, "", nil, "", WithoutRetry())
	var he *HTTPError
	var ae *AuthorizationError
	if errors.As(err, &ae) || (errors.As(err, &he) && he.Status < 500) {
		return nil
	}
	var app *ApplicationError
	if errors.As(err, &app) {
		return nil
	}
	return err
}

func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) record(method string, err error, start time.Time) {
	if c.recorder == nil {
		return
	}
	c.recorder.APIAttempt(method, outcome(err), time.Since(start))
}

func outcome(err error) string {
	var (
		te  *TimeoutError
		ne  *NetworkError
		he  *HTTPError
		ae  *AuthorizationError
		app *ApplicationError
		big *ResponseTooLargeError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ne):
		return "network"
	case errors.As(err, &ae):
		return "unauthorized"
	case errors.As(err, &he):
		return strconv.Itoa(he.Status/100) + "xx"
	case errors.As(err, &app):
		return "application"
	case errors.As(err, &big):
		return "too_large"
	}
	return "error"
}

func (c *Client) resolve(path string) (*url.URL, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return url.Parse(path)
	}
	u := *c.base
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if i := strings.IndexByte(u.Path, '?'); i >= 0 {
		return nil, fmt.Errorf("path %q must not carry a query string", path)
	}
	return &u, nil
}

func sendsQuery(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

func addQuery(q url.Values, key string, v any) {
	switch t := v.(type) {
	case nil:
	case []any:
		for _, item := range t {
			q.Add(key, scalar(item))
		}
	case []string:
		for _, item := range t {
			q.Add(key, item)
		}
	default:
		q.Add(key, scalar(t))
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	}
	return fmt.Sprint(v)
}

// envelopeError applies the error-envelope contract to a 2xx body.
func envelopeError(status int, body []byte) *ApplicationError {
	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if e, ok := env["error"]; ok && e != nil && e != false && e != "" {
		return &ApplicationError{Status: status, Message: envelopeMessage(e, env), Body: string(body)}
	}
	if ok, present := env["success"].(bool); present && !ok {
		return &ApplicationError{Status: status, Message: envelopeMessage(nil, env), Body: string(body)}
	}
	return nil
}

func envelopeMessage(e any, env map[string]any) string {
	switch t := e.(type) {
	case string:
		return t
	case map[string]any:
		if m, ok := t["message"].(string); ok {
			return m
		}
	}
	if m, ok := env["message"].(string); ok && m != "" {
		return m
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "request reported failure (" + strings.Join(keys, ",") + ")"
}

package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TimeoutError is returned when a call exceeds its per-call timeout.
type TimeoutError struct {
	Method string
	URL    string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out: %v", e.Method, e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError covers connection failures before a response arrived.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response other than 401/403.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.Status, truncate(e.Body, 200))
}

// AuthorizationError is a 401 or 403 response; it is never retried.
type AuthorizationError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %s: not authorized (HTTP %d)", e.Method, e.URL, e.Status)
}

// ResponseTooLargeError is a reply whose body exceeds the client's limit.
// The body is discarded and the call is not retried.
type ResponseTooLargeError struct {
	Method string
	URL    string
	Status int
	Limit  int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("%s %s: response body exceeds %d bytes (HTTP %d)", e.Method, e.URL, e.Limit, e.Status)
}

// ApplicationError is a 2xx response whose body reports a failure, either
// through a non-null "error" member or "success": false.
type ApplicationError struct {
	Status  int
	Message string
	Body    string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error (HTTP %d): %s", e.Status, e.Message)
}

// IsTransient reports whether err is worth another attempt:
// timeouts, connection failures and 5xx responses.
func IsTransient(err error) bool {
	var te *TimeoutError
	var ne *NetworkError
	var he *HTTPError
	switch {
	case errors.As(err, &te), errors.As(err, &ne):
		return true
	case errors.As(err, &he):
		return he.Status >= 500
	}
	return false
}

type attemptsError struct {
	attempts int
	err      error
}

func (e *attemptsError) Error() string { return e.err.Error() }
func (e *attemptsError) Unwrap() error { return e.err }

// Attempts returns how many attempts produced err, or 0 if unknown.
func Attempts(err error) int {
	var ae *attemptsError
	if errors.As(err, &ae) {
		return ae.attempts
	}
	return 0
}

func classifyTransport(method, url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Method: method, URL: url, Err: err}
	}
	return &NetworkError{Method: method, URL: url, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

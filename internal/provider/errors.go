package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
	// KindUnavailable covers 5xx, overload and connection failures. It is
	// retried like a timeout.
	KindUnavailable ErrorKind = "unavailable"
	KindProvider    ErrorKind = "provider"
)

// Error is a classified provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a rate limit or timeout-class failure.
func IsRetryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// KindOf returns the classification of err, KindProvider when unclassified.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProvider
}

// classify wraps an SDK error given the HTTP status it carried (0 if none).
// Cancellation passes through untouched.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := KindProvider
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindUnavailable
	case status == 0 && errors.As(err, &ne):
		if ne.Timeout() {
			kind = KindTimeout
		} else {
			kind = KindUnavailable
		}
	}
	return &Error{Provider: provider, Kind: kind, Status: status, Err: err}
}

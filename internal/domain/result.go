package domain

import (
	"fmt"
	"strings"
	"time"
)

type ErrorKind string

const (
	ErrValidation    ErrorKind = "validation"
	ErrToolNotFound  ErrorKind = "tool_not_found"
	ErrTransient     ErrorKind = "transient"
	ErrTimeout       ErrorKind = "timeout"
	ErrNetwork       ErrorKind = "network"
	ErrHTTP          ErrorKind = "http"
	ErrAuthorization ErrorKind = "authorization"
	ErrApplication   ErrorKind = "application"
	ErrProvider      ErrorKind = "provider"
	ErrInternal      ErrorKind = "internal"
)

// FieldError is one offending argument.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return f.Field + ": " + f.Message
}

// ExecutionError is the structured failure carried by an ExecutionResult.
type ExecutionError struct {
	Kind    ErrorKind    `json:"kind"`
	Message string       `json:"message"`
	Status  int          `json:"status,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *ExecutionError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(parts, "; "))
}

// ExecutionResult is the outcome of exactly one dispatch attempt.
type ExecutionResult struct {
	InvocationID string          `json:"invocation_id,omitempty"`
	Tool         string          `json:"tool"`
	OK           bool            `json:"ok"`
	Payload      any             `json:"payload,omitempty"`
	Status       int             `json:"status,omitempty"`
	Error        *ExecutionError `json:"error,omitempty"`
	Attempts     int             `json:"attempts,omitempty"`
	Duration     time.Duration   `json:"duration,omitempty"`
}

// Failed builds an unsuccessful result for inv.
func Failed(inv ActionInvocation, kind ErrorKind, msg string) ExecutionResult {
	return ExecutionResult{
		InvocationID: inv.ID,
		Tool:         inv.Tool,
		Error:        &ExecutionError{Kind: kind, Message: msg},
	}
}

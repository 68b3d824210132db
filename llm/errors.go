package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every error returned by this package matches exactly one of
// them with errors.Is.
var (
	ErrConfig     = errors.New("dify: configuration error")
	ErrValidation = errors.New("dify: validation error")
	ErrConnection = errors.New("dify: connection error")
	ErrStatus     = errors.New("dify: api status error")
)

// ConfigError is returned by New when the adapter cannot be configured.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ValidationError is returned before any network call when the chat context
// cannot be turned into a request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConnectionError covers DNS failures, refused connections, timeouts and
// cancellation.
type ConnectionError struct {
	Op      string // "dial" before a response, "read" while streaming
	Err     error
	Timeout bool
	// retryable is false once a chunk has reached the caller.
	retryable bool
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("dify: %s timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("dify: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// Retryable reports whether repeating the call cannot duplicate output the
// caller already received.
func (e *ConnectionError) Retryable() bool { return e.retryable }

// StatusError is a non-2xx answer, or an error event sent inside the stream.
type StatusError struct {
	StatusCode int
	// Body is the raw response body, or the error event's message.
	Body string
	// Code is Dify's error code when the failure arrived as a stream event.
	Code string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dify: status %d (%s): %s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("dify: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Retryable reports whether the status is one a caller would normally retry.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err carries a retry hint that says yes.
// Retrying itself is left to the caller.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

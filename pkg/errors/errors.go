// Package errors defines unified error types for adapter operations.
// All transport- and provider-specific failures are mapped to these standard
// error kinds so the ingress layer can derive HTTP statuses mechanically.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// AdapterError represents a standardized error raised inside the adapter.
// It contains all necessary information for error handling, logging, and the
// client-facing error body.
type AdapterError struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	Endpoint   string `json:"endpoint,omitempty"`
	Transport  string `json:"transport,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("[%s] %s (endpoint=%s, transport=%s, code=%d)",
			e.Name, e.Message, e.Endpoint, e.Transport, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (code=%d)", e.Name, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the HTTP status to reply with.
func (e *AdapterError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error kind names, stable across releases; clients match on these.
const (
	NameInput         = "AdapterInputError"
	NameNotFound      = "AdapterEndpointNotFoundError"
	NameTimeout       = "AdapterTimeoutError"
	NameUpstream      = "AdapterDataProviderError"
	NameQueueOverflow = "AdapterRateLimitError"
	NameInternal      = "AdapterInternalError"
	NameInvariant     = "AdapterInvariantError"
)

// NewInputError creates a client input error (400).
func NewInputError(message string) *AdapterError {
	return &AdapterError{
		StatusCode: http.StatusBadRequest,
		Name:       NameInput,
		Message:    message,
		Retryable:  false,
	}
}

// NewInputErrorf creates a client input error (400) with formatting.
func NewInputErrorf(format string, args ...any) *AdapterError {
	return NewInputError(fmt.Sprintf(format, args...))
}

// NewNotFoundError creates an unknown-endpoint error (404).
func NewNotFoundError(message string) *AdapterError {
	return &AdapterError{
		StatusCode: http.StatusNotFound,
		Name:       NameNotFound,
		Message:    message,
		Retryable:  false,
	}
}

// NewTimeoutError creates a polling-exhausted error (504).
func NewTimeoutError(message string) *AdapterError {
	return &AdapterError{
		StatusCode: http.StatusGatewayTimeout,
		Name:       NameTimeout,
		Message:    message,
		Retryable:  true,
	}
}

// NewUpstreamError creates a data-provider failure error (502).
func NewUpstreamError(message string) *AdapterError {
	return &AdapterError{
		StatusCode: http.StatusBadGateway,
		Name:       NameUpstream,
		Message:    message,
		Retryable:  true,
	}
}

// NewQueueOverflowError creates a requester queue overflow error (429).
func NewQueueOverflowError(message string) *AdapterError {
	return &AdapterError{
		StatusCode: http.StatusTooManyRequests,
		Name:       NameQueueOverflow,
		Message:    message,
		Retryable:  true,
	}
}

// NewInternalError creates an unexpected internal error (500).
func NewInternalError(message string) *AdapterError {
	return &AdapterError{
		StatusCode: http.StatusInternalServerError,
		Name:       NameInternal,
		Message:    message,
		Retryable:  false,
	}
}

// NewInvariantError creates a domain-invariant violation error (500),
// e.g. an LWBA response where bid > mid.
func NewInvariantError(message string) *AdapterError {
	return &AdapterError{
		StatusCode: http.StatusInternalServerError,
		Name:       NameInvariant,
		Message:    message,
		Retryable:  false,
	}
}

// From coerces an arbitrary error into an AdapterError: context expiry maps
// to timeout, unknown errors wrap as internal (500).
func From(err error) *AdapterError {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if stderrors.As(err, &ae) {
		return ae
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return NewTimeoutError(err.Error())
	}
	return NewInternalError(err.Error())
}

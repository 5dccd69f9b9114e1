package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeProvider  = "PROVIDER_ERROR"
	ErrCodeNetwork   = "NETWORK_ERROR"
	ErrCodeTimeout   = "TIMEOUT"
	ErrCodeServer    = "SERVER_ERROR"
	ErrCodeRateLimit = "RATE_LIMIT"
	ErrCodeAuth      = "AUTH_ERROR"
	ErrCodeRequest   = "BAD_REQUEST"
	ErrCodeTemplate  = "TEMPLATE_ERROR"
	ErrCodeCircuit   = "CIRCUIT_OPEN"
	ErrCodeFetch     = "FETCH_ERROR"
)

// Sentinel errors
var (
	ErrDuplicateSample = errors.New("duplicate sample")
	ErrSampleNotFound  = errors.New("sample not found")
	ErrInvalidSample   = errors.New("invalid sample")
	ErrQueueClosed     = errors.New("queue closed")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// ProviderErrorKind classifies Location Provider failures.
type ProviderErrorKind string

const (
	ProviderPermissionDenied ProviderErrorKind = "permission"
	ProviderUnavailable      ProviderErrorKind = "hardware"
	ProviderInternal         ProviderErrorKind = "internal"
	ProviderConfig           ProviderErrorKind = "config"
)

// ProviderError is reported by the Location Provider. It is never retried by
// the adapter.
type ProviderError struct {
	Kind    ProviderErrorKind
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

// APIError represents a non-success collector response.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// TransientSyncError is a retryable upload failure.
type TransientSyncError struct {
	Code string
	Err  error
}

func (e *TransientSyncError) Error() string {
	return fmt.Sprintf("transient sync error [%s]: %v", e.Code, e.Err)
}

func (e *TransientSyncError) Unwrap() error {
	return e.Err
}

// FatalSyncError is a terminal upload failure. Samples that hit it are marked
// failed and not retried automatically.
type FatalSyncError struct {
	Code string
	Err  error
}

func (e *FatalSyncError) Error() string {
	return fmt.Sprintf("fatal sync error [%s]: %v", e.Code, e.Err)
}

func (e *FatalSyncError) Unwrap() error {
	return e.Err
}

// FetchError is a failed read of the remote history.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch history: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should stop automatic retries.
func IsFatal(err error) bool {
	var fatal *FatalSyncError
	return errors.As(err, &fatal)
}

// ErrorCode extracts a code from sync errors, or falls back to NETWORK_ERROR.
func ErrorCode(err error) string {
	var fatal *FatalSyncError
	if errors.As(err, &fatal) {
		return fatal.Code
	}
	var transient *TransientSyncError
	if errors.As(err, &transient) {
		return transient.Code
	}
	return ErrCodeNetwork
}

package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Components MUST use these constants instead of
// hardcoded strings so the orchestrator can classify failures uniformly:
// normalization_* errors are dropped and never retried, transient_* errors
// are retried with backoff, config_* errors are fatal at startup.
const (
	// Normalization (malformed input; never retried)
	ErrCodeNormalizationMissingField    ErrorCode = "normalization_missing_field"
	ErrCodeNormalizationInvalidType     ErrorCode = "normalization_invalid_type"
	ErrCodeNormalizationInvalidSeverity ErrorCode = "normalization_invalid_severity"
	ErrCodeNormalizationInvalidGeometry ErrorCode = "normalization_invalid_geometry"

	// Transient I/O (retried per the reliability config)
	ErrCodeTransientBroker   ErrorCode = "transient_broker_io"
	ErrCodeTransientStore    ErrorCode = "transient_store_io"
	ErrCodeTransientUpstream ErrorCode = "transient_upstream_io"

	// ErrCodeUpstreamRejected marks a definitive upstream refusal (4xx);
	// retrying cannot help.
	ErrCodeUpstreamRejected ErrorCode = "upstream_rejected"

	// Template rendering
	ErrCodeTemplateMissingPlaceholder ErrorCode = "template_missing_placeholder"

	// Dispatch (after retries exhausted; fatal for the message, not the process)
	ErrCodeDispatchPartialFailure ErrorCode = "dispatch_partial_failure"

	// Shelter lookup (tolerated; dispatch proceeds without shelter info)
	ErrCodeShelterUnavailable ErrorCode = "shelter_unavailable"

	// Configuration (fatal at startup)
	ErrCodeConfigInvalid ErrorCode = "config_invalid"
)

// Retryable reports whether an error with this code should be retried.
func (c ErrorCode) Retryable() bool {
	return strings.HasPrefix(string(c), "transient_")
}

// AppError is the standard application error type used throughout the
// pipeline. Expressing domain errors as AppError enables consistent
// classification (retry vs drop vs abort) and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// IsRetryable classifies an error for the retry helper. A typed AppError is
// retryable iff its code says so; untyped errors (raw network failures,
// context deadline exceeded from an adapter) are treated as transient.
func IsRetryable(err error) bool {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code.Retryable()
	}
	return err != nil
}

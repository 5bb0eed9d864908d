package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// Validation faults — client-caused, never retried.
	ErrMissingField = fmt.Errorf("required field missing")
	ErrInvalidEmail = fmt.Errorf("invalid email address")

	// Catalog lookup faults.
	ErrMovieNotFound       = fmt.Errorf("movie not found")
	ErrIncompleteData      = fmt.Errorf("incomplete movie data")
	ErrLookupTimeout       = fmt.Errorf("catalog lookup timed out")
	ErrProviderUnavailable = fmt.Errorf("catalog provider unavailable")
	ErrLookupFailed        = fmt.Errorf("catalog lookup failed")

	// Notification dispatch faults.
	ErrProviderConfigMissing = fmt.Errorf("provider credential not configured")
	ErrDeliveryRejected      = fmt.Errorf("delivery rejected by provider")
	ErrDispatchFailed        = fmt.Errorf("notification dispatch failed")

	// Substrate faults.
	ErrRunNotFound = fmt.Errorf("run not found")
	ErrQueueFull   = fmt.Errorf("run queue full")
	ErrSendRateHit = fmt.Errorf("send rate limit reached")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Engine.Run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is transient: re-running the failed step with
// the same inputs may succeed. Validation faults, configuration faults, and
// permanent data faults (not-found, incomplete record, rejected recipient) are
// not retryable without different input or operator action.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrMissingField),
		errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrMovieNotFound),
		errors.Is(err, ErrIncompleteData),
		errors.Is(err, ErrProviderConfigMissing),
		errors.Is(err, ErrDeliveryRejected):
		return false
	}
	return true
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeMissingField          ErrorCode = "MISSING_FIELD"
	CodeInvalidEmail          ErrorCode = "INVALID_EMAIL"
	CodeMovieNotFound         ErrorCode = "MOVIE_NOT_FOUND"
	CodeIncompleteData        ErrorCode = "INCOMPLETE_DATA"
	CodeLookupTimeout         ErrorCode = "LOOKUP_TIMEOUT"
	CodeProviderUnavailable   ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeLookupFailed          ErrorCode = "LOOKUP_FAILED"
	CodeProviderConfigMissing ErrorCode = "PROVIDER_CONFIG_MISSING"
	CodeDeliveryRejected      ErrorCode = "DELIVERY_REJECTED"
	CodeDispatchFailed        ErrorCode = "DISPATCH_FAILED"
	CodeRunNotFound           ErrorCode = "RUN_NOT_FOUND"
	CodeQueueFull             ErrorCode = "QUEUE_FULL"
	CodeSendRateHit           ErrorCode = "SEND_RATE_HIT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrMissingField:          CodeMissingField,
	ErrInvalidEmail:          CodeInvalidEmail,
	ErrMovieNotFound:         CodeMovieNotFound,
	ErrIncompleteData:        CodeIncompleteData,
	ErrLookupTimeout:         CodeLookupTimeout,
	ErrProviderUnavailable:   CodeProviderUnavailable,
	ErrLookupFailed:          CodeLookupFailed,
	ErrProviderConfigMissing: CodeProviderConfigMissing,
	ErrDeliveryRejected:      CodeDeliveryRejected,
	ErrDispatchFailed:        CodeDispatchFailed,
	ErrRunNotFound:           CodeRunNotFound,
	ErrQueueFull:             CodeQueueFull,
	ErrSendRateHit:           CodeSendRateHit,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the error chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}

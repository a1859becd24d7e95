package types

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the typed error kinds the engine surfaces. Components
// never eat a collaborator error silently: they resolve locally or wrap it
// into one of these.
type ErrorCode string

const (
	ErrAuthRequired      ErrorCode = "AUTHENTICATION_REQUIRED"
	ErrInvalidAPIKey     ErrorCode = "INVALID_API_KEY"
	ErrSymbolNotFound    ErrorCode = "SYMBOL_NOT_FOUND"
	ErrInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrBrokerLimitation  ErrorCode = "BROKER_LIMITATION"
	ErrUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstream          ErrorCode = "UPSTREAM_ERROR"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrDuplicateOrder    ErrorCode = "DUPLICATE_ORDER"
	ErrRiskRejected      ErrorCode = "RISK_REJECTED"
	ErrSubscription      ErrorCode = "SUBSCRIPTION_ERROR"
	ErrNotSubscribed     ErrorCode = "NOT_SUBSCRIBED"
)

// APIError is the structured error returned across component and REST
// boundaries. Details carries machine-readable extras such as
// supported_values for BROKER_LIMITATION.
type APIError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError builds an APIError with no details.
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// NewAPIErrorf builds an APIError with a formatted message.
func NewAPIErrorf(code ErrorCode, format string, args ...any) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches one detail entry and returns the error for chaining.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err, walking wrapped errors.
// Unclassified errors map to UPSTREAM_ERROR.
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrUpstream
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

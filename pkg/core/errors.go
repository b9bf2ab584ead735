package core

import (
	"errors"
	"fmt"
)

// Error represents a failure reported by the AI provider or a collaborator.
type Error struct {
	Type          ErrorType `json:"type"`
	Message       string    `json:"message"`
	Param         string    `json:"param,omitempty"`
	Code          string    `json:"code,omitempty"`
	RetryAfter    *int      `json:"retry_after,omitempty"`
	ProviderError any       `json:"provider_error,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrProvider       ErrorType = "provider_error"
)

// NewError creates an error of the given type.
func NewError(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// NewRateLimitError creates a quota-exceeded error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewProviderError wraps an underlying provider failure.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:          ErrProvider,
		Message:       fmt.Sprintf("%s: %v", provider, underlying),
		ProviderError: underlying,
	}
}

// IsRetryable returns true if the error is worth retrying.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded:
		return true
	default:
		return false
	}
}

func (e *Error) Unwrap() error {
	if ue, ok := e.ProviderError.(error); ok {
		return ue
	}
	return nil
}

// IsQuota reports whether err is a provider quota-exceeded error. Callers use
// this to branch into retry/backoff or a degraded canned response instead of
// failing the session.
func IsQuota(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type == ErrRateLimit
	}
	return false
}

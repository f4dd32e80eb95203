package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by marketplaces
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRentalRejected      = errors.New("rental rejected")
	ErrBootTimeout         = errors.New("boot timeout")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrProviderRateLimit   = errors.New("provider rate limit exceeded")
	ErrProviderAuth        = errors.New("provider authentication failed")
	ErrInvalidResponse     = errors.New("invalid provider response")
)

// ProviderError wraps an error with provider context
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Provider, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Operation, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError
func NewProviderError(provider, operation string, statusCode int, message string, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// BootTimeoutError reports an instance that never reached a ready state
type BootTimeoutError struct {
	InstanceID string
	// TerminateID is the backend id last reported for the instance, when it
	// differs from the id returned at rent time. Empty if never reported.
	TerminateID string
	Attempts    int
	LastStatus  string
	LastErr     error
}

func (e *BootTimeoutError) Error() string {
	msg := fmt.Sprintf("instance %s not ready after %d attempts", e.InstanceID, e.Attempts)
	if e.LastStatus != "" {
		msg += fmt.Sprintf(" (last status %q)", e.LastStatus)
	}
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *BootTimeoutError) Unwrap() error {
	return ErrBootTimeout
}

// IsRateLimitError checks if the error is a rate limit error
func IsRateLimitError(err error) bool {
	if errors.Is(err, ErrProviderRateLimit) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	if errors.Is(err, ErrProviderAuth) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	if errors.Is(err, ErrInstanceNotFound) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusNotFound
	}
	return false
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	if IsRateLimitError(err) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500 && pe.StatusCode < 600
	}
	return false
}

// StatusError maps an HTTP status to the sentinel it represents
func StatusError(statusCode int) error {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrProviderAuth
	case http.StatusNotFound:
		return ErrInstanceNotFound
	case http.StatusTooManyRequests:
		return ErrProviderRateLimit
	default:
		return ErrInvalidResponse
	}
}

// Classify wraps a backend error so errors.Is also reports the
// marketplace-level category (ErrProviderUnavailable, ErrRentalRejected)
func Classify(category error, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{category: category, err: err}
}

type classifiedError struct {
	category error
	err      error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.category, e.err)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.category, e.err}
}

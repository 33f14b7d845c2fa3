package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Provider is the boundary to the external generative-AI capability.
// Implementations wrap exactly one backend and must be safe for
// concurrent use.
type Provider interface {
	// EstimateAge returns the estimated age of the person in the image,
	// clamped into [MinAge, MaxAge].
	EstimateAge(ctx context.Context, image []byte) (int, error)

	// Synthesize returns a new rendering of the image according to the
	// prompt. A backend that answers with text instead of an image is a
	// decline, reported as a no-image error carrying that text.
	Synthesize(ctx context.Context, image []byte, prompt string) ([]byte, error)

	// Name returns the provider name (e.g., "gemini", "openai").
	Name() string
}

// Valid age bounds for estimates and synthesis targets.
const (
	MinAge = 1
	MaxAge = 100
)

// ClampAge forces an age into [MinAge, MaxAge].
func ClampAge(age int) int {
	if age < MinAge {
		return MinAge
	}
	if age > MaxAge {
		return MaxAge
	}
	return age
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeInvalidFormat  = "invalid_response_format"
	ErrorCodeNoImage        = "no_image_in_response"
	ErrorCodeUnknown        = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code marks a transient
// server-side fault
func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// codeForStatus maps an HTTP status to an error code.
func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorCodeAuthentication
	case http.StatusTooManyRequests:
		return ErrorCodeRateLimit
	case http.StatusBadRequest:
		return ErrorCodeInvalidRequest
	default:
		if status >= 500 {
			return ErrorCodeServerError
		}
		return ErrorCodeUnknown
	}
}

// IsNoImage reports whether err is a synthesis decline, i.e. the backend
// answered with explanatory text instead of image data.
func IsNoImage(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ErrorCodeNoImage
}

// IsInvalidFormat reports whether err means the response failed schema
// validation (missing or non-numeric age field).
func IsInvalidFormat(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ErrorCodeInvalidFormat
}

// IsTransport reports whether err is a network or backend failure, the
// kind surfaced to the user as "try again".
func IsTransport(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	}
	return false
}

// newNoImageError builds the decline error, surfacing the backend's text
// for diagnostics.
func newNoImageError(provider, text string) *ProviderError {
	msg := "response contained no image data"
	if text != "" {
		msg = fmt.Sprintf("response contained no image data: %q", text)
	}
	return NewProviderError(provider, ErrorCodeNoImage, msg, nil)
}

// Package domain provides the gateway's error taxonomy and the types shared
// between admission, dispatch and the provider adapters.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorKind is the discriminant of an APIError. Callers branch on it with
// errors.As, never on the message text.
type ErrorKind string

const (
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindAuthorizationDenied  ErrorKind = "authorization_denied"
	KindRateLimited          ErrorKind = "rate_limited"
	KindTrialExhausted       ErrorKind = "trial_exhausted"
	KindInsufficientCredits  ErrorKind = "insufficient_credits"
	KindModelNotResolved     ErrorKind = "model_not_resolved"
	KindUpstreamAuth         ErrorKind = "upstream_auth"
	KindUpstreamNotFound     ErrorKind = "upstream_not_found"
	KindUpstreamRateLimited  ErrorKind = "upstream_rate_limited"
	KindUpstreamTransient    ErrorKind = "upstream_transient"
	KindUpstreamFatal        ErrorKind = "upstream_fatal"
	KindInternal             ErrorKind = "internal"
)

// ErrorCode provides additional specificity beyond the kind.
type ErrorCode string

const (
	ErrorCodeInvalidAPIKey     ErrorCode = "invalid_api_key"
	ErrorCodeKeyInactive       ErrorCode = "key_inactive"
	ErrorCodeKeyExpired        ErrorCode = "key_expired"
	ErrorCodeScopeDenied       ErrorCode = "scope_denied"
	ErrorCodeIPDenied          ErrorCode = "ip_not_allowed"
	ErrorCodeDomainDenied      ErrorCode = "domain_not_allowed"
	ErrorCodeRequestCapReached ErrorCode = "request_limit_exceeded"
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeTrialExhausted    ErrorCode = "trial_exhausted"
	ErrorCodeTrialExpired      ErrorCode = "trial_expired"
	ErrorCodeNoCredits         ErrorCode = "insufficient_credits"
	ErrorCodeModelNotFound     ErrorCode = "model_not_found"
)

// APIError is the tagged error carried from any pipeline stage to the
// front door that formats it for the caller.
type APIError struct {
	Kind ErrorKind `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is safe to show to the caller.
	Message string `json:"message"`

	// Param is the request parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// Tier is the rate-limit tier that denied the request.
	Tier string `json:"tier,omitempty"`

	// Dimension is the trial dimension that was exhausted.
	Dimension string `json:"dimension,omitempty"`

	// RetryAfter is a hint in seconds; zero means no hint.
	RetryAfter int `json:"retry_after,omitempty"`

	// StatusCode overrides the kind's default HTTP status.
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the internal cause for logging. The cause is never written
// to the caller.
func (e *APIError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthenticationFailed:
		return http.StatusUnauthorized
	case KindAuthorizationDenied:
		return http.StatusForbidden
	case KindRateLimited, KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case KindTrialExhausted:
		if e.Dimension == "time" {
			return http.StatusForbidden
		}
		return http.StatusPaymentRequired
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindModelNotResolved, KindUpstreamNotFound:
		return http.StatusNotFound
	case KindUpstreamAuth, KindUpstreamFatal:
		return http.StatusBadGateway
	case KindUpstreamTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller should be told to retry.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstreamTransient:
		return true
	}
	return false
}

// NewAPIError creates a new API error.
func NewAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{
		Kind:    kind,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithRetryAfter sets the retry hint in seconds.
func (e *APIError) WithRetryAfter(seconds int) *APIError {
	e.RetryAfter = seconds
	return e
}

// WithTier records the rate-limit tier.
func (e *APIError) WithTier(tier string) *APIError {
	e.Tier = tier
	return e
}

// WithDimension records the trial dimension.
func (e *APIError) WithDimension(dimension string) *APIError {
	e.Dimension = dimension
	return e
}

// WithCause attaches an internal cause.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(KindInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(KindAuthenticationFailed, message).WithCode(ErrorCodeInvalidAPIKey)
}

// ErrAuthorization creates an authorization error.
func ErrAuthorization(code ErrorCode, message string) *APIError {
	return NewAPIError(KindAuthorizationDenied, message).WithCode(code)
}

// ErrRateLimited creates a rate limit error for the given tier.
func ErrRateLimited(tier string, retryAfter int) *APIError {
	return NewAPIError(KindRateLimited, fmt.Sprintf("rate limit exceeded for tier %s", tier)).
		WithCode(ErrorCodeRateLimitExceeded).
		WithTier(tier).
		WithRetryAfter(retryAfter)
}

// ErrTrialExhausted creates a trial error for the given dimension.
func ErrTrialExhausted(dimension string) *APIError {
	if dimension == "time" {
		return NewAPIError(KindTrialExhausted, "trial period has expired").
			WithCode(ErrorCodeTrialExpired).
			WithDimension(dimension)
	}
	return NewAPIError(KindTrialExhausted, fmt.Sprintf("trial %s limit reached", dimension)).
		WithCode(ErrorCodeTrialExhausted).
		WithDimension(dimension)
}

// ErrInsufficientCredits creates the error for an owner whose credit
// balance is used up.
func ErrInsufficientCredits() *APIError {
	return NewAPIError(KindInsufficientCredits, "insufficient credits").
		WithCode(ErrorCodeNoCredits)
}

// ErrModelNotResolved creates a model resolution error.
func ErrModelNotResolved(model string) *APIError {
	return NewAPIError(KindModelNotResolved, fmt.Sprintf("model %q could not be resolved", model)).
		WithCode(ErrorCodeModelNotFound).
		WithParam("model")
}

// ErrInternal creates an internal error. The cause is kept for logs only.
func ErrInternal(cause error) *APIError {
	return NewAPIError(KindInternal, "internal server error").WithCause(cause)
}

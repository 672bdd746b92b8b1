package domain

import (
	"errors"
	"fmt"
)

// FailureCategory is the closed set of failure classes a provider adapter
// reports. Raw transport errors never cross the adapter boundary.
type FailureCategory int

const (
	FailureFatal FailureCategory = iota
	FailureAuth
	FailureNotFound
	FailureRateLimited
	FailureTransient
)

func (c FailureCategory) String() string {
	switch c {
	case FailureAuth:
		return "auth"
	case FailureNotFound:
		return "not_found"
	case FailureRateLimited:
		return "rate_limited"
	case FailureTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// UpstreamError is returned by provider adapters.
type UpstreamError struct {
	Provider   string
	Category   FailureCategory
	StatusCode int
	Message    string
	// RetryAfter is the upstream's hint in seconds, if it sent one.
	RetryAfter int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s %s (status %d): %s: %v", e.Provider, e.Category, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s %s (status %d): %s", e.Provider, e.Category, e.StatusCode, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ToAPIError maps any error to the gateway taxonomy. APIErrors pass through,
// UpstreamErrors map by category, anything else becomes an internal error.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return fromUpstream(upErr)
	}

	return ErrInternal(err)
}

func fromUpstream(e *UpstreamError) *APIError {
	switch e.Category {
	case FailureAuth:
		return NewAPIError(KindUpstreamAuth, "upstream provider rejected the gateway credentials").WithCause(e)
	case FailureNotFound:
		return NewAPIError(KindUpstreamNotFound, "model not found at upstream provider").
			WithCode(ErrorCodeModelNotFound).
			WithCause(e)
	case FailureRateLimited:
		// Only transient failures carry retry guidance to the caller.
		return NewAPIError(KindUpstreamRateLimited, "upstream provider is rate limiting requests").WithCause(e)
	case FailureTransient:
		retry := e.RetryAfter
		if retry <= 0 {
			retry = 5
		}
		return NewAPIError(KindUpstreamTransient, "upstream provider is temporarily unavailable").
			WithRetryAfter(retry).
			WithCause(e)
	default:
		return NewAPIError(KindUpstreamFatal, "upstream provider returned an error").WithCause(e)
	}
}

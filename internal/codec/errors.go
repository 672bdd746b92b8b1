// Package codec writes gateway errors in the wire shape of the front door
// that received the request.
package codec

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// APIType selects the error body shape.
type APIType string

const (
	APITypeOpenAI    APIType = "openai"
	APITypeAnthropic APIType = "anthropic"
)

// ErrorResponse is a formatted error ready to be written.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ErrorFormatter formats domain errors for a specific API type.
type ErrorFormatter interface {
	FormatError(err error) *ErrorResponse
}

// OpenAIErrorFormatter formats errors for OpenAI API responses.
type OpenAIErrorFormatter struct{}

// FormatError formats a domain error as an OpenAI API error response.
func (f *OpenAIErrorFormatter) FormatError(err error) *ErrorResponse {
	apiErr := domain.ToAPIError(err)

	errObj := map[string]any{
		"message": apiErr.Message,
		"type":    openAIErrorType(apiErr.Kind),
	}
	if apiErr.Code != "" {
		errObj["code"] = string(apiErr.Code)
	}
	if apiErr.Param != "" {
		errObj["param"] = apiErr.Param
	}
	if apiErr.Tier != "" {
		errObj["tier"] = apiErr.Tier
	}
	if apiErr.Dimension != "" {
		errObj["dimension"] = apiErr.Dimension
	}
	if apiErr.Retryable() && apiErr.RetryAfter > 0 {
		errObj["retry_after"] = apiErr.RetryAfter
	}

	body, _ := json.Marshal(map[string]any{"error": errObj})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func openAIErrorType(k domain.ErrorKind) string {
	switch k {
	case domain.KindInvalidRequest, domain.KindModelNotResolved:
		return "invalid_request_error"
	case domain.KindAuthenticationFailed:
		return "authentication_error"
	case domain.KindAuthorizationDenied:
		return "permission_denied"
	case domain.KindRateLimited, domain.KindUpstreamRateLimited:
		return "rate_limit_error"
	case domain.KindTrialExhausted:
		return "trial_exhausted"
	case domain.KindInsufficientCredits:
		return "insufficient_quota"
	case domain.KindUpstreamNotFound:
		return "not_found"
	case domain.KindUpstreamTransient:
		return "service_unavailable"
	case domain.KindUpstreamAuth, domain.KindUpstreamFatal:
		return "upstream_error"
	default:
		return "server_error"
	}
}

// AnthropicErrorFormatter formats errors for Anthropic API responses.
type AnthropicErrorFormatter struct{}

// FormatError formats a domain error as an Anthropic API error response.
func (f *AnthropicErrorFormatter) FormatError(err error) *ErrorResponse {
	apiErr := domain.ToAPIError(err)

	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    anthropicErrorType(apiErr.Kind),
			"message": apiErr.Message,
		},
	})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

func anthropicErrorType(k domain.ErrorKind) string {
	switch k {
	case domain.KindInvalidRequest, domain.KindModelNotResolved:
		return "invalid_request_error"
	case domain.KindAuthenticationFailed:
		return "authentication_error"
	case domain.KindAuthorizationDenied, domain.KindTrialExhausted, domain.KindInsufficientCredits:
		return "permission_error"
	case domain.KindRateLimited, domain.KindUpstreamRateLimited:
		return "rate_limit_error"
	case domain.KindUpstreamNotFound:
		return "not_found_error"
	case domain.KindUpstreamTransient:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// Formatter returns the formatter for the API type.
func Formatter(apiType APIType) ErrorFormatter {
	if apiType == APITypeAnthropic {
		return &AnthropicErrorFormatter{}
	}
	return &OpenAIErrorFormatter{}
}

// WriteError writes an error response using the appropriate formatter for the API type.
func WriteError(w http.ResponseWriter, err error, apiType APIType) {
	apiErr := domain.ToAPIError(err)
	resp := Formatter(apiType).FormatError(apiErr)

	w.Header().Set("Content-Type", "application/json")
	if apiErr.Retryable() && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// StreamErrorChunk returns the body of the trailing SSE event written when a
// stream fails after its first chunk.
func StreamErrorChunk(err error, apiType APIType) []byte {
	apiErr := domain.ToAPIError(err)
	if apiType == APITypeAnthropic {
		return Formatter(apiType).FormatError(apiErr).Body
	}
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": apiErr.Message,
			"type":    "stream_error",
			"code":    string(apiErr.Kind),
		},
	})
	return body
}

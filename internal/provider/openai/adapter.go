// Package openai adapts any OpenAI-compatible Chat Completions endpoint to
// the gateway's provider contract.
package openai

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	openaiapi "github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/config"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/provider"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "openai"

// Option configures the adapter.
type Option func(*options)

type options struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

// Adapter talks to one OpenAI-compatible upstream.
type Adapter struct {
	name   string
	client *openaiapi.Client
}

// New creates an adapter registered under name.
func New(name, apiKey string, opts ...Option) *Adapter {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var clientOpts []openaiapi.ClientOption
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiapi.WithBaseURL(o.baseURL))
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, openaiapi.WithHTTPClient(o.httpClient))
	}

	return &Adapter{name: name, client: openaiapi.NewClient(apiKey, clientOpts...)}
}

func (a *Adapter) Name() string {
	return a.name
}

// Complete sends a non-streaming request.
func (a *Adapter) Complete(ctx context.Context, req *openaiapi.ChatCompletionRequest) (*openaiapi.ChatCompletionResponse, error) {
	r := *req
	r.Stream = false
	r.StreamOptions = nil
	r.Provider = ""

	resp, err := a.client.CreateChatCompletion(ctx, &r)
	if err != nil {
		return nil, a.classify(err)
	}
	return resp, nil
}

// Stream sends a streaming request. Usage reporting is always requested so
// the gateway can settle token accounting.
func (a *Adapter) Stream(ctx context.Context, req *openaiapi.ChatCompletionRequest) (<-chan openaiapi.StreamResult, error) {
	r := *req
	r.Stream = true
	r.StreamOptions = &openaiapi.StreamOptions{IncludeUsage: true}
	r.Provider = ""

	upstream, err := a.client.StreamChatCompletion(ctx, &r)
	if err != nil {
		return nil, a.classify(err)
	}

	out := make(chan openaiapi.StreamResult)
	go func() {
		defer close(out)
		for result := range upstream {
			if result.Err != nil {
				result.Err = &domain.UpstreamError{
					Provider: a.name,
					Category: domain.FailureTransient,
					Message:  "stream interrupted",
					Err:      result.Err,
				}
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// classify maps a client error to a failure category. Raw transport errors
// never leave the adapter.
func (a *Adapter) classify(err error) error {
	upErr := &domain.UpstreamError{Provider: a.name, Err: err}

	var httpErr *openaiapi.HTTPError
	switch {
	case errors.As(err, &httpErr):
		upErr.StatusCode = httpErr.StatusCode
		upErr.RetryAfter = httpErr.RetryAfter
		upErr.Message = http.StatusText(httpErr.StatusCode)
		if httpErr.API != nil && httpErr.API.Message != "" {
			upErr.Message = httpErr.API.Message
		}
		upErr.Category = CategoryForStatus(httpErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		upErr.Category = domain.FailureTransient
		upErr.Message = "upstream request timed out"
	case errors.Is(err, context.Canceled):
		upErr.Category = domain.FailureTransient
		upErr.Message = "request cancelled"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			upErr.Category = domain.FailureTransient
			upErr.Message = "upstream unreachable"
		} else {
			upErr.Category = domain.FailureFatal
			upErr.Message = "unexpected upstream reply"
		}
	}
	return upErr
}

// CategoryForStatus classifies an upstream HTTP status.
func CategoryForStatus(status int) domain.FailureCategory {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.FailureAuth
	case status == http.StatusNotFound:
		return domain.FailureNotFound
	case status == http.StatusTooManyRequests:
		return domain.FailureRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return domain.FailureTransient
	default:
		return domain.FailureFatal
	}
}

// CreateFromConfig builds an adapter whose HTTP transport is traced.
func CreateFromConfig(cfg config.ProviderConfig) (provider.Adapter, error) {
	opts := []Option{WithHTTPClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	return New(cfg.Name, cfg.APIKey, opts...), nil
}

// RegisterProviderFactory registers the openai provider type.
func RegisterProviderFactory() {
	if provider.IsRegistered(ProviderType) {
		return
	}
	provider.RegisterFactory(provider.Factory{
		Type:        ProviderType,
		Description: "OpenAI-compatible Chat Completions API",
		Create:      CreateFromConfig,
	})
}

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	openaiapi "github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/testutil"
)

func skipWithoutKey(t *testing.T) {
	t.Helper()
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: OPENAI_API_KEY not set")
	}
}

func userRequest(text string) *openaiapi.ChatCompletionRequest {
	return &openaiapi.ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []openaiapi.ChatCompletionMessage{
			{Role: "user", Content: openaiapi.TextContent(text)},
		},
	}
}

func TestAdapter_Complete(t *testing.T) {
	skipWithoutKey(t)

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_complete")
	defer cleanup()

	a := New("openai", testutil.APIKey("OPENAI_API_KEY"), WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	req := userRequest("Say hello in three words.")
	req.MaxTokens = 16
	resp, err := a.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(resp.Choices) == 0 {
		t.Fatal("Expected at least one choice")
	}
	if resp.Choices[0].Message.Content.String() == "" {
		t.Error("Expected content in response")
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 14 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("Usage = %+v, want 14 prompt / 5 completion", resp.Usage)
	}
}

func TestAdapter_Stream(t *testing.T) {
	skipWithoutKey(t)

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_stream")
	defer cleanup()

	a := New("openai", testutil.APIKey("OPENAI_API_KEY"), WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	req := userRequest("Count to 3")
	stream, err := a.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if req.Stream || req.StreamOptions != nil {
		t.Error("Stream() mutated the caller's request")
	}

	var (
		content string
		usage   *openaiapi.Usage
		chunks  int
	)
	for result := range stream {
		if result.Err != nil {
			t.Fatalf("stream error = %v", result.Err)
		}
		var chunk openaiapi.ChatCompletionChunk
		if err := json.Unmarshal(result.Raw, &chunk); err != nil {
			t.Fatalf("Unmarshal(chunk) error = %v", err)
		}
		chunks++
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			content += chunk.Choices[0].Delta.Content
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if chunks != 5 {
		t.Errorf("chunks = %d, want 5", chunks)
	}
	if content != "1, 2, 3" {
		t.Errorf("content = %q, want %q", content, "1, 2, 3")
	}
	if usage == nil || usage.TotalTokens != 17 {
		t.Errorf("usage = %+v, want 17 total tokens", usage)
	}
}

func TestAdapter_RateLimitedCassette(t *testing.T) {
	skipWithoutKey(t)

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_rate_limited")
	defer cleanup()

	a := New("openai", testutil.APIKey("OPENAI_API_KEY"), WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	_, err := a.Complete(context.Background(), userRequest("Hello"))
	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Complete() error = %T %v, want *domain.UpstreamError", err, err)
	}
	if upErr.Category != domain.FailureRateLimited {
		t.Errorf("Category = %s, want rate_limited", upErr.Category)
	}
	if upErr.RetryAfter != 7 {
		t.Errorf("RetryAfter = %d, want 7", upErr.RetryAfter)
	}
	if upErr.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", upErr.Provider)
	}
}

func TestAdapter_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.FailureCategory
	}{
		{http.StatusUnauthorized, domain.FailureAuth},
		{http.StatusForbidden, domain.FailureAuth},
		{http.StatusNotFound, domain.FailureNotFound},
		{http.StatusTooManyRequests, domain.FailureRateLimited},
		{http.StatusRequestTimeout, domain.FailureTransient},
		{http.StatusInternalServerError, domain.FailureTransient},
		{http.StatusBadGateway, domain.FailureTransient},
		{http.StatusServiceUnavailable, domain.FailureTransient},
		{http.StatusBadRequest, domain.FailureFatal},
		{http.StatusUnprocessableEntity, domain.FailureFatal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream said no","type":"invalid_request_error"}}`))
			}))
			defer srv.Close()

			a := New("fireworks", "k", WithBaseURL(srv.URL+"/v1"))
			_, err := a.Complete(context.Background(), userRequest("hi"))

			var upErr *domain.UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("Complete() error = %T, want *domain.UpstreamError", err)
			}
			if upErr.Category != tt.want {
				t.Errorf("Category = %s, want %s", upErr.Category, tt.want)
			}
			if upErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", upErr.StatusCode, tt.status)
			}
			if upErr.Message != "upstream said no" {
				t.Errorf("Message = %q, want upstream message", upErr.Message)
			}
		})
	}
}

func TestAdapter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := New("together", "k", WithBaseURL(url))
	_, err := a.Complete(context.Background(), userRequest("hi"))

	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Complete() error = %T, want *domain.UpstreamError", err)
	}
	if upErr.Category != domain.FailureTransient {
		t.Errorf("Category = %s, want transient", upErr.Category)
	}
}

func TestAdapter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	a := New("openai", "k", WithBaseURL(srv.URL))
	_, err := a.Complete(ctx, userRequest("hi"))

	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Complete() error = %T, want *domain.UpstreamError", err)
	}
	if upErr.Category != domain.FailureTransient {
		t.Errorf("Category = %s, want transient", upErr.Category)
	}
}

func TestAdapter_StreamSendsUsageOption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openaiapi.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Errorf("upstream request stream = %v, options = %+v, want include_usage", body.Stream, body.StreamOptions)
		}
		if body.Provider != "" {
			t.Errorf("upstream request provider = %q, want stripped", body.Provider)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"c\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	a := New("openai", "k", WithBaseURL(srv.URL))
	req := userRequest("hi")
	req.Provider = "openai"
	stream, err := a.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	n := 0
	for range stream {
		n++
	}
	if n != 1 {
		t.Errorf("results = %d, want 1", n)
	}
}

func TestCategoryForStatus(t *testing.T) {
	if got := CategoryForStatus(http.StatusGatewayTimeout); got != domain.FailureTransient {
		t.Errorf("CategoryForStatus(504) = %s, want transient", got)
	}
	if got := CategoryForStatus(http.StatusConflict); got != domain.FailureFatal {
		t.Errorf("CategoryForStatus(409) = %s, want fatal", got)
	}
}

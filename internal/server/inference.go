package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/anthropic"
	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/codec"
	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/dispatch"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/translate"
)

// MaxBodyBytes caps inference request bodies.
const MaxBodyBytes = 10 << 20

// Inference serves the two front doors over one Dispatcher.
type Inference struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

func NewInference(d *dispatch.Dispatcher, logger *slog.Logger) *Inference {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inference{d: d, logger: logger, now: time.Now}
}

// Routes mounts POST /v1/chat/completions and POST /v1/messages.
func (h *Inference) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", h.ChatCompletions)
	r.Post("/v1/messages", h.Messages)
}

// ChatCompletions is the OpenAI front door.
func (h *Inference) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req openai.ChatCompletionRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err, codec.APITypeOpenAI)
		return
	}
	// Usage-only chunks reach the client only when it asked for them.
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage

	adm, err := h.d.Admit(ctx, h.call(r, dispatch.ResourceCompletions, &req))
	if err != nil {
		h.fail(w, r, err, codec.APITypeOpenAI)
		return
	}
	h.annotate(ctx, w, adm)
	if h.abandoned(ctx, adm) {
		return
	}

	if req.Stream {
		h.streamOpenAI(w, r, adm, includeUsage)
		return
	}

	resp, err := h.d.Complete(ctx, adm)
	if err != nil {
		h.fail(w, r, err, codec.APITypeOpenAI)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Inference) streamOpenAI(w http.ResponseWriter, r *http.Request, adm *dispatch.Admission, includeUsage bool) {
	ctx := r.Context()
	s, err := h.d.OpenStream(ctx, adm)
	if err != nil {
		h.fail(w, r, err, codec.APITypeOpenAI)
		return
	}
	defer s.Close(ctx)

	sse := newSSEWriter(w)
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			_ = sse.done()
			return
		}
		if err != nil {
			h.streamFailed(w, r, sse, err, codec.APITypeOpenAI)
			return
		}
		if c.UsageOnly && !includeUsage {
			continue
		}
		if err := sse.data(c.Raw); err != nil {
			AddError(ctx, fmt.Errorf("write stream: %w", err))
			return
		}
	}
}

// Messages is the Anthropic front door. Requests are translated to the
// chat completions shape, dispatched, and translated back.
func (h *Inference) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req anthropic.MessagesRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, r, err, codec.APITypeAnthropic)
		return
	}
	oreq, err := translate.AnthropicToOpenAI(&req, h.logger)
	if err != nil {
		h.fail(w, r, err, codec.APITypeAnthropic)
		return
	}

	adm, err := h.d.Admit(ctx, h.call(r, dispatch.ResourceMessages, oreq))
	if err != nil {
		h.fail(w, r, err, codec.APITypeAnthropic)
		return
	}
	h.annotate(ctx, w, adm)
	if h.abandoned(ctx, adm) {
		return
	}

	if req.Stream {
		h.streamAnthropic(w, r, adm, req.Model)
		return
	}

	resp, err := h.d.Complete(ctx, adm)
	if err != nil {
		h.fail(w, r, err, codec.APITypeAnthropic)
		return
	}
	writeJSON(w, http.StatusOK, translate.OpenAIToAnthropic(resp, req.Model))
}

func (h *Inference) streamAnthropic(w http.ResponseWriter, r *http.Request, adm *dispatch.Admission, model string) {
	ctx := r.Context()
	s, err := h.d.OpenStream(ctx, adm)
	if err != nil {
		h.fail(w, r, err, codec.APITypeAnthropic)
		return
	}
	defer s.Close(ctx)

	id := "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	as := translate.NewAnthropicStream(id, model, adm.Estimate)
	sse := newSSEWriter(w)
	for {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			_, completion, _ := s.Usage()
			_ = sse.events(as.Finish(completion))
			return
		}
		if err != nil {
			h.streamFailed(w, r, sse, err, codec.APITypeAnthropic)
			return
		}
		if c.UsageOnly {
			continue
		}
		if err := sse.events(as.Chunk(c.Parsed)); err != nil {
			AddError(ctx, fmt.Errorf("write stream: %w", err))
			return
		}
	}
}

// streamFailed ends a stream that broke. Before the first event the client
// still gets a normal error response; after it, a final error event.
func (h *Inference) streamFailed(w http.ResponseWriter, r *http.Request, sse *sseWriter, err error, apiType codec.APIType) {
	ctx := r.Context()
	if ctx.Err() != nil {
		AddLogField(ctx, "stream", "client_disconnect")
		return
	}
	if !sse.started {
		h.fail(w, r, err, apiType)
		return
	}

	AddError(ctx, err)
	body := codec.StreamErrorChunk(err, apiType)
	if apiType == codec.APITypeAnthropic {
		_ = sse.named("error", body)
		return
	}
	_ = sse.data(body)
	_ = sse.done()
}

func (h *Inference) call(r *http.Request, resource string, req *openai.ChatCompletionRequest) *dispatch.Call {
	return &dispatch.Call{
		Secret:    bearerSecret(r),
		Origin:    requestOrigin(r),
		Resource:  resource,
		RequestID: GetRequestID(r.Context()),
		Request:   req,
	}
}

func (h *Inference) annotate(ctx context.Context, w http.ResponseWriter, adm *dispatch.Admission) {
	AddLogField(ctx, "key_id", adm.Key.KeyID)
	AddLogField(ctx, "provider", adm.Resolution.Provider)
	AddLogField(ctx, "model", adm.Resolution.Model)
	if adm.Decision.Degraded {
		AddLogField(ctx, "ratelimit", "degraded")
	}
	writeRateLimitHeaders(w, adm.Decision.Minute, h.now())
}

// abandoned releases an admission whose client left before the upstream
// call started.
func (h *Inference) abandoned(ctx context.Context, adm *dispatch.Admission) bool {
	if ctx.Err() == nil {
		return false
	}
	h.d.Abort(context.WithoutCancel(ctx), adm)
	AddLogField(ctx, "request", "client_disconnect")
	return true
}

func (h *Inference) fail(w http.ResponseWriter, r *http.Request, err error, apiType codec.APIType) {
	apiErr := domain.ToAPIError(err)
	AddError(r.Context(), err)
	AddLogField(r.Context(), "error_kind", string(apiErr.Kind))
	codec.WriteError(w, apiErr, apiType)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrInvalidRequest("request body too large").WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err)).WithCause(err)
	}
	return nil
}

// bearerSecret reads the key from Authorization, falling back to x-api-key
// as Anthropic clients send it.
func bearerSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(auth)
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

func requestOrigin(r *http.Request) credential.Origin {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		referer = r.Header.Get("Origin")
	}
	return credential.Origin{ClientIP: ip, Referer: referer}
}

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/telemetry"
	"github.com/tjfontaine/llm-meter-gateway/internal/translate"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// Chunk is one upstream stream chunk that passed validation.
type Chunk struct {
	Raw    json.RawMessage
	Parsed *openai.ChatCompletionChunk
	// UsageOnly marks the trailing usage chunk, which has no choices.
	UsageOnly bool
}

// Stream is an open provider stream. Chunks are pulled one at a time with
// Next; nothing is buffered beyond the current chunk. Close must be called
// exactly once the caller is done, including on client disconnect.
type Stream struct {
	d    *Dispatcher
	adm  *Admission
	ch   <-chan openai.StreamResult
	span trace.Span

	usage     *openai.Usage
	text      strings.Builder
	delivered int
	err       error
}

// OpenStream starts a streaming call. Failures before the first chunk are
// returned here so the caller can still answer with an HTTP error status.
func (d *Dispatcher) OpenStream(ctx context.Context, adm *Admission) (*Stream, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.stream")
	span.SetAttributes(attribute.String("gateway.provider", adm.Resolution.Provider))

	ch, err := adm.adapter.Stream(ctx, adm.upstreamRequest())
	if err != nil {
		apiErr := domain.ToAPIError(err)
		d.Metrics.Upstream(adm.Resolution.Provider, true, d.now().Sub(adm.started), string(apiErr.Kind))
		span.RecordError(err)
		span.End()
		d.finish(ctx, adm, metered{status: apiErr.HTTPStatusCode(), streamed: true})
		return nil, err
	}
	return &Stream{d: d, adm: adm, ch: ch, span: span}, nil
}

// Next returns the next chunk, io.EOF at the end of the stream, or the
// upstream failure that interrupted it. Malformed chunks are dropped.
func (s *Stream) Next(ctx context.Context) (Chunk, error) {
	for {
		var (
			res openai.StreamResult
			ok  bool
		)
		select {
		case <-ctx.Done():
			s.err = ctx.Err()
			return Chunk{}, s.err
		case res, ok = <-s.ch:
		}
		if !ok {
			return Chunk{}, io.EOF
		}
		if res.Err != nil {
			s.err = res.Err
			return Chunk{}, res.Err
		}

		c, err := translate.ParseChunk(res.Raw)
		if err != nil {
			s.drop("undecodable chunk", err)
			continue
		}
		if c.Usage != nil {
			u := *c.Usage
			s.usage = &u
		}
		if translate.ValidChunk(c) {
			s.accumulate(c)
			s.delivered++
			return Chunk{Raw: res.Raw, Parsed: c}, nil
		}
		if c.Usage != nil && len(c.Choices) == 0 {
			return Chunk{Raw: res.Raw, Parsed: c, UsageOnly: true}, nil
		}
		s.drop("chunk without choices or delta", nil)
	}
}

func (s *Stream) drop(reason string, err error) {
	attrs := []any{
		slog.String("key_id", s.adm.Key.KeyID),
		slog.String("provider", s.adm.Resolution.Provider),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.d.Logger.Warn("dropping malformed stream chunk", attrs...)
	s.d.Metrics.StreamChunkDropped()
}

func (s *Stream) accumulate(c *openai.ChatCompletionChunk) {
	delta := c.Choices[0].Delta
	s.text.WriteString(delta.Content)
	for _, tc := range delta.ToolCalls {
		if tc.Function != nil {
			s.text.WriteString(tc.Function.Name)
			s.text.WriteString(tc.Function.Arguments)
		}
	}
}

// Usage returns the token counts for the stream so far: the upstream usage
// block when one arrived, otherwise the admission estimate for the prompt
// and a count of the streamed text.
func (s *Stream) Usage() (prompt, completion int, estimated bool) {
	if s.usage != nil {
		return s.usage.PromptTokens, s.usage.CompletionTokens, false
	}
	n := s.d.Tokens.CountText(s.adm.Resolution.Model, s.text.String()).Tokens
	return s.adm.Estimate, n, true
}

// Close meters the stream and releases the admission. It returns the usage
// record, or nil when the admission was already finished. Once a chunk has
// been delivered the call is metered as a success even if the upstream later
// failed; a failure before any chunk is metered with its error status.
func (s *Stream) Close(ctx context.Context) *usage.Record {
	defer s.span.End()

	prompt, completion, estimated := s.Usage()
	m := metered{
		prompt:     prompt,
		completion: completion,
		estimated:  estimated,
		streamed:   true,
		status:     http.StatusOK,
	}
	kind := ""
	if s.err != nil {
		s.span.RecordError(s.err)
		apiErr := domain.ToAPIError(s.err)
		kind = string(apiErr.Kind)
		switch {
		case ctx.Err() != nil:
			// Client went away; what was streamed is still charged.
			kind = "client_disconnect"
		case s.delivered == 0:
			m.status = apiErr.HTTPStatusCode()
		}
	}
	s.d.Metrics.Upstream(s.adm.Resolution.Provider, true, s.d.now().Sub(s.adm.started), kind)
	return s.d.finish(ctx, s.adm, m)
}

type gatewayUsageBody struct {
	Provider  string  `json:"provider"`
	Credits   float64 `json:"credits"`
	Estimated bool    `json:"estimated,omitempty"`
}

// GatewayUsage renders a usage record as the response annotation.
func GatewayUsage(rec *usage.Record) json.RawMessage {
	if rec == nil {
		return nil
	}
	b, err := json.Marshal(gatewayUsageBody{Provider: rec.Provider, Credits: rec.Credits, Estimated: rec.Estimated})
	if err != nil {
		return nil
	}
	return b
}

// Package dispatch runs the per-request gateway pipeline: authenticate,
// rate-limit, trial or credit check, resolve, invoke, and meter.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/provider"
	"github.com/tjfontaine/llm-meter-gateway/internal/ratelimit"
	"github.com/tjfontaine/llm-meter-gateway/internal/resolver"
	"github.com/tjfontaine/llm-meter-gateway/internal/telemetry"
	"github.com/tjfontaine/llm-meter-gateway/internal/tokens"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// Resource names used for scope checks on the inference endpoints.
const (
	ResourceCompletions = "completions"
	ResourceMessages    = "messages"
)

// UsageEmitter receives one record per metered request. Emit must not block.
type UsageEmitter interface {
	Emit(r *usage.Record)
}

// Call is one inbound inference request, already normalized to the chat
// completions shape.
type Call struct {
	Secret    string
	Origin    credential.Origin
	Resource  string
	RequestID string
	Request   *openai.ChatCompletionRequest
}

// Deps are the collaborators a Dispatcher needs. All are required except
// Credits, Metrics and Logger. Without Credits no owner balance is metered.
type Deps struct {
	Credentials *credential.Store
	Limiter     *ratelimit.Limiter
	Trials      *trial.Ledger
	Credits     *credits.Ledger
	Resolver    *resolver.Resolver
	Providers   *provider.Registry
	Tokens      *tokens.Registry
	Pricing     *usage.Pricing
	Usage       UsageEmitter
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	Deps
	defaults atomic.Pointer[domain.RateLimitConfig]
	now      func() time.Time
}

// New creates a Dispatcher applying defaults to keys without their own
// rate-limit configuration.
func New(deps Deps, defaults domain.RateLimitConfig) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	d := &Dispatcher{Deps: deps, now: time.Now}
	d.SetDefaultLimits(defaults)
	return d
}

// SetDefaultLimits swaps the rate-limit defaults. Requests already admitted
// keep the configuration they were admitted under.
func (d *Dispatcher) SetDefaultLimits(cfg domain.RateLimitConfig) {
	d.defaults.Store(&cfg)
}

// LimitsFor returns the rate-limit configuration that applies to a key.
func (d *Dispatcher) LimitsFor(kc *credential.KeyContext) domain.RateLimitConfig {
	if kc.RateLimit != nil {
		return *kc.RateLimit
	}
	return *d.defaults.Load()
}

// Admission is an admitted call. It holds a concurrency slot until the
// call is finished through Complete, a Stream's Close, or Abort.
type Admission struct {
	Key        *credential.KeyContext
	Limits     domain.RateLimitConfig
	Decision   ratelimit.Decision
	Resolution resolver.Resolution
	// Estimate is the prompt token count charged at admission.
	Estimate int

	call    *Call
	adapter provider.Adapter
	started time.Time
	once    sync.Once
}

// Admit runs the admission stages in order: authenticate, authorize,
// rate-limit, trial, resolve. The first failing stage ends the call. A
// denial after authentication still emits a usage record.
func (d *Dispatcher) Admit(ctx context.Context, call *Call) (*Admission, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.admit")
	defer span.End()

	if call.Request == nil || len(call.Request.Messages) == 0 {
		return nil, domain.ErrInvalidRequest("messages must not be empty").WithParam("messages")
	}

	kc, err := d.Credentials.Validate(ctx, call.Secret, call.Origin)
	if err != nil {
		d.Metrics.Denied("authentication")
		span.SetStatus(codes.Error, "authentication")
		return nil, err
	}
	span.SetAttributes(attribute.String("gateway.key_id", kc.KeyID))

	if err := kc.Authorize(credential.CapWrite, call.Resource); err != nil {
		d.deny(call, kc, "scope", err)
		return nil, err
	}

	limits := d.LimitsFor(kc)
	estimate := d.Tokens.CountRequest(call.Request).Tokens

	// Trial, credit and model checks run inside the limiter's admission so a
	// call they refuse never holds a concurrency slot or charges a window.
	var (
		res     resolver.Resolution
		adapter provider.Adapter
		reason  string
	)
	gate := func() error {
		if kc.Trial {
			if st := d.Trials.Validate(ctx, kc.KeyID, true); !st.Valid {
				reason = "trial_" + string(st.Dimension)
				return st.Err()
			}
		} else if d.Credits != nil {
			if err := d.Credits.Check(ctx, kc.OwnerID); err != nil {
				reason = "credits"
				return err
			}
		}

		var err error
		res, err = d.Resolver.Resolve(call.Request.Model, call.Request.Provider)
		if err == nil {
			var ok bool
			if adapter, ok = d.Providers.Get(res.Provider); !ok {
				err = domain.ErrModelNotResolved(call.Request.Model)
			}
		}
		if err != nil {
			reason = "model"
		}
		return err
	}

	dec, err := d.Limiter.CheckThen(ctx, kc.KeyID, limits, estimate, gate)
	if err != nil {
		d.deny(call, kc, reason, err)
		span.SetStatus(codes.Error, reason)
		return nil, err
	}
	if !dec.Allowed {
		err := dec.Err()
		d.deny(call, kc, string(dec.Tier), err)
		span.SetStatus(codes.Error, "rate limited")
		return nil, err
	}
	if dec.Degraded {
		d.Logger.Warn("admitted on degraded rate limiter",
			slog.String("key_id", kc.KeyID),
			slog.String("reason", dec.Reason))
	}
	span.SetAttributes(
		attribute.String("gateway.provider", res.Provider),
		attribute.String("gateway.model", res.Model))

	d.Metrics.Admitted(dec.Degraded)
	return &Admission{
		Key:        kc,
		Limits:     limits,
		Decision:   dec,
		Resolution: res,
		Estimate:   estimate,
		call:       call,
		adapter:    adapter,
		started:    d.now(),
	}, nil
}

func (d *Dispatcher) deny(call *Call, kc *credential.KeyContext, reason string, err error) {
	d.Metrics.Denied(reason)
	apiErr := domain.ToAPIError(err)
	d.emit(&usage.Record{
		ID:        usage.NewID(),
		RequestID: call.RequestID,
		KeyID:     kc.KeyID,
		OwnerID:   kc.OwnerID,
		Model:     strings.ToLower(call.Request.Model),
		Status:    apiErr.HTTPStatusCode(),
		CreatedAt: d.now().UTC(),
	})
}

// upstreamRequest is the request sent to the adapter: the resolved model id
// and no gateway extensions.
func (adm *Admission) upstreamRequest() *openai.ChatCompletionRequest {
	r := *adm.call.Request
	r.Model = adm.Resolution.Model
	r.Provider = ""
	return &r
}

// Complete invokes the provider for a non-streaming call and meters it.
func (d *Dispatcher) Complete(ctx context.Context, adm *Admission) (*openai.ChatCompletionResponse, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.complete")
	defer span.End()
	span.SetAttributes(attribute.String("gateway.provider", adm.Resolution.Provider))

	resp, err := adm.adapter.Complete(ctx, adm.upstreamRequest())
	latency := d.now().Sub(adm.started)
	if err != nil {
		apiErr := domain.ToAPIError(err)
		d.Metrics.Upstream(adm.Resolution.Provider, false, latency, string(apiErr.Kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apiErr.Kind))
		d.finish(ctx, adm, metered{status: apiErr.HTTPStatusCode()})
		return nil, err
	}
	d.Metrics.Upstream(adm.Resolution.Provider, false, latency, "")

	m := metered{status: http.StatusOK}
	if resp.Usage != nil {
		m.prompt = resp.Usage.PromptTokens
		m.completion = resp.Usage.CompletionTokens
	} else {
		m.prompt = adm.Estimate
		m.completion = d.Tokens.CountText(adm.Resolution.Model, responseText(resp)).Tokens
		m.estimated = true
		resp.Usage = &openai.Usage{
			PromptTokens:     m.prompt,
			CompletionTokens: m.completion,
			TotalTokens:      m.prompt + m.completion,
		}
	}
	rec := d.finish(ctx, adm, m)
	resp.GatewayUsage = GatewayUsage(rec)
	return resp, nil
}

// StatusClientClosed is recorded for calls the client abandoned before the
// provider was invoked.
const StatusClientClosed = 499

// Abort finishes an admission whose call never reached the provider. Nothing
// is charged beyond the admission estimate; the usage record is still
// emitted.
func (d *Dispatcher) Abort(ctx context.Context, adm *Admission) {
	d.finish(ctx, adm, metered{status: StatusClientClosed})
}

type metered struct {
	prompt     int
	completion int
	estimated  bool
	streamed   bool
	status     int
}

// finish releases the concurrency slot and runs the post-call accounting:
// limiter correction, trial usage or owner credits, the key's request
// counter and the usage record. None of it can fail the call.
func (d *Dispatcher) finish(ctx context.Context, adm *Admission, m metered) *usage.Record {
	var rec *usage.Record
	adm.once.Do(func() {
		kc := adm.Key
		defer d.Limiter.Release(kc.KeyID)

		ctx = context.WithoutCancel(ctx)
		total := m.prompt + m.completion
		ok := m.status < 400

		if total > 0 {
			d.Limiter.Settle(ctx, kc.KeyID, adm.Estimate, total)
		}
		if kc.Trial && ok {
			d.Trials.Record(ctx, kc.KeyID, int64(total), 1)
		}
		if ok {
			if err := d.Credentials.RecordRequest(ctx, kc.KeyID); err != nil && !errors.Is(err, credential.ErrNotFound) {
				d.Logger.Warn("failed to count key request",
					slog.String("key_id", kc.KeyID),
					slog.String("error", err.Error()))
			}
		}

		cost := 0.0
		if ok {
			cost = d.Pricing.Credits(adm.Resolution.Canonical, m.prompt, m.completion)
		}
		if ok && !kc.Trial && d.Credits != nil {
			d.Credits.Deduct(ctx, kc.OwnerID, cost)
		}
		rec = &usage.Record{
			ID:               usage.NewID(),
			RequestID:        adm.call.RequestID,
			KeyID:            kc.KeyID,
			OwnerID:          kc.OwnerID,
			Provider:         adm.Resolution.Provider,
			Model:            adm.Resolution.Model,
			PromptTokens:     m.prompt,
			CompletionTokens: m.completion,
			Credits:          cost,
			LatencyMS:        d.now().Sub(adm.started).Milliseconds(),
			Streamed:         m.streamed,
			Estimated:        m.estimated,
			Status:           m.status,
			CreatedAt:        d.now().UTC(),
		}
		d.Metrics.Metered(rec.Provider, rec.PromptTokens, rec.CompletionTokens, rec.Credits)
		d.emit(rec)
	})
	return rec
}

func (d *Dispatcher) emit(rec *usage.Record) {
	if d.Usage == nil {
		return
	}
	d.Usage.Emit(rec)
}

func responseText(resp *openai.ChatCompletionResponse) string {
	var b strings.Builder
	for _, c := range resp.Choices {
		b.WriteString(c.Message.Content.String())
		for _, tc := range c.Message.ToolCalls {
			b.WriteString(tc.Function.Name)
			b.WriteString(tc.Function.Arguments)
		}
	}
	return b.String()
}

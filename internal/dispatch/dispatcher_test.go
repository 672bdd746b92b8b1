package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/api/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/provider"
	"github.com/tjfontaine/llm-meter-gateway/internal/ratelimit"
	"github.com/tjfontaine/llm-meter-gateway/internal/resolver"
	"github.com/tjfontaine/llm-meter-gateway/internal/storage/memory"
	"github.com/tjfontaine/llm-meter-gateway/internal/tokens"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

const testSalt = "0123456789abcdef-test-salt"

type fakeAdapter struct {
	mu     sync.Mutex
	gotReq *openai.ChatCompletionRequest

	resp      *openai.ChatCompletionResponse
	err       error
	chunks    []string
	streamErr error
	midErr    error
	// hold keeps the stream open until the context ends.
	hold bool
}

func (f *fakeAdapter) Name() string { return "openai" }

func (f *fakeAdapter) record(req *openai.ChatCompletionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotReq = req
}

func (f *fakeAdapter) Complete(_ context.Context, req *openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	f.record(req)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req *openai.ChatCompletionRequest) (<-chan openai.StreamResult, error) {
	f.record(req)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	out := make(chan openai.StreamResult)
	go func() {
		defer close(out)
		send := func(r openai.StreamResult) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, c := range f.chunks {
			if !send(openai.StreamResult{Raw: []byte(c)}) {
				return
			}
		}
		if f.midErr != nil {
			send(openai.StreamResult{Err: f.midErr})
			return
		}
		if f.hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

type captureSink struct {
	mu      sync.Mutex
	records []*usage.Record
}

func (c *captureSink) Emit(r *usage.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *captureSink) all() []*usage.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*usage.Record(nil), c.records...)
}

type harness struct {
	d       *Dispatcher
	creds   *credential.Store
	store   *memory.Store
	ledger  *trial.Ledger
	credits *credits.Ledger
	limiter *ratelimit.Limiter
	adapter *fakeAdapter
	sink    *captureSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()

	creds, err := credential.NewStore(store.Keys(), testSalt, credential.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(creds.Close)

	adapter := &fakeAdapter{resp: &openai.ChatCompletionResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o",
		Choices: []openai.Choice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: openai.TextContent("hello there")},
			FinishReason: "stop",
		}},
		Usage: &openai.Usage{PromptTokens: 8, CompletionTokens: 5, TotalTokens: 13},
	}}
	providers := provider.NewRegistry()
	providers.Register(adapter)

	h := &harness{
		creds:   creds,
		store:   store,
		ledger:  trial.NewLedger(store.Trials(), trial.WithLogger(logger)),
		credits: credits.NewLedger(store.Credits(), credits.WithLogger(logger)),
		limiter: ratelimit.New(ratelimit.WithLogger(logger)),
		adapter: adapter,
		sink:    &captureSink{},
	}
	h.d = New(Deps{
		Credentials: creds,
		Limiter:     h.limiter,
		Trials:      h.ledger,
		Credits:     h.credits,
		Resolver:    resolver.New(nil, resolver.WithAvailable("openai")),
		Providers:   providers,
		Tokens:      tokens.NewRegistry(),
		Pricing:     usage.NewPricing(0.001, nil),
		Usage:       h.sink,
		Logger:      logger,
	}, domain.RateLimitConfig{})
	return h
}

func (h *harness) key(t *testing.T, p credential.CreateParams) (string, *credential.KeyContext) {
	t.Helper()
	if p.OwnerID == "" {
		p.OwnerID = "owner"
	}
	if p.Name == "" {
		p.Name = "key-" + time.Now().Format("150405.000000000")
	}
	secret, kc, err := h.creds.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return secret, kc
}

func chatCall(secret, model string) *Call {
	return &Call{
		Secret:    secret,
		Resource:  ResourceCompletions,
		RequestID: "req-1",
		Request: &openai.ChatCompletionRequest{
			Model:    model,
			Messages: []openai.ChatCompletionMessage{{Role: "user", Content: openai.TextContent("Say hello")}},
		},
	}
}

func kindOf(t *testing.T, err error) domain.ErrorKind {
	t.Helper()
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *domain.APIError", err, err)
	}
	return apiErr.Kind
}

func TestDispatcher_Complete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret, kc := h.key(t, credential.CreateParams{})

	call := chatCall(secret, "GPT-4o")
	call.Request.Provider = ""
	adm, err := h.d.Admit(ctx, call)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if adm.Resolution.Provider != "openai" || adm.Resolution.Model != "gpt-4o" {
		t.Errorf("Resolution = %+v, want openai/gpt-4o", adm.Resolution)
	}
	if adm.Estimate <= 0 {
		t.Errorf("Estimate = %d, want positive", adm.Estimate)
	}

	resp, err := h.d.Complete(ctx, adm)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if h.adapter.gotReq.Model != "gpt-4o" {
		t.Errorf("upstream model = %q, want gpt-4o", h.adapter.gotReq.Model)
	}
	if call.Request.Model != "GPT-4o" {
		t.Errorf("caller request mutated: model = %q", call.Request.Model)
	}
	if len(resp.GatewayUsage) == 0 {
		t.Error("GatewayUsage not set")
	}

	recs := h.sink.all()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.KeyID != kc.KeyID || rec.Status != http.StatusOK || rec.Streamed || rec.Estimated {
		t.Errorf("record = %+v, want non-streamed 200 for %s", rec, kc.KeyID)
	}
	if rec.PromptTokens != 8 || rec.CompletionTokens != 5 {
		t.Errorf("record tokens = (%d, %d), want (8, 5)", rec.PromptTokens, rec.CompletionTokens)
	}
	if want := 13 * 0.001; rec.Credits < want-1e-9 || rec.Credits > want+1e-9 {
		t.Errorf("Credits = %v, want %v", rec.Credits, want)
	}
	if rec.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", rec.RequestID)
	}

	stored, _ := h.store.Keys().Get(ctx, kc.KeyID)
	if stored.RequestsUsed != 1 {
		t.Errorf("RequestsUsed = %d, want 1", stored.RequestsUsed)
	}

	snap := h.limiter.Status(ctx, kc.KeyID, adm.Limits)
	if snap.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", snap.InFlight)
	}
	if got, want := snap.Windows[0].Tokens, int64(max(13, adm.Estimate)); got != want {
		t.Errorf("minute tokens after settle = %d, want %d", got, want)
	}
}

func TestDispatcher_CompleteWithoutUpstreamUsage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.adapter.resp.Usage = nil
	secret, _ := h.key(t, credential.CreateParams{})

	adm, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	resp, err := h.d.Complete(ctx, adm)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != adm.Estimate || resp.Usage.CompletionTokens == 0 {
		t.Errorf("Usage = %+v, want estimate %d and counted completion", resp.Usage, adm.Estimate)
	}
	if rec := h.sink.all()[0]; !rec.Estimated {
		t.Error("record not marked estimated")
	}
}

func TestDispatcher_AdmissionDenials(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	primary, primaryKC := h.key(t, credential.CreateParams{})
	readOnly, _ := h.key(t, credential.CreateParams{Scopes: credential.Scopes{credential.CapRead: {"*"}}})
	completionsOnly, _ := h.key(t, credential.CreateParams{Scopes: credential.Scopes{credential.CapWrite: {ResourceCompletions}}})

	tests := []struct {
		name       string
		call       *Call
		wantKind   domain.ErrorKind
		wantStatus int
		wantRecord bool
	}{
		{"missing key", chatCall("", "gpt-4o"), domain.KindAuthenticationFailed, 401, false},
		{"unknown key", chatCall("gw_live_bogus", "gpt-4o"), domain.KindAuthenticationFailed, 401, false},
		{"read-only scope", chatCall(readOnly, "gpt-4o"), domain.KindAuthorizationDenied, 403, true},
		{"wrong resource", func() *Call {
			c := chatCall(completionsOnly, "gpt-4o")
			c.Resource = ResourceMessages
			return c
		}(), domain.KindAuthorizationDenied, 403, true},
		{"unknown model", chatCall(primary, "mystery-model"), domain.KindModelNotResolved, 404, true},
		{"unavailable provider", chatCall(primary, "deepseek-ai/deepseek-v3"), domain.KindModelNotResolved, 404, true},
		{"empty messages", &Call{Secret: primary, Request: &openai.ChatCompletionRequest{Model: "gpt-4o"}}, domain.KindInvalidRequest, 400, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(h.sink.all())
			_, err := h.d.Admit(ctx, tt.call)
			if got := kindOf(t, err); got != tt.wantKind {
				t.Errorf("Kind = %s, want %s", got, tt.wantKind)
			}
			recs := h.sink.all()[before:]
			if tt.wantRecord != (len(recs) == 1) {
				t.Fatalf("records emitted = %d, want record %v", len(recs), tt.wantRecord)
			}
			if tt.wantRecord && recs[0].Status != tt.wantStatus {
				t.Errorf("record status = %d, want %d", recs[0].Status, tt.wantStatus)
			}
		})
	}

	// Model denials never take a slot or charge a window.
	snap := h.limiter.Status(ctx, primaryKC.KeyID, domain.RateLimitConfig{})
	if snap.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", snap.InFlight)
	}
	if snap.Windows[0].Requests != 0 {
		t.Errorf("minute requests = %d after denials, want 0", snap.Windows[0].Requests)
	}
}

func TestDispatcher_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret, _ := h.key(t, credential.CreateParams{RateLimit: &domain.RateLimitConfig{RequestsPerMinute: 1}})

	adm, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	if _, err := h.d.Complete(ctx, adm); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	_, err = h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != domain.KindRateLimited {
		t.Fatalf("second Admit() error = %v, want rate limited", err)
	}
	if apiErr.Tier != "minute" || apiErr.RetryAfter <= 0 {
		t.Errorf("denial = tier %q retry %d, want minute with a retry hint", apiErr.Tier, apiErr.RetryAfter)
	}
}

func TestDispatcher_ConcurrencySlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret, _ := h.key(t, credential.CreateParams{RateLimit: &domain.RateLimitConfig{ConcurrencyLimit: 1}})

	first, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o")); kindOf(t, err) != domain.KindRateLimited {
		t.Fatalf("Admit() while in flight error = %v, want rate limited", err)
	}

	h.d.Abort(ctx, first)
	h.d.Abort(ctx, first)
	recs := h.sink.all()
	if last := recs[len(recs)-1]; last.Status != StatusClientClosed || last.Credits != 0 {
		t.Errorf("abort record = %+v, want uncharged %d", last, StatusClientClosed)
	}
	second, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() after Abort error = %v", err)
	}
	if _, err := h.d.Complete(ctx, second); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o")); err != nil {
		t.Errorf("Admit() after Complete error = %v", err)
	}
}

func TestDispatcher_TrialExhaustion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret, kc := h.key(t, credential.CreateParams{Trial: true})
	if !kc.Trial {
		t.Fatal("primary key created with Trial is not a trial key")
	}
	_, err := h.ledger.Issue(ctx, kc.KeyID, trial.Allotment{Duration: time.Hour, MaxTokens: 10, MaxRequests: 100, MaxCredits: 100})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	adm, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, err := h.d.Complete(ctx, adm); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	_, err = h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != domain.KindTrialExhausted {
		t.Fatalf("Admit() error = %v, want trial exhausted", err)
	}
	if apiErr.Dimension != "tokens" || apiErr.HTTPStatusCode() != http.StatusPaymentRequired {
		t.Errorf("denial = %s/%d, want tokens/402", apiErr.Dimension, apiErr.HTTPStatusCode())
	}
	if snap := h.limiter.Status(ctx, kc.KeyID, adm.Limits); snap.InFlight != 0 {
		t.Errorf("InFlight = %d after trial denial, want 0", snap.InFlight)
	}
}

func TestDispatcher_RefusalHoldsNoSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	limits := &domain.RateLimitConfig{ConcurrencyLimit: 1}
	secret, kc := h.key(t, credential.CreateParams{Trial: true, RateLimit: limits})
	_, err := h.ledger.Issue(ctx, kc.KeyID, trial.Allotment{Duration: time.Hour, MaxTokens: 0, MaxRequests: 10, MaxCredits: 1})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
			if got := kindOf(t, err); got != domain.KindTrialExhausted {
				t.Errorf("Admit() kind = %s, want %s", got, domain.KindTrialExhausted)
			}
		}()
	}
	wg.Wait()

	snap := h.limiter.Status(ctx, kc.KeyID, *limits)
	if snap.InFlight != 0 || snap.Windows[0].Requests != 0 {
		t.Errorf("after trial refusals InFlight = %d, minute requests = %d, want 0, 0", snap.InFlight, snap.Windows[0].Requests)
	}
}

func TestDispatcher_OwnerCredits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret, kc := h.key(t, credential.CreateParams{OwnerID: "acme"})

	// Owners without an account are not metered.
	adm, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() without account error = %v", err)
	}
	h.d.Complete(ctx, adm)

	// 13 tokens at 0.001 costs 0.013.
	if err := h.credits.Open(ctx, "acme", 0.02); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	adm, err = h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() with balance error = %v", err)
	}
	if _, err := h.d.Complete(ctx, adm); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	acct, _ := h.credits.Balance(ctx, "acme")
	if want := 0.02 - 0.013; acct.Balance < want-1e-9 || acct.Balance > want+1e-9 {
		t.Errorf("Balance = %v, want %v", acct.Balance, want)
	}

	// The next call overdraws; the one after is refused.
	adm, err = h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() with small balance error = %v", err)
	}
	h.d.Complete(ctx, adm)

	_, err = h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != domain.KindInsufficientCredits {
		t.Fatalf("Admit() error = %v, want insufficient credits", err)
	}
	if apiErr.HTTPStatusCode() != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402", apiErr.HTTPStatusCode())
	}
	if snap := h.limiter.Status(ctx, kc.KeyID, domain.RateLimitConfig{}); snap.InFlight != 0 {
		t.Errorf("InFlight = %d after credit refusal, want 0", snap.InFlight)
	}
	recs := h.sink.all()
	if last := recs[len(recs)-1]; last.Status != http.StatusPaymentRequired {
		t.Errorf("refusal record status = %d, want 402", last.Status)
	}

	// Failed upstream calls are not charged.
	if _, err := h.credits.TopUp(ctx, "acme", 1); err != nil {
		t.Fatalf("TopUp() error = %v", err)
	}
	before, _ := h.credits.Balance(ctx, "acme")
	h.adapter.err = &domain.UpstreamError{Provider: "openai", Category: domain.FailureFatal, StatusCode: 400}
	adm, err = h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() after top-up error = %v", err)
	}
	h.d.Complete(ctx, adm)
	after, _ := h.credits.Balance(ctx, "acme")
	if after.Balance != before.Balance {
		t.Errorf("Balance = %v after failed call, want %v", after.Balance, before.Balance)
	}
}

func TestDispatcher_TrialKeysSkipOwnerCredits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	secret, kc := h.key(t, credential.CreateParams{OwnerID: "trialist", Trial: true})
	if _, err := h.ledger.Issue(ctx, kc.KeyID, trial.DefaultAllotment()); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := h.credits.Open(ctx, "trialist", 0); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	adm, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() error = %v, want trial key admitted despite empty balance", err)
	}
	if _, err := h.d.Complete(ctx, adm); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	acct, _ := h.credits.Balance(ctx, "trialist")
	if acct.Balance != 0 {
		t.Errorf("Balance = %v, want 0", acct.Balance)
	}
}

func TestDispatcher_UpstreamFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.adapter.err = &domain.UpstreamError{Provider: "openai", Category: domain.FailureTransient, StatusCode: 503, Message: "overloaded"}
	secret, kc := h.key(t, credential.CreateParams{})

	adm, err := h.d.Admit(ctx, chatCall(secret, "gpt-4o"))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	_, err = h.d.Complete(ctx, adm)
	apiErr := domain.ToAPIError(err)
	if apiErr.Kind != domain.KindUpstreamTransient || apiErr.HTTPStatusCode() != http.StatusServiceUnavailable {
		t.Errorf("Complete() error = %v, want transient 503", err)
	}

	recs := h.sink.all()
	if len(recs) != 1 || recs[0].Status != http.StatusServiceUnavailable || recs[0].Credits != 0 {
		t.Errorf("records = %+v, want one uncharged 503 record", recs)
	}
	stored, _ := h.store.Keys().Get(ctx, kc.KeyID)
	if stored.RequestsUsed != 0 {
		t.Errorf("RequestsUsed = %d after failure, want 0", stored.RequestsUsed)
	}
}

func TestDispatcher_SetDefaultLimits(t *testing.T) {
	h := newHarness(t)
	own := &domain.RateLimitConfig{RequestsPerMinute: 7}

	h.d.SetDefaultLimits(domain.RateLimitConfig{RequestsPerMinute: 42})
	if got := h.d.LimitsFor(&credential.KeyContext{}); got.RequestsPerMinute != 42 {
		t.Errorf("LimitsFor(default) rpm = %d, want 42", got.RequestsPerMinute)
	}
	if got := h.d.LimitsFor(&credential.KeyContext{RateLimit: own}); got.RequestsPerMinute != 7 {
		t.Errorf("LimitsFor(own) rpm = %d, want 7", got.RequestsPerMinute)
	}
}

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/llm-meter-gateway/internal/admin"
	"github.com/tjfontaine/llm-meter-gateway/internal/config"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

const testJWTSecret = "runtime-test-jwt-secret-0123456789abcdef"

const upstreamCompletion = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-2024-08-06",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, upstreamCompletion)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{RequestTimeout: 10 * time.Second, ShutdownTimeout: 5 * time.Second},
		Storage:  config.StorageConfig{Driver: "memory"},
		Counters: config.CountersConfig{Timeout: 250 * time.Millisecond},
		Security: config.SecurityConfig{
			KeySalt: "runtime-test-salt-0123456789",
			Admin:   config.AdminConfig{JWTSecret: testJWTSecret, Issuer: "llm-meter-gateway"},
		},
		RateLimit: config.RateLimitConfig{
			Defaults: domain.RateLimitConfig{RequestsPerMinute: 60},
			Presets:  map[string]domain.RateLimitConfig{"premium": {RequestsPerMinute: 600}},
		},
		Trial: config.TrialConfig{Duration: time.Hour, MaxTokens: 1000, MaxRequests: 10, MaxCredits: 1, CreditPerToken: 0.001},
		Providers: []config.ProviderConfig{
			{Name: "openai", Type: "openai", APIKey: "sk-test", BaseURL: upstreamURL},
		},
		Credits:   config.CreditsConfig{InitialGrant: 10},
		Pricing:   config.PricingConfig{CreditPerToken: 0.001},
		Usage:     config.UsageConfig{QueueSize: 16},
		Telemetry: config.TelemetryConfig{ServiceName: "llm-meter-gateway-test"},
	}
}

type testGateway struct {
	*Gateway
	srv   *httptest.Server
	token string
}

func startGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	gw, err := New(context.Background(), cfg, WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})

	auth, err := admin.NewAuthenticator(testJWTSecret, "llm-meter-gateway")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	token, err := auth.Sign(admin.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "runtime-test",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return &testGateway{Gateway: gw, srv: srv, token: token}
}

func (g *testGateway) do(t *testing.T, method, path, bearer, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (g *testGateway) createKey(t *testing.T, body string) (id, secret string) {
	t.Helper()
	status, data := g.do(t, http.MethodPost, AdminPrefix+"/keys", g.token, body)
	if status != http.StatusCreated {
		t.Fatalf("create key = %d, want 201; body %s", status, data)
	}
	var resp struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode key: %v", err)
	}
	return resp.ID, resp.Secret
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

func TestGateway_EndToEnd(t *testing.T) {
	g := startGateway(t, testConfig(newUpstream(t).URL))
	keyID, secret := g.createKey(t, `{"owner_id":"acme","name":"Primary"}`)

	status, data := g.do(t, http.MethodPost, "/v1/chat/completions", secret, chatBody)
	if status != http.StatusOK {
		t.Fatalf("chat completions = %d, want 200; body %s", status, data)
	}
	if !strings.Contains(string(data), `"Hello"`) {
		t.Errorf("body = %s, want upstream content", data)
	}

	// Usage records are written asynchronously.
	var records []map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, data = g.do(t, http.MethodGet, AdminPrefix+"/usage?key_id="+keyID, g.token, "")
		var resp struct {
			Records []map[string]any `json:"records"`
		}
		_ = json.Unmarshal(data, &resp)
		if records = resp.Records; len(records) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	if records[0]["provider"] != "openai" || records[0]["prompt_tokens"] != float64(5) {
		t.Errorf("record = %v, want openai with 5 prompt tokens", records[0])
	}

	_, data = g.do(t, http.MethodGet, AdminPrefix+"/owners/acme/credits", g.token, "")
	var acct struct {
		Balance float64 `json:"balance"`
	}
	if err := json.Unmarshal(data, &acct); err != nil || acct.Balance >= 10 || acct.Balance <= 9 {
		t.Errorf("owner balance = %s, want slightly under the grant of 10", data)
	}

	status, data = g.do(t, http.MethodGet, "/metrics", "", "")
	if status != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", status)
	}
	for _, name := range []string{"gateway_tokens_total", "http_requests_total", "go_goroutines"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}

	if status, _ := g.do(t, http.MethodGet, "/ready", "", ""); status != http.StatusOK {
		t.Errorf("/ready = %d, want 200", status)
	}
}

func TestGateway_Reload(t *testing.T) {
	cfg := testConfig(newUpstream(t).URL)
	g := startGateway(t, cfg)
	_, secret := g.createKey(t, `{"owner_id":"acme","name":"Primary"}`)

	next := testConfig(cfg.Providers[0].BaseURL)
	next.RateLimit.Defaults = domain.RateLimitConfig{RequestsPerMinute: 1}
	g.Reload(next)

	if status, data := g.do(t, http.MethodPost, "/v1/chat/completions", secret, chatBody); status != http.StatusOK {
		t.Fatalf("first call = %d, want 200; body %s", status, data)
	}
	if status, _ := g.do(t, http.MethodPost, "/v1/chat/completions", secret, chatBody); status != http.StatusTooManyRequests {
		t.Errorf("second call after reload = %d, want 429", status)
	}
}

func TestGateway_OwnerWithoutCredits(t *testing.T) {
	cfg := testConfig(newUpstream(t).URL)
	cfg.Credits.InitialGrant = 0
	g := startGateway(t, cfg)
	_, secret := g.createKey(t, `{"owner_id":"broke","name":"Primary"}`)

	status, data := g.do(t, http.MethodPost, "/v1/chat/completions", secret, chatBody)
	if status != http.StatusPaymentRequired || !strings.Contains(string(data), "insufficient_credits") {
		t.Fatalf("call without credits = %d %s, want 402 insufficient_credits", status, data)
	}

	if status, data := g.do(t, http.MethodPost, AdminPrefix+"/owners/broke/credits", g.token, `{"amount":1}`); status != http.StatusOK {
		t.Fatalf("top up = %d, want 200; body %s", status, data)
	}
	if status, data := g.do(t, http.MethodPost, "/v1/chat/completions", secret, chatBody); status != http.StatusOK {
		t.Errorf("call after top-up = %d, want 200; body %s", status, data)
	}
}

func TestGateway_AdminDisabled(t *testing.T) {
	cfg := testConfig(newUpstream(t).URL)
	cfg.Security.Admin.JWTSecret = ""
	g := startGateway(t, cfg)

	if status, _ := g.do(t, http.MethodGet, AdminPrefix+"/keys?owner=acme", g.token, ""); status != http.StatusNotFound {
		t.Errorf("admin route without secret = %d, want 404", status)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown storage driver", func(c *config.Config) { c.Storage.Driver = "bogus" }},
		{"short key salt", func(c *config.Config) { c.Security.KeySalt = "short" }},
		{"unknown provider type", func(c *config.Config) { c.Providers[0].Type = "bedrock" }},
		{"short admin secret", func(c *config.Config) { c.Security.Admin.JWTSecret = "tiny" }},
		{"missing overrides file", func(c *config.Config) { c.Models.OverridesFile = "/nonexistent/overrides.yaml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			tt.mutate(cfg)
			if _, err := New(context.Background(), cfg, WithLogger(slog.New(slog.DiscardHandler))); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestGateway_Run(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	gw, err := New(context.Background(), testConfig("http://127.0.0.1:1"),
		WithLogger(slog.New(slog.DiscardHandler)), WithListener(l))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	var resp *http.Response
	for range 50 {
		resp, err = http.Get("http://" + l.Addr().String() + "/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want clean shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// Package admin is the key management API mounted at /admin/v1. Every
// route requires an HS256 bearer token.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/llm-meter-gateway/internal/codec"
	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
	"github.com/tjfontaine/llm-meter-gateway/internal/ratelimit"
	"github.com/tjfontaine/llm-meter-gateway/internal/server"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// LimitsSource resolves the rate-limit configuration in force for a key.
type LimitsSource interface {
	LimitsFor(kc *credential.KeyContext) domain.RateLimitConfig
}

type Deps struct {
	Keys    *credential.Store
	Limiter *ratelimit.Limiter
	Trials  *trial.Ledger
	Credits *credits.Ledger
	Usage   usage.Reader
	Limits  LimitsSource
	Logger  *slog.Logger
}

// API serves the admin routes. Presets, the trial allotment and the initial
// credit grant can be swapped while it runs.
type API struct {
	Deps
	presets   atomic.Pointer[map[string]domain.RateLimitConfig]
	allotment atomic.Pointer[trial.Allotment]
	grant     atomic.Pointer[float64]
}

func New(deps Deps, presets map[string]domain.RateLimitConfig, allotment trial.Allotment, grant float64) *API {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	a := &API{Deps: deps}
	a.SetPresets(presets)
	a.SetTrialAllotment(allotment)
	a.SetInitialGrant(grant)
	return a
}

func (a *API) SetPresets(p map[string]domain.RateLimitConfig) {
	cp := make(map[string]domain.RateLimitConfig, len(p))
	for k, v := range p {
		cp[k] = v
	}
	a.presets.Store(&cp)
}

func (a *API) SetTrialAllotment(t trial.Allotment) {
	a.allotment.Store(&t)
}

// SetInitialGrant sets the balance opened for owners seen for the first time.
func (a *API) SetInitialGrant(g float64) {
	a.grant.Store(&g)
}

// Routes returns the admin router guarded by auth.
func (a *API) Routes(auth *Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware)

	r.Route("/keys", func(r chi.Router) {
		r.Post("/", a.createKey)
		r.Get("/", a.listKeys)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getKey)
			r.Patch("/", a.updateKey)
			r.Delete("/", a.deleteKey)
			r.Post("/rotate", a.rotateKey)
			r.Post("/deactivate", a.deactivateKey)
			r.Get("/ratelimit", a.rateLimitStatus)
			r.Get("/trial", a.trialStatus)
		})
	})
	r.Route("/owners/{owner}/credits", func(r chi.Router) {
		r.Get("/", a.getCredits)
		r.Post("/", a.topUpCredits)
	})
	r.Get("/usage", a.listUsage)
	return r
}

func (a *API) preset(name string) (*domain.RateLimitConfig, error) {
	cfg, ok := (*a.presets.Load())[name]
	if !ok {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("unknown rate limit preset %q", name)).WithParam("preset")
	}
	return &cfg, nil
}

func (a *API) createKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createKeyRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	limits := req.RateLimit
	if req.Preset != "" {
		if limits != nil {
			a.fail(w, r, domain.ErrInvalidRequest("preset and rate_limit are mutually exclusive").WithParam("preset"))
			return
		}
		// The preset's values are copied into the key; later preset edits do
		// not move existing keys.
		p, err := a.preset(req.Preset)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		limits = p
	}

	secret, kc, err := a.Keys.Create(ctx, credential.CreateParams{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Environment: credential.Environment(req.Environment),
		Scopes:      toScopes(req.Scopes),
		RateLimit:   limits,
		IPAllowlist: req.IPAllowlist,
		Domains:     req.Domains,
		MaxRequests: req.MaxRequests,
		ExpiresIn:   time.Duration(req.ExpiresInSeconds) * time.Second,
		Primary:     req.Primary,
		Trial:       req.Trial,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	server.AddLogField(ctx, "key_id", kc.KeyID)

	resp := newKeyResponse(kc)
	resp.Secret = secret
	if kc.Trial {
		st, err := a.Trials.Issue(ctx, kc.KeyID, *a.allotment.Load())
		if err != nil {
			// A trial key without trial state would be admitted without caps.
			if derr := a.Keys.Delete(ctx, kc.KeyID); derr != nil {
				a.Logger.Error("failed to remove key after trial issuance failed",
					slog.String("key_id", kc.KeyID),
					slog.String("error", derr.Error()))
			}
			a.fail(w, r, domain.ErrInternal(err))
			return
		}
		resp.TrialSet = st
	}
	if a.Credits != nil {
		// An owner without an account is unmetered, so a failure here only
		// delays metering until the next key or top-up.
		if err := a.Credits.Open(ctx, kc.OwnerID, *a.grant.Load()); err != nil {
			a.Logger.Error("failed to open credit account",
				slog.String("owner_id", kc.OwnerID),
				slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) listKeys(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		a.fail(w, r, domain.ErrInvalidRequest("owner query parameter is required").WithParam("owner"))
		return
	}
	keys, err := a.Keys.List(r.Context(), owner)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]*keyResponse, 0, len(keys))
	for _, kc := range keys {
		out = append(out, newKeyResponse(kc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (a *API) getKey(w http.ResponseWriter, r *http.Request) {
	kc, err := a.Keys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyResponse(kc))
}

func (a *API) updateKey(w http.ResponseWriter, r *http.Request) {
	var req patchKeyRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	p := credential.Patch{
		Name:        req.Name,
		RateLimit:   req.RateLimit,
		IPAllowlist: req.IPAllowlist,
		Domains:     req.Domains,
		MaxRequests: req.MaxRequests,
		Active:      req.Active,
		Primary:     req.Primary,
	}
	if req.Scopes != nil {
		s := toScopes(*req.Scopes)
		p.Scopes = &s
	}
	if req.Preset != nil {
		if req.RateLimit != nil {
			a.fail(w, r, domain.ErrInvalidRequest("preset and rate_limit are mutually exclusive").WithParam("preset"))
			return
		}
		cfg, err := a.preset(*req.Preset)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		p.RateLimit = cfg
	}
	if req.ExpiresInSeconds != nil {
		d := time.Duration(*req.ExpiresInSeconds) * time.Second
		p.ExpiresIn = &d
	}

	kc, err := a.Keys.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newKeyResponse(kc))
}

func (a *API) rotateKey(w http.ResponseWriter, r *http.Request) {
	secret, kc, err := a.Keys.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := newKeyResponse(kc)
	resp.Secret = secret
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) deactivateKey(w http.ResponseWriter, r *http.Request) {
	if err := a.Keys.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := a.Keys.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kc, err := a.Keys.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	cfg := a.Limits.LimitsFor(kc)
	snap := a.Limiter.Status(ctx, kc.KeyID, cfg)
	writeJSON(w, http.StatusOK, newRateLimitResponse(kc.KeyID, cfg, snap))
}

func (a *API) trialStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, status, err := a.Trials.Status(r.Context(), id)
	if errors.Is(err, trial.ErrNotFound) {
		a.fail(w, r, domain.ErrInvalidRequest(fmt.Sprintf("no trial for key %s", id)).WithStatusCode(http.StatusNotFound))
		return
	}
	if err != nil {
		a.fail(w, r, domain.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, trialResponse{State: st, Status: status})
}

func (a *API) getCredits(w http.ResponseWriter, r *http.Request) {
	if a.Credits == nil {
		a.fail(w, r, domain.ErrInvalidRequest("credit metering is disabled").WithStatusCode(http.StatusNotFound))
		return
	}
	owner := chi.URLParam(r, "owner")
	acct, err := a.Credits.Balance(r.Context(), owner)
	if errors.Is(err, credits.ErrNotFound) {
		a.fail(w, r, domain.ErrInvalidRequest(fmt.Sprintf("no credit account for owner %s", owner)).WithStatusCode(http.StatusNotFound))
		return
	}
	if err != nil {
		a.fail(w, r, domain.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) topUpCredits(w http.ResponseWriter, r *http.Request) {
	if a.Credits == nil {
		a.fail(w, r, domain.ErrInvalidRequest("credit metering is disabled").WithStatusCode(http.StatusNotFound))
		return
	}
	var req topUpRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	owner := chi.URLParam(r, "owner")
	acct, err := a.Credits.TopUp(r.Context(), owner, req.Amount)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "owner_id", owner)
	writeJSON(w, http.StatusOK, acct)
}

func (a *API) listUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := usage.Filter{KeyID: q.Get("key_id"), OwnerID: q.Get("owner"), Limit: 100}
	if f.KeyID == "" && f.OwnerID == "" {
		a.fail(w, r, domain.ErrInvalidRequest("key_id or owner is required").WithParam("key_id"))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			a.fail(w, r, domain.ErrInvalidRequest("limit must be between 1 and 1000").WithParam("limit"))
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			a.fail(w, r, domain.ErrInvalidRequest("since must be an RFC 3339 timestamp").WithParam("since"))
			return
		}
		f.Since = since
	}

	records, err := a.Usage.ListUsage(r.Context(), f)
	if err != nil {
		a.fail(w, r, domain.ErrInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	codec.WriteError(w, err, codec.APITypeOpenAI)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrInvalidRequest(fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := validate.Struct(v); err != nil {
		return domain.ErrInvalidRequest(fmt.Sprintf("validation error: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/llm-meter-gateway/internal/domain"
)

// Tier names the check that denied a request.
type Tier string

const (
	TierConcurrency Tier = "concurrency"
	TierBurst       Tier = "burst"
	TierMinute      Tier = "minute"
	TierHour        Tier = "hour"
	TierDay         Tier = "day"
)

type window struct {
	tier   Tier
	length time.Duration
	layout string
}

var windows = []window{
	{TierMinute, time.Minute, "200601021504"},
	{TierHour, time.Hour, "2006010215"},
	{TierDay, 24 * time.Hour, "20060102"},
}

// WindowUsage is one tier's counters at the time of a check.
type WindowUsage struct {
	Tier         Tier
	Requests     int64
	Tokens       int64
	RequestLimit int
	TokenLimit   int
	ResetAt      time.Time
}

// RequestsRemaining returns the requests left in the window, or -1 when the
// tier has no request ceiling.
func (w WindowUsage) RequestsRemaining() int64 {
	if w.RequestLimit <= 0 {
		return -1
	}
	return max(int64(w.RequestLimit)-w.Requests, 0)
}

// TokensRemaining returns the tokens left in the window, or -1 when the tier
// has no token ceiling.
func (w WindowUsage) TokensRemaining() int64 {
	if w.TokenLimit <= 0 {
		return -1
	}
	return max(int64(w.TokenLimit)-w.Tokens, 0)
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed bool
	Tier    Tier
	// Dimension is "requests" or "tokens" for window denials.
	Dimension  string
	RetryAfter time.Duration
	// Degraded is set when the shared store could not be used and only
	// in-process state was consulted.
	Degraded bool
	// Reason explains a fail-open admission.
	Reason string
	// Minute is the minute-window usage after this admission.
	Minute WindowUsage
}

// Err converts a denial to the gateway error taxonomy.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	return domain.ErrRateLimited(string(d.Tier), max(secs, 1))
}

type keyState struct {
	mu         sync.Mutex
	inflight   int
	burstCount int
	burstStart time.Time

	// refs counts callers holding this state; guarded by Limiter.mu.
	refs int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSharedStore sets the cross-instance counter store.
func WithSharedStore(store CounterStore) Option {
	return func(l *Limiter) {
		l.shared = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
		l.local.now = now
	}
}

// WithBurstWindow sets the burst counter period.
func WithBurstWindow(d time.Duration) Option {
	return func(l *Limiter) {
		l.burstWindow = d
	}
}

// WithStoreTimeout bounds each shared-store round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.storeTimeout = d
	}
}

// Limiter is the RateLimiter. Per-key state transitions are serialized by a
// per-key mutex; different keys never contend. Idle per-key state is evicted
// once a minute.
type Limiter struct {
	shared       CounterStore
	local        *MemoryStore
	logger       *slog.Logger
	now          func() time.Time
	burstWindow  time.Duration
	storeTimeout time.Duration

	mu        sync.Mutex
	states    map[string]*keyState
	lastSweep time.Time
}

const stateSweepInterval = time.Minute

// New creates a Limiter. Without WithSharedStore it runs purely in-process.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		local:        NewMemoryStore(),
		logger:       slog.Default(),
		now:          time.Now,
		burstWindow:  time.Second,
		storeTimeout: 250 * time.Millisecond,
		states:       make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) acquire(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := l.now(); now.Sub(l.lastSweep) >= stateSweepInterval {
		l.sweep(now)
	}
	ks, ok := l.states[key]
	if !ok {
		ks = &keyState{}
		l.states[key] = ks
	}
	ks.refs++
	return ks
}

func (l *Limiter) lookup(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()

	ks, ok := l.states[key]
	if !ok {
		return nil
	}
	ks.refs++
	return ks
}

func (l *Limiter) unref(ks *keyState) {
	l.mu.Lock()
	ks.refs--
	l.mu.Unlock()
}

// sweep drops state with no slot held, no caller holding it and an elapsed
// burst window. Callers hold l.mu.
func (l *Limiter) sweep(now time.Time) {
	for key, ks := range l.states {
		if ks.refs > 0 || !ks.mu.TryLock() {
			continue
		}
		idle := ks.inflight == 0 && now.Sub(ks.burstStart) >= l.burstWindow
		ks.mu.Unlock()
		if idle {
			delete(l.states, key)
		}
	}
	l.lastSweep = now
}

// Check runs the admission checks for key in the order concurrency, burst,
// minute, hour, day and reports the first ceiling violated. On success every
// window and the concurrency counter are charged; the caller must Release
// once the request completes. Check never returns an error: store failures
// and unexpected faults admit with a logged reason, but a computed denial is
// never turned into an admission.
func (l *Limiter) Check(ctx context.Context, key string, cfg domain.RateLimitConfig, estimatedTokens int) Decision {
	d, _ := l.CheckThen(ctx, key, cfg, estimatedTokens, nil)
	return d
}

// CheckThen is Check with a gate that runs, under the key's lock, after every
// ceiling has passed and before anything is charged. When the gate fails its
// error is returned, nothing is charged and no concurrency slot is taken. A
// rate-limit denial is reported without running the gate.
func (l *Limiter) CheckThen(ctx context.Context, key string, cfg domain.RateLimitConfig, estimatedTokens int, gate func() error) (Decision, error) {
	ks := l.acquire(key)
	defer l.unref(ks)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := l.now()
	tokens := int64(max(estimatedTokens, 0))

	d, usage := l.evaluate(ctx, key, ks, cfg, tokens, now)
	if !d.Allowed {
		return d, nil
	}
	if gate != nil {
		if err := gate(); err != nil {
			return Decision{}, err
		}
	}
	if usage != nil {
		d = l.charge(ctx, key, usage, tokens, now, d)
	}
	ks.inflight++
	return d, nil
}

// evaluate decides without charging. A fault admits with no usage, so the
// windows are left alone.
func (l *Limiter) evaluate(ctx context.Context, key string, ks *keyState, cfg domain.RateLimitConfig, tokens int64, now time.Time) (d Decision, usage []WindowUsage) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("rate limiter fault, admitting request",
				slog.String("key_id", key),
				slog.String("panic", fmt.Sprint(r)))
			d = Decision{Allowed: true, Degraded: true, Reason: "internal fault"}
			usage = nil
		}
	}()

	if cfg.ConcurrencyLimit > 0 && ks.inflight >= cfg.ConcurrencyLimit {
		return Decision{Tier: TierConcurrency, RetryAfter: time.Minute}, nil
	}

	if ks.burstStart.IsZero() || now.Sub(ks.burstStart) >= l.burstWindow {
		ks.burstStart = now
		ks.burstCount = 0
	}
	ks.burstCount++
	if cfg.BurstLimit > 0 && ks.burstCount > cfg.BurstLimit {
		return Decision{Tier: TierBurst, RetryAfter: ks.burstStart.Add(l.burstWindow).Sub(now)}, nil
	}

	usage, degraded := l.read(ctx, key, cfg, now)
	for _, u := range usage {
		if u.RequestLimit > 0 && u.Requests >= int64(u.RequestLimit) {
			return Decision{Tier: u.Tier, Dimension: "requests", RetryAfter: u.ResetAt.Sub(now), Degraded: degraded}, nil
		}
		if u.TokenLimit > 0 && u.Tokens+tokens > int64(u.TokenLimit) {
			return Decision{Tier: u.Tier, Dimension: "tokens", RetryAfter: u.ResetAt.Sub(now), Degraded: degraded}, nil
		}
	}
	return Decision{Allowed: true, Degraded: degraded}, usage
}

func (l *Limiter) charge(ctx context.Context, key string, usage []WindowUsage, tokens int64, now time.Time, d Decision) (out Decision) {
	out = d
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("rate limiter fault while charging, admitting request",
				slog.String("key_id", key),
				slog.String("panic", fmt.Sprint(r)))
			out = Decision{Allowed: true, Degraded: true, Reason: "internal fault"}
		}
	}()

	incs := l.increments(key, now, 1, tokens)
	// The local mirror always sees every admission so a later outage still
	// has this instance's counts.
	_ = l.local.IncrementMany(ctx, incs)
	degraded := d.Degraded
	if l.shared != nil && !degraded {
		sctx, cancel := l.storeContext(ctx)
		err := l.shared.IncrementMany(sctx, incs)
		cancel()
		if err != nil {
			l.logger.Warn("shared counter store increment failed",
				slog.String("key_id", key),
				slog.String("error", err.Error()))
			degraded = true
		}
	}

	minute := usage[0]
	minute.Requests++
	minute.Tokens += tokens

	out = Decision{Allowed: true, Degraded: degraded, Minute: minute}
	if degraded {
		out.Reason = "shared counter store unavailable"
	}
	return out
}

// Release returns the concurrency slot taken by an admitted Check.
func (l *Limiter) Release(key string) {
	ks := l.lookup(key)
	if ks == nil {
		return
	}
	defer l.unref(ks)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.inflight > 0 {
		ks.inflight--
	}
}

// Settle charges the token windows with the difference between the true
// token count and the estimate taken at admission. Over-estimates are not
// refunded.
func (l *Limiter) Settle(ctx context.Context, key string, estimated, actual int) {
	delta := int64(actual - estimated)
	if delta <= 0 {
		return
	}

	incs := l.increments(key, l.now(), 0, delta)
	_ = l.local.IncrementMany(ctx, incs)
	if l.shared == nil {
		return
	}
	sctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.shared.IncrementMany(sctx, incs); err != nil {
		l.logger.Warn("shared counter store settle failed",
			slog.String("key_id", key),
			slog.String("error", err.Error()))
	}
}

// Snapshot is a read-only view of a key's limiter state.
type Snapshot struct {
	Windows  []WindowUsage
	InFlight int
	Burst    int
	Degraded bool
}

// Status reports the key's current counters without charging anything.
func (l *Limiter) Status(ctx context.Context, key string, cfg domain.RateLimitConfig) Snapshot {
	var inflight, burst int
	if ks := l.lookup(key); ks != nil {
		ks.mu.Lock()
		inflight, burst = ks.inflight, ks.burstCount
		if l.now().Sub(ks.burstStart) >= l.burstWindow {
			burst = 0
		}
		ks.mu.Unlock()
		l.unref(ks)
	}

	usage, degraded := l.read(ctx, key, cfg, l.now())
	return Snapshot{Windows: usage, InFlight: inflight, Burst: burst, Degraded: degraded}
}

func (l *Limiter) read(ctx context.Context, key string, cfg domain.RateLimitConfig, now time.Time) ([]WindowUsage, bool) {
	if l.shared != nil {
		sctx, cancel := l.storeContext(ctx)
		usage, err := readWindows(sctx, l.shared, key, cfg, now)
		cancel()
		if err == nil {
			return usage, false
		}
		l.logger.Warn("shared counter store unavailable, using local counters",
			slog.String("key_id", key),
			slog.String("error", err.Error()))
	}

	usage, _ := readWindows(ctx, l.local, key, cfg, now)
	return usage, l.shared != nil
}

func readWindows(ctx context.Context, store CounterStore, key string, cfg domain.RateLimitConfig, now time.Time) ([]WindowUsage, error) {
	reqLimits := [3]int{cfg.RequestsPerMinute, cfg.RequestsPerHour, cfg.RequestsPerDay}
	tokLimits := [3]int{cfg.TokensPerMinute, cfg.TokensPerHour, cfg.TokensPerDay}

	out := make([]WindowUsage, 0, len(windows))
	for i, w := range windows {
		start := now.UTC().Truncate(w.length)
		reqKey, tokKey := windowKeys(key, w, start)

		requests, _, err := store.Get(ctx, reqKey)
		if err != nil {
			return nil, err
		}
		tokens, _, err := store.Get(ctx, tokKey)
		if err != nil {
			return nil, err
		}

		out = append(out, WindowUsage{
			Tier:         w.tier,
			Requests:     requests,
			Tokens:       tokens,
			RequestLimit: reqLimits[i],
			TokenLimit:   tokLimits[i],
			ResetAt:      start.Add(w.length),
		})
	}
	return out, nil
}

func (l *Limiter) increments(key string, now time.Time, requests, tokens int64) []Increment {
	incs := make([]Increment, 0, 2*len(windows))
	for _, w := range windows {
		reqKey, tokKey := windowKeys(key, w, now.UTC().Truncate(w.length))
		if requests != 0 {
			incs = append(incs, Increment{Key: reqKey, Amount: requests, TTL: w.length})
		}
		if tokens != 0 {
			incs = append(incs, Increment{Key: tokKey, Amount: tokens, TTL: w.length})
		}
	}
	return incs
}

// windowKeys returns rate_limit:{key}:{tier}:{bucket}:{requests|tokens}.
func windowKeys(key string, w window, start time.Time) (string, string) {
	base := fmt.Sprintf("rate_limit:%s:%s:%s", key, w.tier, start.Format(w.layout))
	return base + ":requests", base + ":tokens"
}

func (l *Limiter) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.storeTimeout)
}

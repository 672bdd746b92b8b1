// Package runtime assembles the gateway from configuration and manages its
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/llm-meter-gateway/internal/admin"
	"github.com/tjfontaine/llm-meter-gateway/internal/config"
	"github.com/tjfontaine/llm-meter-gateway/internal/credential"
	"github.com/tjfontaine/llm-meter-gateway/internal/credits"
	"github.com/tjfontaine/llm-meter-gateway/internal/dispatch"
	"github.com/tjfontaine/llm-meter-gateway/internal/provider"
	"github.com/tjfontaine/llm-meter-gateway/internal/provider/openai"
	"github.com/tjfontaine/llm-meter-gateway/internal/ratelimit"
	"github.com/tjfontaine/llm-meter-gateway/internal/resolver"
	"github.com/tjfontaine/llm-meter-gateway/internal/server"
	"github.com/tjfontaine/llm-meter-gateway/internal/storage"
	"github.com/tjfontaine/llm-meter-gateway/internal/telemetry"
	"github.com/tjfontaine/llm-meter-gateway/internal/tokens"
	"github.com/tjfontaine/llm-meter-gateway/internal/trial"
	"github.com/tjfontaine/llm-meter-gateway/internal/usage"
)

// AdminPrefix is where the admin API is mounted when enabled.
const AdminPrefix = "/admin/v1"

// Gateway owns every long-lived component. Build it with New, then Run.
type Gateway struct {
	cfg         *config.Config
	logger      *slog.Logger
	watcher     *config.Watcher
	listener    net.Listener
	traceWriter io.Writer

	registry      *prometheus.Registry
	backend       storage.Backend
	redis         *redis.Client
	creds         *credential.Store
	resolver      *resolver.Resolver
	sink          *usage.AsyncSink
	dispatcher    *dispatch.Dispatcher
	admin         *admin.API
	server        *server.Server
	traceShutdown func(context.Context) error
}

// New connects storage and the counter store and wires the request
// pipeline. Nothing is served until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Gateway, err error) {
	g := &Gateway{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	defer func() {
		if err != nil {
			g.closeResources(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Telemetry.Tracing {
		g.traceShutdown, err = telemetry.InitTracer(cfg.Telemetry.ServiceName, g.traceWriter, g.logger)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
	}

	g.registry = prometheus.NewRegistry()
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(g.registry)

	g.backend, err = storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	g.creds, err = credential.NewStore(g.backend.Keys(), cfg.Security.KeySalt, credential.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	policy, err := ratelimit.NewPolicy(cfg.RateLimit.Defaults, cfg.RateLimit.Presets)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(g.limiterOptions(ctx)...)

	ledger := trial.NewLedger(g.backend.Trials(),
		trial.WithLogger(g.logger),
		trial.WithCreditRate(cfg.Trial.CreditPerToken),
		trial.WithFailureHook(func(string, error) { metrics.TrialRecordFailed() }))
	balances := credits.NewLedger(g.backend.Credits(),
		credits.WithLogger(g.logger),
		credits.WithFailureHook(func(string, error) { metrics.CreditDeductFailed() }))

	openai.RegisterProviderFactory()
	providers, err := provider.NewRegistryFromConfig(cfg.Providers)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		g.logger.Warn("no providers configured, every model will be unresolvable")
	}

	overrides, err := config.LoadOverrides(cfg.Models.OverridesFile)
	if err != nil {
		return nil, err
	}
	g.resolver = resolver.New(nil,
		resolver.WithAvailable(cfg.ProviderNames()...),
		resolver.WithDefaultOrder(cfg.Models.DefaultOrder...),
		resolver.WithOverrides(overrides),
		resolver.WithLogger(g.logger))

	g.sink = usage.NewAsyncSink(g.backend.Usage(),
		usage.WithQueueSize(cfg.Usage.QueueSize),
		usage.WithSinkLogger(g.logger),
		usage.WithDropHook(func(_ *usage.Record, reason string) { metrics.UsageDropped(reason) }))

	g.dispatcher = dispatch.New(dispatch.Deps{
		Credentials: g.creds,
		Limiter:     limiter,
		Trials:      ledger,
		Credits:     balances,
		Resolver:    g.resolver,
		Providers:   providers,
		Tokens:      tokens.NewRegistry(),
		Pricing:     newPricing(cfg.Pricing),
		Usage:       g.sink,
		Metrics:     metrics,
		Logger:      g.logger,
	}, policy.Default)

	g.server = server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
		Logger:         g.logger,
		Metrics:        server.NewHTTPMetrics(g.registry),
		Gatherer:       g.registry,
		Ready:          g.backend.Ping,
	})
	server.NewInference(g.dispatcher, g.logger).Routes(g.server.Router)

	if cfg.Security.Admin.JWTSecret != "" {
		auth, err := admin.NewAuthenticator(cfg.Security.Admin.JWTSecret, cfg.Security.Admin.Issuer)
		if err != nil {
			return nil, err
		}
		g.admin = admin.New(admin.Deps{
			Keys:    g.creds,
			Limiter: limiter,
			Trials:  ledger,
			Credits: balances,
			Usage:   g.backend.Usage(),
			Limits:  g.dispatcher,
			Logger:  g.logger,
		}, policy.Presets, trialAllotment(cfg.Trial), cfg.Credits.InitialGrant)
		g.server.Router.Mount(AdminPrefix, g.admin.Routes(auth))
	} else {
		g.logger.Info("admin API disabled, no jwt secret configured")
	}

	g.logger.Info("gateway initialized",
		slog.String("storage", cfg.Storage.Driver),
		slog.Any("providers", providers.Names()),
		slog.Bool("shared_counters", g.redis != nil),
		slog.Bool("admin", g.admin != nil))
	return g, nil
}

func (g *Gateway) limiterOptions(ctx context.Context) []ratelimit.Option {
	opts := []ratelimit.Option{
		ratelimit.WithLogger(g.logger),
		ratelimit.WithStoreTimeout(g.cfg.Counters.Timeout),
	}
	if g.cfg.Counters.Addr == "" {
		return opts
	}

	g.redis = redis.NewClient(&redis.Options{
		Addr:     g.cfg.Counters.Addr,
		Password: g.cfg.Counters.Password,
		DB:       g.cfg.Counters.DB,
	})
	store := ratelimit.NewRedisStore(g.redis)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	// The limiter fails open, so an unreachable store at boot is not fatal.
	if err := store.Ping(pctx); err != nil {
		g.logger.Warn("shared counter store unreachable at startup",
			slog.String("addr", g.cfg.Counters.Addr),
			slog.String("error", err.Error()))
	}
	return append(opts, ratelimit.WithSharedStore(store))
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.server.Router
}

// Run serves until ctx is done or the server fails, then shuts down within
// the configured shutdown timeout.
func (g *Gateway) Run(ctx context.Context) error {
	l := g.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("listen on port %d: %w", g.cfg.Server.Port, err)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.server.Serve(l)
	})
	if g.watcher != nil {
		eg.Go(func() error {
			return g.watcher.Watch(egCtx, g.Reload)
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Server.ShutdownTimeout)
		defer cancel()
		return g.Shutdown(sctx)
	})
	return eg.Wait()
}

// Reload applies the settings that can change without a restart: default
// rate limits, presets, the trial allotment, the initial credit grant and
// model overrides. Storage,
// providers and the listener keep their startup values.
func (g *Gateway) Reload(cfg *config.Config) {
	policy, err := ratelimit.NewPolicy(cfg.RateLimit.Defaults, cfg.RateLimit.Presets)
	if err != nil {
		g.logger.Error("keeping previous rate limits", slog.String("error", err.Error()))
	} else {
		g.dispatcher.SetDefaultLimits(policy.Default)
		if g.admin != nil {
			g.admin.SetPresets(policy.Presets)
		}
	}
	if g.admin != nil {
		g.admin.SetTrialAllotment(trialAllotment(cfg.Trial))
		g.admin.SetInitialGrant(cfg.Credits.InitialGrant)
	}

	overrides, err := config.LoadOverrides(cfg.Models.OverridesFile)
	if err != nil {
		g.logger.Error("keeping previous model overrides", slog.String("error", err.Error()))
	} else {
		g.resolver.SetOverrides(overrides)
	}

	g.logger.Info("configuration reloaded", slog.Int("overrides", len(overrides)))
}

// Shutdown stops the server, waiting for in-flight requests, then flushes
// pending usage records and closes storage.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	errs = append(errs, g.closeResources(ctx)...)
	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeResources(ctx context.Context) []error {
	var errs []error
	if g.creds != nil {
		g.creds.Close()
	}
	if g.sink != nil {
		if err := g.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush usage: %w", err))
		}
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close counter store: %w", err))
		}
	}
	if g.backend != nil {
		if err := g.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	if g.traceShutdown != nil {
		if err := g.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	for _, err := range errs {
		g.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return errs
}

func newPricing(cfg config.PricingConfig) *usage.Pricing {
	models := make(map[string]usage.Price, len(cfg.Models))
	for id, p := range cfg.Models {
		models[id] = usage.Price{Prompt: p.Prompt, Completion: p.Completion}
	}
	return usage.NewPricing(cfg.CreditPerToken, models)
}

func trialAllotment(cfg config.TrialConfig) trial.Allotment {
	return trial.Allotment{
		Duration:    cfg.Duration,
		MaxTokens:   cfg.MaxTokens,
		MaxRequests: cfg.MaxRequests,
		MaxCredits:  cfg.MaxCredits,
	}
}

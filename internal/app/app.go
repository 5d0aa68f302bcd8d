// Package app wires all clerkd subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithKV, WithGateway, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/merchkit/clerkd/internal/assistant"
	"github.com/merchkit/clerkd/internal/commerce"
	"github.com/merchkit/clerkd/internal/config"
	"github.com/merchkit/clerkd/internal/draft"
	"github.com/merchkit/clerkd/internal/health"
	"github.com/merchkit/clerkd/internal/kv"
	"github.com/merchkit/clerkd/internal/observe"
	"github.com/merchkit/clerkd/internal/ratelimit"
	"github.com/merchkit/clerkd/internal/retry"
	"github.com/merchkit/clerkd/internal/tooling"
	"github.com/merchkit/clerkd/pkg/ai/openai"
)

// App owns all subsystem lifetimes and serves the clerkd HTTP API.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store      kv.Store
	limiter    *ratelimit.Limiter
	drafts     *draft.Store
	dispatcher *tooling.Dispatcher
	catalog    commerce.ToolSet
	seeded     bool
	gateway    assistant.Gateway
	assist     *assistant.Assistant
	checkers   []health.Checker
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithKV injects a key-value store instead of creating one from config.
func WithKV(s kv.Store) Option {
	return func(a *App) { a.store = s }
}

// WithGateway injects an AI gateway instead of building the OpenAI client.
func WithGateway(g assistant.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithToolSet injects a commerce tool set instead of the seeded demo repos.
func WithToolSet(ts commerce.ToolSet) Option {
	return func(a *App) {
		a.catalog = ts
		a.seeded = true
	}
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store connection, rate
// limiter, draft store, tool registration, gateway construction, and
// assistant assembly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}
	a.initAssistant()
	a.initServer()

	return a, nil
}

// initStore sets up the key-value store backing drafts and rate limits.
// Redis when configured, in-process memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		if a.cfg.Redis != nil {
			client := redis.NewClient(&redis.Options{
				Addr:     a.cfg.Redis.Addr,
				Password: a.cfg.Redis.Password,
				DB:       a.cfg.Redis.DB,
			})
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("connect redis at %s: %w", a.cfg.Redis.Addr, err)
			}
			a.store = kv.NewRedis(client)
			a.closers = append(a.closers, client.Close)
			a.checkers = append(a.checkers, health.Check("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}))
			slog.Info("connected to redis", "addr", a.cfg.Redis.Addr)
		} else {
			a.store = kv.NewMemory()
			slog.Info("using in-memory store")
		}
	}

	if a.cfg.RateLimit.Enabled {
		a.limiter = ratelimit.New(a.store, ratelimit.Config{
			Limit:  a.cfg.RateLimit.Limit,
			Window: a.cfg.RateLimit.Window,
		})
	}
	a.drafts = draft.NewStore(a.store, a.cfg.Drafts.TTL)
	return nil
}

// initTools registers the commerce tool catalog on a fresh dispatcher.
func (a *App) initTools() error {
	a.dispatcher = tooling.NewDispatcher(slog.Default())
	if !a.seeded {
		orders := commerce.NewMemoryOrders()
		products := commerce.NewMemoryProducts()
		customers := commerce.NewMemoryCustomers()
		commerce.SeedDemo(orders, products, customers)
		a.catalog = commerce.ToolSet{
			Orders:    orders,
			Products:  products,
			Customers: customers,
		}
	}
	if err := commerce.RegisterTools(a.dispatcher, a.drafts, a.catalog); err != nil {
		return err
	}
	slog.Info("registered tools", "count", len(a.dispatcher.Definitions()))
	return nil
}

// initGateway builds the OpenAI-compatible client from provider config.
func (a *App) initGateway() error {
	if a.gateway != nil {
		return nil
	}

	policy := retry.NewExponentialPolicy(retry.ExponentialConfig{
		MaxRetries:   a.cfg.Retry.MaxRetries,
		BaseDelay:    a.cfg.Retry.BaseDelay,
		MaxDelay:     a.cfg.Retry.MaxDelay,
		JitterFactor: a.cfg.Retry.JitterFactor,
	})
	exec := retry.NewExecutor(policy, retry.WithObserver(func(attempt int, delay time.Duration, _ retry.Outcome) {
		slog.Debug("retrying provider call", "attempt", attempt, "delay", delay)
	}))

	clientOpts := []openai.Option{
		openai.WithExecutor(exec),
		openai.WithStreamLimits(openai.StreamLimits{
			MaxContentBytes:     a.cfg.Stream.MaxContentBytes,
			MaxToolCalls:        a.cfg.Stream.MaxToolCalls,
			MaxToolCallArgBytes: a.cfg.Stream.MaxToolCallArgBytes,
		}),
	}
	if a.cfg.Provider.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(a.cfg.Provider.BaseURL))
	}
	if a.cfg.Provider.Timeout > 0 {
		clientOpts = append(clientOpts, openai.WithTimeout(a.cfg.Provider.Timeout))
	}

	client, err := openai.New(a.cfg.Provider.APIKey, a.cfg.Provider.Model, clientOpts...)
	if err != nil {
		return err
	}
	a.gateway = client
	return nil
}

// initAssistant assembles the conversation loop on top of the gateway.
func (a *App) initAssistant() {
	opts := []assistant.Option{
		assistant.WithStreaming(a.cfg.Provider.Stream),
	}
	if a.cfg.Assistant.SystemPrompt != "" {
		opts = append(opts, assistant.WithSystemPrompt(a.cfg.Assistant.SystemPrompt))
	}
	if a.cfg.Assistant.MaxToolRounds > 0 {
		opts = append(opts, assistant.WithMaxToolRounds(a.cfg.Assistant.MaxToolRounds))
	}
	if a.limiter != nil {
		opts = append(opts, assistant.WithLimiter(a.limiter))
	}
	a.assist = assistant.New(a.gateway, a.dispatcher, opts...)
}

// initServer builds the HTTP mux and server. Routes are wrapped in the
// observability middleware so every request carries a span and correlation ID.
func (a *App) initServer() {
	mux := http.NewServeMux()
	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/instruct", a.handleInstruct)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the fully-wired HTTP handler, middleware included. Useful
// for serving through a custom listener and for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves the HTTP API until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Apply updates the running app with safe hot-reloaded settings.
func (a *App) Apply(diff config.ConfigDiff) {
	if diff.RateLimitChanged && a.limiter != nil {
		a.limiter.SetConfig(ratelimit.Config{
			Limit:  diff.NewRateLimit.Limit,
			Window: diff.NewRateLimit.Window,
		})
		slog.Info("rate limit updated", "limit", diff.NewRateLimit.Limit, "window", diff.NewRateLimit.Window)
	}
	if diff.AssistantChanged {
		a.assist.Reconfigure(diff.NewAssistant.SystemPrompt, diff.NewAssistant.MaxToolRounds)
		slog.Info("assistant settings updated", "max_tool_rounds", diff.NewAssistant.MaxToolRounds)
	}
}

// Shutdown stops the HTTP server and runs closers in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Package app wires the gateway subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// registry, catalogue, index engine and dispatcher; Start bootstraps the
// upstream fleet and launches the background refresh loop; Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolfed/gateway/internal/catalogue"
	"github.com/toolfed/gateway/internal/config"
	"github.com/toolfed/gateway/internal/dispatch"
	"github.com/toolfed/gateway/internal/health"
	"github.com/toolfed/gateway/internal/index"
	"github.com/toolfed/gateway/internal/observe"
	"github.com/toolfed/gateway/internal/registry"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	reg     *registry.Registry
	cat     *catalogue.Manager
	store   index.DocumentStore
	eng     *index.Engine
	disp    *dispatch.Dispatcher
	metrics *observe.Metrics

	admin *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a document store instead of creating one from config.
func WithStore(s index.DocumentStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. It loads the
// upstream declarations and connects the document store, but performs no
// network calls towards the upstreams; that happens in [App.Start].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	doc, err := config.LoadServers(cfg.Servers.File)
	if err != nil {
		return nil, fmt.Errorf("app: load server declarations: %w", err)
	}
	a.reg = registry.New()
	n := a.reg.Load(ctx, doc)
	if n == 0 {
		slog.Warn("no upstream servers declared", "file", cfg.Servers.File)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init document store: %w", err)
	}

	a.cat = catalogue.NewManager(a.reg, cfg.Catalogue.CacheTTL)
	a.eng = index.NewEngine(a.reg, a.cat, a.store, a.metrics, cfg.Index.SearchTopK)
	a.disp = dispatch.NewDispatcher(a.reg, a.cat, a.eng, a.metrics)
	return a, nil
}

// initStore connects the Postgres document store when a DSN is configured,
// falling back to the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Index.PostgresDSN
	if dsn == "" {
		a.store = index.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := index.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// Start bootstraps the upstream fleet, builds the initial index and starts
// the background refresh loop and the admin HTTP server. Individual
// upstream failures are absorbed: a fleet with one dead server still
// serves the rest.
func (a *App) Start(ctx context.Context) error {
	a.reg.InitializeAll(ctx)

	discovered, failed := a.cat.DiscoverAll(ctx, true)
	a.inferMetadata(discovered)

	docs, err := a.eng.BuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("app: build initial index: %w", err)
	}

	healthy := 0
	for _, id := range a.reg.IDs() {
		srv, _ := a.reg.Server(id)
		ok := a.reg.Healthy(id)
		if ok {
			healthy++
		}
		slog.Info("upstream server",
			"server", id,
			"dialect", srv.Dialect,
			"healthy", ok,
			"tools", len(discovered[id]))
	}
	slog.Info("gateway started",
		"servers", len(a.reg.IDs()),
		"healthy", healthy,
		"unreachable", len(failed),
		"documents", docs)

	a.eng.StartAutoRefresh(ctx, a.cfg.Index.RefreshInterval)

	if a.cfg.Server.ListenAddr != "" {
		if err := a.startAdmin(); err != nil {
			return fmt.Errorf("app: start admin server: %w", err)
		}
	}
	return nil
}

// inferMetadata derives category and tags for servers that declared
// neither, from the names and descriptions of their discovered tools.
func (a *App) inferMetadata(discovered map[string][]catalogue.ToolInfo) {
	for serverID, tools := range discovered {
		srv, ok := a.reg.Server(serverID)
		if !ok || srv.Category != "" {
			continue
		}
		names := make([]string, 0, len(tools))
		descriptions := make([]string, 0, len(tools))
		for _, tool := range tools {
			names = append(names, tool.Name)
			descriptions = append(descriptions, tool.Description)
		}
		category := registry.InferCategory(names, descriptions)
		tags := registry.InferTags(names)
		if category == "" && len(tags) == 0 {
			continue
		}
		a.reg.SetInferred(serverID, category, tags)
		slog.Debug("inferred server metadata",
			"server", serverID, "category", category, "tags", tags)
	}
}

// startAdmin launches the admin HTTP server: health endpoints and the
// Prometheus scrape target.
func (a *App) startAdmin() error {
	checker := health.New(
		health.Check{Name: "store", Probe: func(ctx context.Context) error {
			_, err := a.store.Count(ctx)
			return err
		}},
		health.Check{Name: "upstreams", Probe: func(context.Context) error {
			ids := a.reg.IDs()
			if len(ids) == 0 {
				return nil
			}
			for _, id := range ids {
				if a.reg.Healthy(id) {
					return nil
				}
			}
			return errors.New("no healthy upstream server")
		}},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", checker.Healthz)
	mux.HandleFunc("GET /readyz", checker.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.admin = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server failed", "err", err)
		}
	}()
	slog.Info("admin server listening", "addr", a.cfg.Server.ListenAddr)
	return nil
}

// CallTool invokes one federated tool and returns the normalized reply.
func (a *App) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) string {
	return a.disp.CallTool(ctx, serverID, toolName, arguments)
}

// SearchTools runs a substring search over the tool index. topK <= 0 uses
// the configured default; minScore is reserved and currently ignored.
func (a *App) SearchTools(ctx context.Context, query string, topK int, minScore float64) ([]index.SearchResult, error) {
	return a.eng.Search(ctx, query, topK, minScore)
}

// ServerTools returns the full tool listing of one upstream as JSON.
func (a *App) ServerTools(ctx context.Context, serverID string) (string, error) {
	return a.disp.ServerTools(ctx, serverID)
}

// Refresh forces one incremental index refresh outside the regular cycle.
func (a *App) Refresh(ctx context.Context) (index.RefreshStats, error) {
	return a.eng.RefreshIncremental(ctx)
}

// Registry exposes the server registry for embedding callers.
func (a *App) Registry() *registry.Registry { return a.reg }

// Dispatcher exposes the invocation dispatcher for embedding callers.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Shutdown stops the refresh loop, the admin server and all closers in
// order. It respects the context deadline: if ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.eng.StopAutoRefresh()

		if a.admin != nil {
			if err := a.admin.Shutdown(ctx); err != nil {
				slog.Warn("admin server shutdown error", "err", err)
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

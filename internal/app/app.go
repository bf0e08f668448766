// Package app provides the main application struct for centralized
// dependency management and lifecycle control of the syncgate server.
// Every manager is constructed exactly once here and passed down by
// dependency injection; there are no module-level singletons.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"syncgate/config"
	"syncgate/internal/agent"
	"syncgate/internal/cache"
	"syncgate/internal/connectivity"
	"syncgate/internal/drafts"
	"syncgate/internal/httpclient"
	"syncgate/internal/notify"
	"syncgate/internal/observability"
	"syncgate/internal/queue"
	"syncgate/internal/server"
	"syncgate/internal/storage"
	"syncgate/internal/syncer"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config *config.Config
	log    *slog.Logger

	storage      storage.Storage
	draftStorage storage.Storage
	cache        *cache.Manager
	queue        queue.Store
	monitor      *connectivity.Monitor
	coordinator  *syncer.Coordinator
	agent        *agent.Agent
	server       *server.Server
	unsubscribe  func()

	warmMu      sync.Mutex
	warmEntries []cache.WarmEntry

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	app := &App{config: cfg, log: logger}
	ok := false
	defer func() {
		if !ok {
			app.closeResources()
		}
	}()

	if err := os.MkdirAll(cfg.Cache.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Durable storage for the action queue and drafts.
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Cache.DataDir, "syncgate.db")
	}
	st, err := storage.New(ctx, storage.Config{
		Type:       cfg.Storage.Type,
		SQLite:     storage.SQLiteConfig{Path: sqlitePath},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.Storage.PostgreSQLURL},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	app.storage = st

	switch st.Type() {
	case storage.TypeSQLite:
		app.queue, err = queue.NewSQLiteStore(st.SQLiteDB())
	case storage.TypePostgreSQL:
		app.queue, err = queue.NewPostgreSQLStore(ctx, st.PostgreSQLPool())
	}
	if err != nil {
		return nil, fmt.Errorf("initialize action queue: %w", err)
	}

	// Drafts are always sqlite: they are device-local by nature. When the
	// queue lives in PostgreSQL, drafts get their own local file.
	draftDB := st
	if st.Type() != storage.TypeSQLite {
		draftDB, err = storage.NewSQLite(storage.SQLiteConfig{
			Path: filepath.Join(cfg.Cache.DataDir, "drafts.db"),
		})
		if err != nil {
			return nil, fmt.Errorf("initialize draft storage: %w", err)
		}
		app.draftStorage = draftDB
	}
	draftStore, err := drafts.NewStore(draftDB.SQLiteDB(), 0, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize drafts: %w", err)
	}

	// Tiered cache: bounded memory tier in front of LevelDB or Redis.
	var tier2 cache.Tier
	switch cfg.Cache.PersistentBackend {
	case "redis":
		tier2, err = cache.NewRedisTier(cache.RedisConfig{URL: cfg.Cache.RedisURL})
	default:
		tier2, err = cache.NewLevelDBTier(cache.LevelDBConfig{
			Path: filepath.Join(cfg.Cache.DataDir, "cache"),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("initialize persistent cache tier: %w", err)
	}
	app.cache = cache.NewManager(cache.NewMemoryTier(cfg.Cache.MemoryMaxEntries), tier2, logger)

	upstreamClient := httpclient.NewDefaultHTTPClient()

	app.monitor = connectivity.NewMonitor(connectivity.Config{
		ProbeURL:      cfg.Upstream.ProbeURL,
		ProbeInterval: cfg.Upstream.ProbeInterval,
		Debounce:      cfg.Upstream.Debounce,
		Client:        upstreamClient,
		InitialOnline: true,
	}, logger)

	app.coordinator = syncer.New(app.queue, app.cache, upstreamClient, app.monitor.Online, syncer.Config{
		MaxRetries:     cfg.Sync.MaxRetries,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.Sync.MaxBackoff,
	}, logger)

	// Interception agent with its own partitioned caches.
	policies, offlinePage, err := loadPolicies(cfg.Upstream.PolicyFile)
	if err != nil {
		return nil, err
	}
	app.agent, err = agent.New(agent.Config{
		DataDir:     cfg.Cache.DataDir,
		Upstream:    cfg.Upstream.URL,
		Policies:    policies,
		Precache:    policies.Precache,
		OfflinePage: offlinePage,
		Client:      upstreamClient,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize agent: %w", err)
	}
	if err := app.agent.Activate(ctx); err != nil {
		return nil, fmt.Errorf("activate agent: %w", err)
	}
	if len(policies.Precache) > 0 {
		if err := app.agent.Install(ctx); err != nil {
			// Precaching needs the upstream; starting offline is normal, so
			// this is a degradation rather than a fatal error.
			logger.Warn("precache install failed, continuing without it", "error", err)
		}
	}

	// The online transition is the only automatic drain trigger, and the
	// cache re-warms from the same signal.
	app.unsubscribe = app.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go app.coordinator.SyncOnReconnect(context.Background())
		go app.runWarmup(context.Background())
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		observability.NewCollector(app.cache, app.queue, app.monitor),
	)

	app.logStartupInfo()

	handler := server.NewHandler(
		app.cache,
		app.coordinator,
		app.monitor,
		draftStore,
		notify.NewCenter(0, logger),
		app.agent,
		cfg.Upstream.URL,
		logger,
	)
	app.server = server.New(handler, registry, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Server.MetricsEnabled,
		MetricsEndpoint: cfg.Server.MetricsEndpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
	}, logger)

	ok = true
	return app, nil
}

// Cache returns the cache manager, the single process-wide instance.
func (a *App) Cache() *cache.Manager {
	return a.cache
}

// Coordinator returns the sync coordinator, the single process-wide
// instance.
func (a *App) Coordinator() *syncer.Coordinator {
	return a.coordinator
}

// Monitor returns the connectivity monitor.
func (a *App) Monitor() *connectivity.Monitor {
	return a.monitor
}

// RegisterWarmup registers cache entries to pre-warm on every transition
// to online. Fetch failures are swallowed per entry.
func (a *App) RegisterWarmup(entries ...cache.WarmEntry) {
	a.warmMu.Lock()
	a.warmEntries = append(a.warmEntries, entries...)
	a.warmMu.Unlock()
}

func (a *App) runWarmup(ctx context.Context) {
	a.warmMu.Lock()
	entries := make([]cache.WarmEntry, len(a.warmEntries))
	copy(entries, a.warmEntries)
	a.warmMu.Unlock()

	if len(entries) == 0 {
		return
	}
	warmed := a.cache.Warm(ctx, entries)
	a.log.Info("cache warmed after reconnect", "entries", warmed)
}

// Start launches the connectivity probe loop and the HTTP server. This is
// a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	a.monitor.Start(context.Background())

	a.log.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			a.log.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// HTTP server first (stop accepting requests), then the monitor (stop
// probe-driven sync triggers), then the agent and cache partitions, and
// the durable storage last.
//
// Shutdown is idempotent; after the first call, subsequent calls are
// no-ops. It attempts every close step and returns a joined error if any
// step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	a.log.Info("shutting down application...")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	a.log.Info("application shutdown complete")
	return nil
}

// closeResources releases everything below the HTTP server. Also used to
// unwind a partially constructed App when New fails midway.
func (a *App) closeResources() error {
	var errs []error

	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	if a.monitor != nil {
		a.monitor.Close()
		a.monitor = nil
	}
	if a.agent != nil {
		if err := a.agent.Close(); err != nil {
			errs = append(errs, fmt.Errorf("agent close: %w", err))
		}
		a.agent = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
		a.cache = nil
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue close: %w", err))
		}
		a.queue = nil
	}
	if a.draftStorage != nil {
		if err := a.draftStorage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("draft storage close: %w", err))
		}
		a.draftStorage = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		a.storage = nil
	}
	return errors.Join(errs...)
}

// loadPolicies reads the route policy file, or returns an empty policy
// set when none is configured (everything proxies network-only).
func loadPolicies(path string) (*agent.PolicySet, []byte, error) {
	if path == "" {
		ps, err := agent.NewPolicySet(nil, nil, nil)
		return ps, nil, err
	}
	ps, err := agent.LoadPolicyFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load policy file: %w", err)
	}

	var offlinePage []byte
	if ps.OfflinePagePath != "" {
		offlinePage, err = os.ReadFile(ps.OfflinePagePath)
		if err != nil {
			return nil, nil, fmt.Errorf("read offline page: %w", err)
		}
	}
	return ps, offlinePage, nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		a.log.Warn("MASTER_KEY not set - management API is unauthenticated",
			"recommendation", "set MASTER_KEY to protect /offline, /cache, and /drafts endpoints")
	} else {
		a.log.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Server.MetricsEnabled {
		a.log.Info("prometheus metrics enabled", "endpoint", cfg.Server.MetricsEndpoint)
	} else {
		a.log.Info("prometheus metrics disabled")
	}

	a.log.Info("storage configured", "type", cfg.Storage.Type)
	a.log.Info("cache configured",
		"persistent_backend", cfg.Cache.PersistentBackend,
		"memory_max_entries", cfg.Cache.MemoryMaxEntries,
	)
	a.log.Info("upstream configured",
		"url", cfg.Upstream.URL,
		"probe_url", cfg.Upstream.ProbeURL,
		"debounce", cfg.Upstream.Debounce,
	)
}

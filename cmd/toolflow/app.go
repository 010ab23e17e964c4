package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/toolflow/internal/approval"
	"github.com/haasonsaas/toolflow/internal/cache"
	"github.com/haasonsaas/toolflow/internal/catalog"
	"github.com/haasonsaas/toolflow/internal/cleanup"
	"github.com/haasonsaas/toolflow/internal/config"
	"github.com/haasonsaas/toolflow/internal/events"
	"github.com/haasonsaas/toolflow/internal/observability"
	"github.com/haasonsaas/toolflow/internal/storage"
	"github.com/haasonsaas/toolflow/internal/toolcalls"
)

// app holds the components every command works against.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Store
	sqlStore *storage.SQLStore
	cache    cache.Cache
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	catalog  *catalog.Catalog
	manager  *toolcalls.Manager
	gate     *approval.Gate
	events   *events.Stream

	closers []func(context.Context) error
}

// loadConfig reads the config file at path, or $TOOLFLOW_CONFIG. With
// neither set the built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	path = config.ResolvePath(path)
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newApp wires storage, cache, catalog and the tool call manager from cfg.
// Callers must call Close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		AddSource: cfg.Logging.AddSource,
	})
	a := &app{cfg: cfg, logger: logger}

	sqlStore, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = sqlStore
	a.sqlStore = sqlStore
	a.closers = append(a.closers, func(context.Context) error { return sqlStore.Close() })

	c, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.cache = c
	if closeCache != nil {
		a.closers = append(a.closers, func(context.Context) error { return closeCache() })
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdownTracer)

	a.catalog, err = buildCatalog(cfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.manager, err = toolcalls.NewManager(toolcalls.Options{
		Store:   a.store,
		Cache:   a.cache,
		CallTTL: cfg.Cache.CallTTL,
		Metrics: a.metrics,
		Logger:  logger.With("component", "toolcalls"),
	})
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.events = events.NewStream(events.Options{
		Metrics: a.metrics,
		Logger:  logger.With("component", "events"),
	})
	a.gate = approval.NewGate(a.manager, approval.Options{
		Metrics:    a.metrics,
		Tracer:     a.tracer,
		Logger:     logger.With("component", "approval"),
		OnDecision: a.events.Publish,
	})
	return a, nil
}

// newSweeper builds the cleanup sweep over the app's store and cache.
func (a *app) newSweeper() (*cleanup.Sweeper, error) {
	return cleanup.NewSweeper(a.store, cleanup.Config{
		Schedule:   a.cfg.CleanupSchedule(),
		StaleAfter: a.cfg.Cleanup.StaleAfter,
		Cache:      a.cache,
		Metrics:    a.metrics,
		Tracer:     a.tracer,
		Logger:     a.logger.With("component", "cleanup"),
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(cfg config.DatabaseConfig) (*storage.SQLStore, error) {
	pool := &storage.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}
	var (
		store *storage.SQLStore
		err   error
	)
	switch cfg.Driver {
	case "sqlite":
		store, err = storage.OpenSQLite(cfg.URL, pool)
	case "postgres":
		store, err = storage.OpenPostgres(cfg.URL, pool)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}
	return store, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return cache.NewMemoryCache(cache.MemoryCacheOptions{MaxEntries: cfg.MaxEntries}), nil, nil
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		rc, err := cache.DialRedis(dialCtx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

func buildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	entries := make([]catalog.Entry, 0, len(cfg.Catalog))
	for _, tc := range cfg.Catalog {
		entries = append(entries, catalog.Entry{
			Name:             tc.Name,
			Description:      tc.Description,
			Timeout:          tc.Timeout,
			RequiresApproval: tc.RequiresApproval,
			Schema:           tc.Schema,
		})
	}
	cat, err := catalog.New(entries, catalog.Options{
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		ApprovalTools:  cfg.Approval.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("build tool catalog: %w", err)
	}
	return cat, nil
}

// withApp loads config, builds an app, runs fn and closes the app.
func withApp(ctx context.Context, configPath string, fn func(*app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.logger.Warn("failed to release resources", "error", err)
		}
	}()
	return fn(a)
}

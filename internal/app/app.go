// Package app wires the server together: DuckDB, catalog, connection pool,
// query service, the Flight listener and the optional ops HTTP listener.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flydelta/internal/api"
	"flydelta/internal/catalog"
	"flydelta/internal/config"
	"flydelta/internal/engine"
	"flydelta/internal/flightsql"
	"flydelta/internal/metrics"
	"flydelta/internal/middleware"
	"flydelta/internal/pool"
	"flydelta/internal/service/query"
	"flydelta/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// Options are the process-level inputs that do not come from Config.
type Options struct {
	Logger  *slog.Logger
	Version string
	// Registerer receives the pool collector. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App holds the fully-wired server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	Catalog   *catalog.Catalog
	Pool      *pool.Pool
	Service   *query.Service
	Flight    *flightsql.Server
	collector prometheus.Collector
	reg       prometheus.Registerer

	opsHandler http.Handler
	mu         sync.Mutex
	ops        *http.Server
	opsLn      net.Listener
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// New validates cfg, opens DuckDB, loads the catalog and opens the pool.
// Nothing listens until Start. A table that fails to load aborts startup with
// a *domain.LoadError.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	if len(cfg.Tables) == 0 {
		logger.Warn("no tables configured; only ad-hoc table functions can be queried")
	}

	a := &App{cfg: cfg, logger: logger, reg: reg}
	ok := false
	defer func() {
		if !ok {
			a.closeResources(context.Background())
		}
	}()

	db, err := engine.Open(ctx, engine.Settings{
		MaxMemory: cfg.DuckDBMaxMemory,
		Threads:   cfg.DuckDBThreads,
		Formats:   catalog.Formats(cfg.Tables),
		Schemes:   catalog.Schemes(cfg.Tables),
		Storage:   cfg.Storage,
	}, logger.With("component", "engine"))
	if err != nil {
		return nil, err
	}
	a.db = db

	var checker catalog.LocationChecker
	if !cfg.SkipLocationCheck {
		c, err := storage.NewChecker(ctx, cfg.Storage, storage.WithLogger(logger.With("component", "storage")))
		if err != nil {
			return nil, fmt.Errorf("storage checker: %w", err)
		}
		defer c.Close() //nolint:errcheck
		checker = c
	}

	cat, err := catalog.Load(ctx, db, cfg.Tables, catalog.LoadOptions{
		Checker: checker,
		Logger:  logger.With("component", "catalog"),
	})
	if err != nil {
		return nil, err
	}
	a.Catalog = cat
	for _, e := range cat.Entries() {
		logger.Info("serving table", "table", e.Name, "location", e.Dataset.Location,
			"format", string(e.Dataset.Format), "columns", e.Schema.NumFields())
	}

	p, err := pool.New(ctx, db, cat, pool.Options{
		Size:           cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
		Logger:         logger.With("component", "pool"),
	})
	if err != nil {
		return nil, err
	}
	a.Pool = p

	collector := metrics.NewPoolCollector(p.Stats)
	if err := reg.Register(collector); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}
	a.collector = collector

	a.Service = query.NewService(p, cat, query.Options{
		BatchSize: cfg.BatchSize,
		Location:  cfg.Location(),
		Logger:    logger.With("component", "query"),
	})

	flightOpts := []flightsql.Option{
		flightsql.WithLogger(logger.With("component", "flight")),
		flightsql.WithVersion(opts.Version),
	}
	if cfg.RateLimitRPS > 0 {
		flightOpts = append(flightOpts, flightsql.WithRateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			OnReject:          func(string) { metrics.RateLimited.Inc() },
		}))
	}
	a.Flight = flightsql.NewServer(cfg.ListenAddr(), a.Service, flightOpts...)

	if cfg.MetricsAddr != "" {
		a.opsHandler = api.NewRouter(api.Deps{
			Catalog: cat,
			Pool:    p,
			Prober:  a.Service,
			Metrics: metrics.Handler(),
			Logger:  logger.With("component", "ops"),
		})
	}

	logger.Info("server ready",
		"tables", cat.Len(),
		"pool_size", p.Capacity(),
		"batch_size", cfg.BatchSize,
		"acquire_timeout", cfg.AcquireTimeout,
		"location", cfg.Location())
	ok = true
	return a, nil
}

// Start begins serving Flight and, when configured, the ops endpoints.
func (a *App) Start() error {
	if err := a.Flight.Start(); err != nil {
		return err
	}
	if a.opsHandler == nil {
		return nil
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", a.cfg.MetricsAddr)
	if err != nil {
		_ = a.Flight.Shutdown(context.Background())
		return fmt.Errorf("listen ops: %w", err)
	}
	srv := &http.Server{
		Handler:           a.opsHandler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	a.mu.Lock()
	a.ops, a.opsLn = srv, ln
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server stopped", "error", err)
		}
	}()
	a.logger.Info("ops server listening", "addr", ln.Addr().String())
	return nil
}

// FlightAddr returns the bound Flight address.
func (a *App) FlightAddr() string { return a.Flight.Addr() }

// OpsAddr returns the bound ops address, or "" when it is disabled or stopped.
func (a *App) OpsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opsLn == nil {
		return ""
	}
	return a.opsLn.Addr().String()
}

// Run starts the server and blocks until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		a.closeResources(context.Background())
		return err
	}
	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops accepting calls, lets running streams finish, then closes
// the pool and DuckDB.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Flight != nil {
		errs = append(errs, a.Flight.Shutdown(ctx))
	}

	a.mu.Lock()
	ops := a.ops
	a.ops, a.opsLn = nil, nil
	a.mu.Unlock()
	if ops != nil {
		errs = append(errs, ops.Shutdown(ctx))
	}

	errs = append(errs, a.closeResources(ctx))
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) error {
	var errs []error
	if a.collector != nil {
		a.reg.Unregister(a.collector)
		a.collector = nil
	}
	if a.Pool != nil {
		errs = append(errs, a.Pool.Close(ctx))
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}

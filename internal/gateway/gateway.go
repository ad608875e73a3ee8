// ABOUTME: Gateway context object wiring store, remote client, resolver, controller and scheduler
// ABOUTME: Owns process lifecycle: Start loads servers and loops, Stop tears everything down

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/toolgate/internal/access"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/lifecycle"
	"github.com/2389/toolgate/internal/metrics"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/remote"
	"github.com/2389/toolgate/internal/scheduler"
	"github.com/2389/toolgate/internal/secrets"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/transport"
)

// shutdownTimeout bounds graceful shutdown after Run's context ends.
const shutdownTimeout = 5 * time.Second

// Gateway is the control plane. Construct it once with New, then Start it.
type Gateway struct {
	config      *config.Config
	store       store.Store
	ledger      *ledger.Ledger
	usage       *ledger.AsyncRecorder
	client      *remote.Client
	broadcaster *events.Broadcaster
	packs       *builtins.Registry
	limiter     *ratelimit.Limiter
	resolver    *access.Resolver
	controller  *lifecycle.Controller
	scheduler   *scheduler.Scheduler
	metrics     *metrics.Metrics
	registry    *prometheus.Registry
	httpServer  *http.Server
	logger      *slog.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	loaded   int
	httpDone chan error
}

type options struct {
	transport transport.Transport
	version   string
	now       func() time.Time
}

// Option configures New.
type Option func(*options)

// WithTransport replaces the MCP transport, mostly for tests.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithVersion sets the version reported to tool servers.
func WithVersion(v string) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// initStore opens the configured database. TOOLGATE_DB_PATH overrides the
// sqlite path.
func initStore(cfg *config.Config) (store.Store, error) {
	var (
		s   *store.SQLStore
		err error
	)
	switch cfg.Database.Driver {
	case "postgres":
		s, err = store.NewPostgresStore(cfg.Database.DSN)
	default:
		path := cfg.Database.Path
		if envPath := os.Getenv("TOOLGATE_DB_PATH"); envPath != "" {
			path = envPath
		}
		s, err = store.NewSQLiteStore(path)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// registerBuiltinPacks registers the packs backing built-in servers.
func registerBuiltinPacks(registry *builtins.Registry, s store.Store, now func() time.Time) error {
	if err := registry.Register(builtins.CorePack(now)); err != nil {
		return fmt.Errorf("registering core pack: %w", err)
	}
	if err := registry.Register(builtins.StatusPack(s)); err != nil {
		return fmt.Errorf("registering status pack: %w", err)
	}
	return nil
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{version: "dev", now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		o.transport = transport.NewMCP(o.version, logger)
	}

	schedCfg, err := scheduler.FromConfig(cfg.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("configuring scheduler: %w", err)
	}

	var sm secrets.Manager
	if cfg.Secrets.Key != "" {
		m, err := secrets.NewManager(cfg.Secrets.Key)
		if err != nil {
			return nil, fmt.Errorf("creating secrets manager: %w", err)
		}
		sm = m
	} else {
		logger.Warn("secrets.key not set - servers cannot be registered with credentials")
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	l := ledger.New(s, logger)
	usage := ledger.NewAsyncRecorder(l, cfg.Remote.UsageQueueSize, logger, ledger.WithDropHook(m.RecordUsageDropped))

	client := remote.New(o.transport, remote.Options{
		MaxRetries:              cfg.Remote.MaxRetries,
		RetryDelayBase:          cfg.Remote.RetryDelayBase,
		CircuitBreakerThreshold: cfg.Remote.CircuitBreakerThreshold,
		Timeout:                 cfg.Remote.Timeout,
		Recorder:                usage,
		Metrics:                 m,
		Now:                     o.now,
	}, logger)

	broadcaster := events.NewBroadcaster(logger)

	packs := builtins.NewRegistry(logger)
	if !cfg.Builtins.Disabled {
		if err := registerBuiltinPacks(packs, s, o.now); err != nil {
			usage.Close()
			_ = s.Close()
			return nil, err
		}
	}

	limiter := ratelimit.New(ratelimit.WithClock(o.now))
	resolver := access.New(s, limiter, logger,
		access.WithClock(o.now),
		access.WithMetrics(m),
	)

	ctrlOpts := []lifecycle.Option{
		lifecycle.WithBuiltins(packs),
		lifecycle.WithNotifier(broadcaster),
		lifecycle.WithUsageRecorder(usage),
		lifecycle.WithMetrics(m),
		lifecycle.WithRestartPause(cfg.Remote.RestartPause),
		lifecycle.WithHealthTTL(cfg.Health.CacheTTL),
		lifecycle.WithDefaultMaxFailures(cfg.Remote.DefaultMaxFailures),
		lifecycle.WithClock(o.now),
	}
	if sm != nil {
		ctrlOpts = append(ctrlOpts, lifecycle.WithSecrets(sm))
	}
	controller := lifecycle.New(s, client, l, logger, ctrlOpts...)

	sched := scheduler.New(controller, s, schedCfg, logger,
		scheduler.WithGrantPurger(resolver),
		scheduler.WithBucketPruner(limiter),
		scheduler.WithMetrics(m),
		scheduler.WithClock(o.now),
	)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		ledger:      l,
		usage:       usage,
		client:      client,
		broadcaster: broadcaster,
		packs:       packs,
		limiter:     limiter,
		resolver:    resolver,
		controller:  controller,
		scheduler:   sched,
		metrics:     m,
		registry:    reg,
		logger:      logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Events returns the broadcaster lifecycle events are published on.
func (g *Gateway) Events() *events.Broadcaster {
	return g.broadcaster
}

// Handler returns the operational HTTP handler (health, readiness, metrics).
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Start loads registered servers, launches the reconciliation loops and,
// when an address is configured, the operational HTTP listener.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return nil
	}
	if g.stopped {
		return errors.New("gateway is stopped")
	}

	loaded, err := g.controller.LoadOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("loading servers: %w", err)
	}
	g.loaded = loaded

	if !g.config.Scheduler.Disabled {
		if err := g.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	if g.httpServer.Addr != "" {
		ln, err := net.Listen("tcp", g.httpServer.Addr)
		if err != nil {
			_ = g.scheduler.Stop(ctx)
			return fmt.Errorf("listening on HTTP address: %w", err)
		}
		g.httpDone = make(chan error, 1)
		go func() {
			g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
			if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.httpDone <- fmt.Errorf("HTTP server: %w", err)
			}
			close(g.httpDone)
		}()
	}

	g.started = true
	g.logger.Info("gateway started", "servers_started", loaded)
	return nil
}

// Run starts the gateway and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case err, ok := <-g.httpErrors():
		if ok {
			g.logger.Error("server error", "error", err)
			serverErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Stop(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// httpErrors returns the HTTP server's error channel, or nil (blocks forever)
// when no listener was started.
func (g *Gateway) httpErrors() <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.httpDone
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Stop stops the loops and listener, drains the usage queue, disconnects
// every server and closes the store. It is safe to call without Start, and
// calls after the first are no-ops.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	started := g.started
	listening := g.httpDone != nil
	g.started = false
	g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if started {
		errs = appendCloseError(errs, "scheduler stop", g.scheduler.Stop(ctx))
		if listening {
			errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		}
	}

	g.client.Close()
	g.usage.Close()
	g.broadcaster.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once startup loading has finished.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	started, loaded := g.started, g.loaded
	g.mu.Unlock()

	if !started {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d servers started)", loaded)
}

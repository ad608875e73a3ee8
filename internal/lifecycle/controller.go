// ABOUTME: Lifecycle controller driving tool servers through their status state machine
// ABOUTME: Start/stop/restart/enable/disable report success as a bool; errors mean not found or storage

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/dedupe"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/metrics"
	"github.com/2389/toolgate/internal/remote"
	"github.com/2389/toolgate/internal/secrets"
	"github.com/2389/toolgate/internal/store"
)

// Defaults for Options left at zero.
const (
	DefaultRestartPause = time.Second
	DefaultHealthTTL    = 5 * time.Minute
	DefaultMaxFailures  = 3
)

// Controller owns the server registry and every lifecycle transition.
type Controller struct {
	store    store.Store
	client   *remote.Client
	packs    *builtins.Registry
	notifier events.Notifier
	secrets  secrets.Manager
	ledger   ledger.Recorder // synchronous, used by RecordUsage
	usage    ledger.Recorder // non-blocking, used by built-in calls
	metrics  *metrics.Metrics
	health   *dedupe.Cache[*Health]

	restartPause time.Duration
	healthTTL    time.Duration
	maxFailures  int
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithBuiltins supplies the packs backing built-in servers.
func WithBuiltins(r *builtins.Registry) Option {
	return func(c *Controller) {
		c.packs = r
	}
}

// WithNotifier sets where lifecycle events are published.
func WithNotifier(n events.Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithSecrets sets the manager used for server credentials.
func WithSecrets(m secrets.Manager) Option {
	return func(c *Controller) {
		c.secrets = m
	}
}

// WithUsageRecorder sets the non-blocking recorder used for built-in tool calls.
func WithUsageRecorder(r ledger.Recorder) Option {
	return func(c *Controller) {
		c.usage = r
	}
}

// WithMetrics records lifecycle and health outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithRestartPause sets the pause between stop and start on restart.
func WithRestartPause(d time.Duration) Option {
	return func(c *Controller) {
		c.restartPause = d
	}
}

// WithHealthTTL sets how long a health result is reused.
func WithHealthTTL(d time.Duration) Option {
	return func(c *Controller) {
		c.healthTTL = d
	}
}

// WithDefaultMaxFailures sets max_failures for servers created without one.
func WithDefaultMaxFailures(n int) Option {
	return func(c *Controller) {
		c.maxFailures = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithSleep overrides the restart pause implementation.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = fn
	}
}

// New creates a Controller. The ledger records usage reported through
// RecordUsage; client handles every remote server.
func New(s store.Store, client *remote.Client, l ledger.Recorder, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:        s,
		client:       client,
		ledger:       l,
		restartPause: DefaultRestartPause,
		healthTTL:    DefaultHealthTTL,
		maxFailures:  DefaultMaxFailures,
		now:          time.Now,
		sleep:        sleepContext,
		logger:       logger.With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.packs == nil {
		c.packs = builtins.NewRegistry(logger)
	}
	if c.usage == nil {
		c.usage = l
	}
	c.health = dedupe.New[*Health](c.healthTTL, 4096, c.now)
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start connects a server and syncs its tools. A server that is already
// enabled and connected is left alone. Connection failures return false
// and move the server to ERROR, or DISABLED once max_failures is reached.
func (c *Controller) Start(ctx context.Context, id string) (bool, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := c.start(ctx, server)
	c.metrics.RecordLifecycle("start", ok)
	return ok, err
}

func (c *Controller) start(ctx context.Context, server *store.ToolServer) (bool, error) {
	if server.Status == store.StatusEnabled && (server.IsBuiltin || c.client.Connected(server.Name)) {
		return true, nil
	}
	c.health.Delete(server.ID)

	if server.IsBuiltin {
		return c.startBuiltin(ctx, server)
	}

	if err := c.setStatus(ctx, server, store.StatusStarting); err != nil {
		return false, err
	}

	desc, err := c.descriptor(server)
	if err != nil {
		return false, c.fail(ctx, server, err)
	}

	tools, err := c.client.Connect(ctx, desc)
	if err != nil {
		return false, c.fail(ctx, server, err)
	}

	if err := c.syncTools(ctx, server.ID, tools); err != nil {
		c.client.Disconnect(server.Name)
		return false, errors.Join(err, c.fail(ctx, server, err))
	}
	if err := c.markStarted(ctx, server); err != nil {
		return false, err
	}

	c.logger.Info("server started", "server_id", server.ID, "name", server.Name, "tools", len(tools))
	return true, nil
}

func (c *Controller) startBuiltin(ctx context.Context, server *store.ToolServer) (bool, error) {
	pack, ok := c.packs.Get(server.Name)
	if !ok {
		return false, c.fail(ctx, server, fmt.Errorf("no built-in pack named %s", server.Name))
	}
	if err := c.syncTools(ctx, server.ID, packTools(pack)); err != nil {
		return false, errors.Join(err, c.fail(ctx, server, err))
	}
	if err := c.markStarted(ctx, server); err != nil {
		return false, err
	}
	c.logger.Info("built-in server enabled", "server_id", server.ID, "name", server.Name)
	return true, nil
}

func (c *Controller) markStarted(ctx context.Context, server *store.ToolServer) error {
	now := c.now().UTC()
	server.Status = store.StatusEnabled
	server.ConsecutiveFailures = 0
	server.LastStartupSuccess = &now
	server.LastStartupError = ""
	server.HealthStatus = store.HealthHealthy
	server.LastHealthCheck = &now
	server.UpdatedAt = now
	if err := c.store.UpdateServer(ctx, server); err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	c.publish(events.ServerStarted, server, nil)
	return nil
}

// fail records a failed transition: ERROR with the failure counted, then
// DISABLED once the counter reaches max_failures. It returns only
// persistence errors.
func (c *Controller) fail(ctx context.Context, server *store.ToolServer, cause error) error {
	server.ConsecutiveFailures++
	server.LastStartupError = cause.Error()
	server.Status = store.StatusError
	server.HealthStatus = store.HealthUnhealthy
	server.UpdatedAt = c.now().UTC()

	autoDisabled := server.MaxFailures > 0 && server.ConsecutiveFailures >= server.MaxFailures
	if autoDisabled {
		server.Status = store.StatusDisabled
	}

	c.logger.Warn("server failed",
		"server_id", server.ID,
		"name", server.Name,
		"failures", server.ConsecutiveFailures,
		"max_failures", server.MaxFailures,
		"auto_disabled", autoDisabled,
		"error", cause)

	if err := c.store.SetServerToolsAvailable(ctx, server.ID, false); err != nil {
		c.logger.Warn("marking tools unavailable", "server_id", server.ID, "error", err)
	}
	if err := c.store.UpdateServer(ctx, server); err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}

	c.publish(events.ServerError, server, map[string]any{
		"error":         cause.Error(),
		"failures":      server.ConsecutiveFailures,
		"auto_disabled": autoDisabled,
	})
	return nil
}

// Stop disconnects a server and moves it to DISABLED. Stopping a disabled
// server succeeds without doing anything.
func (c *Controller) Stop(ctx context.Context, id string) (bool, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := c.stop(ctx, server)
	c.metrics.RecordLifecycle("stop", ok)
	return ok, err
}

func (c *Controller) stop(ctx context.Context, server *store.ToolServer) (bool, error) {
	c.health.Delete(server.ID)

	if server.Status == store.StatusDisabled {
		if !server.IsBuiltin {
			c.client.Disconnect(server.Name)
		}
		return true, nil
	}

	if err := c.setStatus(ctx, server, store.StatusStopping); err != nil {
		return false, err
	}
	if !server.IsBuiltin {
		c.client.Disconnect(server.Name)
	}
	if err := c.setStatus(ctx, server, store.StatusDisabled); err != nil {
		return false, err
	}

	c.publish(events.ServerStopped, server, nil)
	c.logger.Info("server stopped", "server_id", server.ID, "name", server.Name)
	return true, nil
}

// Restart stops a server, pauses, then starts it again.
func (c *Controller) Restart(ctx context.Context, id string) (bool, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return false, err
	}

	ok, err := c.stop(ctx, server)
	if err != nil || !ok {
		c.metrics.RecordLifecycle("restart", false)
		return false, err
	}
	if err := c.sleep(ctx, c.restartPause); err != nil {
		c.metrics.RecordLifecycle("restart", false)
		return false, nil
	}

	ok, err = c.start(ctx, server)
	c.metrics.RecordLifecycle("restart", ok)
	return ok, err
}

// Enable starts a server. For built-in servers this only flips the status
// and syncs the pack's tools.
func (c *Controller) Enable(ctx context.Context, id string) (bool, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := c.start(ctx, server)
	c.metrics.RecordLifecycle("enable", ok)
	return ok, err
}

// Disable stops a server and marks all of its tools unavailable.
func (c *Controller) Disable(ctx context.Context, id string) (bool, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := c.stop(ctx, server)
	if err == nil && ok {
		if err = c.store.SetServerToolsAvailable(ctx, server.ID, false); err != nil {
			err = fmt.Errorf("marking tools unavailable: %w", err)
			ok = false
		}
	}
	c.metrics.RecordLifecycle("disable", ok)
	return ok, err
}

// LoadOnStartup registers a server for every built-in pack that lacks one,
// then starts every server that is marked auto_start or was left running.
// Individual start failures are logged, not returned.
func (c *Controller) LoadOnStartup(ctx context.Context) (int, error) {
	if err := c.ensureBuiltins(ctx); err != nil {
		return 0, err
	}

	servers, err := c.store.ListServers(ctx, store.ServerFilter{IncludeBuiltin: true})
	if err != nil {
		return 0, fmt.Errorf("listing servers: %w", err)
	}

	started := 0
	for _, server := range servers {
		switch {
		case server.AutoStart, server.Status == store.StatusEnabled, server.Status == store.StatusStarting:
		case server.Status == store.StatusStopping:
			if err := c.setStatus(ctx, server, store.StatusDisabled); err != nil {
				return started, err
			}
			continue
		default:
			continue
		}

		ok, err := c.start(ctx, server)
		if err != nil {
			return started, err
		}
		if ok {
			started++
		}
	}

	c.logger.Info("startup load complete", "servers", len(servers), "started", started)
	return started, nil
}

func (c *Controller) ensureBuiltins(ctx context.Context) error {
	for _, pack := range c.packs.Packs() {
		_, err := c.store.GetServerByName(ctx, pack.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("looking up built-in server %s: %w", pack.Name, err)
		}

		now := c.now().UTC()
		server := &store.ToolServer{
			ID:           newID(),
			Name:         pack.Name,
			DisplayName:  pack.DisplayName,
			Description:  pack.Description,
			Transport:    store.TransportBuiltin,
			Status:       store.StatusDisabled,
			IsBuiltin:    true,
			AutoStart:    true,
			HealthStatus: store.HealthUnknown,
			MaxFailures:  c.maxFailures,
			CreatedBy:    "system",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := c.store.CreateServer(ctx, server); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("registering built-in server %s: %w", pack.Name, err)
		}
		c.logger.Info("registered built-in server", "name", pack.Name)
	}
	return nil
}

func (c *Controller) setStatus(ctx context.Context, server *store.ToolServer, status store.ServerStatus) error {
	server.Status = status
	server.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateServer(ctx, server); err != nil {
		return fmt.Errorf("setting status %s: %w", status, err)
	}
	return nil
}

// getServer loads a server, mapping a missing row to a typed NotFound.
func (c *Controller) getServer(ctx context.Context, id string) (*store.ToolServer, error) {
	server, err := c.store.GetServer(ctx, id)
	if err != nil {
		return nil, storeErr(err, "server", id)
	}
	return server, nil
}

func (c *Controller) publish(eventType string, server *store.ToolServer, extra map[string]any) {
	if c.notifier == nil {
		return
	}
	payload := map[string]any{
		"server_id":   server.ID,
		"server_name": server.Name,
		"status":      string(server.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	target := ""
	if eventType == events.ServerError {
		target = server.CreatedBy
	}
	c.notifier.Publish(eventType, payload, target)
}

// storeErr maps store sentinels to typed errors.
func storeErr(err error, entity, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("%s %s not found", entity, id)
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict("%s %s already exists", entity, id)
	default:
		return fmt.Errorf("%s %s: %w", entity, id, err)
	}
}

// ABOUTME: Remote tool client: one reliability-wrapped connection per server
// ABOUTME: Circuit breaker, exponential backoff retries and tool discovery caching

package remote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/metrics"
	"github.com/2389/toolgate/internal/transport"
)

const tracerName = "toolgate/remote"

// Options tune the reliability policy. Zero values take defaults.
type Options struct {
	MaxRetries              int
	RetryDelayBase          time.Duration
	CircuitBreakerThreshold int
	Timeout                 time.Duration

	// Recorder receives usage entries for every call. It should not block;
	// pass a ledger.AsyncRecorder.
	Recorder ledger.Recorder
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer

	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Client mediates every operation against remote tool servers.
type Client struct {
	transport transport.Transport
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	servers map[string]*serverState
}

// New creates a client over t.
func New(t transport.Transport, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = time.Second
	}
	if opts.CircuitBreakerThreshold <= 0 {
		opts.CircuitBreakerThreshold = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Client{
		transport: t,
		opts:      opts,
		logger:    logger.With("component", "remote-client"),
		tracer:    tracer,
		servers:   make(map[string]*serverState),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) state(name string) (*serverState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.servers[name]
	return st, ok
}

func (c *Client) stateFor(desc transport.Descriptor) *serverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.servers[desc.Name]
	if !ok {
		st = newServerState(desc)
		c.servers[desc.Name] = st
		return st
	}
	st.setDescriptor(desc)
	return st
}

func (c *Client) timeoutFor(desc transport.Descriptor) time.Duration {
	if desc.Timeout > 0 {
		return desc.Timeout
	}
	return c.opts.Timeout
}

// Connect opens a connection to desc and discovers its tools. A fresh
// connect clears any tripped breaker for the server. Discovery failures
// yield an empty tool list, not an error.
func (c *Client) Connect(ctx context.Context, desc transport.Descriptor) ([]transport.Tool, error) {
	st := c.stateFor(desc)
	st.resetCircuit()
	c.publishCircuits()

	var h transport.Handle
	err := c.withRetry(ctx, desc.Name, st, func(ctx context.Context) error {
		var err error
		h, err = c.transport.Connect(ctx, desc)
		return err
	})
	if err != nil {
		c.logger.Warn("connect failed", "server", desc.Name, "error", err)
		return nil, err
	}

	if old := st.attach(h); old != nil {
		_ = old.Close()
	}
	c.logger.Info("connected to tool server", "server", desc.Name, "transport", desc.Kind)

	return c.DiscoverTools(ctx, desc.Name), nil
}

// Disconnect closes the server's connection and clears its tool cache.
// Calls already holding the old handle fail cleanly.
func (c *Client) Disconnect(name string) {
	st, ok := c.state(name)
	if !ok {
		return
	}
	if h := st.detach(); h != nil {
		if err := h.Close(); err != nil {
			c.logger.Debug("closing connection", "server", name, "error", err)
		}
		c.logger.Info("disconnected from tool server", "server", name)
	}
}

// Forget disconnects and drops all state for name.
func (c *Client) Forget(name string) {
	c.Disconnect(name)
	c.mu.Lock()
	delete(c.servers, name)
	c.mu.Unlock()
	c.publishCircuits()
}

// DiscoverTools lists the server's tools and replaces its cache. Failures
// are logged and degrade to an empty list.
func (c *Client) DiscoverTools(ctx context.Context, name string) []transport.Tool {
	tools, err := c.ListTools(ctx, name)
	if err != nil {
		c.logger.Warn("tool discovery failed", "server", name, "error", err)
		return []transport.Tool{}
	}
	return tools
}

// ListTools asks the server for its tools, refreshing the cache. It is
// also the liveness probe used by health checks.
func (c *Client) ListTools(ctx context.Context, name string) ([]transport.Tool, error) {
	st, ok := c.state(name)
	if !ok {
		return nil, apperr.NotFound("server %s is not connected", name)
	}
	snap := st.snapshot()
	if snap.handle == nil {
		return nil, apperr.Service(nil, "server %s is not connected", name)
	}

	var tools []transport.Tool
	err := c.withRetry(ctx, name, st, func(ctx context.Context) error {
		var err error
		tools, err = snap.handle.ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	st.setTools(tools)
	c.logger.Debug("discovered tools", "server", name, "count", len(tools))
	return tools, nil
}

// CachedTools returns the last discovered tool list without a network call.
func (c *Client) CachedTools(name string) []transport.Tool {
	st, ok := c.state(name)
	if !ok {
		return nil
	}
	return st.snapshot().tools
}

// Connected reports whether a handle is currently attached for name.
func (c *Client) Connected(name string) bool {
	st, ok := c.state(name)
	return ok && st.snapshot().handle != nil
}

// ResetCircuit clears the breaker for name.
func (c *Client) ResetCircuit(name string) {
	if st, ok := c.state(name); ok {
		st.resetCircuit()
		c.publishCircuits()
	}
}

// CircuitStats returns breaker state for every known server.
func (c *Client) CircuitStats() map[string]CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CircuitState, len(c.servers))
	for name, st := range c.servers {
		out[name] = st.circuit(c.opts.CircuitBreakerThreshold)
	}
	return out
}

// Close disconnects every server.
func (c *Client) Close() {
	c.mu.Lock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.Disconnect(name)
	}
}

// withRetry runs op under the breaker and retry policy. The delay before
// retry k is RetryDelayBase * 2^k. Exhausting the budget counts as one
// breaker failure.
func (c *Client) withRetry(ctx context.Context, name string, st *serverState, op func(ctx context.Context) error) error {
	threshold := c.opts.CircuitBreakerThreshold
	if st.circuitOpen(threshold) {
		return apperr.CircuitOpen(name)
	}

	timeout := c.timeoutFor(st.snapshot().desc)
	attempts := 0
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.opts.Metrics.RecordRetry(name)
		}
		attempts++

		actx, cancel := context.WithTimeout(ctx, timeout)
		err := op(actx)
		cancel()
		if err == nil {
			st.recordSuccess()
			c.publishCircuits()
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || attempt == c.opts.MaxRetries-1 {
			break
		}

		delay := c.opts.RetryDelayBase * time.Duration(1<<attempt)
		c.logger.Debug("retrying remote operation",
			"server", name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		if err := c.opts.Sleep(ctx, delay); err != nil {
			break
		}
	}

	failures := st.recordFailure(lastErr, c.opts.Now())
	if failures == threshold {
		c.logger.Warn("circuit breaker opened", "server", name, "failures", failures)
	}
	c.publishCircuits()

	return apperr.Service(lastErr, "server %s failed after %d attempts", name, attempts)
}

func (c *Client) publishCircuits() {
	if c.opts.Metrics == nil {
		return
	}
	open := 0
	for _, cs := range c.CircuitStats() {
		if cs.Open {
			open++
		}
	}
	c.opts.Metrics.SetCircuitsOpen(open)
}

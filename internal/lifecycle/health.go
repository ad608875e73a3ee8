// ABOUTME: Server health checks with a TTL cache shared by concurrent callers
// ABOUTME: Remote servers are probed by listing tools; built-ins are healthy while enabled

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/store"
)

// Health is the outcome of one health check.
type Health struct {
	ServerID  string    `json:"server_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Healthy   bool      `json:"healthy"`
	ToolCount int       `json:"tool_count"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Cached    bool      `json:"cached"`
}

// HealthCheck returns the server's health, reusing a result younger than
// the TTL. A fresh probe updates last_health_check and publishes
// server.health_changed.
func (c *Controller) HealthCheck(ctx context.Context, id string) (*Health, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return nil, err
	}

	if h := c.persistedHealth(server); h != nil {
		return h, nil
	}

	h, cached, err := c.health.Do(id, func() (*Health, error) {
		return c.probe(ctx, server)
	})
	if err != nil {
		return nil, err
	}
	out := *h
	out.Cached = cached
	return &out, nil
}

// Probe checks the server now, ignoring any cached result, and refreshes
// the cache so later HealthCheck callers see the new answer.
func (c *Controller) Probe(ctx context.Context, id string) (*Health, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := c.probe(ctx, server)
	if err != nil {
		return nil, err
	}
	c.health.Set(id, h)
	out := *h
	return &out, nil
}

// persistedHealth answers from the stored check when it is inside the TTL
// and the in-memory cache has nothing, as after a process restart.
func (c *Controller) persistedHealth(server *store.ToolServer) *Health {
	if _, ok := c.health.Get(server.ID); ok {
		return nil
	}
	if server.LastHealthCheck == nil || server.HealthStatus == store.HealthUnknown {
		return nil
	}
	if c.now().Sub(*server.LastHealthCheck) >= c.healthTTL {
		return nil
	}
	// A stored result from before a restart says nothing about this
	// process's connection.
	if !server.IsBuiltin && server.HealthStatus == store.HealthHealthy && !c.client.Connected(server.Name) {
		return nil
	}
	return &Health{
		ServerID:  server.ID,
		Name:      server.Name,
		Status:    server.HealthStatus,
		Healthy:   server.HealthStatus == store.HealthHealthy,
		CheckedAt: *server.LastHealthCheck,
		Cached:    true,
	}
}

func (c *Controller) probe(ctx context.Context, server *store.ToolServer) (*Health, error) {
	now := c.now().UTC()
	h := &Health{ServerID: server.ID, Name: server.Name, CheckedAt: now}

	switch {
	case server.IsBuiltin:
		if server.Status == store.StatusEnabled {
			h.Healthy = true
			if pack, ok := c.packs.Get(server.Name); ok {
				h.ToolCount = len(pack.Tools)
			}
		} else {
			h.Error = fmt.Sprintf("server is %s", server.Status)
		}
	case !c.client.Connected(server.Name):
		h.Error = "not connected"
	default:
		tools, err := c.client.ListTools(ctx, server.Name)
		if err != nil {
			h.Error = err.Error()
		} else {
			h.Healthy = true
			h.ToolCount = len(tools)
		}
	}

	h.Status = store.HealthUnhealthy
	if h.Healthy {
		h.Status = store.HealthHealthy
	}
	c.metrics.RecordHealthCheck(h.Healthy)

	previous := server.HealthStatus
	fresh, err := c.getServer(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	fresh.HealthStatus = h.Status
	fresh.LastHealthCheck = &now
	fresh.UpdatedAt = now
	if err := c.store.UpdateServer(ctx, fresh); err != nil {
		return nil, fmt.Errorf("recording health check: %w", err)
	}

	c.publish(events.ServerHealthChanged, fresh, map[string]any{
		"healthy":         h.Healthy,
		"previous_status": previous,
		"error":           h.Error,
	})

	if !h.Healthy {
		c.logger.Warn("server unhealthy", "server_id", server.ID, "name", server.Name, "error", h.Error)
	} else {
		c.logger.Debug("server healthy", "server_id", server.ID, "name", server.Name, "tools", h.ToolCount)
	}
	return h, nil
}

// PruneHealthCache drops expired health results.
func (c *Controller) PruneHealthCache() int {
	return c.health.Prune()
}

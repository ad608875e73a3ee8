// ABOUTME: Server registry operations: create, read, update, delete and tool administration
// ABOUTME: Validates connection descriptors and keeps ServerTool rows in sync with discovery

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/remote"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/transport"
)

var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Spec describes a server to register. Credentials are plaintext here and
// encrypted before they are stored.
type Spec struct {
	Name        string            `yaml:"name" json:"name"`
	DisplayName string            `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Transport   string            `yaml:"transport" json:"transport"`
	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	Command     string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Credentials string            `yaml:"-" json:"credentials,omitempty"`
	TimeoutMs   int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	AutoStart   bool              `yaml:"auto_start" json:"auto_start"`
	AutoUpdate  bool              `yaml:"auto_update" json:"auto_update"`
	MaxFailures int               `yaml:"max_failures,omitempty" json:"max_failures,omitempty"`
}

// Patch changes a server. Nil fields are left alone. Names are immutable
// because the remote client keys connections by name.
type Patch struct {
	DisplayName *string
	Description *string
	URL         *string
	Command     *string
	Args        *[]string
	Env         *map[string]string
	Headers     *map[string]string
	Credentials *string
	TimeoutMs   *int
	AutoStart   *bool
	AutoUpdate  *bool
	MaxFailures *int
}

// ToolMetrics is the rolling usage of one tool.
type ToolMetrics struct {
	Name         string           `json:"name"`
	Status       store.ToolStatus `json:"status"`
	IsAvailable  bool             `json:"is_available"`
	TotalCalls   int64            `json:"total_calls"`
	TotalErrors  int64            `json:"total_errors"`
	AvgLatencyMs float64          `json:"avg_latency_ms"`
}

// ServerMetrics summarizes a server's health and usage.
type ServerMetrics struct {
	ServerID            string              `json:"server_id"`
	Name                string              `json:"name"`
	Status              store.ServerStatus  `json:"status"`
	HealthStatus        string              `json:"health_status"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Usage               store.UsageStats    `json:"usage"`
	Tools               []ToolMetrics       `json:"tools"`
	Circuit             remote.CircuitState `json:"circuit"`
}

// Create registers a server. Remote servers with auto_start are started
// immediately; a failed start leaves the server registered.
func (c *Controller) Create(ctx context.Context, spec Spec, ownerID string) (*store.ToolServer, error) {
	if err := c.validateSpec(&spec); err != nil {
		return nil, err
	}

	if _, err := c.store.GetServerByName(ctx, spec.Name); err == nil {
		return nil, apperr.Conflict("server %q already exists", spec.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking server name: %w", err)
	}

	creds, err := c.encrypt(spec.Credentials)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	server := &store.ToolServer{
		ID:           newID(),
		Name:         spec.Name,
		DisplayName:  spec.DisplayName,
		Description:  spec.Description,
		Transport:    spec.Transport,
		URL:          spec.URL,
		Command:      spec.Command,
		Args:         spec.Args,
		Env:          spec.Env,
		Headers:      spec.Headers,
		Credentials:  creds,
		TimeoutMs:    spec.TimeoutMs,
		Status:       store.StatusDisabled,
		IsBuiltin:    spec.Transport == store.TransportBuiltin,
		AutoStart:    spec.AutoStart,
		AutoUpdate:   spec.AutoUpdate,
		HealthStatus: store.HealthUnknown,
		MaxFailures:  spec.MaxFailures,
		CreatedBy:    ownerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if server.MaxFailures == 0 {
		server.MaxFailures = c.maxFailures
	}
	if server.DisplayName == "" {
		server.DisplayName = server.Name
	}

	if err := c.store.CreateServer(ctx, server); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("server %q already exists", spec.Name)
		}
		return nil, fmt.Errorf("creating server: %w", err)
	}
	c.logger.Info("server registered", "server_id", server.ID, "name", server.Name, "transport", server.Transport)

	if server.AutoStart && !server.IsBuiltin {
		if _, err := c.start(ctx, server); err != nil {
			return nil, err
		}
	}
	return c.getServer(ctx, server.ID)
}

func (c *Controller) validateSpec(spec *Spec) error {
	if !serverNamePattern.MatchString(spec.Name) {
		return apperr.Validation("invalid server name %q", spec.Name)
	}
	if spec.Transport == "" {
		spec.Transport = store.TransportSSE
	}
	switch spec.Transport {
	case store.TransportSSE, store.TransportStreamable:
		if spec.URL == "" {
			return apperr.Validation("%s transport requires a url", spec.Transport)
		}
	case store.TransportStdio:
		if spec.Command == "" {
			return apperr.Validation("stdio transport requires a command")
		}
	case store.TransportBuiltin:
		if _, ok := c.packs.Get(spec.Name); !ok {
			return apperr.Validation("no built-in pack named %q", spec.Name)
		}
	default:
		return apperr.Validation("unsupported transport %q", spec.Transport)
	}
	if spec.TimeoutMs < 0 {
		return apperr.Validation("timeout_ms cannot be negative")
	}
	if spec.MaxFailures < 0 {
		return apperr.Validation("max_failures cannot be negative")
	}
	return nil
}

// Get returns one server.
func (c *Controller) Get(ctx context.Context, id string) (*store.ToolServer, error) {
	return c.getServer(ctx, id)
}

// List returns servers matching filter.
func (c *Controller) List(ctx context.Context, filter store.ServerFilter) ([]*store.ToolServer, error) {
	servers, err := c.store.ListServers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	return servers, nil
}

// Update applies patch. A running remote server whose connection
// descriptor changed is restarted so the change takes effect.
func (c *Controller) Update(ctx context.Context, id string, patch Patch) (*store.ToolServer, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return nil, err
	}
	before := connectionOf(server)

	if patch.DisplayName != nil {
		server.DisplayName = *patch.DisplayName
	}
	if patch.Description != nil {
		server.Description = *patch.Description
	}
	if patch.URL != nil {
		server.URL = *patch.URL
	}
	if patch.Command != nil {
		server.Command = *patch.Command
	}
	if patch.Args != nil {
		server.Args = *patch.Args
	}
	if patch.Env != nil {
		server.Env = *patch.Env
	}
	if patch.Headers != nil {
		server.Headers = *patch.Headers
	}
	if patch.Credentials != nil {
		creds, err := c.encrypt(*patch.Credentials)
		if err != nil {
			return nil, err
		}
		server.Credentials = creds
	}
	if patch.TimeoutMs != nil {
		server.TimeoutMs = *patch.TimeoutMs
	}
	if patch.AutoStart != nil {
		server.AutoStart = *patch.AutoStart
	}
	if patch.AutoUpdate != nil {
		server.AutoUpdate = *patch.AutoUpdate
	}
	if patch.MaxFailures != nil {
		server.MaxFailures = *patch.MaxFailures
	}

	spec := specOf(server)
	if err := c.validateSpec(&spec); err != nil {
		return nil, err
	}

	server.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateServer(ctx, server); err != nil {
		return nil, storeErr(err, "server", id)
	}
	c.logger.Info("server updated", "server_id", id, "name", server.Name)

	changed := !before.equal(connectionOf(server)) || patch.Credentials != nil
	if changed && !server.IsBuiltin && server.Status == store.StatusEnabled {
		if _, err := c.Restart(ctx, id); err != nil {
			return nil, err
		}
	}
	return c.getServer(ctx, id)
}

// Delete stops a running server, then removes it with its tools, usage
// rows and permissions. Built-in servers cannot be deleted.
func (c *Controller) Delete(ctx context.Context, id string) error {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return err
	}
	if server.IsBuiltin {
		return apperr.Validation("built-in server %s cannot be deleted", server.Name)
	}

	if server.Status != store.StatusDisabled {
		if _, err := c.stop(ctx, server); err != nil {
			return err
		}
	}
	c.client.Forget(server.Name)
	c.health.Delete(server.ID)

	if err := c.store.DeleteServer(ctx, id); err != nil {
		return storeErr(err, "server", id)
	}

	c.publish(events.ServerDeleted, server, nil)
	c.logger.Info("server deleted", "server_id", id, "name", server.Name)
	return nil
}

// ListTools returns the tools recorded for a server.
func (c *Controller) ListTools(ctx context.Context, serverID string) ([]*store.ServerTool, error) {
	if _, err := c.getServer(ctx, serverID); err != nil {
		return nil, err
	}
	tools, err := c.store.ListTools(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return tools, nil
}

// EnableTool allows calls to a tool again.
func (c *Controller) EnableTool(ctx context.Context, toolID string) (*store.ServerTool, error) {
	return c.setToolStatus(ctx, toolID, store.ToolEnabled)
}

// DisableTool blocks calls to a tool without removing it.
func (c *Controller) DisableTool(ctx context.Context, toolID string) (*store.ServerTool, error) {
	return c.setToolStatus(ctx, toolID, store.ToolDisabled)
}

func (c *Controller) setToolStatus(ctx context.Context, toolID string, status store.ToolStatus) (*store.ServerTool, error) {
	tool, err := c.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, storeErr(err, "tool", toolID)
	}
	if tool.Status == status {
		return tool, nil
	}
	tool.Status = status
	tool.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateTool(ctx, tool); err != nil {
		return nil, storeErr(err, "tool", toolID)
	}
	c.logger.Info("tool status changed", "tool_id", toolID, "tool", tool.Name, "status", status)
	return tool, nil
}

// Metrics returns usage and reliability figures for a server.
func (c *Controller) Metrics(ctx context.Context, id string) (*ServerMetrics, error) {
	server, err := c.getServer(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := c.store.GetServerUsageStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting usage stats: %w", err)
	}
	tools, err := c.store.ListTools(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	m := &ServerMetrics{
		ServerID:            server.ID,
		Name:                server.Name,
		Status:              server.Status,
		HealthStatus:        server.HealthStatus,
		ConsecutiveFailures: server.ConsecutiveFailures,
		Usage:               *stats,
		Tools:               make([]ToolMetrics, 0, len(tools)),
	}
	for _, t := range tools {
		m.Tools = append(m.Tools, ToolMetrics{
			Name:         t.Name,
			Status:       t.Status,
			IsAvailable:  t.IsAvailable,
			TotalCalls:   t.TotalCalls,
			TotalErrors:  t.TotalErrors,
			AvgLatencyMs: t.AvgLatencyMs,
		})
	}
	if cs, ok := c.client.CircuitStats()[server.Name]; ok {
		m.Circuit = cs
	}
	return m, nil
}

// syncTools upserts the reported tools as available and marks every other
// tool of the server unavailable. Nothing is deleted and admin-set tool
// status is preserved.
func (c *Controller) syncTools(ctx context.Context, serverID string, reported []transport.Tool) error {
	return c.store.WithTx(ctx, func(tx store.Store) error {
		existing, err := tx.ListTools(ctx, serverID)
		if err != nil {
			return fmt.Errorf("listing tools: %w", err)
		}
		byName := make(map[string]*store.ServerTool, len(existing))
		for _, t := range existing {
			byName[t.Name] = t
		}

		now := c.now().UTC()
		seen := make(map[string]bool, len(reported))
		for _, rt := range reported {
			if rt.Name == "" || seen[rt.Name] {
				continue
			}
			seen[rt.Name] = true
			schema := string(rt.InputSchema)

			if t, ok := byName[rt.Name]; ok {
				t.Description = rt.Description
				t.InputSchema = schema
				t.IsAvailable = true
				t.UpdatedAt = now
				if err := tx.UpdateTool(ctx, t); err != nil {
					return fmt.Errorf("updating tool %s: %w", rt.Name, err)
				}
				continue
			}

			if err := tx.CreateTool(ctx, &store.ServerTool{
				ID:          newID(),
				ServerID:    serverID,
				Name:        rt.Name,
				Description: rt.Description,
				InputSchema: schema,
				Status:      store.ToolEnabled,
				IsAvailable: true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}); err != nil {
				return fmt.Errorf("creating tool %s: %w", rt.Name, err)
			}
		}

		for _, t := range existing {
			if seen[t.Name] || !t.IsAvailable {
				continue
			}
			t.IsAvailable = false
			t.UpdatedAt = now
			if err := tx.UpdateTool(ctx, t); err != nil {
				return fmt.Errorf("marking tool %s unavailable: %w", t.Name, err)
			}
		}
		return nil
	})
}

func packTools(p *builtins.Pack) []transport.Tool {
	out := make([]transport.Tool, 0, len(p.Tools))
	for _, t := range p.Tools {
		tool := transport.Tool{Name: t.Name, Description: t.Description}
		if t.InputSchema != "" {
			tool.InputSchema = json.RawMessage(t.InputSchema)
		}
		out = append(out, tool)
	}
	return out
}

func newID() string {
	return uuid.New().String()
}

// connection is the part of a server that a running connection depends on.
type connection struct {
	url, command string
	args         []string
	env, headers map[string]string
	timeoutMs    int
}

func connectionOf(s *store.ToolServer) connection {
	return connection{
		url:       s.URL,
		command:   s.Command,
		args:      slices.Clone(s.Args),
		env:       maps.Clone(s.Env),
		headers:   maps.Clone(s.Headers),
		timeoutMs: s.TimeoutMs,
	}
}

func (a connection) equal(b connection) bool {
	return a.url == b.url &&
		a.command == b.command &&
		a.timeoutMs == b.timeoutMs &&
		slices.Equal(a.args, b.args) &&
		maps.Equal(a.env, b.env) &&
		maps.Equal(a.headers, b.headers)
}

func specOf(s *store.ToolServer) Spec {
	return Spec{
		Name:        s.Name,
		DisplayName: s.DisplayName,
		Description: s.Description,
		Transport:   s.Transport,
		URL:         s.URL,
		Command:     s.Command,
		Args:        s.Args,
		Env:         s.Env,
		Headers:     s.Headers,
		TimeoutMs:   s.TimeoutMs,
		AutoStart:   s.AutoStart,
		AutoUpdate:  s.AutoUpdate,
		MaxFailures: s.MaxFailures,
	}
}

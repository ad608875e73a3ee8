// ABOUTME: Principal-scoped control plane operations for the outer API layer
// ABOUTME: Mutating server and permission operations require an admin principal

package gateway

import (
	"context"
	"fmt"

	"github.com/2389/toolgate/internal/access"
	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/lifecycle"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/remote"
	"github.com/2389/toolgate/internal/store"
)

// BulkOp is an operation applied to many servers at once.
type BulkOp string

// Bulk operations.
const (
	BulkStart   BulkOp = "start"
	BulkStop    BulkOp = "stop"
	BulkRestart BulkOp = "restart"
	BulkEnable  BulkOp = "enable"
	BulkDisable BulkOp = "disable"
	BulkDelete  BulkOp = "delete"
)

// BulkItem is the outcome for one server.
type BulkItem struct {
	ServerID string `json:"server_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// BulkResult reports a bulk operation. One failing server never stops the rest.
type BulkResult struct {
	Operation BulkOp     `json:"operation"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Results   []BulkItem `json:"results"`
}

// ToolCall is one invocation requested through CallTool.
type ToolCall struct {
	ServerID       string
	Tool           string
	Args           any
	ConversationID string
}

func requirePrincipal(p *auth.Principal) error {
	if p == nil || p.ID == "" {
		return apperr.PermissionDenied("authentication required")
	}
	return nil
}

func requireAdmin(p *auth.Principal) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	if !p.IsAdmin() {
		return apperr.PermissionDenied("admin role required")
	}
	return nil
}

// CreateServer registers a server owned by p.
func (g *Gateway) CreateServer(ctx context.Context, p *auth.Principal, spec lifecycle.Spec) (*store.ToolServer, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.controller.Create(ctx, spec, p.ID)
}

// ListServers lists servers, optionally filtered by status.
func (g *Gateway) ListServers(ctx context.Context, p *auth.Principal, status *store.ServerStatus, includeBuiltin bool) ([]*store.ToolServer, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return g.controller.List(ctx, store.ServerFilter{Status: status, IncludeBuiltin: includeBuiltin})
}

// GetServer returns one server.
func (g *Gateway) GetServer(ctx context.Context, p *auth.Principal, id string) (*store.ToolServer, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return g.controller.Get(ctx, id)
}

// UpdateServer applies patch to a server.
func (g *Gateway) UpdateServer(ctx context.Context, p *auth.Principal, id string, patch lifecycle.Patch) (*store.ToolServer, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.controller.Update(ctx, id, patch)
}

// DeleteServer stops and removes a server with its tools and usage.
func (g *Gateway) DeleteServer(ctx context.Context, p *auth.Principal, id string) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	return g.controller.Delete(ctx, id)
}

// StartServer connects a server and syncs its tools.
func (g *Gateway) StartServer(ctx context.Context, p *auth.Principal, id string) (bool, error) {
	if err := requireAdmin(p); err != nil {
		return false, err
	}
	return g.controller.Start(ctx, id)
}

// StopServer disconnects a server.
func (g *Gateway) StopServer(ctx context.Context, p *auth.Principal, id string) (bool, error) {
	if err := requireAdmin(p); err != nil {
		return false, err
	}
	return g.controller.Stop(ctx, id)
}

// RestartServer stops then starts a server.
func (g *Gateway) RestartServer(ctx context.Context, p *auth.Principal, id string) (bool, error) {
	if err := requireAdmin(p); err != nil {
		return false, err
	}
	return g.controller.Restart(ctx, id)
}

// EnableServer starts a server.
func (g *Gateway) EnableServer(ctx context.Context, p *auth.Principal, id string) (bool, error) {
	if err := requireAdmin(p); err != nil {
		return false, err
	}
	return g.controller.Enable(ctx, id)
}

// DisableServer stops a server and marks its tools unavailable.
func (g *Gateway) DisableServer(ctx context.Context, p *auth.Principal, id string) (bool, error) {
	if err := requireAdmin(p); err != nil {
		return false, err
	}
	return g.controller.Disable(ctx, id)
}

// ListServerTools lists the tools known for a server.
func (g *Gateway) ListServerTools(ctx context.Context, p *auth.Principal, serverID string) ([]*store.ServerTool, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return g.controller.ListTools(ctx, serverID)
}

// EnableTool allows calls to a tool.
func (g *Gateway) EnableTool(ctx context.Context, p *auth.Principal, toolID string) (*store.ServerTool, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.controller.EnableTool(ctx, toolID)
}

// DisableTool blocks calls to a tool.
func (g *Gateway) DisableTool(ctx context.Context, p *auth.Principal, toolID string) (*store.ServerTool, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.controller.DisableTool(ctx, toolID)
}

// GetServerMetrics summarizes a server's usage and circuit.
func (g *Gateway) GetServerMetrics(ctx context.Context, p *auth.Principal, id string) (*lifecycle.ServerMetrics, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return g.controller.Metrics(ctx, id)
}

// HealthCheckServer probes a server, reusing a recent result.
func (g *Gateway) HealthCheckServer(ctx context.Context, p *auth.Principal, id string) (*lifecycle.Health, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	return g.controller.HealthCheck(ctx, id)
}

// BulkServerOperation applies op to every id in order.
func (g *Gateway) BulkServerOperation(ctx context.Context, p *auth.Principal, ids []string, op BulkOp) (*BulkResult, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}

	var run func(ctx context.Context, id string) (bool, error)
	switch op {
	case BulkStart:
		run = g.controller.Start
	case BulkStop:
		run = g.controller.Stop
	case BulkRestart:
		run = g.controller.Restart
	case BulkEnable:
		run = g.controller.Enable
	case BulkDisable:
		run = g.controller.Disable
	case BulkDelete:
		run = func(ctx context.Context, id string) (bool, error) {
			if err := g.controller.Delete(ctx, id); err != nil {
				return false, err
			}
			return true, nil
		}
	default:
		return nil, apperr.Validation("unknown bulk operation %q", op)
	}

	res := &BulkResult{Operation: op, Results: make([]BulkItem, 0, len(ids))}
	for _, id := range ids {
		item := BulkItem{ServerID: id}
		ok, err := run(ctx, id)
		switch {
		case err != nil:
			item.Error = err.Error()
		case !ok:
			item.Error = g.lastStartupError(ctx, id, op)
		default:
			item.Success = true
		}
		if item.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
		res.Results = append(res.Results, item)
	}

	g.logger.Info("bulk server operation",
		"operation", op,
		"user_id", p.ID,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, nil
}

func (g *Gateway) lastStartupError(ctx context.Context, id string, op BulkOp) string {
	server, err := g.controller.Get(ctx, id)
	if err == nil && server.LastStartupError != "" {
		return server.LastStartupError
	}
	return fmt.Sprintf("%s failed", op)
}

// GrantPermission creates an explicit grant.
func (g *Gateway) GrantPermission(ctx context.Context, p *auth.Principal, spec access.GrantSpec) (*store.ToolPermission, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.resolver.Grant(ctx, spec, p.ID)
}

// UpdatePermission changes a grant.
func (g *Gateway) UpdatePermission(ctx context.Context, p *auth.Principal, id string, patch access.PermissionPatch) (*store.ToolPermission, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.resolver.Update(ctx, id, patch)
}

// RevokePermission deletes a grant.
func (g *Gateway) RevokePermission(ctx context.Context, p *auth.Principal, id string) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	return g.resolver.Revoke(ctx, id)
}

// CreateRoleRule adds a role access rule.
func (g *Gateway) CreateRoleRule(ctx context.Context, p *auth.Principal, spec access.RoleRuleSpec) (*store.RoleAccessRule, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.resolver.CreateRoleRule(ctx, spec, p.ID)
}

// DeleteRoleRule removes a role access rule.
func (g *Gateway) DeleteRoleRule(ctx context.Context, p *auth.Principal, id string) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	return g.resolver.DeleteRoleRule(ctx, id)
}

// ListRoleRules lists role access rules, all roles when role is empty.
func (g *Gateway) ListRoleRules(ctx context.Context, p *auth.Principal, role string) ([]*store.RoleAccessRule, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.resolver.ListRoleRules(ctx, role)
}

// ListPermissions lists the grants held by userID. Non-admins may only list
// their own.
func (g *Gateway) ListPermissions(ctx context.Context, p *auth.Principal, userID string) ([]*store.ToolPermission, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if userID == "" {
		userID = p.ID
	}
	if userID != p.ID && !p.IsAdmin() {
		return nil, apperr.PermissionDenied("cannot list permissions of another user")
	}
	return g.resolver.ListPermissions(ctx, userID)
}

// ResetCircuit closes a server's circuit breaker so the next call reaches
// the network.
func (g *Gateway) ResetCircuit(ctx context.Context, p *auth.Principal, serverID string) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	server, err := g.controller.Get(ctx, serverID)
	if err != nil {
		return err
	}
	g.client.ResetCircuit(server.Name)
	g.logger.Info("circuit reset", "server", server.Name, "user_id", p.ID)
	return nil
}

// CheckAccess decides whether p may call toolName on serverID. It never
// fails; a missing principal is a deny decision.
func (g *Gateway) CheckAccess(ctx context.Context, p *auth.Principal, serverID, toolName string) *access.Decision {
	return g.resolver.CheckAccess(ctx, access.Check{Principal: p, ServerID: serverID, ToolName: toolName})
}

// RecordToolUsage records a call p ran outside the gateway. Only admins may
// record usage on behalf of another user.
func (g *Gateway) RecordToolUsage(ctx context.Context, p *auth.Principal, serverID, toolName string, u lifecycle.Usage) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	if u.UserID == "" {
		u.UserID = p.ID
	}
	if u.UserID != p.ID && !p.IsAdmin() {
		return apperr.PermissionDenied("cannot record usage for another user")
	}
	return g.controller.RecordUsage(ctx, serverID, toolName, u)
}

// Admit takes one token from p's ingress budget.
func (g *Gateway) Admit(p *auth.Principal) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	caps := g.config.RateLimit
	if caps.PerHour <= 0 && caps.PerDay <= 0 {
		return nil
	}
	res := g.limiter.Allow("ingress:"+p.ID, ratelimit.Hourly(caps.PerHour), ratelimit.Daily(caps.PerDay))
	if !res.Allowed {
		return apperr.RateLimited(res.RemainingFor("hour"), res.RemainingFor("day"))
	}
	return nil
}

// CallTool admits p, checks access and runs the tool.
func (g *Gateway) CallTool(ctx context.Context, p *auth.Principal, call ToolCall) (*remote.CallResult, error) {
	if err := g.Admit(p); err != nil {
		return nil, err
	}
	decision := g.CheckAccess(ctx, p, call.ServerID, call.Tool)
	if err := decision.Err(); err != nil {
		return nil, err
	}
	return g.controller.Call(ctx, lifecycle.CallSpec{
		ServerID:       call.ServerID,
		Tool:           call.Tool,
		Args:           call.Args,
		UserID:         p.ID,
		ConversationID: call.ConversationID,
	})
}

// ExportServer renders a server registration as YAML.
func (g *Gateway) ExportServer(ctx context.Context, p *auth.Principal, id string) ([]byte, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.controller.Export(ctx, id)
}

// ImportServer registers a server from an exported YAML document.
func (g *Gateway) ImportServer(ctx context.Context, p *auth.Principal, data []byte) (*store.ToolServer, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	return g.controller.Import(ctx, data, p.ID)
}

// ABOUTME: Tool invocation routing and explicit usage recording
// ABOUTME: Picks a built-in or remote tool handle for a call after checking server and tool state

package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/remote"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/tools"
)

// Usage is a usage record reported by a caller that ran a tool itself.
type Usage struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Arguments      any    `json:"arguments,omitempty"`
	Result         string `json:"result,omitempty"`
	LatencyMs      int64  `json:"latency_ms"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// RecordUsage appends a usage row and folds it into the tool's rolling
// stats. Unlike call tracking it is synchronous and returns ledger errors.
func (c *Controller) RecordUsage(ctx context.Context, serverID, toolName string, u Usage) error {
	if toolName == "" {
		return apperr.Validation("tool name is required")
	}
	if u.LatencyMs < 0 {
		return apperr.Validation("latency cannot be negative")
	}
	if _, err := c.getServer(ctx, serverID); err != nil {
		return err
	}

	entry := ledger.Entry{
		ServerID:       serverID,
		ToolName:       toolName,
		UserID:         u.UserID,
		ConversationID: u.ConversationID,
		Result:         u.Result,
		LatencyMs:      u.LatencyMs,
		Success:        u.Success,
		Error:          u.Error,
		At:             c.now().UTC(),
	}
	if u.Arguments != nil {
		raw, err := json.Marshal(u.Arguments)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "arguments are not serializable")
		}
		entry.Arguments = string(raw)
	}

	if err := c.ledger.Record(ctx, entry); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

// CallSpec identifies one invocation.
type CallSpec struct {
	ServerID       string
	Tool           string
	Args           any
	UserID         string
	ConversationID string
}

// Call runs a tool on an enabled server. The result is nil only when the
// call never reached a tool handle.
func (c *Controller) Call(ctx context.Context, spec CallSpec) (*remote.CallResult, error) {
	server, err := c.getServer(ctx, spec.ServerID)
	if err != nil {
		return nil, err
	}
	if server.Status != store.StatusEnabled {
		return nil, apperr.Service(nil, "server %s is %s", server.Name, server.Status)
	}

	tool, err := c.store.GetToolByName(ctx, server.ID, spec.Tool)
	if err != nil {
		return nil, storeErr(err, "tool", spec.Tool)
	}
	if tool.Status != store.ToolEnabled {
		return nil, apperr.PermissionDenied("tool %s is disabled", tool.Name)
	}
	if !tool.IsAvailable {
		return nil, apperr.Service(nil, "tool %s is not available on server %s", tool.Name, server.Name)
	}

	h, err := c.handle(server, tool)
	if err != nil {
		return nil, err
	}
	return h.Invoke(ctx, tools.Call{
		Args:           spec.Args,
		UserID:         spec.UserID,
		ConversationID: spec.ConversationID,
	})
}

// handle picks the built-in or remote variant for a tool.
func (c *Controller) handle(server *store.ToolServer, tool *store.ServerTool) (tools.Handle, error) {
	if !server.IsBuiltin {
		return &tools.Remote{
			Client:   c.client,
			Server:   server.Name,
			ServerID: server.ID,
			Tool:     tool.Name,
		}, nil
	}

	pack, ok := c.packs.Get(server.Name)
	if !ok {
		return nil, apperr.New(apperr.KindInternal, "no built-in pack named %s", server.Name)
	}
	bt := pack.Tool(tool.Name)
	if bt == nil {
		return nil, apperr.NotFound("tool %s not found in pack %s", tool.Name, pack.Name)
	}
	return &tools.Builtin{
		Tool:     bt,
		ServerID: server.ID,
		Recorder: c.usage,
		Now:      c.now,
	}, nil
}

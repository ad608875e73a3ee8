// ABOUTME: Tool handles: one Invoke method over built-in and remote tools
// ABOUTME: Builtin runs a pack handler in-process, Remote goes through the remote client

package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/remote"
)

// Call is one invocation request.
type Call struct {
	Args           any
	UserID         string
	ConversationID string
}

// Handle is anything that can run a tool.
type Handle interface {
	Invoke(ctx context.Context, call Call) (*remote.CallResult, error)
}

// Remote invokes a tool on a remote server.
type Remote struct {
	Client   *remote.Client
	Server   string
	ServerID string
	Tool     string
}

var _ Handle = (*Remote)(nil)

func (r *Remote) Invoke(ctx context.Context, call Call) (*remote.CallResult, error) {
	return r.Client.Call(ctx, remote.CallRequest{
		Server:         r.Server,
		ServerID:       r.ServerID,
		Tool:           r.Tool,
		Args:           call.Args,
		UserID:         call.UserID,
		ConversationID: call.ConversationID,
	})
}

// Builtin invokes an in-process pack tool and records its usage.
type Builtin struct {
	Tool     *builtins.Tool
	ServerID string
	Recorder ledger.Recorder
	Now      func() time.Time
}

var _ Handle = (*Builtin)(nil)

func (b *Builtin) Invoke(ctx context.Context, call Call) (*remote.CallResult, error) {
	now := b.Now
	if now == nil {
		now = time.Now
	}
	start := now()

	input, result, err := b.run(ctx, call)
	res := &remote.CallResult{
		Success:   err == nil,
		LatencyMs: now().Sub(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Result = result
	}

	if b.Recorder != nil && b.ServerID != "" {
		entry := ledger.Entry{
			ServerID:       b.ServerID,
			ToolName:       b.Tool.Name,
			UserID:         call.UserID,
			ConversationID: call.ConversationID,
			Arguments:      string(input),
			LatencyMs:      res.LatencyMs,
			Success:        res.Success,
			Error:          res.Error,
			At:             start,
		}
		if raw, mErr := json.Marshal(result); mErr == nil && result != nil {
			entry.Result = string(raw)
		}
		_ = b.Recorder.Record(context.WithoutCancel(ctx), entry)
	}

	return res, err
}

func (b *Builtin) run(ctx context.Context, call Call) (json.RawMessage, any, error) {
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if _, ok := args.(map[string]any); !ok {
		return nil, nil, apperr.Validation("arguments must be an object, got %T", args)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindValidation, err, "arguments are not serializable")
	}

	out, err := b.Tool.Handler(ctx, call.UserID, input)
	if err != nil {
		return input, nil, apperr.Service(err, "builtin tool %s failed", b.Tool.Name)
	}

	var result any
	if len(out) > 0 {
		if err := json.Unmarshal(out, &result); err != nil {
			return input, nil, apperr.Wrap(apperr.KindInternal, err, "builtin tool %s returned invalid JSON", b.Tool.Name)
		}
	}
	return input, result, nil
}

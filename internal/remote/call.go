// ABOUTME: Tool invocation through the remote client's reliability wrapper
// ABOUTME: Validates arguments, traces the call, checks the result and records usage

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/ledger"
)

// CallRequest identifies one tool invocation.
type CallRequest struct {
	Server         string // server name, keys the connection
	ServerID       string // registry id, keys the usage ledger
	Tool           string
	Args           any
	UserID         string
	ConversationID string
}

// CallResult is the outcome of Call. Exactly one of Result or Error is set.
type CallResult struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Call invokes a tool. The returned result is never nil; err carries the
// classified failure when Success is false.
func (c *Client) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	ctx, span := c.tracer.Start(ctx, "remote.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tool.server", req.Server),
			attribute.String("tool.name", req.Tool),
		))
	defer span.End()

	start := c.opts.Now()
	args, result, encoded, err := c.call(ctx, req)
	latency := c.opts.Now().Sub(start)

	res := &CallResult{Success: err == nil, LatencyMs: latency.Milliseconds()}
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", apperr.KindOf(err).String()))
	} else {
		res.Result = result
		span.SetStatus(codes.Ok, "")
	}

	c.opts.Metrics.RecordToolCall(req.Server, req.Tool, res.Success, latency.Seconds())
	c.track(ctx, req, args, encoded, res, start)

	if err != nil {
		c.logger.Warn("tool call failed",
			"server", req.Server,
			"tool", req.Tool,
			"latency_ms", res.LatencyMs,
			"error", err)
		return res, err
	}
	c.logger.Debug("tool call completed",
		"server", req.Server,
		"tool", req.Tool,
		"latency_ms", res.LatencyMs)
	return res, nil
}

func (c *Client) call(ctx context.Context, req CallRequest) (map[string]any, any, string, error) {
	args, err := sanitizeArgs(req.Args)
	if err != nil {
		return nil, nil, "", err
	}

	st, ok := c.state(req.Server)
	if !ok {
		return args, nil, "", apperr.Service(nil, "server %s is not connected", req.Server)
	}
	snap := st.snapshot()
	if snap.handle == nil {
		if st.circuitOpen(c.opts.CircuitBreakerThreshold) {
			return args, nil, "", apperr.CircuitOpen(req.Server)
		}
		return args, nil, "", apperr.Service(nil, "server %s is not connected", req.Server)
	}

	if err := c.validateArgs(st, snap, req.Tool, args); err != nil {
		return args, nil, "", err
	}

	var out any
	err = c.withRetry(ctx, req.Server, st, func(ctx context.Context) error {
		var err error
		out, err = snap.handle.Invoke(ctx, req.Tool, args)
		return err
	})
	if err != nil {
		return args, nil, "", err
	}

	result, encoded := checkResult(out)
	return args, result, encoded, nil
}

// validateArgs checks args against the tool's advertised input schema.
// Schemas that do not compile are skipped.
func (c *Client) validateArgs(st *serverState, snap snapshot, toolName string, args map[string]any) error {
	var raw json.RawMessage
	for _, t := range snap.tools {
		if t.Name == toolName {
			raw = t.InputSchema
			break
		}
	}
	if len(raw) == 0 {
		return nil
	}

	schema, ok := snap.schemas[toolName]
	if !ok {
		schema = c.compileSchema(snap.desc.Name, toolName, raw)
		next := make(map[string]*jsonschema.Schema, len(snap.schemas)+1)
		for k, v := range snap.schemas {
			next[k] = v
		}
		next[toolName] = schema
		st.storeSchemas(snap.gen, next)
	}
	if schema == nil {
		return nil
	}

	// Validate against the JSON view of the arguments so numeric types match.
	encoded, err := json.Marshal(args)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "arguments are not serializable")
	}
	var decoded any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "arguments are not serializable")
	}
	if err := schema.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return apperr.Wrap(apperr.KindValidation, verr, "arguments do not match schema for %s", toolName)
		}
		return apperr.Wrap(apperr.KindValidation, err, "validating arguments for %s", toolName)
	}
	return nil
}

func (c *Client) compileSchema(server, toolName string, raw json.RawMessage) *jsonschema.Schema {
	url := fmt.Sprintf("toolgate://%s/%s.json", server, toolName)
	schema, err := jsonschema.CompileString(url, string(raw))
	if err != nil {
		c.logger.Warn("ignoring uncompilable input schema",
			"server", server,
			"tool", toolName,
			"error", err)
		return nil
	}
	return schema
}

// track hands the call to the usage recorder. Recorder errors are logged only.
func (c *Client) track(ctx context.Context, req CallRequest, args map[string]any, encoded string, res *CallResult, at time.Time) {
	if c.opts.Recorder == nil || req.ServerID == "" {
		return
	}

	var argJSON string
	if args != nil {
		if b, err := json.Marshal(args); err == nil {
			argJSON = string(b)
		}
	}

	entry := ledger.Entry{
		ServerID:       req.ServerID,
		ToolName:       req.Tool,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Arguments:      argJSON,
		Result:         encoded,
		LatencyMs:      res.LatencyMs,
		Success:        res.Success,
		Error:          res.Error,
		At:             at,
	}
	if err := c.opts.Recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error("usage tracking failed",
			"server", req.Server,
			"tool", req.Tool,
			"error", err)
	}
}

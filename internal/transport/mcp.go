// ABOUTME: MCP implementation of Transport built on the official Go SDK
// ABOUTME: Supports SSE, streamable HTTP and stdio subprocess servers

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const clientName = "toolgate"

// MCP connects to Model Context Protocol servers.
type MCP struct {
	version string
	logger  *slog.Logger
}

var _ Transport = (*MCP)(nil)

// NewMCP creates an MCP transport that identifies itself with version.
func NewMCP(version string, logger *slog.Logger) *MCP {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCP{
		version: version,
		logger:  logger.With("component", "mcp-transport"),
	}
}

// Connect opens a client session for desc. The session outlives ctx; ctx only
// bounds the handshake.
func (m *MCP) Connect(ctx context.Context, desc Descriptor) (Handle, error) {
	var t mcp.Transport
	switch desc.Kind {
	case KindSSE:
		if desc.URL == "" {
			return nil, errors.New("sse transport requires a url")
		}
		t = mcp.NewSSEClientTransport(desc.URL, &mcp.SSEClientTransportOptions{
			HTTPClient: httpClient(desc.Headers),
		})
	case KindStreamable:
		if desc.URL == "" {
			return nil, errors.New("streamable transport requires a url")
		}
		t = mcp.NewStreamableClientTransport(desc.URL, &mcp.StreamableClientTransportOptions{
			HTTPClient: httpClient(desc.Headers),
		})
	case KindStdio:
		if desc.Command == "" {
			return nil, errors.New("stdio transport requires a command")
		}
		cmd := exec.Command(desc.Command, desc.Args...)
		if len(desc.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range desc.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		t = mcp.NewCommandTransport(cmd)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, desc.Kind)
	}

	if desc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    clientName,
		Version: m.version,
	}, nil)

	// The SSE stream is bound to the context passed to Connect, so the
	// handshake runs detached and ctx only decides how long we wait for it.
	type connected struct {
		session *mcp.ClientSession
		err     error
	}
	done := make(chan connected, 1)
	go func() {
		s, err := client.Connect(context.WithoutCancel(ctx), t)
		done <- connected{session: s, err: err}
	}()

	select {
	case c := <-done:
		if c.err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", desc.Name, c.err)
		}
		m.logger.Debug("mcp session opened", "server", desc.Name, "transport", desc.Kind)
		return &mcpHandle{session: c.session}, nil
	case <-ctx.Done():
		go func() {
			if c := <-done; c.session != nil {
				_ = c.session.Close()
			}
		}()
		return nil, fmt.Errorf("connecting to %s: %w", desc.Name, ctx.Err())
	}
}

type mcpHandle struct {
	session *mcp.ClientSession
}

func (h *mcpHandle) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := h.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tool := Tool{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("encoding schema for %s: %w", t.Name, err)
			}
			tool.InputSchema = schema
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// Invoke calls a tool and returns its text content. A single text block is
// returned as a string, several as a []string.
func (h *mcpHandle) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	res, err := h.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", toolName, err)
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	if res.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", toolName, strings.Join(texts, "; "))
	}

	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return texts[0], nil
	default:
		return texts, nil
	}
}

func (h *mcpHandle) Close() error {
	return h.session.Close()
}

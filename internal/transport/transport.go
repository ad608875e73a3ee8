// ABOUTME: Transport abstraction used by the remote tool client
// ABOUTME: A Transport connects to a server descriptor and yields a Handle for tool calls

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Transport kinds accepted in a Descriptor.
const (
	KindSSE        = "sse"
	KindStdio      = "stdio"
	KindStreamable = "streamable"
)

// ErrUnsupportedKind is returned for a descriptor whose transport kind is unknown.
var ErrUnsupportedKind = errors.New("unsupported transport kind")

// Descriptor is everything needed to reach one tool server.
type Descriptor struct {
	Name    string
	Kind    string
	URL     string
	Command string
	Args    []string
	Env     map[string]string
	Headers map[string]string
	Timeout time.Duration
}

// Tool is one tool advertised by a server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Handle is a live connection to a tool server.
type Handle interface {
	ListTools(ctx context.Context) ([]Tool, error)
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, error)
	Close() error
}

// Transport opens connections.
type Transport interface {
	Connect(ctx context.Context, desc Descriptor) (Handle, error)
}

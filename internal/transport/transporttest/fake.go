// ABOUTME: Scriptable in-memory Transport for tests
// ABOUTME: Servers are registered by name with tools, handlers and injected failures

package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/toolgate/internal/transport"
)

// ErrInjected is the error returned by scripted failures.
var ErrInjected = errors.New("injected failure")

// Server is one fake tool server.
type Server struct {
	mu sync.Mutex

	Tools    []transport.Tool
	Handlers map[string]func(args map[string]any) (any, error)

	connectFailures int
	listFailures    int
	invokeFailures  int
	down            bool
	lastDesc        transport.Descriptor

	Connects int
	Lists    int
	Invokes  int
	Closes   int
}

// FailConnects makes the next n Connect calls fail.
func (s *Server) FailConnects(n int) {
	s.mu.Lock()
	s.connectFailures = n
	s.mu.Unlock()
}

// FailLists makes the next n ListTools calls fail.
func (s *Server) FailLists(n int) {
	s.mu.Lock()
	s.listFailures = n
	s.mu.Unlock()
}

// FailInvokes makes the next n Invoke calls fail.
func (s *Server) FailInvokes(n int) {
	s.mu.Lock()
	s.invokeFailures = n
	s.mu.Unlock()
}

// SetDown makes every operation fail until called with false.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Counts returns (connects, lists, invokes).
func (s *Server) Counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Connects, s.Lists, s.Invokes
}

// LastDescriptor returns the descriptor of the most recent Connect.
func (s *Server) LastDescriptor() transport.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDesc
}

// SetTools replaces the advertised tools.
func (s *Server) SetTools(tools ...transport.Tool) {
	s.mu.Lock()
	s.Tools = tools
	s.mu.Unlock()
}

// Transport is a fake transport keyed by descriptor name.
type Transport struct {
	mu      sync.Mutex
	servers map[string]*Server
}

var _ transport.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{servers: make(map[string]*Server)}
}

// Add registers a server exposing the named tools. Each tool echoes its
// arguments unless a handler is installed.
func (t *Transport) Add(name string, toolNames ...string) *Server {
	s := &Server{Handlers: make(map[string]func(map[string]any) (any, error))}
	for _, tn := range toolNames {
		s.Tools = append(s.Tools, transport.Tool{Name: tn, Description: tn + " tool"})
	}
	t.mu.Lock()
	t.servers[name] = s
	t.mu.Unlock()
	return s
}

// Server returns a registered server or nil.
func (t *Transport) Server(name string) *Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.servers[name]
}

func (t *Transport) Connect(ctx context.Context, desc transport.Descriptor) (transport.Handle, error) {
	s := t.Server(desc.Name)
	if s == nil {
		return nil, fmt.Errorf("no fake server %q", desc.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connects++
	s.lastDesc = desc
	if s.down {
		return nil, ErrInjected
	}
	if s.connectFailures > 0 {
		s.connectFailures--
		return nil, ErrInjected
	}
	return &handle{server: s}, nil
}

type handle struct {
	server *Server
	mu     sync.Mutex
	closed bool
}

func (h *handle) ListTools(ctx context.Context) ([]transport.Tool, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	s := h.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lists++
	if s.down {
		return nil, ErrInjected
	}
	if s.listFailures > 0 {
		s.listFailures--
		return nil, ErrInjected
	}
	out := make([]transport.Tool, len(s.Tools))
	copy(out, s.Tools)
	return out, nil
}

func (h *handle) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	s := h.server
	s.mu.Lock()
	s.Invokes++
	if s.down {
		s.mu.Unlock()
		return nil, ErrInjected
	}
	if s.invokeFailures > 0 {
		s.invokeFailures--
		s.mu.Unlock()
		return nil, ErrInjected
	}
	fn := s.Handlers[toolName]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(args)
	}
	return map[string]any{"tool": toolName, "args": args}, nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.server.mu.Lock()
	h.server.Closes++
	h.server.mu.Unlock()
	return nil
}

func (h *handle) check() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	return nil
}

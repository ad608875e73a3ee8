// ABOUTME: Built-in tool packs that execute in-process
// ABOUTME: Each pack is registered as a built-in tool server with the lifecycle controller

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrPackAlreadyRegistered indicates a pack with the same name is already registered.
var ErrPackAlreadyRegistered = errors.New("pack already registered")

// ErrToolCollision indicates two tools in one pack share a name.
var ErrToolCollision = errors.New("tool name collision")

// Handler executes a built-in tool.
// It receives the calling user's ID and the tool input as JSON.
// Returns the result as JSON or an error.
type Handler func(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error)

// Tool is one built-in tool.
type Tool struct {
	Name        string
	Description string
	InputSchema string
	Handler     Handler
}

// Pack is a named collection of built-in tools. Its Name doubles as the
// tool server name.
type Pack struct {
	Name        string
	DisplayName string
	Description string
	Tools       []*Tool
}

// Tool returns the named tool or nil.
func (p *Pack) Tool(name string) *Tool {
	for _, t := range p.Tools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Registry holds the packs available to the lifecycle controller.
type Registry struct {
	mu     sync.RWMutex
	packs  map[string]*Pack
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		packs:  make(map[string]*Pack),
		logger: logger.With("component", "builtins"),
	}
}

// Register adds a pack.
func (r *Registry) Register(p *Pack) error {
	seen := make(map[string]bool, len(p.Tools))
	for _, t := range p.Tools {
		if seen[t.Name] {
			return fmt.Errorf("%w: %s in pack %s", ErrToolCollision, t.Name, p.Name)
		}
		seen[t.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.packs[p.Name]; exists {
		return fmt.Errorf("%w: %s", ErrPackAlreadyRegistered, p.Name)
	}
	r.packs[p.Name] = p

	r.logger.Debug("registered builtin pack", "pack", p.Name, "tools", len(p.Tools))
	return nil
}

// Get returns the pack registered under name.
func (r *Registry) Get(name string) (*Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[name]
	return p, ok
}

// Packs returns every registered pack sorted by name.
func (r *Registry) Packs() []*Pack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pack, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// decode unmarshals tool input, treating empty input as an empty object.
func decode(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

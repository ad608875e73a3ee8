// ABOUTME: Per-server reliability state owned by the remote client
// ABOUTME: Holds the connection handle, tool cache, compiled schemas and breaker counters

package remote

import (
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2389/toolgate/internal/transport"
)

// CircuitState is a snapshot of one server's breaker bookkeeping.
type CircuitState struct {
	Failures    int
	Healthy     bool
	Open        bool
	Connected   bool
	LastError   string
	LastFailure time.Time
}

// serverState is only touched through its methods. The tool slice and
// schema map are replaced wholesale so snapshots handed to in-flight calls
// stay valid after a disconnect.
type serverState struct {
	mu sync.Mutex

	desc    transport.Descriptor
	handle  transport.Handle
	tools   []transport.Tool
	schemas map[string]*jsonschema.Schema
	gen     uint64

	failures    int
	healthy     bool
	lastError   string
	lastFailure time.Time
}

func newServerState(desc transport.Descriptor) *serverState {
	return &serverState{desc: desc, healthy: true}
}

type snapshot struct {
	desc    transport.Descriptor
	handle  transport.Handle
	tools   []transport.Tool
	schemas map[string]*jsonschema.Schema
	gen     uint64
}

func (s *serverState) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{desc: s.desc, handle: s.handle, tools: s.tools, schemas: s.schemas, gen: s.gen}
}

func (s *serverState) setDescriptor(desc transport.Descriptor) {
	s.mu.Lock()
	s.desc = desc
	s.mu.Unlock()
}

// attach installs a new handle and returns the one it replaced.
func (s *serverState) attach(h transport.Handle) transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.handle
	s.handle = h
	return old
}

// detach clears the handle and tool cache and returns the old handle.
func (s *serverState) detach() transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.handle
	s.handle = nil
	s.tools = nil
	s.schemas = nil
	s.gen++
	return old
}

func (s *serverState) setTools(tools []transport.Tool) {
	s.mu.Lock()
	s.tools = tools
	s.schemas = nil
	s.gen++
	s.mu.Unlock()
}

// storeSchemas publishes a schema map built from snapshot generation gen.
// It is discarded if the tool cache changed in the meantime.
func (s *serverState) storeSchemas(gen uint64, schemas map[string]*jsonschema.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.schemas = schemas
	}
}

func (s *serverState) circuitOpen(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures >= threshold
}

func (s *serverState) recordSuccess() {
	s.mu.Lock()
	s.failures = 0
	s.healthy = true
	s.lastError = ""
	s.mu.Unlock()
}

// recordFailure bumps the counter and returns its new value.
func (s *serverState) recordFailure(err error, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.healthy = false
	s.lastFailure = at
	if err != nil {
		s.lastError = err.Error()
	}
	return s.failures
}

func (s *serverState) resetCircuit() {
	s.mu.Lock()
	s.failures = 0
	s.healthy = true
	s.mu.Unlock()
}

func (s *serverState) circuit(threshold int) CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CircuitState{
		Failures:    s.failures,
		Healthy:     s.healthy,
		Open:        s.failures >= threshold,
		Connected:   s.handle != nil,
		LastError:   s.lastError,
		LastFailure: s.lastFailure,
	}
}

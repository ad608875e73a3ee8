// ABOUTME: Store interface and data types for toolgate persistence
// ABOUTME: Defines servers, tools, usage, permissions and role rules plus the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique constraint would be violated
var ErrConflict = errors.New("already exists")

// ServerStatus is the lifecycle state of a tool server
type ServerStatus string

const (
	StatusDisabled ServerStatus = "disabled"
	StatusStarting ServerStatus = "starting"
	StatusEnabled  ServerStatus = "enabled"
	StatusStopping ServerStatus = "stopping"
	StatusError    ServerStatus = "error"
)

// ToolStatus is the administrative state of a single tool
type ToolStatus string

const (
	ToolEnabled  ToolStatus = "enabled"
	ToolDisabled ToolStatus = "disabled"
)

// AccessLevel grades what a grant or rule allows
type AccessLevel string

const (
	AccessReadOnly  AccessLevel = "read_only"
	AccessReadWrite AccessLevel = "read_write"
	AccessAdmin     AccessLevel = "admin"
)

// Valid reports whether l is a known access level.
func (l AccessLevel) Valid() bool {
	switch l {
	case AccessReadOnly, AccessReadWrite, AccessAdmin:
		return true
	}
	return false
}

// Transport names for ToolServer.Transport
const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
	TransportStdio      = "stdio"
	TransportBuiltin    = "builtin"
)

// Health values for ToolServer.HealthStatus
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ToolServer is one registered remote or built-in tool provider
type ToolServer struct {
	ID          string
	Name        string
	DisplayName string
	Description string

	// Connection descriptor
	Transport   string
	URL         string
	Command     string
	Args        []string
	Env         map[string]string
	Headers     map[string]string
	Credentials string // ciphertext, see secrets.Manager
	TimeoutMs   int

	Status     ServerStatus
	IsBuiltin  bool
	AutoStart  bool
	AutoUpdate bool

	LastHealthCheck     *time.Time
	HealthStatus        string
	LastStartupSuccess  *time.Time
	LastStartupError    string
	ConsecutiveFailures int
	MaxFailures         int

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServerTool is one callable tool exposed by a server
type ServerTool struct {
	ID           string
	ServerID     string
	Name         string
	Description  string
	InputSchema  string // JSON Schema document, may be empty
	Status       ToolStatus
	IsAvailable  bool
	TotalCalls   int64
	TotalErrors  int64
	AvgLatencyMs float64
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ToolUsage is the immutable audit record of one invocation
type ToolUsage struct {
	ID             string
	ServerID       string
	ToolID         string
	ToolName       string
	UserID         string
	ConversationID string
	Arguments      string // JSON
	ResultSummary  string
	LatencyMs      int64
	Success        bool
	Error          string
	CreatedAt      time.Time
}

// ToolPermission is an explicit grant to one user for exactly one tool or one server.
// Rate caps of zero mean no cap for that window.
type ToolPermission struct {
	ID               string
	UserID           string
	ToolID           string
	ServerID         string
	AccessLevel      AccessLevel
	RateLimitPerHour int
	RateLimitPerDay  int
	AllowedHours     []int // 0-23 UTC, empty means any hour
	AllowedDays      []int // 0=Monday, empty means any day
	ExpiresAt        *time.Time
	UsageCount       int64
	LastUsedAt       *time.Time
	GrantedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RoleAccessRule applies to every user holding Role
type RoleAccessRule struct {
	ID               string
	Role             string
	ToolPattern      string
	ServerPattern    string
	AccessLevel      AccessLevel
	RateLimitPerHour int
	RateLimitPerDay  int
	AllowedHours     []int
	AllowedDays      []int
	CreatedBy        string
	CreatedAt        time.Time
}

// ServerFilter narrows ListServers results. Nil fields do not filter.
type ServerFilter struct {
	Status         *ServerStatus
	IncludeBuiltin bool
	AutoStart      *bool
	AutoUpdate     *bool
}

// UsageFilter narrows usage queries
type UsageFilter struct {
	ServerID string
	UserID   string
	Since    *time.Time
	Limit    int
}

// UsageStats aggregates usage rows for one server
type UsageStats struct {
	TotalCalls   int64
	TotalErrors  int64
	AvgLatencyMs float64
	UniqueUsers  int64
}

// ServerStore persists tool servers
type ServerStore interface {
	CreateServer(ctx context.Context, server *ToolServer) error
	GetServer(ctx context.Context, id string) (*ToolServer, error)
	GetServerByName(ctx context.Context, name string) (*ToolServer, error)
	ListServers(ctx context.Context, filter ServerFilter) ([]*ToolServer, error)
	UpdateServer(ctx context.Context, server *ToolServer) error
	// DeleteServer removes the server with its tools, usage rows and permissions.
	DeleteServer(ctx context.Context, id string) error
}

// ToolStore persists tools discovered on servers
type ToolStore interface {
	CreateTool(ctx context.Context, tool *ServerTool) error
	GetTool(ctx context.Context, id string) (*ServerTool, error)
	GetToolByName(ctx context.Context, serverID, name string) (*ServerTool, error)
	ListTools(ctx context.Context, serverID string) ([]*ServerTool, error)
	UpdateTool(ctx context.Context, tool *ServerTool) error
	// SetServerToolsAvailable flips is_available for every tool of a server.
	SetServerToolsAvailable(ctx context.Context, serverID string, available bool) error
	// RecordToolCall bumps counters and folds latencyMs into the moving average
	// with smoothing factor alpha. The first sample seeds the average.
	RecordToolCall(ctx context.Context, toolID string, latencyMs int64, success bool, alpha float64, at time.Time) error
}

// UsageStore persists the append-only usage ledger
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *ToolUsage) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]*ToolUsage, error)
	GetServerUsageStats(ctx context.Context, serverID string) (*UsageStats, error)
	DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PermissionStore persists grants and role rules
type PermissionStore interface {
	CreatePermission(ctx context.Context, perm *ToolPermission) error
	GetPermission(ctx context.Context, id string) (*ToolPermission, error)
	UpdatePermission(ctx context.Context, perm *ToolPermission) error
	DeletePermission(ctx context.Context, id string) error
	FindToolPermission(ctx context.Context, userID, toolID string) (*ToolPermission, error)
	FindServerPermission(ctx context.Context, userID, serverID string) (*ToolPermission, error)
	ListPermissions(ctx context.Context, userID string) ([]*ToolPermission, error)
	TouchPermission(ctx context.Context, id string, at time.Time) error
	DeleteExpiredPermissions(ctx context.Context, now time.Time) (int64, error)

	CreateRoleRule(ctx context.Context, rule *RoleAccessRule) error
	DeleteRoleRule(ctx context.Context, id string) error
	ListRoleRules(ctx context.Context, role string) ([]*RoleAccessRule, error)
}

// Store is the full persistence session
type Store interface {
	ServerStore
	ToolStore
	UsageStore
	PermissionStore

	// WithTx runs fn inside one transaction, rolling back if fn returns an error.
	// Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

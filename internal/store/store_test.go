// ABOUTME: Shared test helpers and server persistence tests for the SQL store
// ABOUTME: Covers server CRUD, name uniqueness, filters and cascading delete

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func newTestServer(name string) *ToolServer {
	now := time.Now().UTC().Truncate(time.Second)
	return &ToolServer{
		ID:           uuid.New().String(),
		Name:         name,
		DisplayName:  name,
		Transport:    TransportSSE,
		URL:          "http://localhost:9000/sse",
		TimeoutMs:    30000,
		Status:       StatusDisabled,
		HealthStatus: HealthUnknown,
		MaxFailures:  3,
		CreatedBy:    "admin-1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newTestTool(serverID, name string) *ServerTool {
	now := time.Now().UTC().Truncate(time.Second)
	return &ServerTool{
		ID:          uuid.New().String(),
		ServerID:    serverID,
		Name:        name,
		Status:      ToolEnabled,
		IsAvailable: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestStore_CreateAndGetServer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	srv := newTestServer("github")
	srv.Transport = TransportStdio
	srv.URL = ""
	srv.Command = "github-mcp"
	srv.Args = []string{"--read-only"}
	srv.Env = map[string]string{"GITHUB_TOKEN": "x"}
	srv.Headers = map[string]string{"X-Team": "infra"}
	srv.AutoStart = true

	require.NoError(t, store.CreateServer(ctx, srv))

	got, err := store.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, srv.Name, got.Name)
	assert.Equal(t, TransportStdio, got.Transport)
	assert.Equal(t, "github-mcp", got.Command)
	assert.Equal(t, []string{"--read-only"}, got.Args)
	assert.Equal(t, map[string]string{"GITHUB_TOKEN": "x"}, got.Env)
	assert.Equal(t, map[string]string{"X-Team": "infra"}, got.Headers)
	assert.True(t, got.AutoStart)
	assert.False(t, got.IsBuiltin)
	assert.Equal(t, StatusDisabled, got.Status)
	assert.Nil(t, got.LastHealthCheck)
	assert.True(t, srv.CreatedAt.Equal(got.CreatedAt))

	byName, err := store.GetServerByName(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, srv.ID, byName.ID)
}

func TestStore_CreateServer_DuplicateName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateServer(ctx, newTestServer("search")))
	err := store.CreateServer(ctx, newTestServer("search"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_GetServer_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetServer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetServerByName(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateServer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	srv := newTestServer("weather")
	require.NoError(t, store.CreateServer(ctx, srv))

	now := time.Now().UTC().Truncate(time.Second)
	srv.Status = StatusError
	srv.ConsecutiveFailures = 2
	srv.LastStartupError = "connection refused"
	srv.LastHealthCheck = &now
	srv.HealthStatus = HealthUnhealthy
	srv.UpdatedAt = now
	require.NoError(t, store.UpdateServer(ctx, srv))

	got, err := store.GetServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, "connection refused", got.LastStartupError)
	require.NotNil(t, got.LastHealthCheck)
	assert.True(t, now.Equal(*got.LastHealthCheck))
	assert.Equal(t, HealthUnhealthy, got.HealthStatus)

	missing := newTestServer("ghost")
	assert.ErrorIs(t, store.UpdateServer(ctx, missing), ErrNotFound)
}

func TestStore_ListServers_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := newTestServer("alpha")
	a.Status = StatusEnabled
	a.AutoUpdate = true
	b := newTestServer("beta")
	b.AutoStart = true
	builtin := newTestServer("builtin")
	builtin.IsBuiltin = true
	builtin.Transport = TransportBuiltin
	builtin.Status = StatusEnabled

	for _, s := range []*ToolServer{a, b, builtin} {
		require.NoError(t, store.CreateServer(ctx, s))
	}

	all, err := store.ListServers(ctx, ServerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "beta", all[1].Name)

	withBuiltin, err := store.ListServers(ctx, ServerFilter{IncludeBuiltin: true})
	require.NoError(t, err)
	assert.Len(t, withBuiltin, 3)

	enabled := StatusEnabled
	onlyEnabled, err := store.ListServers(ctx, ServerFilter{Status: &enabled, IncludeBuiltin: true})
	require.NoError(t, err)
	assert.Len(t, onlyEnabled, 2)

	yes := true
	autoStart, err := store.ListServers(ctx, ServerFilter{AutoStart: &yes})
	require.NoError(t, err)
	require.Len(t, autoStart, 1)
	assert.Equal(t, "beta", autoStart[0].Name)

	autoUpdate, err := store.ListServers(ctx, ServerFilter{AutoUpdate: &yes})
	require.NoError(t, err)
	require.Len(t, autoUpdate, 1)
	assert.Equal(t, "alpha", autoUpdate[0].Name)
}

func TestStore_DeleteServer_Cascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	srv := newTestServer("files")
	require.NoError(t, store.CreateServer(ctx, srv))
	tool := newTestTool(srv.ID, "read_file")
	require.NoError(t, store.CreateTool(ctx, tool))
	require.NoError(t, store.SaveUsage(ctx, &ToolUsage{
		ID:        uuid.New().String(),
		ServerID:  srv.ID,
		ToolID:    tool.ID,
		ToolName:  tool.Name,
		Success:   true,
		CreatedAt: time.Now().UTC(),
	}))
	now := time.Now().UTC().Truncate(time.Second)
	perm := &ToolPermission{
		ID:          uuid.New().String(),
		UserID:      "user-1",
		ToolID:      tool.ID,
		AccessLevel: AccessReadOnly,
		GrantedBy:   "admin-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, store.CreatePermission(ctx, perm))

	require.NoError(t, store.DeleteServer(ctx, srv.ID))

	_, err := store.GetServer(ctx, srv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetTool(ctx, tool.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetPermission(ctx, perm.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	usage, err := store.ListUsage(ctx, UsageFilter{ServerID: srv.ID})
	require.NoError(t, err)
	assert.Empty(t, usage)

	assert.ErrorIs(t, store.DeleteServer(ctx, srv.ID), ErrNotFound)
}

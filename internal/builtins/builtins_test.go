// ABOUTME: Tests for built-in packs and the pack registry
// ABOUTME: Status tools run against a temp-dir SQLite store

package builtins

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/store"
)

func setupTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func invoke(t *testing.T, p *Pack, tool string, input string) map[string]any {
	t.Helper()
	tl := p.Tool(tool)
	require.NotNil(t, tl, "tool %s", tool)
	out, err := tl.Handler(context.Background(), "user-1", json.RawMessage(input))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	return m
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(CorePack(nil)))

	p, ok := r.Get(CorePackName)
	require.True(t, ok)
	assert.NotNil(t, p.Tool("echo"))
	assert.Nil(t, p.Tool("missing"))

	err := r.Register(CorePack(nil))
	assert.ErrorIs(t, err, ErrPackAlreadyRegistered)
}

func TestRegistry_RejectsDuplicateToolNames(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Pack{Name: "dup", Tools: []*Tool{{Name: "a"}, {Name: "a"}}})
	assert.ErrorIs(t, err, ErrToolCollision)
}

func TestRegistry_PacksSorted(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(StatusPack(nil)))
	require.NoError(t, r.Register(CorePack(nil)))

	packs := r.Packs()
	require.Len(t, packs, 2)
	assert.Equal(t, CorePackName, packs[0].Name)
	assert.Equal(t, StatusPackName, packs[1].Name)
}

func TestCorePack_Echo(t *testing.T) {
	out := invoke(t, CorePack(nil), "echo", `{"message":"hi"}`)
	assert.Equal(t, "hi", out["message"])
	assert.Equal(t, "user-1", out["user_id"])

	_, err := CorePack(nil).Tool("echo").Handler(context.Background(), "u", json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = CorePack(nil).Tool("echo").Handler(context.Background(), "u", json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestCorePack_CurrentTime(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 15, 4, 5, 0, time.UTC)
	p := CorePack(func() time.Time { return fixed })

	out := invoke(t, p, "current_time", ``)
	assert.Equal(t, "2026-03-02T15:04:05Z", out["time"])
	assert.Equal(t, "UTC", out["timezone"])

	_, err := p.Tool("current_time").Handler(context.Background(), "u", json.RawMessage(`{"timezone":"Not/AZone"}`))
	assert.Error(t, err)
}

func TestCorePack_GenerateID(t *testing.T) {
	out := invoke(t, CorePack(nil), "generate_id", `{}`)
	_, err := uuid.Parse(out["id"].(string))
	assert.NoError(t, err)
}

func TestStatusPack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	srv := &store.ToolServer{
		ID: uuid.New().String(), Name: "search", Transport: store.TransportSSE,
		URL: "http://localhost/sse", Status: store.StatusEnabled, HealthStatus: store.HealthHealthy,
		MaxFailures: 3, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateServer(ctx, srv))
	require.NoError(t, s.SaveUsage(ctx, &store.ToolUsage{
		ID: uuid.New().String(), ServerID: srv.ID, ToolName: "web", UserID: "u1",
		LatencyMs: 40, Success: true, CreatedAt: now,
	}))

	p := StatusPack(s)

	out := invoke(t, p, "list_servers", `{}`)
	assert.Equal(t, float64(1), out["count"])

	out = invoke(t, p, "list_servers", `{"status":"disabled"}`)
	assert.Equal(t, float64(0), out["count"])

	out = invoke(t, p, "server_usage", `{"name":"search"}`)
	assert.Equal(t, float64(1), out["total_calls"])
	assert.Equal(t, float64(1), out["unique_users"])

	_, err := p.Tool("server_usage").Handler(ctx, "u", json.RawMessage(`{"name":"nope"}`))
	assert.Error(t, err)
}

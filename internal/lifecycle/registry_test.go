// ABOUTME: Tests for registry operations, usage recording and YAML export/import
// ABOUTME: Includes the export round trip and the moving-average latency invariant

package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/store"
)

func TestUpdate_RestartsOnConnectionChange(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", true, "search_web")
	fake := f.fake.Server("search")
	ctx := context.Background()

	updated, err := f.ctrl.Update(ctx, server.ID, Patch{DisplayName: strPtr("Web Search")})
	require.NoError(t, err)
	assert.Equal(t, "Web Search", updated.DisplayName)
	connects, _, _ := fake.Counts()
	assert.Equal(t, 1, connects, "metadata changes do not reconnect")

	updated, err = f.ctrl.Update(ctx, server.ID, Patch{URL: strPtr("http://search.local/v2/sse")})
	require.NoError(t, err)
	assert.Equal(t, "http://search.local/v2/sse", updated.URL)
	assert.Equal(t, store.StatusEnabled, updated.Status)
	connects, _, _ = fake.Counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, "http://search.local/v2/sse", fake.LastDescriptor().URL)
}

func TestUpdate_ValidatesAndNotFound(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", false)
	ctx := context.Background()

	_, err := f.ctrl.Update(ctx, server.ID, Patch{URL: strPtr("")})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.ctrl.Update(ctx, "missing", Patch{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDelete_StopsAndCascades(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", true, "search_web")
	ctx := context.Background()

	require.NoError(t, f.ctrl.RecordUsage(ctx, server.ID, "search_web", Usage{UserID: "u", LatencyMs: 5, Success: true}))

	require.NoError(t, f.ctrl.Delete(ctx, server.ID))

	_, err := f.ctrl.Get(ctx, server.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.False(t, f.client.Connected("search"))
	_, known := f.client.CircuitStats()["search"]
	assert.False(t, known)

	usage, err := f.store.ListUsage(ctx, store.UsageFilter{ServerID: server.ID})
	require.NoError(t, err)
	assert.Empty(t, usage)

	types := f.notifier.Types()
	assert.Contains(t, types, events.ServerStopped)
	assert.Equal(t, events.ServerDeleted, types[len(types)-1])

	assert.ErrorIs(t, f.ctrl.Delete(ctx, server.ID), apperr.ErrNotFound)
}

func TestRecordUsage_MovingAverage(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", true, "search_web")
	ctx := context.Background()

	require.NoError(t, f.ctrl.RecordUsage(ctx, server.ID, "search_web", Usage{UserID: "u", LatencyMs: 100, Success: true}))
	tool := f.tools(t, server.ID)["search_web"]
	assert.InDelta(t, 100.0, tool.AvgLatencyMs, 1e-9)

	require.NoError(t, f.ctrl.RecordUsage(ctx, server.ID, "search_web", Usage{
		UserID:    "u",
		Arguments: map[string]any{"q": "go"},
		LatencyMs: 200,
		Success:   false,
		Error:     "timeout",
	}))
	tool = f.tools(t, server.ID)["search_web"]
	assert.InDelta(t, 110.0, tool.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(2), tool.TotalCalls)
	assert.Equal(t, int64(1), tool.TotalErrors)

	err := f.ctrl.RecordUsage(ctx, "missing", "search_web", Usage{})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	err = f.ctrl.RecordUsage(ctx, server.ID, "", Usage{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestExportImport_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.Add("files", "read_file")

	original, err := f.ctrl.Create(ctx, Spec{
		Name:        "files",
		DisplayName: "File tools",
		Description: "Reads files",
		Transport:   store.TransportStdio,
		Command:     "/usr/local/bin/file-server",
		Args:        []string{"--root", "/srv"},
		Env:         map[string]string{"LOG_LEVEL": "debug"},
		TimeoutMs:   15000,
		AutoUpdate:  true,
		MaxFailures: 5,
	}, "owner-1")
	require.NoError(t, err)

	data, err := f.ctrl.Export(ctx, original.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "apiVersion: toolgate/v1\n"))

	require.NoError(t, f.ctrl.Delete(ctx, original.ID))

	imported, err := f.ctrl.Import(ctx, data, "owner-2")
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, imported.ID)
	assert.Equal(t, specOf(original), specOf(imported))
	assert.Equal(t, original.IsBuiltin, imported.IsBuiltin)
	assert.Equal(t, "owner-2", imported.CreatedBy)
}

func TestImport_RejectsDuplicateName(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", false)
	ctx := context.Background()

	data, err := f.ctrl.Export(ctx, server.ID)
	require.NoError(t, err)

	_, err = f.ctrl.Import(ctx, data, "owner-2")
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestImport_RejectsMalformedDocuments(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "::::"},
		{"wrong version", "apiVersion: v0\nkind: ToolServer\nserver:\n  name: a\n  url: http://a\n"},
		{"wrong kind", "apiVersion: toolgate/v1\nkind: Pod\nserver:\n  name: a\n  url: http://a\n"},
		{"unknown field", "apiVersion: toolgate/v1\nkind: ToolServer\nserver:\n  name: a\n  url: http://a\n  color: red\n"},
		{"builtin", "apiVersion: toolgate/v1\nkind: ToolServer\nserver:\n  name: builtin-core\n  transport: builtin\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ctrl.Import(context.Background(), []byte(tt.doc), "owner")
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestExport_OmitsCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	server, err := f.ctrl.Create(ctx, Spec{Name: "private", URL: "http://p/sse", Credentials: "tok-123"}, "owner")
	require.NoError(t, err)

	data, err := f.ctrl.Export(ctx, server.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "tok-123")
	assert.NotContains(t, string(data), "credentials")
}

func TestToolAdministration(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", true, "search_web")
	ctx := context.Background()

	tools, err := f.ctrl.ListTools(ctx, server.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)

	disabled, err := f.ctrl.DisableTool(ctx, tools[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ToolDisabled, disabled.Status)

	enabled, err := f.ctrl.EnableTool(ctx, tools[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ToolEnabled, enabled.Status)

	_, err = f.ctrl.EnableTool(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.ctrl.ListTools(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", true, "search_web")
	ctx := context.Background()

	for _, latency := range []int64{10, 30} {
		require.NoError(t, f.ctrl.RecordUsage(ctx, server.ID, "search_web", Usage{UserID: "u", LatencyMs: latency, Success: true}))
	}

	m, err := f.ctrl.Metrics(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "search", m.Name)
	assert.Equal(t, store.StatusEnabled, m.Status)
	assert.Equal(t, int64(2), m.Usage.TotalCalls)
	require.Len(t, m.Tools, 1)
	assert.Equal(t, int64(2), m.Tools[0].TotalCalls)
	assert.True(t, m.Circuit.Connected)
	assert.False(t, m.Circuit.Open)
}

func TestHealthCheck_CachesWithinTTL(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", true, "search_web")
	fake := f.fake.Server("search")
	ctx := context.Background()
	_, listsAfterStart, _ := fake.Counts()

	h, err := f.ctrl.HealthCheck(ctx, server.ID)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.True(t, h.Cached, "a successful start counts as a health check")

	f.clock.Advance(DefaultHealthTTL)
	h, err = f.ctrl.HealthCheck(ctx, server.ID)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.False(t, h.Cached)
	assert.Equal(t, 1, h.ToolCount)
	_, lists, _ := fake.Counts()
	assert.Equal(t, listsAfterStart+1, lists)

	f.clock.Advance(time.Minute)
	h, err = f.ctrl.HealthCheck(ctx, server.ID)
	require.NoError(t, err)
	assert.True(t, h.Cached)
	_, lists, _ = fake.Counts()
	assert.Equal(t, listsAfterStart+1, lists, "no probe inside the TTL")

	ev, ok := f.notifier.Last(events.ServerHealthChanged)
	require.True(t, ok)
	assert.Equal(t, true, ev.Payload["healthy"])
}

func TestHealthCheck_Unhealthy(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", true, "search_web")
	ctx := context.Background()

	f.fake.Server("search").SetDown(true)
	f.clock.Advance(DefaultHealthTTL)

	h, err := f.ctrl.HealthCheck(ctx, server.ID)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, store.HealthUnhealthy, h.Status)
	assert.NotEmpty(t, h.Error)

	got := f.reload(t, server.ID)
	assert.Equal(t, store.HealthUnhealthy, got.HealthStatus)
	require.NotNil(t, got.LastHealthCheck)
	assert.True(t, got.LastHealthCheck.Equal(f.clock.Now()))
}

func TestProbe_BypassesHealthCache(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(500 * time.Millisecond)
	server := f.create(t, "search", true, "search_web")
	ctx := context.Background()

	f.fake.Server("search").SetDown(true)
	// One five-minute tick later on a whole-second schedule, just inside the TTL.
	f.clock.Advance(5*time.Minute - 500*time.Millisecond)

	h, err := f.ctrl.HealthCheck(ctx, server.ID)
	require.NoError(t, err)
	assert.True(t, h.Cached)
	assert.True(t, h.Healthy, "cached answer predates the outage")

	h, err = f.ctrl.Probe(ctx, server.ID)
	require.NoError(t, err)
	assert.False(t, h.Cached)
	assert.False(t, h.Healthy)
	assert.Equal(t, store.HealthUnhealthy, f.reload(t, server.ID).HealthStatus)

	h, err = f.ctrl.HealthCheck(ctx, server.ID)
	require.NoError(t, err)
	assert.True(t, h.Cached)
	assert.False(t, h.Healthy, "probe refreshes the shared cache")

	_, err = f.ctrl.Probe(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHealthCheck_DisabledServer(t *testing.T) {
	f := newFixture(t)
	server := f.create(t, "search", false, "search_web")

	h, err := f.ctrl.HealthCheck(context.Background(), server.ID)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, "not connected", h.Error)

	_, err = f.ctrl.HealthCheck(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// ABOUTME: Tests for the usage ledger and its bounded async recorder
// ABOUTME: Covers moving average stats, unknown tools, drop-on-full and drain on close

package ledger

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/store"
)

func setupLedger(t *testing.T) (*Ledger, *store.SQLStore, *store.ToolServer, *store.ServerTool) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	srv := &store.ToolServer{
		ID: uuid.New().String(), Name: "search", DisplayName: "Search",
		Transport: store.TransportSSE, Status: store.StatusEnabled,
		HealthStatus: store.HealthUnknown, MaxFailures: 3, CreatedBy: "admin",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateServer(ctx, srv))
	tool := &store.ServerTool{
		ID: uuid.New().String(), ServerID: srv.ID, Name: "web_search",
		Status: store.ToolEnabled, IsAvailable: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateTool(ctx, tool))

	return New(s, nil), s, srv, tool
}

func TestLedger_RecordUpdatesMovingAverage(t *testing.T) {
	l, s, srv, tool := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{ServerID: srv.ID, ToolName: tool.Name, LatencyMs: 100, Success: true}))
	got, err := s.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got.AvgLatencyMs, 1e-9)

	require.NoError(t, l.Record(ctx, Entry{ServerID: srv.ID, ToolName: tool.Name, LatencyMs: 200, Success: false, Error: "timeout"}))
	got, err = s.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.InDelta(t, 110.0, got.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(2), got.TotalCalls)
	assert.Equal(t, int64(1), got.TotalErrors)

	usage, err := s.ListUsage(ctx, store.UsageFilter{ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, usage, 2)
	for _, u := range usage {
		assert.Equal(t, tool.ID, u.ToolID)
	}
}

func TestLedger_RecordUnknownTool(t *testing.T) {
	l, s, srv, _ := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{ServerID: srv.ID, ToolName: "not_synced", LatencyMs: 5, Success: true}))

	usage, err := s.ListUsage(ctx, store.UsageFilter{ServerID: srv.ID})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Empty(t, usage[0].ToolID)
	assert.Equal(t, "not_synced", usage[0].ToolName)
}

func TestLedger_RecordRequiresIdentifiers(t *testing.T) {
	l, _, _, _ := setupLedger(t)
	assert.Error(t, l.Record(context.Background(), Entry{ToolName: "x"}))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", Summarize("short"))

	long := strings.Repeat("a", 600)
	got := Summarize(long)
	assert.Len(t, got, maxSummaryLen+3)
	assert.True(t, strings.HasSuffix(got, "..."))

	// Multi-byte rune straddling the cut is not split
	multi := strings.Repeat("a", maxSummaryLen-1) + "é" + "tail"
	got = Summarize(multi)
	assert.Equal(t, strings.Repeat("a", maxSummaryLen-1)+"...", got)
}

// blockingRecorder holds every Record call until release is closed.
type blockingRecorder struct {
	mu      sync.Mutex
	entries []Entry
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingRecorder) Record(_ context.Context, e Entry) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
	return nil
}

func TestAsyncRecorder_DropsWhenFull(t *testing.T) {
	next := &blockingRecorder{release: make(chan struct{}), started: make(chan struct{})}
	var hookCalls int
	var hookMu sync.Mutex
	a := NewAsyncRecorder(next, 2, nil, WithDropHook(func() {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
	}))

	// First entry is taken by the consumer, which then blocks
	require.True(t, a.Enqueue(Entry{ServerID: "s", ToolName: "t0"}))
	<-next.started

	assert.True(t, a.Enqueue(Entry{ServerID: "s", ToolName: "t1"}))
	assert.True(t, a.Enqueue(Entry{ServerID: "s", ToolName: "t2"}))
	assert.False(t, a.Enqueue(Entry{ServerID: "s", ToolName: "t3"}), "queue of 2 is full")
	assert.Equal(t, int64(1), a.Dropped())

	close(next.release)
	a.Close()

	next.mu.Lock()
	defer next.mu.Unlock()
	assert.Len(t, next.entries, 3)
	hookMu.Lock()
	assert.Equal(t, 1, hookCalls)
	hookMu.Unlock()
}

func TestAsyncRecorder_DrainsAndRejectsAfterClose(t *testing.T) {
	l, s, srv, tool := setupLedger(t)
	a := NewAsyncRecorder(l, 16, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(context.Background(), Entry{ServerID: srv.ID, ToolName: tool.Name, LatencyMs: 10, Success: true}))
	}
	a.Close()
	a.Close()

	got, err := s.GetTool(context.Background(), tool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.TotalCalls)

	assert.False(t, a.Enqueue(Entry{ServerID: srv.ID, ToolName: tool.Name}))
	assert.Equal(t, int64(1), a.Dropped())
}

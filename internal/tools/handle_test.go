// ABOUTME: Tests for built-in and remote tool handles
// ABOUTME: Both variants are driven through the Handle interface

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/apperr"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/ledger"
	"github.com/2389/toolgate/internal/remote"
	"github.com/2389/toolgate/internal/transport"
	"github.com/2389/toolgate/internal/transport/transporttest"
)

type memoryRecorder struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (r *memoryRecorder) Record(_ context.Context, e ledger.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func TestBuiltin_Invoke(t *testing.T) {
	rec := &memoryRecorder{}
	var h Handle = &Builtin{
		Tool:     builtins.CorePack(nil).Tool("echo"),
		ServerID: "srv-core",
		Recorder: rec,
	}

	res, err := h.Invoke(context.Background(), Call{
		Args:   map[string]any{"message": "hello"},
		UserID: "user-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Result.(map[string]any)["message"])

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "srv-core", rec.entries[0].ServerID)
	assert.Equal(t, "echo", rec.entries[0].ToolName)
	assert.JSONEq(t, `{"message":"hello"}`, rec.entries[0].Arguments)
	assert.True(t, rec.entries[0].Success)
}

func TestBuiltin_HandlerError(t *testing.T) {
	rec := &memoryRecorder{}
	h := &Builtin{
		Tool: &builtins.Tool{
			Name: "fail",
			Handler: func(ctx context.Context, userID string, input json.RawMessage) (json.RawMessage, error) {
				return nil, errors.New("boom")
			},
		},
		ServerID: "srv",
		Recorder: rec,
	}

	res, err := h.Invoke(context.Background(), Call{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindService))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "boom")
	require.Len(t, rec.entries, 1)
	assert.False(t, rec.entries[0].Success)
}

func TestBuiltin_RejectsNonObjectArgs(t *testing.T) {
	h := &Builtin{Tool: builtins.CorePack(nil).Tool("echo")}

	res, err := h.Invoke(context.Background(), Call{Args: []string{"x"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.False(t, res.Success)
}

func TestBuiltin_MeasuresLatency(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	h := &Builtin{
		Tool: builtins.CorePack(nil).Tool("generate_id"),
		Now: func() time.Time {
			calls++
			return clock.Add(time.Duration(calls-1) * 25 * time.Millisecond)
		},
	}

	res, err := h.Invoke(context.Background(), Call{})
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.LatencyMs)
}

func TestRemote_Invoke(t *testing.T) {
	fake := transporttest.New()
	fake.Add("search", "web")
	rec := &memoryRecorder{}
	client := remote.New(fake, remote.Options{Recorder: rec}, nil)
	defer client.Close()

	_, err := client.Connect(context.Background(), transport.Descriptor{Name: "search", Kind: transport.KindSSE})
	require.NoError(t, err)

	var h Handle = &Remote{Client: client, Server: "search", ServerID: "srv-1", Tool: "web"}
	res, err := h.Invoke(context.Background(), Call{
		Args:           map[string]any{"q": "go"},
		UserID:         "user-1",
		ConversationID: "conv-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, "conv-1", rec.entries[0].ConversationID)
}

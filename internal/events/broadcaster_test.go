// ABOUTME: Tests for the lifecycle event broadcaster
// ABOUTME: Covers fan-out, user targeting, slow subscribers and unsubscribe

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "")
	ch2, _ := b.Subscribe(t.Context(), "")

	b.Publish(ServerStarted, map[string]any{"server_id": "s1"}, "")

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, ServerStarted, ev.Type)
		assert.Equal(t, "s1", ev.Payload["server_id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.At.IsZero())
	}
}

func TestBroadcaster_TargetedEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	alice, _ := b.Subscribe(t.Context(), "alice")
	bob, _ := b.Subscribe(t.Context(), "bob")
	all, _ := b.Subscribe(t.Context(), "")

	b.Publish(ServerError, map[string]any{"error": "boom"}, "alice")

	assert.Equal(t, "alice", receive(t, alice).TargetUserID)
	assert.Equal(t, ServerError, receive(t, all).Type)
	assertNoEvent(t, bob)

	b.Publish(ServerStopped, nil, "")
	assert.Equal(t, ServerStopped, receive(t, bob).Type)
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(ServerHealthChanged, nil, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestBroadcaster_UnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id := b.Subscribe(t.Context(), "")
	b.Unsubscribe(id)
	b.Unsubscribe(id)
}

func TestBroadcaster_ConcurrentPublish(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(ServerStarted, nil, "")
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 10)
}

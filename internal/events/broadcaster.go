// ABOUTME: In-memory fan-out notifier for server lifecycle events
// ABOUTME: Publishes start/stop/health/error events to subscribers without blocking

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types announced by the lifecycle controller.
const (
	ServerStarted       = "server.started"
	ServerStopped       = "server.stopped"
	ServerHealthChanged = "server.health_changed"
	ServerError         = "server.error"
	ServerDeleted       = "server.deleted"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event is one published notification.
type Event struct {
	ID           string
	Type         string
	Payload      map[string]any
	TargetUserID string // empty means broadcast
	At           time.Time
}

// Notifier announces state changes to interested parties.
type Notifier interface {
	Publish(eventType string, payload map[string]any, targetUserID string)
}

type subscriber struct {
	userID string // empty receives every event
	ch     chan Event
}

// Broadcaster provides in-memory pub/sub for Events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *slog.Logger
}

var _ Notifier = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events. With a non-empty userID only broadcasts
// and events targeted at that user are delivered. The subscription is
// removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, userID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = &subscriber{userID: userID, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "user_id", userID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers an event to matching subscribers.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(eventType string, payload map[string]any, targetUserID string) {
	event := Event{
		ID:           uuid.New().String(),
		Type:         eventType,
		Payload:      payload,
		TargetUserID: targetUserID,
		At:           time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if targetUserID != "" && sub.userID != "" && sub.userID != targetUserID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"event_type", eventType)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.logger.Debug("broadcaster closed")
}

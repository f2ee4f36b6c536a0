// ABOUTME: In-memory fan-out event broadcaster for operator dashboards
// ABOUTME: Publishes topic events to every subscriber interested in that topic, dropping for slow ones

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool // nil means every topic
}

func (s *subscriber) wants(t Topic) bool {
	return s.topics == nil || s.topics[t]
}

// EventBroadcaster provides in-memory pub/sub for router events.
// Delivery is at-most-once: observers reconcile by fetching state over the
// HTTP API after a gap.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber // subID -> subscriber
	now         func() time.Time
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]*subscriber),
		now:         time.Now,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given topics, or for all topics
// when none are given. Returns a channel that receives events and a
// subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "topics", topics)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish sends payload on topic to all interested subscribers.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: b.now().UTC()}

	b.mu.RLock()
	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan Event, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(topic) {
			targets = append(targets, sub.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.send(ch, ev)
	}
}

// send delivers without blocking. A subscriber may be unsubscribed (and its
// channel closed) between the copy in Publish and this send.
func (b *EventBroadcaster) send(ch chan Event, ev Event) {
	defer func() {
		if recover() != nil {
			b.logger.Debug("dropped event for closed subscriber", "topic", ev.Topic)
		}
	}()
	select {
	case ch <- ev:
	default:
		b.logger.Debug("dropped event for slow subscriber", "topic", ev.Topic)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(subID string) {
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

// SubscriberCount returns the number of active subscriptions.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}

// ABOUTME: In-memory fan-out of turn and acquisition events per session
// ABOUTME: Lets HTTP clients follow a session's progress as a server-sent event stream

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBuffer is the channel buffer for each subscriber.
const subscriberBuffer = 64

// Event types.
const (
	EventCapabilityAdded   = "capability_added"
	EventAcquisitionFailed = "acquisition_failed"
	EventTurnCompleted     = "turn_completed"
	EventTurnFailed        = "turn_failed"
)

// Event is one notification about a session.
type Event struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Identifier string    `json:"identifier,omitempty"`
	URI        string    `json:"uri,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	Added      []string  `json:"added,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventBroadcaster delivers events to subscribers of a session id.
// Slow subscribers lose events rather than blocking publishers.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // session id -> subscription id -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for events on sessionID. The subscription ends, and the
// channel is closed, when ctx is cancelled or Unsubscribe is called.
func (b *EventBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]chan *Event)
	}
	b.subscribers[sessionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "session_id", sessionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sessionID, subID)
	}()

	return ch, subID
}

// Publish sends event to every subscriber of event.SessionID without blocking.
func (b *EventBroadcaster) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[event.SessionID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", event.SessionID,
				"type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sessionID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}

	b.logger.Debug("subscriber removed", "session_id", sessionID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for sessionID.
func (b *EventBroadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// Close ends every subscription. Later subscriptions receive a closed channel.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sessionID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, sessionID)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}

// ABOUTME: Live event feed for meetings, fanning persisted events out to listeners
// ABOUTME: Delivery is at-most-once per listener; slow listeners lose events, never block writers

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/warroom-gateway/internal/store"
)

// listenerBuffer bounds how far a listener may fall behind before
// events start dropping for it.
const listenerBuffer = 64

// listenerSet holds the live channels for one meeting, keyed by
// subscription ID.
type listenerSet map[string]chan *store.Event

// Broadcaster fans persisted meeting events out to live listeners.
// There is no replay and no delivery guarantee: a listener sees only
// events published after it joined, and only while it keeps up. The
// durable record is the store's event log, not this feed.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[string]listenerSet
	logger    *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		listeners: make(map[string]listenerSet),
		logger:    logger.With("component", "bus"),
	}
}

// Subscribe attaches a listener to a meeting's feed and returns its
// channel plus a subscription ID for Unsubscribe. When ctx ends the
// subscription is torn down and the channel closed.
func (b *Broadcaster) Subscribe(ctx context.Context, meetingID string) (<-chan *store.Event, string) {
	subID := uuid.NewString()
	ch := make(chan *store.Event, listenerBuffer)

	b.mu.Lock()
	set := b.listeners[meetingID]
	if set == nil {
		set = make(listenerSet)
		b.listeners[meetingID] = set
	}
	set[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("listener joined",
		"meeting_id", meetingID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(meetingID, subID)
	}()

	return ch, subID
}

// Publish offers an event to every listener on the meeting. Sends never
// block: a listener whose buffer is full misses the event.
func (b *Broadcaster) Publish(meetingID string, event *store.Event) {
	b.mu.RLock()
	set := b.listeners[meetingID]
	targets := make([]chan *store.Event, 0, len(set))
	for _, ch := range set {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	dropped := 0
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.logger.Debug("event missed by lagging listeners",
			"meeting_id", meetingID,
			"event_id", event.ID,
			"event_type", event.Type,
			"dropped", dropped)
	}
}

// Unsubscribe detaches a listener and closes its channel. Safe to call
// for subscriptions already torn down.
func (b *Broadcaster) Unsubscribe(meetingID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.listeners[meetingID]
	ch, ok := set[subID]
	if !ok {
		return
	}

	delete(set, subID)
	close(ch)
	if len(set) == 0 {
		delete(b.listeners, meetingID)
	}

	b.logger.Debug("listener left",
		"meeting_id", meetingID,
		"sub_id", subID)
}

// SubscriberCount returns the number of live listeners for a meeting.
func (b *Broadcaster) SubscriberCount(meetingID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[meetingID])
}

// Close tears down every subscription and closes all channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for meetingID, set := range b.listeners {
		for subID, ch := range set {
			close(ch)
			delete(set, subID)
		}
		delete(b.listeners, meetingID)
	}

	b.logger.Debug("bus closed")
}

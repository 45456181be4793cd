package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	subscriberBufferSize = 64
	replayRingSize       = 256
	heartbeatInterval    = 15 * time.Second
)

// Event is one downstream broadcast: a verbatim upstream payload or a
// synthetic heartbeat/session-status/session-activity event. IDs increase
// monotonically and support short resume-by-id replay.
type Event struct {
	ID   uint64
	Type string
	Data []byte
}

// Hub fans events out to subscribed browser streams. Sends are non-blocking;
// a full subscriber channel drops the event for that subscriber only.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	ring   []Event // last replayRingSize events, oldest first
	nextID uint64
	logger *slog.Logger
	closed bool
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]chan Event),
		nextID: 1,
		logger: slog.Default().With("component", "relay-hub"),
	}
}

// Subscribe registers a downstream channel. Events with id > afterID still in
// the replay ring are pre-buffered so a reconnecting client resumes without a
// gap. The subscription is removed when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, afterID uint64) (<-chan Event, string) {
	subID := uuid.New().String()

	h.mu.Lock()
	var replay []Event
	if afterID > 0 {
		for _, ev := range h.ring {
			if ev.ID > afterID {
				replay = append(replay, ev)
			}
		}
	}
	ch := make(chan Event, subscriberBufferSize+len(replay))
	for _, ev := range replay {
		ch <- ev
	}
	h.subs[subID] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[subID]
	if !ok {
		return
	}
	delete(h.subs, subID)
	close(ch)
}

// Publish assigns the next event id and sends to every subscriber. Sends
// stay under the lock so a concurrent Unsubscribe cannot close a channel
// mid-broadcast; they never block, so the hold is bounded. Heartbeats skip
// the replay ring, otherwise a quiet stretch would evict every resumable
// upstream event.
func (h *Hub) Publish(typ string, data []byte) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}
	ev := Event{ID: h.nextID, Type: typ, Data: data}
	h.nextID++
	if typ != "heartbeat" {
		h.ring = append(h.ring, ev)
		if len(h.ring) > replayRingSize {
			h.ring = h.ring[len(h.ring)-replayRingSize:]
		}
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber", "event_id", ev.ID, "type", ev.Type)
		}
	}
	return ev.ID
}

// RunHeartbeat emits a synthetic heartbeat to every subscriber every 15s so
// clients can detect dead intermediary connections. Advisory only; a silent
// client is never disconnected by the hub.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Publish("heartbeat", []byte(`{}`))
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

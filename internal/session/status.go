package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the per-conversation state machine: idle, busy, retry.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusRetry Status = "retry"
)

// ParseStatus validates an upstream status string.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusIdle, StatusBusy, StatusRetry:
		return Status(s), true
	}
	return "", false
}

const (
	// duplicateWindow suppresses rebroadcast of a repeated identical status.
	duplicateWindow = 5 * time.Second
	sweepInterval   = time.Hour
	retention       = 24 * time.Hour
)

// Meta is the merged metadata carried with a status update.
type Meta struct {
	Attempt int    `json:"attempt,omitempty"`
	Message string `json:"message,omitempty"`
	Next    string `json:"next,omitempty"`
}

// merge overlays non-zero fields of m2 onto m.
func (m Meta) merge(m2 Meta) Meta {
	if m2.Attempt != 0 {
		m.Attempt = m2.Attempt
	}
	if m2.Message != "" {
		m.Message = m2.Message
	}
	if m2.Next != "" {
		m.Next = m2.Next
	}
	return m
}

// Entry is the stored state for one session.
type Entry struct {
	SessionID   string    `json:"sessionId"`
	Status      Status    `json:"status"`
	LastUpdate  time.Time `json:"lastUpdateAt"`
	LastEventID string    `json:"lastEventId,omitempty"`
	Meta        Meta      `json:"metadata"`
}

// Update is the combined broadcast sent to clients after a stored change.
type Update struct {
	SessionID      string    `json:"sessionId"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Meta           Meta      `json:"metadata"`
	NeedsAttention bool      `json:"needsAttention"`
}

// Tracker maintains the authoritative status state machine per session.
// Construct one per gateway (and per test); there are no package globals.
type Tracker struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	attention *Attention
	broadcast func(Update)
	logger    *slog.Logger
	now       func() time.Time
}

// NewTracker creates a tracker. attention may be nil (attention then always
// reads false); broadcast may be nil.
func NewTracker(attention *Attention, broadcast func(Update)) *Tracker {
	return &Tracker{
		entries:   make(map[string]*Entry),
		attention: attention,
		broadcast: broadcast,
		logger:    slog.Default().With("component", "session-status"),
		now:       time.Now,
	}
}

// Update applies one status event. A repeat of the current status within 5s
// is dropped entirely (noise suppression): nothing stored, nothing broadcast.
// Otherwise the entry is stored, attention is updated synchronously so the
// broadcast already reflects it, and one combined update goes out.
func (t *Tracker) Update(sessionID string, status Status, eventID string, meta Meta) {
	t.mu.Lock()
	now := t.now()
	e, ok := t.entries[sessionID]
	if ok && e.Status == status && now.Sub(e.LastUpdate) < duplicateWindow {
		t.mu.Unlock()
		return
	}
	if !ok {
		e = &Entry{SessionID: sessionID}
		t.entries[sessionID] = e
	}
	e.Status = status
	e.LastUpdate = now
	if eventID != "" {
		e.LastEventID = eventID
	}
	e.Meta = e.Meta.merge(meta)
	stored := *e
	t.mu.Unlock()

	var needs bool
	if t.attention != nil {
		needs = t.attention.UpdateFromStatus(sessionID, status)
	}

	if t.broadcast != nil {
		t.broadcast(Update{
			SessionID:      sessionID,
			Status:         stored.Status,
			Timestamp:      stored.LastUpdate,
			Meta:           stored.Meta,
			NeedsAttention: needs,
		})
	}
}

// Get returns a session's stored entry. Read-only, no side effects.
func (t *Tracker) Get(sessionID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of all entries. Read-only, no side effects.
func (t *Tracker) Snapshot() map[string]Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = *e
	}
	return out
}

// Sweep removes entries idle longer than maxAge and returns how many.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-maxAge)
	n := 0
	for id, e := range t.entries {
		if e.LastUpdate.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

// RunSweeper prunes entries older than 24h once an hour until ctx ends.
func (t *Tracker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(retention); n > 0 {
				t.logger.Debug("swept stale sessions", "count", n)
			}
		}
	}
}

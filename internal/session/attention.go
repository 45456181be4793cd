package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type attentionEntry struct {
	needs        bool
	status       Status
	lastUserMsg  time.Time
	lastClear    time.Time
	statusChange time.Time
	viewers      map[string]struct{}
}

// AttentionState is the externally visible attention snapshot for a session.
type AttentionState struct {
	SessionID         string    `json:"sessionId"`
	NeedsAttention    bool      `json:"needsAttention"`
	Status            Status    `json:"status,omitempty"`
	LastUserMessageAt time.Time `json:"lastUserMessageAt,omitzero"`
	LastStatusChange  time.Time `json:"lastStatusChangeAt,omitzero"`
	Viewers           int       `json:"viewers"`
}

// Attention decides whether a session has an unseen, user-relevant state
// change. needsAttention flips true only on a busy/retry -> idle transition
// with an unviewed user message and no current viewer; it is cleared only by
// an explicit view call, never by elapsed time.
type Attention struct {
	mu        sync.Mutex
	entries   map[string]*attentionEntry
	broadcast func(sessionID string, needs bool) // fires when a view clears attention
	logger    *slog.Logger
	now       func() time.Time
}

func NewAttention(broadcast func(sessionID string, needs bool)) *Attention {
	return &Attention{
		entries:   make(map[string]*attentionEntry),
		broadcast: broadcast,
		logger:    slog.Default().With("component", "attention"),
		now:       time.Now,
	}
}

func (a *Attention) entry(sessionID string) *attentionEntry {
	e, ok := a.entries[sessionID]
	if !ok {
		e = &attentionEntry{viewers: make(map[string]struct{})}
		a.entries[sessionID] = e
	}
	return e
}

// MarkUserMessage records that the user sent a message to this session.
func (a *Attention) MarkUserMessage(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entry(sessionID).lastUserMsg = a.now()
}

// UpdateFromStatus feeds a status transition and returns the session's
// current needsAttention. Called synchronously from the status tracker so
// the combined broadcast reflects the new value.
func (a *Attention) UpdateFromStatus(sessionID string, status Status) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entry(sessionID)
	prev := e.status
	if prev != status {
		e.statusChange = a.now()
	}
	e.status = status

	if status == StatusIdle &&
		(prev == StatusBusy || prev == StatusRetry) &&
		!e.lastUserMsg.IsZero() && e.lastUserMsg.After(e.lastClear) &&
		len(e.viewers) == 0 {
		e.needs = true
		a.logger.Debug("session needs attention", "session_id", sessionID)
	}
	return e.needs
}

// MarkViewed adds a viewing client and clears attention. A clear of a
// previously-true flag is broadcast so other clients drop their badges.
func (a *Attention) MarkViewed(sessionID, clientID string) {
	a.mu.Lock()
	e := a.entry(sessionID)
	e.viewers[clientID] = struct{}{}
	e.lastClear = a.now()
	cleared := e.needs
	e.needs = false
	a.mu.Unlock()

	if cleared && a.broadcast != nil {
		a.broadcast(sessionID, false)
	}
}

// MarkUnviewed removes a viewing client. Leaving a session never re-raises
// or clears attention by itself.
func (a *Attention) MarkUnviewed(sessionID, clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[sessionID]; ok {
		delete(e.viewers, clientID)
	}
}

// Needs reports whether a session currently needs attention. Read-only.
func (a *Attention) Needs(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[sessionID]; ok {
		return e.needs
	}
	return false
}

// Get returns one session's attention state. Read-only.
func (a *Attention) Get(sessionID string) (AttentionState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[sessionID]
	if !ok {
		return AttentionState{}, false
	}
	return a.stateLocked(sessionID, e), true
}

// Snapshot returns all attention states. Read-only.
func (a *Attention) Snapshot() map[string]AttentionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]AttentionState, len(a.entries))
	for id, e := range a.entries {
		out[id] = a.stateLocked(id, e)
	}
	return out
}

func (a *Attention) stateLocked(sessionID string, e *attentionEntry) AttentionState {
	return AttentionState{
		SessionID:         sessionID,
		NeedsAttention:    e.needs,
		Status:            e.status,
		LastUserMessageAt: e.lastUserMsg,
		LastStatusChange:  e.statusChange,
		Viewers:           len(e.viewers),
	}
}

// Sweep removes entries whose last status change is older than maxAge.
func (a *Attention) Sweep(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-maxAge)
	n := 0
	for id, e := range a.entries {
		last := e.statusChange
		if e.lastUserMsg.After(last) {
			last = e.lastUserMsg
		}
		if !last.IsZero() && last.Before(cutoff) {
			delete(a.entries, id)
			n++
		}
	}
	return n
}

// RunSweeper prunes entries older than 24h once an hour until ctx ends.
func (a *Attention) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Sweep(retention); n > 0 {
				a.logger.Debug("swept stale attention entries", "count", n)
			}
		}
	}
}

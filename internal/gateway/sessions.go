package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/session"
)

// sessionView is the combined per-session state returned by the session
// endpoints: stored status, derived activity phase, attention flag.
type sessionView struct {
	session.Entry
	Activity       session.Phase `json:"activity"`
	NeedsAttention bool          `json:"needsAttention"`
	Viewers        int           `json:"viewers"`
}

func (s *Server) sessionView(e session.Entry) sessionView {
	v := sessionView{
		Entry:    e,
		Activity: s.Activity.Phase(e.SessionID),
	}
	if st, ok := s.Attention.Get(e.SessionID); ok {
		v.NeedsAttention = st.NeedsAttention
		v.Viewers = st.Viewers
	}
	return v
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snap := s.Tracker.Snapshot()
	out := make([]sessionView, 0, len(snap))
	for _, e := range snap {
		out = append(out, s.sessionView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := s.Tracker.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView(e))
}

// clientIDFromRequest reads the optional client id from the body, falling
// back to a fresh one. View/unview pair on this id.
type clientIDBody struct {
	ClientID string `json:"clientId"`
}

func readClientID(r *http.Request) string {
	var body clientIDBody
	json.NewDecoder(r.Body).Decode(&body)
	if body.ClientID == "" {
		return uuid.New().String()
	}
	return body.ClientID
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	clientID := readClientID(r)
	s.Attention.MarkViewed(id, clientID)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":      id,
		"clientId":       clientID,
		"needsAttention": false,
	})
}

func (s *Server) handleUnview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	clientID := readClientID(r)
	s.Attention.MarkUnviewed(id, clientID)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":      id,
		"needsAttention": s.Attention.Needs(id),
	})
}

// handleMessageSent records that the user sent a message to a session, which
// arms the attention flag for the next busy/retry -> idle transition.
func (s *Server) handleMessageSent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.Attention.MarkUserMessage(id)
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "transcript storage disabled")
		return
	}
	id := r.PathValue("id")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.Store.ListTranscript(id, limit)
	if err != nil {
		s.logger.Error("transcript query failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "transcript query failed")
		return
	}
	type item struct {
		ID        int64           `json:"id"`
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"createdAt"`
	}
	out := make([]item, 0, len(events))
	for _, ev := range events {
		out = append(out, item{ID: ev.ID, EventType: ev.EventType, Payload: ev.Payload, CreatedAt: ev.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "events": out})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "push storage disabled")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	id := uuid.New().String()
	if err := s.Store.AddPushSubscription(id, req.Endpoint); err != nil {
		s.logger.Error("push subscribe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "subscription failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "push storage disabled")
		return
	}
	if err := s.Store.DeletePushSubscription(r.PathValue("id")); err != nil {
		s.logger.Error("push unsubscribe failed", "error", err)
		writeError(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// visibilityTracker remembers which clients currently report a visible UI.
// Push delivery is skipped while anyone is looking.
type visibilityTracker struct {
	mu      sync.Mutex
	visible map[string]time.Time
	maxAge  time.Duration
	now     func() time.Time
}

func newVisibilityTracker() *visibilityTracker {
	return &visibilityTracker{
		visible: make(map[string]time.Time),
		maxAge:  time.Minute,
		now:     time.Now,
	}
}

func (v *visibilityTracker) Set(clientID string, visible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if visible {
		v.visible[clientID] = v.now()
	} else {
		delete(v.visible, clientID)
	}
}

// Visible reports whether any client reported visibility recently. Reports
// go stale after a minute so a killed browser tab cannot mute push forever.
func (v *visibilityTracker) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	cutoff := v.now().Add(-v.maxAge)
	for id, t := range v.visible {
		if t.After(cutoff) {
			return true
		}
		delete(v.visible, id)
	}
	return false
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
		Visible  bool   `json:"visible"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId required")
		return
	}
	s.visibility.Set(req.ClientID, req.Visible)
	writeJSON(w, http.StatusOK, map[string]bool{"visible": s.visibility.Visible()})
}

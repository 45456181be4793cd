package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ehrlich-b/perch/internal/relay"
	"github.com/ehrlich-b/perch/internal/session"
	"github.com/ehrlich-b/perch/internal/settings"
	"github.com/ehrlich-b/perch/internal/store"
	"github.com/ehrlich-b/perch/internal/supervisor"
	"github.com/ehrlich-b/perch/internal/term"
)

// Deps carries everything the HTTP surface talks to.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Hub        *relay.Hub
	Tracker    *session.Tracker
	Attention  *session.Attention
	Activity   *session.Activity
	Terminals  *term.Manager
	Store      *store.Store
	Settings   *settings.Service

	JWTSecret   []byte
	AuthDisable bool
}

// Server is the browser-facing HTTP surface.
type Server struct {
	Deps
	mux        *http.ServeMux
	logger     *slog.Logger
	visibility *visibilityTracker
}

func NewServer(deps Deps) *Server {
	s := &Server{
		Deps:       deps,
		mux:        http.NewServeMux(),
		logger:     slog.Default().With("component", "gateway"),
		visibility: newVisibilityTracker(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /auth/token", s.handleAuthToken)

	s.mux.HandleFunc("GET /api/events", s.auth(s.handleEvents))
	s.mux.HandleFunc("GET /api/sessions", s.auth(s.handleSessions))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.auth(s.handleSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/view", s.auth(s.handleView))
	s.mux.HandleFunc("POST /api/sessions/{id}/unview", s.auth(s.handleUnview))
	s.mux.HandleFunc("POST /api/sessions/{id}/message", s.auth(s.handleMessageSent))
	s.mux.HandleFunc("GET /api/sessions/{id}/transcript", s.auth(s.handleTranscript))

	s.mux.HandleFunc("POST /api/visibility", s.auth(s.handleVisibility))
	s.mux.HandleFunc("POST /api/push/subscriptions", s.auth(s.handlePushSubscribe))
	s.mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.auth(s.handlePushUnsubscribe))

	s.mux.HandleFunc("POST /api/terminals", s.auth(s.handleTerminalCreate))
	s.mux.HandleFunc("GET /api/terminals", s.auth(s.handleTerminalList))
	s.mux.HandleFunc("GET /api/terminals/{id}/stream", s.auth(s.handleTerminalStream))
	s.mux.HandleFunc("POST /api/terminals/{id}/input", s.auth(s.handleTerminalInput))
	s.mux.HandleFunc("POST /api/terminals/{id}/resize", s.auth(s.handleTerminalResize))
	s.mux.HandleFunc("POST /api/terminals/{id}/restart", s.auth(s.handleTerminalRestart))
	s.mux.HandleFunc("DELETE /api/terminals/{id}", s.auth(s.handleTerminalDelete))
	s.mux.HandleFunc("POST /api/terminals/kill-all", s.auth(s.handleTerminalKillAll))
	s.mux.HandleFunc("GET /ws/terminal", s.auth(s.handleTerminalWS))

	s.mux.Handle("/agent/", s.authHandler(s.agentProxy()))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := supervisor.StateStopped
	if s.Supervisor != nil {
		state = s.Supervisor.State()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy": true,
		"agent":   string(state),
	})
}

// Visible reports whether any browser UI is currently visible; the
// notification dispatcher uses it to skip push.
func (s *Server) Visible() bool {
	return s.visibility.Visible()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

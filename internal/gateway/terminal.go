package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/term"
)

func (s *Server) handleTerminalCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CWD  string `json:"cwd"`
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cwd := req.CWD
	if s.Settings != nil {
		cwd = s.Settings.ResolveWorkingDir(cwd)
	}

	sess, err := s.Terminals.Create(cwd, req.Cols, req.Rows)
	if err != nil {
		if errors.Is(err, term.ErrPoolFull) {
			writeError(w, http.StatusTooManyRequests, "terminal session limit reached")
			return
		}
		s.logger.Error("terminal create failed", "cwd", cwd, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":    sess.ID,
		"cwd":          sess.CWD,
		"capabilities": s.Terminals.Capabilities(),
	})
}

func (s *Server) handleTerminalList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"terminals": s.Terminals.List()})
}

// handleTerminalStream serves a terminal's output over SSE. Output is raw
// bytes, so chunks ride as base64. The ring replay arrives first so the
// client can render the current screen.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Terminals.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "terminal session not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, replay, cancel := sess.Subscribe(uuid.New().String())
	defer cancel()

	writeChunk := func(data []byte) error {
		_, err := fmt.Fprintf(w, "event: output\ndata: %s\n\n", base64.StdEncoding.EncodeToString(data))
		if err == nil {
			flusher.Flush()
		}
		return err
	}

	if len(replay) > 0 {
		if writeChunk(replay) != nil {
			return
		}
	} else {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "event: exit\ndata: {\"exitCode\": %d}\n\n", sess.ExitCode())
				flusher.Flush()
				return
			}
			if writeChunk(data) != nil {
				return
			}
		}
	}
}

func (s *Server) handleTerminalInput(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Terminals.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "terminal session not found")
		return
	}
	var req struct {
		Data   string `json:"data"`             // utf-8 keystrokes
		Base64 string `json:"base64,omitempty"` // raw bytes, base64-encoded
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	data := []byte(req.Data)
	if req.Base64 != "" {
		data, err = base64.StdEncoding.DecodeString(req.Base64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid base64 payload")
			return
		}
	}
	if err := sess.Write(data); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Terminals.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "terminal session not found")
		return
	}
	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cols == 0 || req.Rows == 0 {
		writeError(w, http.StatusBadRequest, "cols and rows required")
		return
	}
	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalRestart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Terminals.Restart(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, term.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "terminal session not found")
			return
		}
		s.logger.Error("terminal restart failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sess.ID})
}

func (s *Server) handleTerminalDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Terminals.Close(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "terminal session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTerminalKillAll(w http.ResponseWriter, r *http.Request) {
	killed := s.Terminals.KillAll()
	writeJSON(w, http.StatusOK, map[string]int{"killed": killed})
}

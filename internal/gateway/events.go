package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// handleEvents serves the downstream SSE stream. Every subscriber sees the
// same events; Last-Event-ID resumes from the hub's replay ring when the gap
// is short enough.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var afterID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			afterID = id
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, subID := s.Hub.Subscribe(r.Context(), afterID)
	s.logger.Debug("event stream attached", "sub_id", subID, "after_id", afterID)
	defer s.logger.Debug("event stream detached", "sub_id", subID)

	for ev := range ch {
		if err := writeSSE(w, ev.ID, ev.Type, ev.Data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// writeSSE frames one event. Payloads may contain newlines (upstream blocks
// round-trip verbatim), so each line gets its own data: field; the client
// rejoins them with \n per the SSE spec.
func writeSSE(w io.Writer, id uint64, typ string, data []byte) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", id, typ); err != nil {
		return err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

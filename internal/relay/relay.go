package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ehrlich-b/perch/internal/session"
)

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// Source yields the agent's current base URL and auth token. Returning ""
// means the agent is not up yet; the relay waits and retries.
type Source func() (baseURL, token string)

// NotifySink receives every decoded payload without ever blocking the read
// loop. Enqueue reports whether the payload was accepted.
type NotifySink interface {
	Enqueue(payload []byte) bool
}

// TranscriptSink captures payloads fire-and-forget.
type TranscriptSink interface {
	CaptureTranscript(sessionID, eventType string, payload []byte) error
}

// Relay maintains the single upstream event stream to the agent and fans
// decoded payloads out: verbatim to the hub, then to the status tracker, the
// activity deriver, the notification queue, and transcript capture.
type Relay struct {
	source     Source
	hub        *Hub
	status     *session.Tracker
	activity   *session.Activity
	notify     NotifySink
	transcript TranscriptSink

	httpc  *http.Client
	logger *slog.Logger
}

func New(source Source, hub *Hub, status *session.Tracker, activity *session.Activity) *Relay {
	return &Relay{
		source:   source,
		hub:      hub,
		status:   status,
		activity: activity,
		// No client-level timeout: the stream is long-lived. Dial failures
		// surface through the request context.
		httpc:  &http.Client{},
		logger: slog.Default().With("component", "relay"),
	}
}

// SetNotifySink wires the notification dispatch queue.
func (r *Relay) SetNotifySink(s NotifySink) { r.notify = s }

// SetTranscriptSink wires transcript capture.
func (r *Relay) SetTranscriptSink(s TranscriptSink) { r.transcript = s }

// Run connects to the agent's event endpoint and processes blocks until ctx
// is cancelled, reconnecting with exponential backoff on any error. The
// attempt counter resets after each successful connect.
func (r *Relay) Run(ctx context.Context) error {
	bo := NewBackoff(backoffBase, backoffMax)
	for {
		base, token := r.source()
		if base == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		err := r.connectAndConsume(ctx, base, token, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.Next()
		r.logger.Warn("upstream stream lost, reconnecting", "err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Relay) connectAndConsume(ctx context.Context, base, token string, bo *Backoff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connect: HTTP %d", resp.StatusCode)
	}

	r.logger.Info("upstream stream connected", "url", base+"/events")
	bo.Reset()

	dec := NewDecoder(resp.Body)
	for {
		payload, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("upstream closed stream")
			}
			return fmt.Errorf("read: %w", err)
		}
		r.dispatch(payload)
	}
}

// eventHead is the common prefix of every upstream payload.
type eventHead struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	EventID   string `json:"eventId"`
	Attempt   int    `json:"attempt"`
	Message   string `json:"message"`
	Next      string `json:"next"`
}

// dispatch routes one decoded payload, strictly in arrival order. Derived
// updates for a session are therefore serialized; the notification and
// transcript legs never block this loop.
func (r *Relay) dispatch(payload []byte) {
	r.hub.Publish("message", payload)

	var head eventHead
	if err := json.Unmarshal(payload, &head); err != nil {
		r.logger.Debug("unparseable payload forwarded verbatim only", "err", err)
		return
	}

	switch head.Type {
	case "session-status":
		if st, ok := session.ParseStatus(head.Status); ok && head.SessionID != "" {
			r.status.Update(head.SessionID, st, head.EventID, session.Meta{
				Attempt: head.Attempt,
				Message: head.Message,
				Next:    head.Next,
			})
			// An explicit busy/retry status drives the phase just like
			// streaming output does; idle comes from session-idle events.
			if st == session.StatusBusy || st == session.StatusRetry {
				r.activity.MarkBusy(head.SessionID)
			}
		}
	case "assistant-delta":
		if head.SessionID != "" {
			r.activity.MarkBusy(head.SessionID)
		}
	case "assistant-done":
		if head.SessionID != "" {
			r.activity.MarkFinalized(head.SessionID)
		}
	case "session-idle":
		if head.SessionID != "" {
			r.activity.MarkIdle(head.SessionID)
		}
	}

	if r.notify != nil {
		if !r.notify.Enqueue(payload) {
			r.logger.Warn("notification queue full, dropped payload", "type", head.Type)
		}
	}

	if r.transcript != nil {
		p := append([]byte(nil), payload...)
		go func() {
			if err := r.transcript.CaptureTranscript(head.SessionID, head.Type, p); err != nil {
				r.logger.Debug("transcript capture failed", "err", err)
			}
		}()
	}
}

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Kind is a notification trigger kind.
type Kind string

const (
	KindReady      Kind = "ready"      // assistant turn finalized normally
	KindError      Kind = "error"      // assistant turn finalized with an error
	KindQuestion   Kind = "question"   // explicit question-asked event
	KindPermission Kind = "permission" // explicit permission-asked event
)

// Trigger is an ephemeral rendered notification; it exists only during
// dispatch and is never persisted.
type Trigger struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag"`
}

// Settings is the slice of the external settings collaborator the dispatcher
// reads: per-kind enable flags, template overrides, substitution variables.
type Settings interface {
	Enabled(kind string) bool
	Template(kind string) (string, bool)
	Vars() map[string]string
}

const (
	queueDepth           = 64
	readyCooldownWindow  = 5 * time.Second
	defaultDebounceDelay = 500 * time.Millisecond
	permissionMemoryTTL  = time.Hour
)

// Dispatcher detects notification triggers in relay payloads and delivers
// them over up to three channels. Payloads enter through a bounded queue so
// a slow channel can never stall the relay's read loop.
type Dispatcher struct {
	Desktop *DesktopChannel // nil disables desktop delivery
	Push    *PushChannel    // nil disables push delivery
	InApp   func(Trigger)   // broadcast to connected browser clients
	Visible func() bool     // any UI currently visible -> skip push

	settings Settings
	queue    chan []byte
	logger   *slog.Logger

	readyCooldown *ttlCache // per-session ready suppression
	permSeen      *ttlCache // permission request ids already notified

	mu            sync.Mutex
	debounce      map[string]*pendingTrigger
	debounceDelay time.Duration
}

type pendingTrigger struct {
	timer   *time.Timer
	excerpt string
}

func NewDispatcher(settings Settings) *Dispatcher {
	return &Dispatcher{
		settings:      settings,
		queue:         make(chan []byte, queueDepth),
		logger:        slog.Default().With("component", "notify"),
		readyCooldown: newTTLCache(readyCooldownWindow, 1024),
		permSeen:      newTTLCache(permissionMemoryTTL, 4096),
		debounce:      make(map[string]*pendingTrigger),
		debounceDelay: defaultDebounceDelay,
	}
}

// Enqueue hands a payload to the dispatcher without blocking. Returns false
// when the queue is full and the payload was dropped.
func (d *Dispatcher) Enqueue(payload []byte) bool {
	p := append([]byte(nil), payload...)
	select {
	case d.queue <- p:
		return true
	default:
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-d.queue:
			d.detect(ctx, p)
		}
	}
}

// triggerEvent is the slice of a payload the dispatcher cares about.
type triggerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
	Subtask   *bool  `json:"subtask"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
	Prompt    string `json:"prompt"`
	Tool      string `json:"tool"`
}

func (d *Dispatcher) detect(ctx context.Context, payload []byte) {
	var ev triggerEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.SessionID == "" {
		return
	}

	switch ev.Type {
	case "assistant-done":
		// Subtask completions don't notify, but the check fails open: only
		// an affirmative inline hint suppresses; absent or ambiguous means
		// notify.
		if ev.Subtask != nil && *ev.Subtask {
			return
		}
		if ev.Error != "" {
			d.deliver(ctx, KindError, ev.SessionID, ev.Error)
			return
		}
		if d.readyCooldown.CheckAndMark("ready/" + ev.SessionID) {
			d.logger.Debug("ready notification suppressed by cooldown", "session_id", ev.SessionID)
			return
		}
		d.deliver(ctx, KindReady, ev.SessionID, ev.Message)

	case "question":
		d.debounceTrigger(KindQuestion, ev.SessionID, ev.Prompt)

	case "permission":
		if ev.RequestID != "" && d.permSeen.CheckAndMark(ev.RequestID) {
			d.logger.Debug("permission already notified", "request_id", ev.RequestID)
			return
		}
		d.debounceTrigger(KindPermission, ev.SessionID, ev.Tool)
	}
}

// debounceTrigger collapses a burst of related events into one notification
// delivered debounceDelay after the last event in the burst.
func (d *Dispatcher) debounceTrigger(kind Kind, sessionID, excerpt string) {
	key := string(kind) + "/" + sessionID

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.debounce[key]; ok {
		if excerpt != "" {
			p.excerpt = excerpt
		}
		p.timer.Reset(d.debounceDelay)
		return
	}
	p := &pendingTrigger{excerpt: excerpt}
	p.timer = time.AfterFunc(d.debounceDelay, func() {
		d.mu.Lock()
		delete(d.debounce, key)
		excerpt := p.excerpt
		d.mu.Unlock()
		d.deliver(context.Background(), kind, sessionID, excerpt)
	})
	d.debounce[key] = p
}

// deliver renders and fans one trigger out. Push is skipped while any UI is
// visible to avoid duplicate alerts.
func (d *Dispatcher) deliver(ctx context.Context, kind Kind, sessionID, excerpt string) {
	if d.settings != nil && !d.settings.Enabled(string(kind)) {
		return
	}

	vars := map[string]string{}
	if d.settings != nil {
		for k, v := range d.settings.Vars() {
			vars[k] = v
		}
	}
	vars["sessionId"] = sessionID
	vars["excerpt"] = excerpt

	var override string
	if d.settings != nil {
		override, _ = d.settings.Template(string(kind))
	}
	title, body := renderKind(kind, override, vars)

	t := Trigger{
		Kind:      kind,
		SessionID: sessionID,
		Title:     title,
		Body:      body,
		Tag:       string(kind) + "-" + sessionID,
	}

	if d.Desktop != nil {
		if err := d.Desktop.Send(ctx, t); err != nil {
			d.logger.Warn("desktop notification failed", "err", err)
		}
	}
	if d.InApp != nil {
		d.InApp(t)
	}
	if d.Push != nil {
		if d.Visible != nil && d.Visible() {
			d.logger.Debug("push skipped, UI visible", "session_id", sessionID)
		} else {
			d.Push.SendAll(ctx, t)
		}
	}
}

package session

import (
	"sync"
	"time"
)

// Phase is the derived activity phase of a session.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBusy     Phase = "busy"
	PhaseCooldown Phase = "cooldown"
)

// defaultCooldownDelay is how long a finalized turn lingers in cooldown
// before dropping back to idle.
const defaultCooldownDelay = 2 * time.Second

type phaseEntry struct {
	phase     Phase
	updatedAt time.Time
	timer     *time.Timer // pending cooldown->idle transition
}

// Activity derives a coarse busy/cooldown/idle phase per session from the
// event stream. Transitions: anything -> busy on streaming output or an
// explicit busy status; busy -> cooldown on a finalized turn (attempts from
// other states are no-ops, which keeps out-of-order events from flipping the
// phase); cooldown -> idle after a fixed delay unless busy re-entered first.
type Activity struct {
	mu        sync.Mutex
	phases    map[string]*phaseEntry
	broadcast func(sessionID string, phase Phase)
	delay     time.Duration
	now       func() time.Time
}

// NewActivity creates a deriver. broadcast (may be nil) fires on every actual
// phase change, never on no-op attempts.
func NewActivity(broadcast func(sessionID string, phase Phase)) *Activity {
	return &Activity{
		phases:    make(map[string]*phaseEntry),
		broadcast: broadcast,
		delay:     defaultCooldownDelay,
		now:       time.Now,
	}
}

func (a *Activity) entry(sessionID string) *phaseEntry {
	e, ok := a.phases[sessionID]
	if !ok {
		e = &phaseEntry{phase: PhaseIdle}
		a.phases[sessionID] = e
	}
	return e
}

// set transitions an entry and reports whether the phase actually changed.
// Must be called with mu held.
func (a *Activity) set(e *phaseEntry, p Phase) bool {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.phase == p {
		return false
	}
	e.phase = p
	e.updatedAt = a.now()
	return true
}

// MarkBusy records streaming assistant output or an explicit busy/retry
// status. Cancels any pending cooldown timer.
func (a *Activity) MarkBusy(sessionID string) {
	a.mu.Lock()
	changed := a.set(a.entry(sessionID), PhaseBusy)
	a.mu.Unlock()
	if changed && a.broadcast != nil {
		a.broadcast(sessionID, PhaseBusy)
	}
}

// MarkFinalized records a finalized assistant turn. Only a busy session
// enters cooldown; from idle or cooldown this is a no-op.
func (a *Activity) MarkFinalized(sessionID string) {
	a.mu.Lock()
	e := a.entry(sessionID)
	if e.phase != PhaseBusy {
		a.mu.Unlock()
		return
	}
	a.set(e, PhaseCooldown)
	e.timer = time.AfterFunc(a.delay, func() { a.cooldownExpired(sessionID) })
	a.mu.Unlock()
	if a.broadcast != nil {
		a.broadcast(sessionID, PhaseCooldown)
	}
}

func (a *Activity) cooldownExpired(sessionID string) {
	a.mu.Lock()
	e, ok := a.phases[sessionID]
	if !ok || e.phase != PhaseCooldown {
		a.mu.Unlock()
		return
	}
	a.set(e, PhaseIdle)
	a.mu.Unlock()
	if a.broadcast != nil {
		a.broadcast(sessionID, PhaseIdle)
	}
}

// MarkIdle records an explicit idle event.
func (a *Activity) MarkIdle(sessionID string) {
	a.mu.Lock()
	changed := a.set(a.entry(sessionID), PhaseIdle)
	a.mu.Unlock()
	if changed && a.broadcast != nil {
		a.broadcast(sessionID, PhaseIdle)
	}
}

// Phase returns a session's current phase (idle when unknown).
func (a *Activity) Phase(sessionID string) Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.phases[sessionID]; ok {
		return e.phase
	}
	return PhaseIdle
}

// ResetAll drops every session back to idle, cancelling pending cooldowns.
// Called when the supervisor restarts the agent: derived phases are not
// trustworthy across a process boundary.
func (a *Activity) ResetAll() {
	a.mu.Lock()
	var changed []string
	for id, e := range a.phases {
		if a.set(e, PhaseIdle) {
			changed = append(changed, id)
		}
	}
	a.mu.Unlock()
	if a.broadcast != nil {
		for _, id := range changed {
			a.broadcast(id, PhaseIdle)
		}
	}
}

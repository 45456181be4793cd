package termws

import (
	"errors"
	"sync"
	"time"
)

const (
	// DefaultRebindLimit is the number of rebinds allowed per rolling window,
	// on top of the connection's initial bind.
	DefaultRebindLimit  = 128
	DefaultRebindWindow = time.Minute
	// DefaultViolationLimit closes the connection after this many malformed
	// frames.
	DefaultViolationLimit = 5
)

// ErrRebindLimited means the rolling rebind budget is spent; the existing
// binding is left unchanged.
var ErrRebindLimited = errors.New("rebind rate limit exceeded")

// Binding is the per-connection input routing state: which session text
// frames go to, plus rebind rate limiting and the malformed-frame counter.
// One Binding per socket connection, discarded on close.
type Binding struct {
	mu         sync.Mutex
	sessionID  string
	binds      []time.Time // bind timestamps within the rolling window
	violations int

	limit         int
	window        time.Duration
	violationsMax int
	now           func() time.Time
}

func NewBinding() *Binding {
	return &Binding{
		limit:         DefaultRebindLimit,
		window:        DefaultRebindWindow,
		violationsMax: DefaultViolationLimit,
		now:           time.Now,
	}
}

// Bind points the connection at a session. Rebinding is allowed but
// rate-limited: past the limit within the rolling window the call fails and
// the previous binding stays in effect.
func (b *Binding) Bind(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.binds[:0]
	for _, t := range b.binds {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.binds = kept

	// The first bind is not a rebind, so limit+1 binds fit in one window.
	if len(b.binds) > b.limit {
		return ErrRebindLimited
	}
	b.binds = append(b.binds, now)
	b.sessionID = sessionID
	return nil
}

// Bound returns the currently bound session id.
func (b *Binding) Bound() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID, b.sessionID != ""
}

// Violation counts one malformed frame and reports whether the connection
// has crossed the protocol-violation threshold and must be closed.
func (b *Binding) Violation() (fatal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations++
	return b.violations >= b.violationsMax
}

// Violations returns the malformed-frame count so far.
func (b *Binding) Violations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violations
}

package term

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPoolFull means the session cap was reached.
	ErrPoolFull = errors.New("terminal session limit reached")
	// ErrSessionNotFound means the id does not name a live session.
	ErrSessionNotFound = errors.New("terminal session not found")
)

const (
	defaultMaxSessions = 16
	defaultIdleTimeout = 30 * time.Minute
	sweepInterval      = 5 * time.Minute
)

// Capabilities declares what input transports a created session supports.
type Capabilities struct {
	TextInput     bool `json:"textInput"`     // raw keystroke text frames / HTTP writes
	BinaryControl bool `json:"binaryControl"` // tagged binary control frames
	Resize        bool `json:"resize"`
}

// Info is the externally visible description of one session.
type Info struct {
	ID        string    `json:"id"`
	CWD       string    `json:"cwd"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	StartedAt time.Time `json:"startedAt"`
}

// Manager owns the capacity-bounded pty session pool.
type Manager struct {
	shell       string
	maxSessions int
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(shell string, maxSessions int, idleTimeout time.Duration) *Manager {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Manager{
		shell:       shell,
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		logger:      slog.Default().With("component", "term"),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// Capabilities returns the input capabilities declared on create.
func (m *Manager) Capabilities() Capabilities {
	return Capabilities{TextInput: true, BinaryControl: true, Resize: true}
}

// Create validates the working directory, spawns a shell in a fresh pty and
// registers the session.
func (m *Manager) Create(cwd string, cols, rows uint16) (*Session, error) {
	info, err := os.Stat(cwd)
	if err != nil {
		return nil, fmt.Errorf("cwd %q: %w", cwd, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("cwd %q: not a directory", cwd)
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrPoolFull
	}
	id := uuid.New().String()[:8]
	m.mu.Unlock()

	s, err := startSession(id, m.shell, cwd, cols, rows)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		s.Kill()
		return nil, ErrPoolFull
	}
	m.sessions[id] = s
	m.mu.Unlock()

	go m.reapOnExit(s)

	m.logger.Info("terminal session started", "session_id", id, "cwd", cwd, "shell", m.shell)
	return s, nil
}

// reapOnExit removes a session from the pool when its shell exits on its own.
func (m *Manager) reapOnExit(s *Session) {
	<-s.Done()
	m.mu.Lock()
	if cur, ok := m.sessions[s.ID]; ok && cur == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()
	m.logger.Info("terminal session exited", "session_id", s.ID, "exit_code", s.ExitCode())
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns info for every live session.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		cols, rows := s.Size()
		out = append(out, Info{
			ID:        s.ID,
			CWD:       s.CWD,
			Cols:      cols,
			Rows:      rows,
			StartedAt: s.startedAt,
		})
	}
	return out
}

// Close kills and removes one session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.Kill()
	m.logger.Info("terminal session closed", "session_id", id)
	return nil
}

// Restart replaces a session's shell process, keeping the working directory
// and dimensions. The old session id is retired; the new session is returned.
func (m *Manager) Restart(id string) (*Session, error) {
	m.mu.Lock()
	old, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	cols, rows := old.Size()
	old.Kill()
	return m.Create(old.CWD, cols, rows)
}

// KillAll force-removes every session and returns how many were killed.
func (m *Manager) KillAll() int {
	m.mu.Lock()
	doomed := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		doomed = append(doomed, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range doomed {
		s.Kill()
	}
	if len(doomed) > 0 {
		m.logger.Warn("killed all terminal sessions", "count", len(doomed))
	}
	return len(doomed)
}

// Sweep force-removes sessions idle beyond the timeout and returns their ids.
func (m *Manager) Sweep() []string {
	now := m.now()
	m.mu.Lock()
	var doomed []*Session
	for id, s := range m.sessions {
		if s.IdleFor(now) > m.idleTimeout {
			doomed = append(doomed, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(doomed))
	for _, s := range doomed {
		s.Kill()
		ids = append(ids, s.ID)
		m.logger.Info("terminal session swept", "session_id", s.ID, "idle_timeout", m.idleTimeout)
	}
	return ids
}

// RunSweeper runs the idle sweep every 5 minutes until ctx ends, then kills
// everything left.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.KillAll()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

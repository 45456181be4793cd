package term

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const outputRingSize = 50 * 1024

// Session is one live pseudo-terminal. The pty handle is exclusively owned
// by this entry; any number of read-only subscribers may attach.
type Session struct {
	ID   string
	CWD  string
	cols uint16
	rows uint16

	mu           sync.Mutex
	ptmx         *os.File
	cmd          *exec.Cmd
	ring         *ringBuffer
	subs         map[string]*subscriber
	lastInput    time.Time
	lastOutput   time.Time
	startedAt    time.Time
	done         chan struct{}
	exited       bool
	exitCode     int
}

type subscriber struct {
	ch   chan []byte
	gone chan struct{}
}

// subscriberBuffer is the per-subscriber chunk buffer. When it fills, the
// pty read loop blocks (pausing the read side) until the subscriber drains
// or detaches.
const subscriberBuffer = 64

func startSession(id, shell, cwd string, cols, rows uint16) (*Session, error) {
	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		ID:        id,
		CWD:       cwd,
		cols:      cols,
		rows:      rows,
		ptmx:      ptmx,
		cmd:       cmd,
		ring:      newRingBuffer(outputRingSize),
		subs:      make(map[string]*subscriber),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	go s.readLoop()
	go s.reap()
	return s, nil
}

func (s *Session) reap() {
	exitCode := 0
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	s.mu.Lock()
	s.exited = true
	s.exitCode = exitCode
	s.mu.Unlock()
	close(s.done)
	s.ptmx.Close()
}

// readLoop fans pty output to every subscriber. A full subscriber buffer
// blocks the loop — backpressure on the pty read side — until that
// subscriber drains, detaches, or the session ends.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.ring.Write(data)

			s.mu.Lock()
			s.lastOutput = time.Now()
			targets := make([]*subscriber, 0, len(s.subs))
			for _, sub := range s.subs {
				targets = append(targets, sub)
			}
			s.mu.Unlock()

			for _, sub := range targets {
				select {
				case sub.ch <- data:
				default:
					select {
					case sub.ch <- data:
					case <-sub.gone:
					case <-s.done:
					}
				}
			}
		}
		if err != nil {
			s.closeSubscribers()
			return
		}
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// Subscribe attaches an output consumer. replay holds the recent output ring
// so the consumer can render the current screen.
func (s *Session) Subscribe(subID string) (ch <-chan []byte, replay []byte, cancel func()) {
	sub := &subscriber{
		ch:   make(chan []byte, subscriberBuffer),
		gone: make(chan struct{}),
	}
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		closed := make(chan []byte)
		close(closed)
		return closed, s.ring.Bytes(), func() {}
	}
	s.subs[subID] = sub
	s.mu.Unlock()

	cancel = func() {
		s.mu.Lock()
		if cur, ok := s.subs[subID]; ok && cur == sub {
			delete(s.subs, subID)
			close(sub.gone)
		}
		s.mu.Unlock()
	}
	return sub.ch, s.ring.Bytes(), cancel
}

// Write sends keystrokes to the shell. The session stays intact on failure
// so the caller can retry.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return fmt.Errorf("session %s: process exited", s.ID)
	}
	s.lastInput = time.Now()
	ptmx := s.ptmx
	s.mu.Unlock()

	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize changes the terminal dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	ptmx := s.ptmx
	s.mu.Unlock()
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the shell: SIGTERM, then SIGKILL if it lingers.
func (s *Session) Kill() {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()
	if exited || cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		cmd.Process.Kill()
	}
}

// IdleFor returns how long the session has seen no input or output. A
// session with no I/O at all is idle since it started.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.startedAt
	if s.lastInput.After(last) {
		last = s.lastInput
	}
	if s.lastOutput.After(last) {
		last = s.lastOutput
	}
	return now.Sub(last)
}

// Done is closed when the shell process exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode is valid once Done is closed.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

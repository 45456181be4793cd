package supervisor

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// State is the lifecycle state of the supervised agent process.
type State string

const (
	StateStarting   State = "starting"
	StateHealthy    State = "healthy"
	StateUnhealthy  State = "unhealthy"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

const (
	defaultStartupTimeout = 30 * time.Second
	defaultHealthInterval = 15 * time.Second
	defaultProbeTimeout   = 2500 * time.Millisecond
)

var listenURLRe = regexp.MustCompile(`https?://[^\s"]+`)

// Options configures the supervisor.
type Options struct {
	Binary  string   // executable name for the search path
	Command string   // explicit path override
	Args    []string // extra args, before --host/--port
	Port    int      // pinned port; 0 allocates an ephemeral one
	URL     string   // externally managed agent; no spawn, probe only

	StartupTimeout time.Duration
	HealthInterval time.Duration
	ProbeTimeout   time.Duration
}

// handle is the live process handle. Replaced wholesale on restart so readers
// holding the old one never observe a half-updated state.
type handle struct {
	cmd     *exec.Cmd
	port    int
	baseURL string
	token   string
}

// Supervisor resolves, spawns, health-checks and restarts the agent server
// process, and publishes its base URL to dependents (relay, proxy).
type Supervisor struct {
	opts   Options
	httpc  *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	h         *handle
	state     State
	lastErr   error
	inflight  chan struct{} // non-nil while a restart is running
	lastRes   error         // result of the restart that owned inflight
	retargets []func(baseURL string)
}

// New creates a supervisor. For an external agent set Options.URL; the
// supervisor then only probes health and never spawns or kills anything.
func New(opts Options) *Supervisor {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	return &Supervisor{
		opts:   opts,
		httpc:  &http.Client{Timeout: opts.ProbeTimeout},
		logger: slog.Default().With("component", "supervisor"),
		state:  StateStopped,
	}
}

// OnRetarget registers a callback invoked with the agent base URL after every
// successful start or restart. Register before calling Start.
func (s *Supervisor) OnRetarget(fn func(baseURL string)) {
	s.mu.Lock()
	s.retargets = append(s.retargets, fn)
	s.mu.Unlock()
}

// BaseURL returns the agent's current base URL ("" until first start).
func (s *Supervisor) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return ""
	}
	return s.h.baseURL
}

// Token returns the credential passed to a spawned agent ("" for external).
func (s *Supervisor) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return ""
	}
	return s.h.token
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the agent is currently healthy.
func (s *Supervisor) Ready() bool {
	return s.State() == StateHealthy
}

// LastError returns the most recent startup/health failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) external() bool { return s.opts.URL != "" }

// Start brings the agent up: resolve the executable, allocate a port, spawn,
// wait for the listening URL and a healthy probe. For an external agent it
// only waits for health. Failure records lastErr and, unless the port was
// pinned, clears the allocated port.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateStarting
	s.mu.Unlock()

	var h *handle
	var err error
	if s.external() {
		h = &handle{baseURL: s.opts.URL}
		err = s.waitHealthy(ctx, h.baseURL)
	} else {
		h, err = s.spawn(ctx)
	}

	s.mu.Lock()
	if err != nil {
		s.state = StateUnhealthy
		s.lastErr = err
		if h != nil && s.opts.Port == 0 {
			h.port = 0
		}
		s.h = h
		s.mu.Unlock()
		return err
	}
	s.h = h
	s.state = StateHealthy
	s.lastErr = nil
	fns := append([]func(string){}, s.retargets...)
	base := h.baseURL
	s.mu.Unlock()

	s.logger.Info("agent ready", "url", base, "external", s.external())
	for _, fn := range fns {
		fn(base)
	}
	return nil
}

// Restart is reentrant-safe: concurrent callers await the one in-flight
// restart instead of triggering another. For an external agent it re-probes
// health instead of killing and respawning.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if ch := s.inflight; ch != nil {
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
			err := s.lastRes
			s.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	s.inflight = ch
	s.state = StateRestarting
	s.mu.Unlock()

	err := s.doRestart(ctx)

	s.mu.Lock()
	s.lastRes = err
	s.inflight = nil
	s.mu.Unlock()
	close(ch)
	return err
}

func (s *Supervisor) doRestart(ctx context.Context) error {
	if s.external() {
		err := s.waitHealthy(ctx, s.opts.URL)
		s.mu.Lock()
		if err != nil {
			s.state = StateUnhealthy
			s.lastErr = err
		} else {
			s.state = StateHealthy
			s.lastErr = nil
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	old := s.h
	s.mu.Unlock()
	if old != nil {
		s.terminate(old)
	}
	return s.Start(ctx)
}

// restartInFlight reports whether a restart currently owns the supervisor.
func (s *Supervisor) restartInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight != nil
}

// Run drives the periodic health check loop until ctx is cancelled, then
// stops the agent. A failed check triggers Restart, but never while another
// restart is already running.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-ticker.C:
			if s.restartInFlight() {
				continue
			}
			if s.IsHealthy(ctx) {
				continue
			}
			s.logger.Warn("agent health check failed, restarting")
			if err := s.Restart(ctx); err != nil {
				s.logger.Error("agent restart failed", "err", err)
			}
		}
	}
}

// IsHealthy performs one bounded health probe. Timeouts count as unhealthy.
func (s *Supervisor) IsHealthy(ctx context.Context) bool {
	base := s.BaseURL()
	if base == "" {
		return false
	}
	return s.probe(ctx, base) == nil
}

func (s *Supervisor) probe(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return err
	}
	if tok := s.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: HTTP %d", resp.StatusCode)
	}
	var body struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("health: decode: %w", err)
	}
	if !body.Healthy {
		return fmt.Errorf("health: agent reports unhealthy")
	}
	return nil
}

// Stop terminates a spawned agent and marks the supervisor stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	h := s.h
	s.state = StateStopped
	s.mu.Unlock()
	if h != nil && !s.external() {
		s.terminate(h)
	}
}

func (s *Supervisor) terminate(h *handle) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	h.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		h.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		h.cmd.Process.Kill()
		<-done
	}
}

func (s *Supervisor) spawn(ctx context.Context) (*handle, error) {
	bin, err := Locate(s.opts.Command, s.opts.Binary)
	if err != nil {
		return nil, err
	}

	port := s.opts.Port
	if port == 0 {
		port, err = allocPort()
		if err != nil {
			return nil, fmt.Errorf("allocate port: %w", err)
		}
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, s.opts.Args...),
		"--host", "127.0.0.1", "--port", strconv.Itoa(port))
	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), "PERCH_AGENT_TOKEN="+token)

	h := &handle{cmd: cmd, port: port, token: token,
		baseURL: "http://127.0.0.1:" + strconv.Itoa(port)}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return h, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return h, fmt.Errorf("spawn %s: %w", bin, err)
	}
	s.logger.Info("agent spawned", "bin", bin, "pid", cmd.Process.Pid, "port", port)

	urlCh := make(chan string, 1)
	go scanStartupOutput(stdout, urlCh, s.logger)

	// Prefer the URL the agent prints over the constructed one; don't wait
	// long for it, health polling below is authoritative.
	select {
	case u := <-urlCh:
		if u != "" {
			h.baseURL = u
		}
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		s.terminate(h)
		return h, ctx.Err()
	}

	if err := s.waitHealthy(ctx, h.baseURL); err != nil {
		s.terminate(h)
		return h, err
	}
	return h, nil
}

// waitHealthy polls the health endpoint until it succeeds or the startup
// deadline elapses.
func (s *Supervisor) waitHealthy(ctx context.Context, base string) error {
	deadline := time.Now().Add(s.opts.StartupTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := s.probe(ctx, base); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("agent not healthy after %s: %w", s.opts.StartupTimeout, lastErr)
}

// scanStartupOutput scans agent output for the first "listening on <url>"
// line and keeps draining (and logging) the pipe so the child never blocks.
func scanStartupOutput(r io.Reader, urlCh chan<- string, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("agent", "line", line)
		if !found && strings.Contains(strings.ToLower(line), "listening") {
			if u := listenURLRe.FindString(line); u != "" {
				found = true
				urlCh <- u
			}
		}
	}
	if !found {
		close(urlCh)
	}
}

func allocPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

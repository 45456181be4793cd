package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func healthyAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Write([]byte(`{"healthy":true}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExternalAgentStart(t *testing.T) {
	srv := healthyAgent(t)
	s := New(Options{URL: srv.URL, StartupTimeout: 2 * time.Second})

	var retargeted []string
	s.OnRetarget(func(base string) { retargeted = append(retargeted, base) })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Ready() || s.State() != StateHealthy {
		t.Errorf("state = %v", s.State())
	}
	if s.BaseURL() != srv.URL {
		t.Errorf("base = %q", s.BaseURL())
	}
	if len(retargeted) != 1 || retargeted[0] != srv.URL {
		t.Errorf("retargets = %v", retargeted)
	}
	if !s.IsHealthy(context.Background()) {
		t.Error("IsHealthy = false against a healthy agent")
	}
}

func TestStartFailsAgainstUnhealthyAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer srv.Close()

	s := New(Options{URL: srv.URL, StartupTimeout: 700 * time.Millisecond, ProbeTimeout: 200 * time.Millisecond})
	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("start succeeded against an unhealthy agent")
	}
	if s.State() != StateUnhealthy {
		t.Errorf("state = %v", s.State())
	}
	if s.LastError() == nil {
		t.Error("lastErr not recorded")
	}
	if s.Ready() {
		t.Error("Ready = true after failed start")
	}
}

func TestStartFailsWhenUnreachable(t *testing.T) {
	s := New(Options{URL: "http://127.0.0.1:1", StartupTimeout: 700 * time.Millisecond, ProbeTimeout: 100 * time.Millisecond})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("start succeeded against a dead address")
	}
}

// Concurrent restarts collapse into one: every caller gets the result of the
// single in-flight restart instead of stacking probe cycles.
func TestConcurrentRestartsSingleFlight(t *testing.T) {
	var probes atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		<-release
		w.Write([]byte(`{"healthy":true}`))
	}))
	defer srv.Close()

	s := New(Options{URL: srv.URL, StartupTimeout: 5 * time.Second, ProbeTimeout: 3 * time.Second})

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Restart(context.Background())
		}(i)
	}

	// Let all callers pile up on the one in-flight restart, then release the
	// single probe it issued.
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := probes.Load(); n != 1 {
		t.Errorf("probes = %d, want 1", n)
	}
	if s.State() != StateHealthy {
		t.Errorf("state = %v", s.State())
	}
}

func TestRestartExternalReprobes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"healthy":true}`))
	}))
	defer srv.Close()

	s := New(Options{URL: srv.URL, StartupTimeout: 2 * time.Second})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := calls.Load()
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if calls.Load() <= before {
		t.Error("restart never probed the external agent")
	}
	if s.State() != StateHealthy {
		t.Errorf("state = %v", s.State())
	}
}

func TestIsHealthyWithoutBaseURL(t *testing.T) {
	s := New(Options{Binary: "agent"})
	if s.IsHealthy(context.Background()) {
		t.Error("healthy with no agent started")
	}
}

func TestProbeRejectsNonOKAndBadBody(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http 500", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }},
		{"not json", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }},
		{"unhealthy", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"healthy":false}`)) }},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(tt.handler)
		s := New(Options{URL: srv.URL})
		if err := s.probe(context.Background(), srv.URL); err == nil {
			t.Errorf("%s: probe passed", tt.name)
		}
		srv.Close()
	}
}

func TestScanStartupOutput(t *testing.T) {
	out := "booting...\nmigrations done\nagent listening on http://127.0.0.1:4567\nmore noise\n"
	urlCh := make(chan string, 1)
	scanStartupOutput(strings.NewReader(out), urlCh, discardLogger())

	select {
	case u := <-urlCh:
		if u != "http://127.0.0.1:4567" {
			t.Errorf("url = %q", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no url scanned")
	}
}

func TestScanStartupOutputNoListenLine(t *testing.T) {
	urlCh := make(chan string, 1)
	scanStartupOutput(strings.NewReader("http://127.0.0.1:9 but not the magic word\n"), urlCh, discardLogger())
	if u, ok := <-urlCh; ok {
		t.Errorf("unexpected url %q", u)
	}
}

func TestAllocPort(t *testing.T) {
	p1, err := allocPort()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if p1 <= 0 || p1 > 65535 {
		t.Errorf("port = %d", p1)
	}
}

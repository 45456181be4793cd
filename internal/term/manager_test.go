package term

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestManager(t *testing.T, max int) *Manager {
	t.Helper()
	m := NewManager("/bin/sh", max, 30*time.Minute)
	t.Cleanup(func() { m.KillAll() })
	return m
}

func TestManagerCreateAndEcho(t *testing.T) {
	m := newTestManager(t, 4)
	s, err := m.Create(t.TempDir(), 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, _, cancel := s.Subscribe(uuid.New().String())
	defer cancel()

	if err := s.Write([]byte("echo perch-marker\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(out, []byte("perch-marker")) {
		select {
		case data, ok := <-ch:
			if !ok {
				t.Fatalf("session closed early, output: %q", out)
			}
			out = append(out, data...)
		case <-deadline:
			t.Fatalf("marker never echoed, output: %q", out)
		}
	}
}

func TestManagerReplayForLateSubscriber(t *testing.T) {
	m := newTestManager(t, 4)
	s, err := m.Create(t.TempDir(), 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Drain with one subscriber until the marker shows up, then attach
	// another; the ring replay must already contain the marker.
	ch, _, cancel := s.Subscribe("first")
	defer cancel()
	s.Write([]byte("echo replay-marker\n"))

	var seen []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(seen, []byte("replay-marker")) {
		select {
		case data := <-ch:
			seen = append(seen, data...)
		case <-deadline:
			t.Fatalf("marker never arrived: %q", seen)
		}
	}

	_, replay, cancel2 := s.Subscribe("second")
	defer cancel2()
	if !bytes.Contains(replay, []byte("replay-marker")) {
		t.Errorf("replay missing marker: %q", replay)
	}
}

func TestManagerPoolCap(t *testing.T) {
	m := newTestManager(t, 2)
	dir := t.TempDir()
	if _, err := m.Create(dir, 80, 24); err != nil {
		t.Fatalf("create 1: %v", err)
	}
	if _, err := m.Create(dir, 80, 24); err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if _, err := m.Create(dir, 80, 24); !errors.Is(err, ErrPoolFull) {
		t.Errorf("create 3 = %v, want pool full", err)
	}

	// Freeing a slot unblocks creation.
	infos := m.List()
	if err := m.Close(infos[0].ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Create(dir, 80, 24); err != nil {
		t.Errorf("create after close: %v", err)
	}
}

func TestManagerCreateRejectsBadCwd(t *testing.T) {
	m := newTestManager(t, 2)
	if _, err := m.Create("/definitely/not/a/dir", 80, 24); err == nil {
		t.Error("expected error for missing cwd")
	}
}

func TestManagerCloseRemoves(t *testing.T) {
	m := newTestManager(t, 2)
	s, err := m.Create(t.TempDir(), 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Close(s.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get after close = %v", err)
	}
	if err := m.Close(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("double close = %v", err)
	}
}

func TestManagerRestartRetiresOldID(t *testing.T) {
	m := newTestManager(t, 2)
	dir := t.TempDir()
	old, err := m.Create(dir, 100, 40)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh, err := m.Restart(old.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if fresh.ID == old.ID {
		t.Error("restart kept the old session id")
	}
	if fresh.CWD != dir {
		t.Errorf("cwd = %q, want %q", fresh.CWD, dir)
	}
	cols, rows := fresh.Size()
	if cols != 100 || rows != 40 {
		t.Errorf("size = %dx%d, want 100x40", cols, rows)
	}
	if _, err := m.Get(old.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("old id still resolves: %v", err)
	}
}

func TestManagerSweepKillsIdle(t *testing.T) {
	m := newTestManager(t, 2)
	s, err := m.Create(t.TempDir(), 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Let the shell's startup output settle so idle time stops moving.
	time.Sleep(200 * time.Millisecond)

	m.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	swept := m.Sweep()
	if len(swept) != 1 || swept[0] != s.ID {
		t.Fatalf("swept = %v, want [%s]", swept, s.ID)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("swept session still resolves: %v", err)
	}
}

func TestManagerSweepSparesActive(t *testing.T) {
	m := newTestManager(t, 2)
	s, err := m.Create(t.TempDir(), 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Write([]byte(":\n"))

	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if swept := m.Sweep(); len(swept) != 0 {
		t.Errorf("swept = %v, want none", swept)
	}
}

func TestManagerKillAll(t *testing.T) {
	m := newTestManager(t, 4)
	dir := t.TempDir()
	m.Create(dir, 80, 24)
	m.Create(dir, 80, 24)
	if n := m.KillAll(); n != 2 {
		t.Errorf("killed = %d, want 2", n)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d after kill-all", m.Count())
	}
}

func TestManagerReapsExitedShell(t *testing.T) {
	m := newTestManager(t, 2)
	s, err := m.Create(t.TempDir(), 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Write([]byte("exit\n"))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell never exited")
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := m.Get(s.ID); errors.Is(err, ErrSessionNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("exited session never reaped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

package relay

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset = %v, want 1s", got)
	}
}

func TestBackoffOverflowStaysAtMax(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)
	for i := 0; i < 80; i++ {
		b.Next()
	}
	if got := b.Next(); got != 30*time.Second {
		t.Errorf("deep attempt = %v, want 30s", got)
	}
}

package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestHubPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := h.Subscribe(ctx, 0)

	id := h.Publish("message", []byte(`{"a":1}`))
	if id == 0 {
		t.Fatal("publish returned id 0")
	}

	select {
	case ev := <-ch:
		if ev.ID != id || ev.Type != "message" || string(ev.Data) != `{"a":1}` {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHubMonotonicIDs(t *testing.T) {
	h := NewHub()
	defer h.Close()
	first := h.Publish("message", []byte(`{}`))
	second := h.Publish("message", []byte(`{}`))
	if second != first+1 {
		t.Errorf("ids %d, %d not consecutive", first, second)
	}
}

func TestHubReplayAfterID(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var last uint64
	for i := 0; i < 5; i++ {
		last = h.Publish("message", []byte(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := h.Subscribe(ctx, last-2)

	for want := last - 1; want <= last; want++ {
		select {
		case ev := <-ch:
			if ev.ID != want {
				t.Errorf("replayed id = %d, want %d", ev.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing replayed event %d", want)
		}
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event %d", ev.ID)
	default:
	}
}

func TestHubSlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Subscribe(ctx, 0) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			h.Publish("message", []byte(`{}`))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHubUnsubscribeOnContextCancel(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, 0)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n := h.SubscriberCount(); n != 0 {
					t.Errorf("subscriber count = %d, want 0", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after cancel")
		}
	}
}

// A subscriber disconnecting mid-broadcast must never crash the publisher.
func TestHubPublishDuringUnsubscribeChurn(t *testing.T) {
	h := NewHub()
	defer h.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					h.Publish("message", []byte(`{}`))
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					ctx, cancel := context.WithCancel(context.Background())
					_, subID := h.Subscribe(ctx, 0)
					h.Unsubscribe(subID)
					cancel()
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestHubHeartbeatSkipsReplayRing(t *testing.T) {
	h := NewHub()
	defer h.Close()

	h.Publish("message", []byte(`{"n":0}`))
	first := h.Publish("message", []byte(`{"n":1}`))
	second := h.Publish("message", []byte(`{"n":2}`))
	for i := 0; i < replayRingSize; i++ {
		h.Publish("heartbeat", []byte(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := h.Subscribe(ctx, first-1)

	for _, want := range []uint64{first, second} {
		select {
		case ev := <-ch:
			if ev.ID != want || ev.Type != "message" {
				t.Errorf("replayed event = %+v, want message id %d", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("heartbeats evicted resumable event %d", want)
		}
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected replayed event %+v", ev)
	default:
	}
}

func TestHubReplayRingBounded(t *testing.T) {
	h := NewHub()
	defer h.Close()
	for i := 0; i < replayRingSize+50; i++ {
		h.Publish("message", []byte(`{}`))
	}
	if len(h.ring) != replayRingSize {
		t.Errorf("ring length = %d, want %d", len(h.ring), replayRingSize)
	}
}

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signal"
)

type recorder struct {
	mu   sync.Mutex
	msgs []signal.Message
}

func (r *recorder) add(m signal.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []signal.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signal.Message(nil), r.msgs...)
}

func waitLen(t *testing.T, r *recorder, n int) []signal.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(r.snapshot()))
	return nil
}

func TestEndpointBroadcastSkipsPublisher(t *testing.T) {
	n := NewNetwork()
	a := n.Join("room")
	b := n.Join("room")
	c := n.Join("room")
	other := n.Join("elsewhere")
	defer a.Close()
	defer b.Close()
	defer c.Close()
	defer other.Close()

	var ra, rb, rc, ro recorder
	a.Subscribe(ra.add)
	b.Subscribe(rb.add)
	c.Subscribe(rc.add)
	other.Subscribe(ro.add)

	if err := a.Publish(context.Background(), signal.Announce("a")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitLen(t, &rb, 1)
	waitLen(t, &rc, 1)
	time.Sleep(20 * time.Millisecond)
	if got := ra.snapshot(); len(got) != 0 {
		t.Fatalf("publisher received its own message: %v", got)
	}
	if got := ro.snapshot(); len(got) != 0 {
		t.Fatalf("other topic received message: %v", got)
	}
}

func TestEndpointPreservesSenderOrder(t *testing.T) {
	n := NewNetwork()
	a := n.Join("room")
	b := n.Join("room")
	defer a.Close()
	defer b.Close()

	var rb recorder
	b.Subscribe(rb.add)

	ids := []domain.ParticipantID{"1", "2", "3", "4", "5"}
	for _, id := range ids {
		if err := a.Publish(context.Background(), signal.Offer("a", id, "v=0")); err != nil {
			t.Fatal(err)
		}
	}
	got := waitLen(t, &rb, len(ids))
	for i, m := range got {
		if m.To != ids[i] {
			t.Fatalf("message %d out of order: to=%s", i, m.To)
		}
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	n := NewNetwork()
	a := n.Join("room")
	b := n.Join("room")
	defer a.Close()

	var rb recorder
	unsubscribe := b.Subscribe(rb.add)
	unsubscribe()
	unsubscribe()

	if err := a.Publish(context.Background(), signal.Announce("a")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := rb.snapshot(); len(got) != 0 {
		t.Fatalf("unsubscribed handler called: %v", got)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), signal.Announce("b")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := a.Publish(context.Background(), signal.Depart("a")); err != nil {
		t.Fatalf("publish with closed peer: %v", err)
	}
}

func TestPublishHonoursContext(t *testing.T) {
	n := NewNetwork()
	a := n.Join("room")
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Publish(ctx, signal.Announce("a")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

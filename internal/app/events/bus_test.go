package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/epa-bot/epa/internal/domain"
)

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Buffer != 1024 {
		t.Errorf("Buffer = %d, want 1024", cfg.Buffer)
	}
}

// ─── Bus Tests ──────────────────────────────────────────────────────────────

func TestBus_DeliversInOrder(t *testing.T) {
	b := New(DefaultConfig())
	var mu sync.Mutex
	var got []int64
	b.Subscribe("collect", func(ev domain.Event) error {
		mu.Lock()
		got = append(got, ev.Amount)
		mu.Unlock()
		return nil
	})

	for i := int64(1); i <= 50; i++ {
		b.Publish(domain.Event{Type: domain.EventCredited, Amount: i})
	}
	b.Close()

	if len(got) != 50 {
		t.Fatalf("delivered %d events, want 50", len(got))
	}
	for i, v := range got {
		if v != int64(i+1) {
			t.Fatalf("got[%d] = %d, out of order", i, v)
		}
	}
	if s := b.Stats(); s.Delivered != 50 || s.Dropped != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestBus_HandlerFailuresIsolated(t *testing.T) {
	b := New(DefaultConfig())
	var calls int
	b.Subscribe("fails", func(domain.Event) error { return errors.New("nope") })
	b.Subscribe("panics", func(domain.Event) error { panic("boom") })
	b.Subscribe("counts", func(domain.Event) error { calls++; return nil })

	b.Publish(domain.Event{Type: domain.EventDebited})
	b.Publish(domain.Event{Type: domain.EventDebited})
	b.Close()

	if calls != 2 {
		t.Errorf("later handler called %d times, want 2", calls)
	}
	if s := b.Stats(); s.Failed != 4 {
		t.Errorf("Failed = %d, want 4", s.Failed)
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := New(Config{Buffer: 1})
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	b.Subscribe("block", func(domain.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	b.Publish(domain.Event{Type: domain.EventCredited})
	<-started // dispatcher holds the first event
	b.Publish(domain.Event{Type: domain.EventCredited}) // fills the buffer
	b.Publish(domain.Event{Type: domain.EventCredited}) // dropped

	close(block)
	b.Close()
	if s := b.Stats(); s.Dropped != 1 || s.Delivered != 2 {
		t.Errorf("stats = %+v, want 1 dropped, 2 delivered", s)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := New(DefaultConfig())
	b.Close()
	b.Publish(domain.Event{Type: domain.EventCredited})
	b.Close()
	if s := b.Stats(); s.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped)
	}
}

func TestBus_ImplementsPublisher(t *testing.T) {
	var _ domain.Publisher = New(DefaultConfig())
}

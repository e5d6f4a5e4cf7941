// Package events delivers committed economy events to subscribers.
//
// The bus:
//  1. Accepts events after the mutation that produced them has committed
//  2. Buffers them in a bounded channel (never blocks the publisher)
//  3. Dispatches them in order from a single goroutine
//  4. Logs and counts subscriber failures without propagating them
package events

import (
	"fmt"
	"log"
	"sync"

	"github.com/epa-bot/epa/internal/domain"
	"github.com/epa-bot/epa/internal/infra/observability"
)

// Handler consumes one event. Errors are logged; they never reach the
// operation that published the event.
type Handler func(ev domain.Event) error

// Config controls bus behavior.
type Config struct {
	Buffer int // Events buffered before Publish starts dropping (default: 1024)
}

// DefaultConfig returns safe bus defaults.
func DefaultConfig() Config {
	return Config{Buffer: 1024}
}

// Bus is an asynchronous in-order event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers []named
	ch       chan domain.Event
	done     chan struct{}
	closed   bool

	statsMu   sync.Mutex
	delivered int64
	dropped   int64
	failed    int64
}

type named struct {
	name string
	fn   Handler
}

// New creates a bus and starts its dispatcher.
func New(cfg Config) *Bus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	b := &Bus{
		ch:   make(chan domain.Event, cfg.Buffer),
		done: make(chan struct{}),
	}
	go b.loop()
	return b
}

// Subscribe registers a handler. Handlers run in registration order.
func (b *Bus) Subscribe(name string, fn Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, named{name: name, fn: fn})
	b.mu.Unlock()
}

// Publish enqueues ev. It never blocks: when the buffer is full or the bus
// is closed the event is dropped and counted.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.drop(ev, "closed")
		return
	}
	select {
	case b.ch <- ev:
		observability.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
		observability.EventQueueDepth.Set(float64(len(b.ch)))
	default:
		b.drop(ev, "full")
	}
}

func (b *Bus) drop(ev domain.Event, why string) {
	log.Printf("[events] dropping %s event (%s)", ev.Type, why)
	observability.EventsDropped.Inc()
	b.statsMu.Lock()
	b.dropped++
	b.statsMu.Unlock()
}

// Close stops accepting events and waits until the buffer is drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) loop() {
	defer close(b.done)
	for ev := range b.ch {
		observability.EventQueueDepth.Set(float64(len(b.ch)))
		b.dispatch(ev)
	}
}

func (b *Bus) dispatch(ev domain.Event) {
	b.mu.RLock()
	handlers := make([]named, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.call(h, ev); err != nil {
			log.Printf("[events] handler %s failed on %s: %v", h.name, ev.Type, err)
			b.statsMu.Lock()
			b.failed++
			b.statsMu.Unlock()
		}
	}
	b.statsMu.Lock()
	b.delivered++
	b.statsMu.Unlock()
}

// call isolates handler panics.
func (b *Bus) call(h named, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ev)
}

// Stats returns bus statistics.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{
		Delivered: b.delivered,
		Dropped:   b.dropped,
		Failed:    b.failed,
		Queued:    len(b.ch),
	}
}

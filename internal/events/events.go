// Package events carries lifecycle and progress notifications from the
// backend and the manager to subscribers such as the HTTP /events stream.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chatd/pkg/types"
)

// Event is one lifecycle notification: name + model and optional fields.
// Progress is set for acquisition progress events.
type Event struct {
	Name     string               `json:"name"`
	Model    string               `json:"model,omitempty"`
	Time     time.Time            `json:"time"`
	Fields   map[string]any       `json:"fields,omitempty"`
	Progress *types.ProgressEvent `json:"progress,omitempty"`
}

// Publisher receives events. Implementations must be non-blocking and
// Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Memory stores events in-memory for tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (p *Memory) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *Memory) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *Memory) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Name)
	}
	return out
}

var droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "chatd",
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Events dropped because a subscriber was not keeping up",
})

func init() {
	prometheus.MustRegister(droppedTotal)
}

// Bus fans events out to subscribers. Each subscriber has its own buffered
// channel; an event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu     sync.Mutex
	buf    int
	next   int
	subs   map[int]chan Event
	closed bool
}

// NewBus returns a bus with per-subscriber buffers of size buf.
func NewBus(buf int) *Bus {
	if buf <= 0 {
		buf = 64
	}
	return &Bus{buf: buf, subs: make(map[int]chan Event)}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			droppedTotal.Inc()
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that
// unregisters and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Multi publishes to each of ps in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Func adapts a plain function to Publisher.
type Func func(Event)

func (f Func) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with prefix filtering.
// Delivery is non-blocking: events for a full subscriber buffer are dropped.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a handle to an active bus subscription.
type Subscription struct {
	C      <-chan Event
	prefix string
	ch     chan Event
	cancel func()
}

// Cancel removes the subscription. Events published afterwards are not
// delivered. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Publish sends an event to every subscriber whose prefix matches event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Subscriber buffer full, drop rather than block the publisher.
		}
	}
}

// Subscribe registers interest in events whose Kind starts with prefix.
// An empty prefix matches everything. bufSize controls the channel buffer.
func (b *Bus) Subscribe(prefix string, bufSize int) *Subscription {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	id := b.next
	b.next++
	sub := &Subscription{C: ch, prefix: prefix, ch: ch}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return sub
}

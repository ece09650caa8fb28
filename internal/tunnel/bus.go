package tunnel

import "sync"

// subscriptionBuffer bounds each subscriber's queue. A full queue
// drops the newest message for that subscriber rather than blocking
// the publisher; no cross-context operation may block.
const subscriptionBuffer = 256

// Bus is an asynchronous broadcast channel between execution contexts.
// Delivery to each subscriber is FIFO in publish order; subscribers
// filter by source and tab themselves.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// Subscription is one listener's ordered queue on a bus.
type Subscription struct {
	id  int
	bus *Bus
	ch  chan Envelope
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Publish broadcasts an envelope to all current subscribers. Never
// blocks.
func (b *Bus) Publish(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			// Subscriber is saturated; the message is dropped for it.
		}
	}
}

// Subscribe attaches a new listener.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:  b.nextID,
		bus: b,
		ch:  make(chan Envelope, subscriptionBuffer),
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// C returns the subscription's delivery channel. It is closed when the
// subscription is cancelled or the bus shuts down.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Cancel detaches the listener and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed {
		return
	}
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.ch)
	}
}

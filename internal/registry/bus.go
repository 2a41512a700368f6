package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Bus fans out domain events to live subscribers. Delivery is best-effort
// and ordered per subscriber: every subscriber has its own bounded queue,
// and one that cannot keep up is disconnected rather than ever blocking a
// publisher. The bus does not replay history to new subscribers; callers
// are expected to pull a full-state snapshot first.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscriber
	queueSize int
	dropped   uint64
	closed    bool
}

// Subscriber is one live event stream handle
type Subscriber struct {
	id     string
	ch     chan NetworkEvent
	bus    *Bus
	closed bool // guarded by bus.mu
}

// NewBus creates a bus whose subscribers each buffer up to queueSize
// events
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Bus{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
	}
}

// Subscribe registers a new independent event stream
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{
		id:  uuid.NewString(),
		ch:  make(chan NetworkEvent, b.queueSize),
		bus: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish enqueues the event on every subscriber's queue. It never blocks:
// a subscriber whose queue is full is dropped and its stream closed.
func (b *Bus) Publish(ev NetworkEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			// lagging subscriber: disconnect instead of blocking
			b.dropped++
			delete(b.subs, id)
			s.closed = true
			close(s.ch)
			logrus.WithFields(logrus.Fields{
				"subscriber": id,
				"event":      ev.EventType(),
			}).Warn("Dropping lagging event subscriber")
		}
	}
}

// SubscriberCount returns the number of attached subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many subscribers have been disconnected for lagging
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close detaches and closes every subscriber; later publishes are no-ops
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closed = true
		close(s.ch)
	}
}

// ID returns the subscriber's unique id
func (s *Subscriber) ID() string {
	return s.id
}

// Events returns the subscriber's stream. The channel is closed when the
// subscriber is detached, whether by Close or by falling behind.
func (s *Subscriber) Events() <-chan NetworkEvent {
	return s.ch
}

// Close detaches the subscriber from the bus. Safe to call more than once
// and safe to call after the bus dropped the subscriber for lagging.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.bus.subs, s.id)
	s.closed = true
	close(s.ch)
}

package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription queue capacity when none is given.
const DefaultBuffer = 256

// ErrSubscriptionClosed is returned by Next after Unsubscribe once the
// remaining buffered events have been drained.
var ErrSubscriptionClosed = errors.New("event: subscription closed")

// Bus is an in-process publish/subscribe hub. Publish never blocks: every
// subscription owns a bounded queue and overflow drops the oldest unread
// event, surfacing the gap as a KindSubscriberOverflow marker.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers ev to every current subscription. The event timestamp
// is stamped here when the caller left it zero.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.wants(ev) {
			s.push(ev)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// SubOption configures a subscription.
type SubOption func(*subOptions)

type subOptions struct {
	buffer   int
	serverID string
	kinds    map[Kind]struct{}
}

// WithBuffer sets the subscription queue capacity.
func WithBuffer(n int) SubOption {
	return func(o *subOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithServer limits the subscription to events carrying the given server id.
func WithServer(id string) SubOption {
	return func(o *subOptions) { o.serverID = id }
}

// WithKinds limits the subscription to the given event kinds.
func WithKinds(kinds ...Kind) SubOption {
	return func(o *subOptions) {
		if o.kinds == nil {
			o.kinds = make(map[Kind]struct{}, len(kinds))
		}
		for _, k := range kinds {
			o.kinds[k] = struct{}{}
		}
	}
}

// Subscribe registers a new subscription. The caller must Unsubscribe when
// done or the subscription leaks.
func (b *Bus) Subscribe(opts ...SubOption) *Subscription {
	o := subOptions{buffer: DefaultBuffer}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Subscription{
		bus:      b,
		ch:       make(chan Event, o.buffer),
		serverID: o.serverID,
		kinds:    o.kinds,
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's bounded view of the event stream.
// Events for a given server arrive in publish order; when the queue
// overflows the oldest events are dropped and the gap is reported by a
// synthesized KindSubscriberOverflow event ahead of the surviving ones.
type Subscription struct {
	bus      *Bus
	ch       chan Event
	serverID string
	kinds    map[Kind]struct{}

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

func (s *Subscription) wants(ev Event) bool {
	if s.serverID != "" && ev.ServerID != s.serverID {
		return false
	}
	if s.kinds != nil {
		if _, ok := s.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return true
}

// push enqueues without ever blocking the publisher. The mutex keeps
// concurrent publishers from interleaving the drop-then-send sequence,
// which would break per-subscriber FIFO.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Next returns the next event, blocking until one is available, the
// context is done, or the subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if n := s.dropped.Swap(0); n > 0 {
		return Event{
			Kind:    KindSubscriberOverflow,
			At:      time.Now(),
			Payload: OverflowPayload{Dropped: n},
		}, nil
	}
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, ErrSubscriptionClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Unsubscribe detaches from the bus. Buffered events remain readable via
// Next until drained; afterwards Next reports ErrSubscriptionClosed.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

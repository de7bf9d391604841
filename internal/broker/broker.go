// Package broker fans values out to independent subscribers.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broker delivers published values to every live subscription
type Broker[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	buffer  int
	closed  bool
	dropped uint64
}

// Subscription is one consumer of a broker
type Subscription[T any] struct {
	id     uint64
	ch     chan T
	done   chan struct{}
	once   sync.Once
	broker *Broker[T]
}

// New creates a broker whose subscriptions buffer up to buffer values
func New[T any](buffer int) *Broker[T] {
	if buffer < 0 {
		buffer = 0
	}
	return &Broker[T]{
		subs:   make(map[uint64]*Subscription[T]),
		buffer: buffer,
	}
}

// Subscribe registers a new subscription. Subscribing to a closed broker
// returns an already finished subscription.
func (b *Broker[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		ch:     make(chan T, b.buffer),
		done:   make(chan struct{}),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers v to every subscription, waiting for slow consumers until
// ctx is done. Unsubscribed consumers are skipped.
func (b *Broker[T]) Publish(ctx context.Context, v T) error {
	for _, s := range b.snapshot() {
		select {
		case s.ch <- v:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// TryPublish delivers v without blocking and returns how many subscriptions
// had to drop it.
func (b *Broker[T]) TryPublish(v T) int {
	dropped := 0
	for _, s := range b.snapshot() {
		select {
		case s.ch <- v:
		case <-s.done:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		atomic.AddUint64(&b.dropped, uint64(dropped))
	}
	return dropped
}

// Len returns the number of live subscriptions
func (b *Broker[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of values dropped by TryPublish
func (b *Broker[T]) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Close finishes every subscription; later publishes are no-ops
func (b *Broker[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

func (b *Broker[T]) snapshot() []*Subscription[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

// C returns the delivery channel. It is never closed; select on Done as well.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Done is closed once the subscription ends
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe ends the subscription. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.finish()
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
}

func (s *Subscription[T]) finish() {
	s.once.Do(func() { close(s.done) })
}

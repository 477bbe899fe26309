// Package eventbus provides the generic multi-producer, multi-consumer
// broadcast bus used for tick delivery, parse errors, reconnection events,
// and circuit-breaker transitions. Each bus instance is owned by the single
// component that publishes on it; subscribers only ever hold a
// non-owning receiver whose lifetime is bounded by an Unsubscribe call.
//
// Delivery is lossy for slow consumers: each subscriber has its own bounded
// channel, and when that channel is full the oldest pending value is
// dropped to make room for the new one, exactly as specified for the tick,
// error, reconnection, and circuit buses.
package eventbus

import "sync"

// Bus broadcasts values of type T to any number of subscribers.
type Bus[T any] struct {
	mu       sync.Mutex
	depth    int
	subs     map[uint64]chan T
	nextID   uint64
	dropped  uint64
	overflow map[uint64]uint64
}

// New creates a Bus whose per-subscriber channel holds at most depth
// pending values before dropping the oldest. depth < 1 is treated as 1.
func New[T any](depth int) *Bus[T] {
	if depth < 1 {
		depth = 1
	}
	return &Bus[T]{
		depth:    depth,
		subs:     make(map[uint64]chan T),
		overflow: make(map[uint64]uint64),
	}
}

// Subscribe registers a new receiver and returns its channel plus an
// Unsubscribe function. The channel is closed by Unsubscribe; callers must
// not close it themselves.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.depth)
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if ch, ok := b.subs[id]; ok {
				delete(b.subs, id)
				delete(b.overflow, id)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers v to every current subscriber. A subscriber whose
// channel is full has its oldest buffered value dropped and its overflow
// counter incremented, so Publish never blocks.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
				b.dropped++
				b.overflow[id]++
			default:
			}
			select {
			case ch <- v:
			default:
				// subscriber channel is being drained concurrently; skip this tick.
			}
		}
	}
}

// SubscriberCount returns the number of currently-registered subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stats describes lossiness across all subscribers of the bus.
type Stats struct {
	TotalDropped uint64
	PerSubscriber map[uint64]uint64
}

// Stats returns a snapshot of drop counters since bus creation.
func (b *Bus[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	per := make(map[uint64]uint64, len(b.overflow))
	for id, n := range b.overflow {
		per[id] = n
	}
	return Stats{TotalDropped: b.dropped, PerSubscriber: per}
}

// Close unsubscribes every current subscriber, closing their channels.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
		delete(b.overflow, id)
	}
}

package marketdata

import (
	"sync"

	"github.com/exchangecore/connector/eventbus"
)

// Multiplexer fans parsed ticks out to many subscribers and retains a
// bounded replay buffer so a subscriber that joins mid-stream — including
// one reconnecting after a consumer-side restart — immediately sees the
// most recent ticks instead of waiting on the next publish. It does not
// replay across the client's own reconnect boundary (§4.2 explicitly drops
// ticks parsed during Reconnecting); the buffer only smooths subscriber
// join latency. Purge empties it on disconnect.
type Multiplexer struct {
	bus *eventbus.Bus[Tick]

	mu       sync.Mutex
	ring     []Tick
	capacity int
	next     int
	filled   bool
}

// NewMultiplexer constructs a Multiplexer with the given subscriber channel
// depth and replay-buffer capacity.
func NewMultiplexer(busDepth, replayCapacity int) *Multiplexer {
	if replayCapacity <= 0 {
		replayCapacity = 32
	}
	return &Multiplexer{
		bus:      eventbus.New[Tick](busDepth),
		capacity: replayCapacity,
		ring:     make([]Tick, replayCapacity),
	}
}

// Publish delivers a tick to all current subscribers and records it in the
// replay buffer.
func (m *Multiplexer) Publish(t Tick) {
	m.mu.Lock()
	m.ring[m.next] = t
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.filled = true
	}
	m.mu.Unlock()

	m.bus.Publish(t)
}

// replaySnapshot returns the buffered ticks in publish order.
func (m *Multiplexer) replaySnapshot() []Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.filled {
		out := make([]Tick, m.next)
		copy(out, m.ring[:m.next])
		return out
	}
	out := make([]Tick, m.capacity)
	copy(out, m.ring[m.next:])
	copy(out[m.capacity-m.next:], m.ring[:m.next])
	return out
}

// Subscribe returns a channel that first yields the current replay buffer,
// then forwards every subsequently published tick, and an unsubscribe
// function. The returned channel is closed when unsubscribe is called.
func (m *Multiplexer) Subscribe() (<-chan Tick, func()) {
	live, unsub := m.bus.Subscribe()
	out := make(chan Tick, cap(live))

	go func() {
		defer close(out)
		for _, t := range m.replaySnapshot() {
			out <- t
		}
		for t := range live {
			out <- t
		}
	}()

	return out, unsub
}

// SubscriberCount returns the number of active live subscribers.
func (m *Multiplexer) SubscriberCount() int { return m.bus.SubscriberCount() }

// Purge discards the replay buffer. Called on disconnect() per §4.2, so a
// subscriber attaching after a session is torn down replays nothing stale
// from the old session rather than ticks that predate the new one.
func (m *Multiplexer) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ring {
		m.ring[i] = Tick{}
	}
	m.next = 0
	m.filled = false
}

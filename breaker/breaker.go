// Package breaker implements the per-endpoint circuit breaker that shields
// the market-data client from repeatedly failing dependencies. It never fails itself: a denied attempt is reported through
// should_attempt() returning false, and through coreerr.CircuitOpen at call
// sites that choose to surface it as an error.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/exchangecore/connector/backoff"
	"github.com/exchangecore/connector/eventbus"
)

// State is one of Closed, Open, or HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config configures a Breaker. Zero values fall back to the defaults below.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	BaseTimeout      time.Duration
	MaxTimeout       time.Duration
	Multiplier       float64
	Jitter           bool
	Adaptive         bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 10 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = 2.0
	}
	return c
}

// EventKind identifies the variant of an Event published on a Breaker's bus.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventFailureRecorded
	EventSuccessRecorded
	EventTimeoutStarted
	EventTimeoutElapsed
)

// Event is published on the breaker's event bus for every transition and
// probe, per §4.1.
type Event struct {
	Kind       EventKind
	Endpoint   string
	From       State
	To         State
	Reason     string
	Attempt    int
	Duration   time.Duration
	NextState  State
	At         time.Time
}

// Breaker is a per-endpoint circuit breaker.
type Breaker struct {
	endpoint string
	cfg      Config
	policy   *backoff.Policy
	bus      *eventbus.Bus[Event]

	mu             sync.Mutex
	state          State
	openAttempt    int
	stateChangedAt time.Time
	nextProbeAt    time.Time
	timeInState    map[State]time.Duration
	lastEnteredAt  time.Time

	consecutiveFailures atomic.Int64
	consecutiveSuccess  atomic.Int64

	totalFailures     atomic.Uint64
	totalSuccesses    atomic.Uint64
	stateTransitions  atomic.Uint64
	timeoutEvents     atomic.Uint64
	halfOpenAttempts  atomic.Uint64
}

// New creates a Breaker for the given logical endpoint, starting Closed.
func New(endpoint string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	now := time.Now()
	b := &Breaker{
		endpoint:       endpoint,
		cfg:            cfg,
		policy:         backoff.New(cfg.BaseTimeout, cfg.MaxTimeout, cfg.Multiplier, cfg.Jitter),
		bus:            eventbus.New[Event](64),
		state:          Closed,
		stateChangedAt: now,
		lastEnteredAt:  now,
		timeInState:    make(map[State]time.Duration),
	}
	b.policy.Adaptive = cfg.Adaptive
	b.policy.Window = cfg.BaseTimeout
	return b
}

// Events returns a subscription to this breaker's event bus.
func (b *Breaker) Events() (<-chan Event, func()) { return b.bus.Subscribe() }

// Endpoint returns the logical name this breaker was constructed for.
func (b *Breaker) Endpoint() string { return b.endpoint }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess implements record_success() from §4.1.
func (b *Breaker) RecordSuccess() {
	b.totalSuccesses.Add(1)
	b.bus.Publish(Event{Kind: EventSuccessRecorded, Endpoint: b.endpoint, At: time.Now()})

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecutiveFailures.Store(0)
	case HalfOpen:
		n := b.consecutiveSuccess.Add(1)
		b.policy.RecordSuccess()
		if int(n) >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed, "success threshold reached")
		}
	case Open:
		// should not happen in practice; ignore.
	}
}

// RecordFailure implements record_failure() from §4.1.
func (b *Breaker) RecordFailure() {
	b.totalFailures.Add(1)
	b.bus.Publish(Event{Kind: EventFailureRecorded, Endpoint: b.endpoint, At: time.Now()})

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.policy.RecordFailure(now)

	switch b.state {
	case Closed:
		n := b.consecutiveFailures.Add(1)
		if int(n) >= b.cfg.FailureThreshold {
			b.transitionLocked(Open, "failure threshold reached")
		}
	case HalfOpen:
		b.transitionLocked(Open, "failure during half-open probe")
	case Open:
		// no-op, already open.
	}
}

// ShouldAttempt implements should_attempt() from §4.1. In Open state it
// consults the backoff schedule and transitions to HalfOpen exactly once
// the current timeout has elapsed.
func (b *Breaker) ShouldAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if time.Now().Before(b.nextProbeAt) {
			return false
		}
		b.halfOpenAttempts.Add(1)
		b.transitionLocked(HalfOpen, "timeout elapsed")
		b.bus.Publish(Event{Kind: EventTimeoutElapsed, Endpoint: b.endpoint, NextState: HalfOpen, At: time.Now()})
		return true
	default:
		return false
	}
}

// Reset implements reset() from §4.1: forces Closed and clears all
// counters. Idempotent — calling it repeatedly is a fixed point.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures.Store(0)
	b.consecutiveSuccess.Store(0)
	b.policy.Reset()
	if b.state != Closed {
		b.transitionLocked(Closed, "manual reset")
	}
}

// transitionLocked must be called with mu held.
func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	now := time.Now()
	b.timeInState[from] += now.Sub(b.lastEnteredAt)
	b.lastEnteredAt = now
	b.stateChangedAt = now
	b.state = to
	b.stateTransitions.Add(1)

	if to == Closed {
		b.consecutiveFailures.Store(0)
		b.consecutiveSuccess.Store(0)
	}
	if to == Open {
		attempt := b.openAttempt + 1
		b.openAttempt = attempt
		delay := b.policy.Delay(attempt)
		b.nextProbeAt = now.Add(delay)
		b.timeoutEvents.Add(1)
		b.bus.Publish(Event{Kind: EventTimeoutStarted, Endpoint: b.endpoint, Attempt: attempt, Duration: delay, At: now})
	} else if to == Closed {
		b.openAttempt = 0
	}

	b.bus.Publish(Event{Kind: EventStateChanged, Endpoint: b.endpoint, From: from, To: to, Reason: reason, At: now})
}

// Metrics is a point-in-time snapshot of breaker counters, suitable for
// direct inspection in tests or for translation into a Prometheus
// collector by the caller (see Collector in metrics.go).
type Metrics struct {
	State                 State
	TotalFailures          uint64
	TotalSuccesses         uint64
	StateTransitions       uint64
	TimeoutEvents          uint64
	HalfOpenAttempts       uint64
	ConsecutiveFailures    int64
	ConsecutiveSuccesses   int64
	TimeInClosed           time.Duration
	TimeInOpen             time.Duration
	TimeInHalfOpen         time.Duration
}

// Metrics returns a snapshot of this breaker's counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := time.Since(b.lastEnteredAt)
	inState := make(map[State]time.Duration, len(b.timeInState))
	for k, v := range b.timeInState {
		inState[k] = v
	}
	inState[b.state] += elapsed

	return Metrics{
		State:                b.state,
		TotalFailures:        b.totalFailures.Load(),
		TotalSuccesses:       b.totalSuccesses.Load(),
		StateTransitions:     b.stateTransitions.Load(),
		TimeoutEvents:        b.timeoutEvents.Load(),
		HalfOpenAttempts:     b.halfOpenAttempts.Load(),
		ConsecutiveFailures:  b.consecutiveFailures.Load(),
		ConsecutiveSuccesses: b.consecutiveSuccess.Load(),
		TimeInClosed:         inState[Closed],
		TimeInOpen:           inState[Open],
		TimeInHalfOpen:       inState[HalfOpen],
	}
}

// Package marketdata implements the streaming market-data client: one
// long-lived duplex frame channel per exchange endpoint, authenticated,
// reconnected under a circuit breaker and backoff policy, and parsed into
// Tick records delivered over a fan-out bus.
package marketdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/exchangecore/connector/backoff"
	"github.com/exchangecore/connector/breaker"
	"github.com/exchangecore/connector/coreerr"
	"github.com/exchangecore/connector/eventbus"
)

// Authenticator performs whatever handshake a specific exchange family
// requires (JWT, HMAC, mnemonic-derived signatures, ...) over an already
// dialed Conn and returns a session identifier that survives reconnects.
type Authenticator interface {
	Authenticate(ctx context.Context, conn Conn) (sessionID string, err error)
}

// ClientConfig tunes the client's buffering and timeouts, mirroring
// config.ClientConfig without importing the config package directly — the
// same separation the teacher keeps between its collaborator-facing
// LiveConfig and the CLI's own flag-parsed config.
type ClientConfig struct {
	BufferSize int
	MaxHold    time.Duration
	Timeout    time.Duration
}

// DefaultClientConfig mirrors config.Default().Client.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{BufferSize: 256, MaxHold: 5 * time.Second, Timeout: 10 * time.Second}
}

// Client maintains one long-lived session to a single market-data endpoint.
type Client struct {
	endpoint string
	headers  map[string]string
	transport Transport
	auth      Authenticator
	cfg       ClientConfig
	parseCfg  ParseConfig
	logger    *slog.Logger

	breaker    *breaker.Breaker
	policy     *backoff.Policy
	maxRetries int

	ticks  *Multiplexer
	events *eventbus.Bus[Event]

	outbound *outboundQueue
	subs     *subscriptionSet
	sf       singleflight.Group

	concurrentConflicts atomic.Uint64

	mu           sync.Mutex
	state        ConnState
	conn         Conn
	writeCh      chan []byte // internal duplex channel to the writer goroutine
	connectionID string
	sessionID    string
	attempt      int
	downSince    time.Time
	cumulative   time.Duration
	cancelConn   context.CancelFunc
	interrupt    context.CancelFunc // wakes the reconnect loop's current backoff sleep

	reconnectMu sync.Mutex // serialises the reconnection loop itself
}

// New constructs a Client. transport and auth are injected so tests can
// substitute fakes without a live endpoint.
func New(endpoint string, transport Transport, auth Authenticator, reconnPolicy *backoff.Policy, maxRetries int, br *breaker.Breaker, cfg ClientConfig, parseCfg ParseConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:   endpoint,
		transport:  transport,
		auth:       auth,
		cfg:        cfg,
		parseCfg:   parseCfg,
		logger:     logger,
		breaker:    br,
		policy:     reconnPolicy,
		maxRetries: maxRetries,
		ticks:      NewMultiplexer(cfg.BufferSize, cfg.BufferSize),
		events:     eventbus.New[Event](cfg.BufferSize),
		outbound:   newOutboundQueue(cfg.BufferSize),
		subs:       newSubscriptionSet(),
		state:      StateDisconnected,
	}
}

// State returns the current reconnection-state-machine state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConcurrentReconnectConflicts counts manual_reconnect() calls that lost a
// race against a concurrent in-flight call and observed its outcome
// instead of running their own reconnect cycle.
func (c *Client) ConcurrentReconnectConflicts() uint64 {
	return c.concurrentConflicts.Load()
}

// Events returns a subscriber channel for connection lifecycle and
// parse-error events, and an unsubscribe function.
func (c *Client) Events() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// Prices returns a subscriber channel for parsed ticks, and an unsubscribe
// function. A new subscriber first receives the Multiplexer's buffered
// replay before live ticks; slow consumers are dropped, never the
// publisher.
func (c *Client) Prices() (<-chan Tick, func()) {
	return c.ticks.Subscribe()
}

// SubscribePrices registers interest in symbol. Subscriptions are replayed
// automatically on every reconnect.
func (c *Client) SubscribePrices(symbol string) Subscription {
	sub := c.subs.add(symbol)
	if c.State() == StateConnected {
		c.sendSubscribe(symbol)
	}
	return sub
}

// QueueOutbound hands frame to the session's writer goroutine over the
// internal duplex channel. conn.WriteMessage is only ever called from that
// one goroutine — a websocket.Conn is not safe for concurrent writers —
// so every outbound frame, whether a caller's or a subscription replay,
// passes through writeCh. When no writer is currently running the frame
// sits in a bounded FIFO (drop-oldest on overflow) flushed on the next
// Connected transition.
func (c *Client) QueueOutbound(frame []byte) {
	c.mu.Lock()
	ch := c.writeCh
	c.mu.Unlock()

	if ch != nil {
		select {
		case ch <- frame:
			return
		default:
		}
	}
	c.outbound.push(frame)
}

// Connect acquires a session. On success the client enters Connected and
// publishes a Connected event carrying the new connection id and
// cumulative downtime observed so far.
func (c *Client) Connect(ctx context.Context) error {
	if !c.breaker.ShouldAttempt() {
		return coreerr.CircuitOpen(c.endpoint)
	}

	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.transport.Connect(ctx, c.endpoint, c.headers)
	if err != nil {
		c.breaker.RecordFailure()
		c.policy.RecordFailure(time.Now())
		return err
	}

	var sessionID string
	if c.auth != nil {
		sessionID, err = c.auth.Authenticate(ctx, conn)
		if err != nil {
			conn.Close()
			c.breaker.RecordFailure()
			return coreerr.AuthRejected(err)
		}
	}

	c.breaker.RecordSuccess()
	c.policy.RecordSuccess()
	c.mu.Lock()
	cumulative := c.cumulative
	c.mu.Unlock()
	c.enterConnected(ctx, conn, sessionID, cumulative)
	return nil
}

// enterConnected transitions into Connected, opens the internal duplex
// channel and starts the reader/writer goroutines, flushes queued outbound
// frames and replays subscriptions through the new writer — all before the
// Connected event is published, per §4.2.
func (c *Client) enterConnected(ctx context.Context, conn Conn, sessionID string, downtime time.Duration) {
	connCtx, cancel := context.WithCancel(ctx)
	connectionID := uuid.NewString()
	writeCh := make(chan []byte, c.cfg.BufferSize)

	c.mu.Lock()
	c.state = StateConnected
	c.conn = conn
	c.writeCh = writeCh
	c.connectionID = connectionID
	if sessionID != "" {
		c.sessionID = sessionID
	}
	c.attempt = 0
	c.cancelConn = cancel
	c.mu.Unlock()

	for _, frame := range c.outbound.drain() {
		enqueueOrRequeue(writeCh, c.outbound, frame)
	}
	for _, symbol := range c.subs.list() {
		c.sendSubscribe(symbol)
	}

	c.events.Publish(Event{Kind: EventConnected, ConnectionID: connectionID, CumulativeDowntime: downtime, At: time.Now()})

	go c.superviseConnection(connCtx, conn, connectionID, writeCh)
}

// enqueueOrRequeue attempts a non-blocking send on ch, falling back to the
// FIFO outbound queue (preserving drop-oldest semantics) when the writer's
// channel is momentarily full.
func enqueueOrRequeue(ch chan []byte, q *outboundQueue, frame []byte) {
	select {
	case ch <- frame:
	default:
		q.push(frame)
	}
}

// superviseConnection runs the reader and writer goroutines under a shared
// errgroup, linked to conn by writeCh — the one channel every outbound
// write passes through, and the one goroutine that ever calls
// conn.WriteMessage. Either goroutine failing (or ctx cancellation) tears
// the connection down and kicks off reconnection.
func (c *Client) superviseConnection(ctx context.Context, conn Conn, connectionID string, writeCh chan []byte) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readerLoop(gctx, conn) })
	g.Go(func() error { return c.writerLoop(gctx, conn, writeCh) })

	err := g.Wait()
	conn.Close()

	c.mu.Lock()
	stillCurrent := c.connectionID == connectionID
	if stillCurrent {
		c.writeCh = nil
	}
	c.mu.Unlock()
	if !stillCurrent {
		return // superseded by a newer connection or explicit disconnect
	}

	if err != nil {
		c.beginReconnect(context.Background())
	}
}

// readerLoop parses inbound frames until the conn errors or ctx is done.
func (c *Client) readerLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		tick, perr := Parse(frame, c.parseCfg)
		if perr != nil {
			c.events.Publish(Event{Kind: EventParseError, Err: perr, At: time.Now()})
			continue
		}

		if c.State() == StateReconnecting {
			continue // dropped per §4.2 edge case; replay is not synthesised
		}
		c.ticks.Publish(tick)
	}
}

// writerLoop is the sole goroutine that ever calls conn.WriteMessage. It
// drains writeCh until ctx is cancelled, which happens when the reader
// fails (errgroup) or the connection is torn down.
func (c *Client) writerLoop(ctx context.Context, conn Conn, writeCh chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-writeCh:
			if err := conn.WriteMessage(frame); err != nil {
				return err
			}
		}
	}
}

// beginReconnect drives the Reconnecting -> {Connected, Failed} state
// machine described in §4.2, consulting the breaker and sleeping
// delay(attempt) between attempts.
func (c *Client) beginReconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateReconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	if c.downSince.IsZero() {
		c.downSince = time.Now()
	}
	c.mu.Unlock()

	c.events.Publish(Event{Kind: EventReconnecting, At: time.Now()})
	c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	maxRetries := c.maxRetries
	for {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return // a concurrent manual_reconnect or disconnect already resolved this
		}
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if maxRetries > 0 && attempt > maxRetries {
			c.mu.Lock()
			c.state = StateFailed
			c.mu.Unlock()
			c.events.Publish(Event{Kind: EventFailed, Attempt: attempt, Err: coreerr.MaxRetriesExceeded(attempt - 1), At: time.Now()})
			return
		}

		if !c.breaker.ShouldAttempt() {
			c.sleepInterruptible(ctx, c.policy.Delay(attempt))
			continue
		}

		c.sleepInterruptible(ctx, c.policy.Delay(attempt))

		conn, err := c.transport.Connect(ctx, c.endpoint, c.headers)
		if err != nil {
			c.breaker.RecordFailure()
			c.policy.RecordFailure(time.Now())
			continue
		}

		var sessionID string
		if c.auth != nil {
			sessionID, err = c.auth.Authenticate(ctx, conn)
			if err != nil {
				conn.Close()
				c.breaker.RecordFailure()
				continue
			}
		}

		c.breaker.RecordSuccess()
		c.policy.RecordSuccess()

		c.mu.Lock()
		downtime := time.Since(c.downSince)
		c.downSince = time.Time{}
		c.cumulative += downtime
		cumulative := c.cumulative
		c.mu.Unlock()

		c.enterConnected(ctx, conn, sessionID, cumulative)
		return
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// sleepInterruptible sleeps for d, but exposes a cancel func via c.interrupt
// so a concurrent manual_reconnect() call can wake this sleep immediately
// instead of waiting out the remaining backoff.
func (c *Client) sleepInterruptible(ctx context.Context, d time.Duration) {
	sleepCtx2, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.interrupt = cancel
	c.mu.Unlock()

	sleepCtx(sleepCtx2, d)

	c.mu.Lock()
	c.interrupt = nil
	c.mu.Unlock()
	cancel()
}

// ManualReconnect tears down the current session and runs the reconnect
// loop. The loop still consults the breaker before each dial: while the
// breaker denies attempts it waits out the backoff delay instead of
// dialing, and it gives up after maxRetries attempts like any other
// reconnect. If a reconnect loop is already running, its current backoff
// sleep is interrupted so the next attempt starts immediately rather than
// queuing behind the remaining delay. Concurrent callers are de-duplicated
// via singleflight: the first call performs the reconnect, the rest
// observe its outcome and increment concurrentConflicts.
func (c *Client) ManualReconnect(ctx context.Context) error {
	_, err, shared := c.sf.Do("manual_reconnect", func() (interface{}, error) {
		c.mu.Lock()
		alreadyReconnecting := c.state == StateReconnecting
		interrupt := c.interrupt
		if !alreadyReconnecting {
			if c.cancelConn != nil {
				c.cancelConn()
			}
			c.state = StateReconnecting
			if c.downSince.IsZero() {
				c.downSince = time.Now()
			}
		}
		c.mu.Unlock()

		if interrupt != nil {
			interrupt()
		}
		if !alreadyReconnecting {
			c.events.Publish(Event{Kind: EventReconnecting, At: time.Now()})
			c.reconnectLoop(ctx)
		}
		return nil, nil
	})
	if shared {
		c.concurrentConflicts.Add(1)
	}
	return err
}

// Disconnect idempotently closes the session, halts background tasks,
// drains the outbound FIFO, and purges the tick Multiplexer's replay
// buffer, per §4.2's disconnect() contract.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.cancelConn
	c.state = StateDisconnected
	c.conn = nil
	c.writeCh = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.outbound.drain()
	c.ticks.Purge()
	c.events.Publish(Event{Kind: EventDisconnected, At: time.Now()})
}

// sendSubscribe queues a subscribe frame through the same writer-goroutine
// path as any other outbound frame — never a direct conn.WriteMessage.
func (c *Client) sendSubscribe(symbol string) {
	frame, err := json.Marshal(map[string]string{"type": "subscribe", "product_id": symbol})
	if err != nil {
		return
	}
	c.QueueOutbound(frame)
}

package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/exchangecore/connector/backoff"
	"github.com/exchangecore/connector/breaker"
)

// fakeConn is a Conn double whose ReadMessage blocks until a frame is
// pushed onto frames or closed is signalled.
type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *fakeConn) WriteMessage(b []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeTransport dials successfully after failUntil prior calls have
// returned a transport error.
type fakeTransport struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	conns     []*fakeConn
}

func (t *fakeTransport) Connect(ctx context.Context, endpoint string, headers map[string]string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.calls <= t.failUntil {
		return nil, context.DeadlineExceeded
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

type noopAuth struct{}

func (noopAuth) Authenticate(ctx context.Context, conn Conn) (string, error) { return "session-1", nil }

func testClient(transport Transport, maxRetries int) *Client {
	policy := backoff.New(time.Millisecond, 5*time.Millisecond, 2.0, false)
	br := breaker.New("test-endpoint", breaker.Config{FailureThreshold: 100, BaseTimeout: time.Millisecond})
	return New("ws://test", transport, noopAuth{}, policy, maxRetries, br, ClientConfig{BufferSize: 16}, DefaultParseConfig(), nil)
}

var _ = Describe("Client", func() {
	It("transitions Disconnected -> Connected on a successful Connect", func() {
		c := testClient(&fakeTransport{}, 5)
		Expect(c.Connect(context.Background())).To(Succeed())
		Expect(c.State()).To(Equal(StateConnected))
	})

	It("delivers a parsed tick to subscribers in publish order", func() {
		ft := &fakeTransport{}
		c := testClient(ft, 5)
		Expect(c.Connect(context.Background())).To(Succeed())

		prices, unsub := c.Prices()
		defer unsub()

		ft.conns[0].frames <- []byte(`{"product_id":"BTC-USD","price":"100","timestamp":"2024-01-01T00:00:00Z"}`)

		Eventually(prices, time.Second).Should(Receive(HaveField("Symbol", "BTC-USD")))
	})

	It("publishes a parse-error event without tearing down the connection", func() {
		ft := &fakeTransport{}
		c := testClient(ft, 5)
		Expect(c.Connect(context.Background())).To(Succeed())

		events, unsub := c.Events()
		defer unsub()

		ft.conns[0].frames <- []byte(`not json`)

		Eventually(events, time.Second).Should(Receive(HaveField("Kind", EventParseError)))
		Consistently(func() ConnState { return c.State() }, 100*time.Millisecond).Should(Equal(StateConnected))
	})

	It("reconnects after a transport read failure and publishes a Reconnecting event", func() {
		ft := &fakeTransport{}
		c := testClient(ft, 10)
		Expect(c.Connect(context.Background())).To(Succeed())
		c.SubscribePrices("BTC-USD")

		events, unsub := c.Events()
		defer unsub()

		ft.conns[0].Close() // simulate link loss

		Eventually(func() ConnState { return c.State() }, 2*time.Second, 5*time.Millisecond).Should(Equal(StateConnected))
		Eventually(events, time.Second).Should(Receive(HaveField("Kind", EventReconnecting)))
	})

	It("de-duplicates concurrent ManualReconnect callers via singleflight", func() {
		ft := &fakeTransport{}
		c := testClient(ft, 10)
		Expect(c.Connect(context.Background())).To(Succeed())

		var wg sync.WaitGroup
		var errs int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.ManualReconnect(context.Background()); err != nil {
					atomic.AddInt32(&errs, 1)
				}
			}()
		}
		wg.Wait()

		Eventually(func() ConnState { return c.State() }, 2*time.Second, 5*time.Millisecond).Should(Equal(StateConnected))
		Expect(c.ConcurrentReconnectConflicts()).To(BeNumerically(">", 0))
	})

	It("interrupts an in-flight backoff sleep instead of queuing behind it", func() {
		policy := backoff.New(time.Hour, time.Hour, 2.0, false) // long enough that a queued wait would time out the test
		br := breaker.New("test-endpoint", breaker.Config{FailureThreshold: 100, BaseTimeout: time.Millisecond})
		ft := &fakeTransport{}
		c := New("ws://test", ft, noopAuth{}, policy, 10, br, ClientConfig{BufferSize: 16}, DefaultParseConfig(), nil)

		c.mu.Lock()
		c.state = StateReconnecting
		c.mu.Unlock()
		go c.reconnectLoop(context.Background())

		Eventually(func() context.CancelFunc {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.interrupt
		}, time.Second, 5*time.Millisecond).ShouldNot(BeNil())

		Expect(c.ManualReconnect(context.Background())).To(Succeed())
		Eventually(func() ConnState { return c.State() }, time.Second, 5*time.Millisecond).Should(Equal(StateConnected))
	})

	It("purges the tick replay buffer on Disconnect", func() {
		ft := &fakeTransport{}
		c := testClient(ft, 5)
		Expect(c.Connect(context.Background())).To(Succeed())

		ft.conns[0].frames <- []byte(`{"product_id":"BTC-USD","price":"100","timestamp":"2024-01-01T00:00:00Z"}`)
		prices, unsub := c.Prices()
		Eventually(prices, time.Second).Should(Receive(HaveField("Symbol", "BTC-USD")))
		unsub()

		c.Disconnect()

		lateCh, lateUnsub := c.Prices()
		defer lateUnsub()
		Consistently(lateCh, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("transitions to Failed after exhausting max_retries", func() {
		ft := &fakeTransport{failUntil: 1000}
		c := testClient(ft, 2)
		// First connect fails immediately (breaker allows it, transport fails).
		err := c.Connect(context.Background())
		Expect(err).To(HaveOccurred())

		events, unsub := c.Events()
		defer unsub()

		// Drive the reconnect loop directly since Connect() failing never
		// entered Reconnecting (that only happens after a prior Connected
		// episode is lost) — simulate that prior episode here.
		c.mu.Lock()
		c.state = StateReconnecting
		c.mu.Unlock()
		go c.reconnectLoop(context.Background())

		Eventually(events, 2*time.Second).Should(Receive(HaveField("Kind", EventFailed)))
		Expect(c.State()).To(Equal(StateFailed))
	})
})

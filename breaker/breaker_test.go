package breaker

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "breaker suite")
}

var _ = Describe("Breaker", func() {
	It("opens after the failure threshold and denies attempts (S3)", func() {
		b := New("coinbase", Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			BaseTimeout:      50 * time.Millisecond,
		})

		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}

		Expect(b.State()).To(Equal(Open))
		Expect(b.ShouldAttempt()).To(BeFalse())

		time.Sleep(60 * time.Millisecond)

		Expect(b.ShouldAttempt()).To(BeTrue())
		Expect(b.State()).To(Equal(HalfOpen))
	})

	It("returns to Open on any HalfOpen failure", func() {
		b := New("kraken", Config{FailureThreshold: 1, SuccessThreshold: 1, BaseTimeout: time.Millisecond})
		b.RecordFailure()
		time.Sleep(2 * time.Millisecond)
		Expect(b.ShouldAttempt()).To(BeTrue())
		Expect(b.State()).To(Equal(HalfOpen))

		b.RecordFailure()
		Expect(b.State()).To(Equal(Open))
	})

	It("closes after success_threshold consecutive HalfOpen successes", func() {
		b := New("ftx", Config{FailureThreshold: 1, SuccessThreshold: 2, BaseTimeout: time.Millisecond})
		b.RecordFailure()
		time.Sleep(2 * time.Millisecond)
		b.ShouldAttempt()

		b.RecordSuccess()
		Expect(b.State()).To(Equal(HalfOpen))
		b.RecordSuccess()
		Expect(b.State()).To(Equal(Closed))
	})

	It("resets consecutive failures on a Closed-state success", func() {
		b := New("binance", Config{FailureThreshold: 3})
		b.RecordFailure()
		b.RecordFailure()
		b.RecordSuccess()
		Expect(b.Metrics().ConsecutiveFailures).To(Equal(int64(0)))
	})

	It("Reset is a fixed point under repetition (idempotence law 6)", func() {
		b := New("okx", Config{FailureThreshold: 1})
		b.RecordFailure()
		b.Reset()
		first := b.Metrics()
		b.Reset()
		second := b.Metrics()
		// TimeInClosed keeps accruing wall-clock time while Closed, so it
		// is left out of the comparison.
		first.TimeInClosed, second.TimeInClosed = 0, 0
		Expect(second.State).To(Equal(Closed))
		Expect(second).To(Equal(first))
	})

	It("publishes a StateChanged event on every transition", func() {
		b := New("bybit", Config{FailureThreshold: 1, BaseTimeout: time.Millisecond})
		events, unsub := b.Events()
		defer unsub()

		b.RecordFailure()

		// FailureRecorded and TimeoutStarted are published first; skip to
		// the StateChanged event.
		var ev Event
		Eventually(events).Should(Receive(&ev, HaveField("Kind", EventStateChanged)))
		Expect(ev.Kind).To(Equal(EventStateChanged))
		Expect(ev.From).To(Equal(Closed))
		Expect(ev.To).To(Equal(Open))
	})
})

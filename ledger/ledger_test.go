package ledger

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/exchangecore/connector/auditlog"
	"github.com/exchangecore/connector/coreerr"
)

func TestLedger(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ledger suite")
}

var _ = Describe("Ledger", func() {
	var (
		sink *auditlog.MemorySink
		l    *Ledger
	)

	BeforeEach(func() {
		sink = auditlog.NewMemorySink(64)
		l = New(10000, sink)
	})

	It("opens a position, marks it, and closes it for realised PnL (S1)", func() {
		id, err := l.OpenPosition("BTC-USD", 2, 100)
		Expect(err).NotTo(HaveOccurred())

		s := l.Snapshot()
		Expect(s.AvailableCash).To(Equal(9800.0))
		Expect(s.PositionValue).To(Equal(200.0))
		Expect(s.TotalValue).To(Equal(10000.0))

		Expect(l.UpdatePrice(id, 150)).To(Succeed())

		pnl, err := l.ClosePosition(id)
		Expect(err).NotTo(HaveOccurred())
		Expect(pnl).To(Equal(100.0)) // 2 * (150 - 100)

		after := l.Snapshot()
		Expect(after.PositionValue).To(Equal(0.0))
		Expect(after.AvailableCash).To(Equal(10100.0))
		Expect(after.TotalValue).To(Equal(10100.0))
		Expect(after.Positions).To(BeEmpty())
	})

	It("rejects opening a position that exceeds available cash, leaving state untouched (S2)", func() {
		before := l.Snapshot()

		_, err := l.OpenPosition("ETH-USD", 1000, 100)
		Expect(err).To(HaveOccurred())

		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_INSUFFICIENT_BALANCE"))

		after := l.Snapshot()
		Expect(after.equal(before)).To(BeTrue())
	})

	It("returns ERR_UNKNOWN_POSITION for an unknown id and leaves state untouched", func() {
		before := l.Snapshot()

		_, err := l.ClosePosition("does-not-exist")
		Expect(err).To(HaveOccurred())
		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_UNKNOWN_POSITION"))

		Expect(l.Snapshot().equal(before)).To(BeTrue())

		err = l.UpdatePrice("does-not-exist", 1)
		Expect(err).To(HaveOccurred())
		Expect(l.Snapshot().equal(before)).To(BeTrue())
	})

	It("rolls back byte-for-byte on invariant violation, restoring the exact prior state (law 1)", func() {
		id, err := l.OpenPosition("BTC-USD", 1, 100)
		Expect(err).NotTo(HaveOccurred())

		// A negative mark price drives PnL far enough negative to push
		// total_value (and available_cash) below zero on close, tripping
		// invariant 1, which is checked first.
		Expect(l.UpdatePrice(id, -1_000_000)).To(Succeed())
		before := l.Snapshot()

		_, err = l.ClosePosition(id)
		Expect(err).To(HaveOccurred())
		e, ok := coreerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(e.Code).To(Equal("ERR_INVARIANT_VIOLATION"))

		after := l.Snapshot()
		Expect(after.equal(before)).To(BeTrue())
	})

	It("appends a Committed record on success and a RolledBack record on failure", func() {
		id, err := l.OpenPosition("BTC-USD", 1, 100)
		Expect(err).NotTo(HaveOccurred())

		_, err = l.OpenPosition("ETH-USD", 1_000_000, 100)
		Expect(err).To(HaveOccurred())

		records := sink.Records()
		Expect(records).To(HaveLen(2))
		Expect(records[0].Status).To(Equal(auditlog.StatusCommitted))
		Expect(records[0].Action).To(Equal(auditlog.ActionOpenPosition))
		Expect(records[1].Status).To(Equal(auditlog.StatusRolledBack))

		_ = id
	})

	It("restores the last committed snapshot on RecoverFromFailure", func() {
		_, err := l.OpenPosition("BTC-USD", 1, 100)
		Expect(err).NotTo(HaveOccurred())
		committed := l.Snapshot()

		// Simulate external corruption of in-memory state, then recover.
		l.mu.Lock()
		l.state.AvailableCash = -99999
		l.mu.Unlock()

		l.RecoverFromFailure()
		Expect(l.Snapshot().equal(committed)).To(BeTrue())
	})

	It("derives unrealised PnL from CurrentPrice without touching cash or position_value", func() {
		id, err := l.OpenPosition("BTC-USD", 2, 100)
		Expect(err).NotTo(HaveOccurred())
		before := l.Snapshot()

		Expect(l.UpdatePrice(id, 120)).To(Succeed())

		after := l.Snapshot()
		Expect(after.AvailableCash).To(Equal(before.AvailableCash))
		Expect(after.PositionValue).To(Equal(before.PositionValue))
		Expect(after.TotalValue).To(Equal(before.TotalValue))

		pos, ok := l.Position(id)
		Expect(ok).To(BeTrue())
		Expect(*pos.CurrentPrice).To(Equal(120.0))
	})
})

// Package ledger implements the ACID-style portfolio ledger: the
// authoritative in-process view of cash, open positions, and total value.
// Every write operation is total — it either commits and returns a value,
// or leaves state unchanged and returns a *coreerr.Error. Validation runs
// twice around each mutation: once on the caller's arguments, once on the
// resulting state, so both input errors and arithmetic drift are caught
// before anything is retained.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exchangecore/connector/auditlog"
	"github.com/exchangecore/connector/coreerr"
)

// Ledger holds the authoritative portfolio state. No operation on a Ledger
// suspends within its critical section: mutations hold only mu, and the
// audit append — the only I/O a mutation performs — happens after mu is
// released.
type Ledger struct {
	mu    sync.Mutex
	state State
	last  State // last committed ("last known good") snapshot

	sink auditlog.Sink
}

// New creates a Ledger with the given starting cash balance.
func New(initialCash float64, sink auditlog.Sink) *Ledger {
	if sink == nil {
		sink = auditlog.NewMemorySink(1024)
	}
	s := State{
		TotalValue:    initialCash,
		AvailableCash: initialCash,
		PositionValue: 0,
		Positions:     make(map[string]Position),
	}
	return &Ledger{state: s, last: s.snapshot(), sink: sink}
}

// Snapshot returns a deep copy of the current state for read-only
// inspection (used by the reconciliation engine).
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.snapshot()
}

// Position returns a copy of the position with the given id, if any.
func (l *Ledger) Position(id string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.state.Positions[id]
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

// OpenPosition reserves quantity*entryPrice from available cash and inserts
// a new Position, per §4.3. Returns *coreerr.Error{Code: ERR_INSUFFICIENT_BALANCE}
// or ERR_INVARIANT_VIOLATION on failure, leaving state untouched.
func (l *Ledger) OpenPosition(symbol string, quantity, entryPrice float64) (string, error) {
	l.mu.Lock()
	before := l.state.snapshot()
	required := quantity * entryPrice

	if required > l.state.AvailableCash {
		err := coreerr.InsufficientBalance(required, l.state.AvailableCash)
		l.state = before
		l.mu.Unlock()
		l.appendRollback(err)
		return "", err
	}

	id := uuid.NewString()
	l.state.AvailableCash -= required
	l.state.PositionValue += required
	l.state.Positions[id] = Position{
		ID:         id,
		Symbol:     symbol,
		Quantity:   quantity,
		EntryPrice: entryPrice,
	}

	if ok, idx := checkInvariants(l.state); !ok {
		err := coreerr.InvariantViolation(idx, "open_position")
		l.state = before
		l.mu.Unlock()
		l.appendRollback(err)
		return "", err
	}

	l.last = l.state.snapshot()
	l.mu.Unlock()

	l.appendCommit(auditlog.Record{
		Action: auditlog.ActionOpenPosition,
		Detail: map[string]any{"position_id": id, "symbol": symbol, "quantity": quantity, "entry_price": entryPrice},
	})
	return id, nil
}

// ClosePosition realises PnL for the given position using its current mark
// (falling back to entry price), removes it, and adjusts cash/position
// value/total value accordingly. Returns the signed realised PnL.
func (l *Ledger) ClosePosition(id string) (float64, error) {
	l.mu.Lock()
	before := l.state.snapshot()

	pos, ok := l.state.Positions[id]
	if !ok {
		l.mu.Unlock()
		err := coreerr.UnknownPosition(id)
		l.appendRollback(err)
		return 0, err
	}

	mark := pos.markPrice()
	entryValue := pos.entryValue()
	pnl := pos.Quantity * (mark - pos.EntryPrice)

	l.state.AvailableCash += entryValue + pnl
	l.state.PositionValue -= entryValue
	l.state.TotalValue += pnl
	delete(l.state.Positions, id)

	if ok, idx := checkInvariants(l.state); !ok {
		err := coreerr.InvariantViolation(idx, "close_position")
		l.state = before
		l.mu.Unlock()
		l.appendRollback(err)
		return 0, err
	}

	l.last = l.state.snapshot()
	l.mu.Unlock()

	l.appendCommit(auditlog.Record{
		Action: auditlog.ActionClosePosition,
		Detail: map[string]any{"position_id": id, "realised_pnl": pnl},
	})
	return pnl, nil
}

// UpdatePrice records the latest mark for a position. It never touches
// cash or position_value — unrealised PnL is derived, not stored.
func (l *Ledger) UpdatePrice(id string, price float64) error {
	l.mu.Lock()
	before := l.state.snapshot()

	pos, ok := l.state.Positions[id]
	if !ok {
		l.mu.Unlock()
		err := coreerr.UnknownPosition(id)
		l.appendRollback(err)
		return err
	}
	pos.CurrentPrice = &price
	l.state.Positions[id] = pos

	if ok, idx := checkInvariants(l.state); !ok {
		err := coreerr.InvariantViolation(idx, "update_price")
		l.state = before
		l.mu.Unlock()
		l.appendRollback(err)
		return err
	}

	l.last = l.state.snapshot()
	l.mu.Unlock()

	l.appendCommit(auditlog.Record{
		Action: auditlog.ActionUpdatePrice,
		Detail: map[string]any{"position_id": id, "price": price},
	})
	return nil
}

// RecoverFromFailure restores the most recent committed snapshot.
func (l *Ledger) RecoverFromFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = l.last.snapshot()
}

func (l *Ledger) appendRollback(err error) {
	l.sink.Append(auditlog.Record{
		ID:        auditlog.NextID(),
		Timestamp: time.Now(),
		Status:    auditlog.StatusRolledBack,
		Detail:    err.Error(),
	})
}

func (l *Ledger) appendCommit(rec auditlog.Record) {
	rec.ID = auditlog.NextID()
	rec.Timestamp = time.Now()
	rec.Status = auditlog.StatusCommitted
	l.sink.Append(rec)
}

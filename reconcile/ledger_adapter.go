package reconcile

import "github.com/exchangecore/connector/ledger"

// LedgerAdapter reads the Portfolio Ledger's committed snapshot as a set of
// reconciliation Balances: one "cash" entry for available_cash, and one
// entry per open position keyed by symbol, valued at raw quantity — balance
// reconciliation compares position size, not its mark-to-market value.
type LedgerAdapter struct {
	l *ledger.Ledger
}

// NewLedgerAdapter wraps l for use as a reconcile.LocalBalanceReader.
func NewLedgerAdapter(l *ledger.Ledger) *LedgerAdapter {
	return &LedgerAdapter{l: l}
}

// LocalBalances implements LocalBalanceReader, reading the ledger snapshot
// under its own mutex (the global lock order places the ledger ahead of
// the reconciliation engine per §4.5).
func (a *LedgerAdapter) LocalBalances() []Balance {
	s := a.l.Snapshot()
	balances := make([]Balance, 0, len(s.Positions)+1)
	balances = append(balances, Balance{Currency: "cash", Amount: s.AvailableCash})
	for _, p := range s.Positions {
		balances = append(balances, Balance{Currency: p.Symbol, Amount: p.Quantity})
	}
	return balances
}

package ledger

import "math"

// invariantTolerance is the fixed absolute tolerance (in quote units) for
// invariant 4 of §4.3: |total_value - (available_cash + position_value)|.
const invariantTolerance = 0.01

// State is the authoritative in-process portfolio state: three numeric
// accumulators and a keyed collection of Positions.
type State struct {
	TotalValue    float64
	AvailableCash float64
	PositionValue float64
	Positions     map[string]Position
}

// snapshot returns a deep copy of s sufficient to restore it verbatim.
func (s State) snapshot() State {
	positions := make(map[string]Position, len(s.Positions))
	for id, p := range s.Positions {
		positions[id] = p.clone()
	}
	return State{
		TotalValue:    s.TotalValue,
		AvailableCash: s.AvailableCash,
		PositionValue: s.PositionValue,
		Positions:     positions,
	}
}

// equal reports whether s and other hold identical values, used by tests to
// assert byte-for-byte rollback (testable property 1).
func (s State) equal(other State) bool {
	if s.TotalValue != other.TotalValue || s.AvailableCash != other.AvailableCash || s.PositionValue != other.PositionValue {
		return false
	}
	if len(s.Positions) != len(other.Positions) {
		return false
	}
	for id, p := range s.Positions {
		op, ok := other.Positions[id]
		if !ok || p.Symbol != op.Symbol || p.Quantity != op.Quantity || p.EntryPrice != op.EntryPrice {
			return false
		}
		switch {
		case p.CurrentPrice == nil && op.CurrentPrice == nil:
		case p.CurrentPrice != nil && op.CurrentPrice != nil && *p.CurrentPrice == *op.CurrentPrice:
		default:
			return false
		}
	}
	return true
}

// checkInvariants validates the five invariants of §4.3 against s. index
// identifies which invariant failed first, or 0 if all hold.
func checkInvariants(s State) (ok bool, index int) {
	if !isFinite(s.TotalValue) || !isFinite(s.AvailableCash) || !isFinite(s.PositionValue) {
		return false, 5
	}
	if s.TotalValue < 0 {
		return false, 1
	}
	if s.AvailableCash < 0 {
		return false, 2
	}
	if s.PositionValue < 0 {
		return false, 3
	}
	diff := s.TotalValue - (s.AvailableCash + s.PositionValue)
	if diff < 0 {
		diff = -diff
	}
	if diff > invariantTolerance {
		return false, 4
	}
	return true, 0
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

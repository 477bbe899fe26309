package marketdata

import (
	"context"
	"time"
)

// Balance is a single currency amount as reported by an exchange
// collaborator. Defined separately from reconcile.Balance — the two
// packages depend on this shape for different reasons and neither should
// import the other just to share a two-field struct.
type Balance struct {
	Currency string
	Amount   float64
}

// OrderParams describes an order submission. The core never constructs
// these from a strategy; it only forwards whatever a collaborator passes
// through PlaceOrder.
type OrderParams struct {
	Symbol   string
	Side     string
	Quantity float64
	Price    float64
}

// OrderID identifies a placed order with the exchange that accepted it.
type OrderID string

// ConnectionInfo is the URL plus short-lived credentials an exchange
// collaborator returns for SubscribePrices, sufficient for a Transport to
// dial without the core ever handling exchange-specific auth material
// beyond this struct.
type ConnectionInfo struct {
	URL       string
	Headers   map[string]string
	ExpiresAt time.Time
}

// ExchangeClient is the full surface the core calls on an exchange
// collaborator (§6): balance reads, order placement/cancellation, and
// price-stream connection info. Implementations — REST/WebSocket
// transports, JWT ES256, HMAC, or mnemonic-derived signature auth for a
// specific exchange family — live outside this module; ExchangeClient
// exists here only as the interface the core programs against.
type ExchangeClient interface {
	GetBalances(ctx context.Context) ([]Balance, error)
	PlaceOrder(ctx context.Context, params OrderParams) (OrderID, error)
	CancelOrder(ctx context.Context, id OrderID) error
	SubscribePrices(ctx context.Context, symbols []string) (ConnectionInfo, error)
}

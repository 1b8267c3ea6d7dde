// Package broker defines the narrow boundary to the order-routing venue and
// provides a live binance futures adapter plus a deterministic sim adapter
// for tests and replay.
package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"vigil/internal/order"
	"vigil/internal/types"
)

// ErrNoOrderRef is returned when the venue acknowledged a placement without
// an order reference. Such an order cannot be reliably cancelled later, so
// the placement is treated as failed.
var ErrNoOrderRef = errors.New("broker ack missing order reference")

// OrderRequest is one concrete order to place.
type OrderRequest struct {
	LocalID     string // engine-generated client order id
	Symbol      string
	Side        types.Side
	Offset      types.Offset
	Quantity    decimal.Decimal
	Price       decimal.Decimal // zero = market
	ReduceOnly  bool
	TimeInForce string // defaults to GTC
}

// Ack is the synchronous placement acknowledgement.
type Ack struct {
	OrderRef string
}

// CancelKey identifies the order to cancel. OrderRef is required; LocalID is
// carried for venues that cancel by client order id.
type CancelKey struct {
	LocalID  string
	Symbol   string
	OrderRef string
}

// OrderReport is an asynchronous order status event, normalized off the wire
// into the FSM's event vocabulary.
type OrderReport struct {
	LocalID string
	Event   order.Event
}

// PositionSnapshot is the venue's authoritative view of one instrument's
// position, consumed by reconciliation.
type PositionSnapshot struct {
	Symbol  string
	NetQty  decimal.Decimal
	AvgCost decimal.Decimal
}

// Callbacks receive the venue's asynchronous events. All callbacks may be
// invoked from the adapter's own goroutines; consumers are expected to
// funnel them into their own serialization discipline.
type Callbacks struct {
	OnOrderReport      func(OrderReport)
	OnTradeReport      func(types.TradeRecord)
	OnOrderInsertError func(localID, code, message string)
	OnOrderActionError func(localID, code, message string)
}

// Broker is the capability surface the engine and ledger depend on.
type Broker interface {
	Name() string

	// PlaceOrder submits one order. A nil error guarantees Ack.OrderRef is
	// non-empty; adapters must convert a missing reference into an error.
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)

	// CancelOrder requests removal of an open order from the book.
	CancelOrder(ctx context.Context, key CancelKey) error

	// QueryPositions returns the venue's current positions. Blocking; only
	// called off the hot event path.
	QueryPositions(ctx context.Context) ([]PositionSnapshot, error)

	// SetCallbacks registers the event consumers. Must be called before
	// the adapter starts delivering.
	SetCallbacks(cb Callbacks)
}

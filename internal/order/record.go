package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"vigil/internal/types"
)

// Record is one concrete order sent (or about to be sent) to the broker.
// It is mutated only by the execution engine's actor loop; everyone else
// sees copies.
type Record struct {
	LocalID string
	ExecID  string // owning execution group
	Symbol  string
	Side    types.Side
	Offset  types.Offset

	State     State
	Requested decimal.Decimal
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	Price     decimal.Decimal // limit price this attempt was placed at

	OrderRef string // broker order reference, assigned on ack
	SystemID string // exchange system id, write-once

	RetrySeq  int // 0 for the first attempt of a group
	LastError string

	CreatedAt    time.Time
	UpdatedAt    time.Time
	SubmittedAt  time.Time
	AckedAt      time.Time
	CancelSentAt time.Time
}

// NewRecord builds a record in PENDING_SUBMIT.
func NewRecord(localID, execID string, intent types.OrderIntent, qty, price decimal.Decimal, retrySeq int, now time.Time) *Record {
	return &Record{
		LocalID:   localID,
		ExecID:    execID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Offset:    intent.Offset,
		State:     StatePendingSubmit,
		Requested: qty,
		Price:     price,
		RetrySeq:  retrySeq,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Remaining is the unfilled quantity.
func (r *Record) Remaining() decimal.Decimal {
	return r.Requested.Sub(r.Filled)
}

// Open reports whether the order may still produce fills or needs engine
// attention.
func (r *Record) Open() bool { return !r.State.Terminal() }

// ApplyFill adds a fill increment, enforcing monotonicity and the requested
// ceiling, and maintains the volume-weighted average price.
func (r *Record) ApplyFill(qty, price decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order %s: fill quantity %s not positive", r.LocalID, qty)
	}
	next := r.Filled.Add(qty)
	if next.GreaterThan(r.Requested) {
		return fmt.Errorf("order %s: fill %s would exceed requested %s (filled %s)",
			r.LocalID, qty, r.Requested, r.Filled)
	}
	notional := r.AvgPrice.Mul(r.Filled).Add(price.Mul(qty))
	r.Filled = next
	if next.IsPositive() {
		r.AvgPrice = notional.Div(next)
	}
	return nil
}

// SetSystemID records the exchange system id. Once set it never changes.
func (r *Record) SetSystemID(id string) error {
	if r.SystemID == "" {
		r.SystemID = id
		return nil
	}
	if r.SystemID != id {
		return fmt.Errorf("order %s: system id already %s, refusing %s", r.LocalID, r.SystemID, id)
	}
	return nil
}

func (r *Record) setState(s State, at time.Time) {
	r.State = s
	if at.IsZero() {
		at = time.Now()
	}
	r.UpdatedAt = at
	switch s {
	case StateSubmitting:
		r.SubmittedAt = at
	case StateAcked:
		r.AckedAt = at
	case StateCancelSubmitting:
		r.CancelSentAt = at
	}
}

// Clone returns a copy safe to hand outside the actor loop.
func (r *Record) Clone() Record {
	cp := *r
	return cp
}

package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"vigil/internal/order"
	"vigil/internal/types"
)

// GroupState is the lifecycle state of an execution group.
type GroupState string

const (
	// GroupActive: the target quantity is not yet reached and the group may
	// still issue orders.
	GroupActive GroupState = "ACTIVE"
	// GroupFilled: the target quantity was reached.
	GroupFilled GroupState = "FILLED"
	// GroupCancelled: execution was abandoned by an external cancel before
	// the target was reached.
	GroupCancelled GroupState = "CANCELLED"
	// GroupFailed: a rejection, an escalation or an exhausted retry budget
	// ended execution with quantity outstanding.
	GroupFailed GroupState = "FAILED"
)

// Done reports whether the group can issue no further orders.
func (s GroupState) Done() bool { return s != GroupActive }

// Group tracks one intent through every order issued for it: slices, retries
// and replacements. Owned by the engine's actor loop; everyone else sees
// GroupView copies.
type Group struct {
	ExecID string
	Hash   string
	Intent types.OrderIntent
	State  GroupState

	// Retries counts replacement orders issued after fill timeouts. Slices
	// that follow a full fill are progress, not retries, and do not count.
	Retries int
	// retryAt gates the next replacement behind the backoff window.
	retryAt time.Time
	// repriceOnCancel marks that the in-flight cancel came from a timeout
	// and the remainder should be re-issued once confirmed.
	repriceOnCancel bool
	// exhausted marks that the retry budget was spent; the next settle
	// fails the group instead of retrying.
	exhausted bool
	// market groups place at market (guardian flatten actions).
	market bool

	Orders []*order.Record

	CreatedAt  time.Time
	ResolvedAt time.Time
}

func newGroup(execID, hash string, intent types.OrderIntent, now time.Time) *Group {
	return &Group{
		ExecID:    execID,
		Hash:      hash,
		Intent:    intent,
		State:     GroupActive,
		CreatedAt: now,
	}
}

// Filled is the cumulative fill across all orders of the group.
func (g *Group) Filled() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range g.Orders {
		total = total.Add(rec.Filled)
	}
	return total
}

// Remaining is the quantity still outstanding against the intent target,
// floored at zero.
func (g *Group) Remaining() decimal.Decimal {
	rem := g.Intent.Quantity.Sub(g.Filled())
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// openOrder returns the group's non-terminal order, if any. The engine never
// keeps two orders for the same remainder in flight, so at most one exists.
func (g *Group) openOrder() *order.Record {
	for i := len(g.Orders) - 1; i >= 0; i-- {
		if g.Orders[i].Open() {
			return g.Orders[i]
		}
	}
	return nil
}

// nextSliceQty is the quantity for the next order: the slice size when the
// intent slices, capped by the remainder.
func (g *Group) nextSliceQty() decimal.Decimal {
	rem := g.Remaining()
	if g.Intent.SliceQty.IsPositive() && g.Intent.SliceQty.LessThan(rem) {
		return g.Intent.SliceQty
	}
	return rem
}

func (g *Group) resolve(state GroupState, now time.Time) {
	g.State = state
	g.ResolvedAt = now
}

// GroupView is a copy of a group safe to hand outside the actor loop.
type GroupView struct {
	ExecID    string
	Hash      string
	Intent    types.OrderIntent
	State     GroupState
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	Retries   int
	Orders    []order.Record
	CreatedAt time.Time
}

func (g *Group) view() GroupView {
	orders := make([]order.Record, 0, len(g.Orders))
	for _, rec := range g.Orders {
		orders = append(orders, rec.Clone())
	}
	return GroupView{
		ExecID:    g.ExecID,
		Hash:      g.Hash,
		Intent:    g.Intent,
		State:     g.State,
		Filled:    g.Filled(),
		Remaining: g.Remaining(),
		Retries:   g.Retries,
		Orders:    orders,
		CreatedAt: g.CreatedAt,
	}
}

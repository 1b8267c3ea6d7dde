package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"vigil/internal/market"
	"vigil/internal/types"
)

// modeGate applies the operating-mode admission rule. RUNNING admits
// everything, REDUCE_ONLY admits only closes, every other mode rejects.
func (e *Engine) modeGate(intent types.OrderIntent) string {
	switch e.mode {
	case types.ModeRunning:
		return ""
	case types.ModeReduceOnly:
		if intent.Offset == types.OffsetClose {
			return ""
		}
		return "reduce-only mode rejects position-increasing intents"
	default:
		return fmt.Sprintf("mode %s rejects new intents", e.mode)
	}
}

// pretrade runs the admission pipeline: throttle, then bounds, then
// liquidity. The first failing check wins; its reason goes to the audit
// stream verbatim.
func (e *Engine) pretrade(intent types.OrderIntent) string {
	lim := e.limiters[intent.Symbol]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(e.cfg.ThrottleRate), e.cfg.ThrottleBurst)
		e.limiters[intent.Symbol] = lim
	}
	if !lim.Allow() {
		return "order rate throttled"
	}

	if e.cfg.MaxOrderQty.IsPositive() && intent.Quantity.GreaterThan(e.cfg.MaxOrderQty) {
		return fmt.Sprintf("quantity %s above per-order bound %s", intent.Quantity, e.cfg.MaxOrderQty)
	}
	if e.cfg.MaxPositionQty.IsPositive() && intent.Offset == types.OffsetOpen && e.book != nil {
		current := decimal.Zero
		if entry, ok := e.book.Position(intent.Symbol); ok {
			current = entry.NetQty
		}
		signed := intent.Quantity
		if intent.Side == types.SideSell {
			signed = signed.Neg()
		}
		projected := current.Add(signed).Abs()
		if projected.GreaterThan(e.cfg.MaxPositionQty) {
			return fmt.Sprintf("projected position %s above bound %s", projected, e.cfg.MaxPositionQty)
		}
	}

	if e.health != nil {
		if e.health.IsStale(intent.Symbol, market.Hard) {
			return "market data stale beyond execution threshold"
		}
		if e.cfg.LiquidityFactor.IsPositive() {
			if reason := e.liquidityCheck(intent); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// liquidityCheck compares the next slice against the opposite top-of-book
// volume. Only meaningful when the feed publishes volumes.
func (e *Engine) liquidityCheck(intent types.OrderIntent) string {
	top, ok := e.health.BookTop(intent.Symbol)
	if !ok {
		return "no book for instrument"
	}
	opp := top.AskVol
	if intent.Side == types.SideSell {
		opp = top.BidVol
	}
	if !opp.IsPositive() {
		return ""
	}
	slice := intent.Quantity
	if intent.SliceQty.IsPositive() && intent.SliceQty.LessThan(slice) {
		slice = intent.SliceQty
	}
	if slice.GreaterThan(opp.Mul(e.cfg.LiquidityFactor)) {
		return fmt.Sprintf("slice %s exceeds available volume %s", slice, opp)
	}
	return ""
}

package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"vigil/internal/audit"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/order"
	"vigil/internal/types"
)

// Settled records and resolved groups are kept this long for duplicate
// absorption and queries, then swept.
const settledRetention = 10 * time.Minute

// handleTick is the timer sweep: timeout classification per open order, then
// due retries, then retention pruning. All decisions use the passed instant
// so replay and tests are deterministic.
func (e *Engine) handleTick(now time.Time) {
	for _, rec := range e.orders {
		if !rec.Open() {
			continue
		}
		switch rec.State {
		case order.StateSubmitting:
			if !rec.SubmittedAt.IsZero() && now.Sub(rec.SubmittedAt) > e.cfg.AckTimeout {
				e.timeoutAction(rec, "ack", now)
			}
		case order.StateAcked, order.StatePartiallyFilled:
			since := rec.AckedAt
			if since.IsZero() {
				since = rec.SubmittedAt
			}
			if !since.IsZero() && now.Sub(since) > e.cfg.FillTimeout {
				e.timeoutAction(rec, "fill", now)
			}
		case order.StateCancelSubmitting, order.StateCancelPending:
			if !rec.CancelSentAt.IsZero() && now.Sub(rec.CancelSentAt) > e.cfg.CancelTimeout {
				e.cancelTimeout(rec, now)
			}
		}
	}

	e.runDueRetries(now)
	e.prune(now)
}

// timeoutAction handles ack and fill timeouts: cancel the working order and
// decide, against the retry budget, whether its confirmation re-issues the
// remainder or fails the group.
func (e *Engine) timeoutAction(rec *order.Record, class string, now time.Time) {
	metrics.OrderTimeouts.WithLabelValues(class).Inc()
	reason := class + " timeout"

	g := e.groups[rec.ExecID]
	if g != nil && g.State == GroupActive {
		if g.Retries >= e.cfg.MaxRetries {
			g.exhausted = true
			reason += ", retry budget exhausted"
		} else {
			g.repriceOnCancel = true
		}
	}

	e.rec.Record(audit.Event{
		Type:     audit.EventTimeoutAction,
		ExecID:   rec.ExecID,
		Symbol:   rec.Symbol,
		LocalID:  rec.LocalID,
		OrderRef: rec.OrderRef,
		Reason:   reason,
		Detail:   map[string]any{"class": class, "state": string(rec.State)},
	})
	logger.Warnf("engine: order %s %s, cancelling", rec.LocalID, reason)
	e.startCancel(rec, reason)
}

// cancelTimeout handles a cancel that was never confirmed. The order's
// liveness is unknown, which is the one situation the engine cannot trade
// through: escalate and ask for a halt.
func (e *Engine) cancelTimeout(rec *order.Record, now time.Time) {
	metrics.OrderTimeouts.WithLabelValues("cancel").Inc()
	e.rec.Record(audit.Event{
		Type:     audit.EventTimeoutAction,
		ExecID:   rec.ExecID,
		Symbol:   rec.Symbol,
		LocalID:  rec.LocalID,
		OrderRef: rec.OrderRef,
		Reason:   "cancel unconfirmed past bound",
		Detail:   map[string]any{"class": "cancel", "state": string(rec.State)},
	})
	e.applyEvent(rec, order.Event{
		Kind: order.EventBrokerError, Code: "cancel_timeout",
		Message: "cancel unconfirmed past bound", At: now,
	})
	if e.notifier != nil {
		e.notifier.RequestHalt(fmt.Sprintf("cancel of order %s unconfirmed past bound", rec.LocalID))
	}
}

// runDueRetries issues replacement orders for groups whose backoff window has
// passed. The replacement is priced off the current book per the reprice
// policy.
func (e *Engine) runDueRetries(now time.Time) {
	for _, g := range e.groups {
		if g.State != GroupActive || g.retryAt.IsZero() || now.Before(g.retryAt) {
			continue
		}
		if g.openOrder() != nil {
			continue
		}
		g.retryAt = time.Time{}

		price, err := e.priceFor(g, true)
		if err != nil {
			g.resolve(GroupFailed, now)
			e.rec.Record(audit.Event{
				Type: audit.EventRetry, ExecID: g.ExecID, Symbol: g.Intent.Symbol,
				Reason: "replacement unpriceable: " + err.Error(),
			})
			if e.notifier != nil {
				e.notifier.RequestReduceOnly(fmt.Sprintf(
					"group %s replacement unpriceable on %s", g.ExecID, g.Intent.Symbol))
			}
			continue
		}

		metrics.OrderRetries.WithLabelValues(g.Intent.Symbol).Inc()
		e.rec.Record(audit.Event{
			Type: audit.EventRetry, ExecID: g.ExecID, Symbol: g.Intent.Symbol,
			Reason: "replacement issued",
			Detail: map[string]any{
				"retry_seq": g.Retries,
				"price":     price.String(),
				"policy":    string(e.cfg.Reprice),
			},
		})
		if err := e.issueSlice(g, price); err != nil {
			g.resolve(GroupFailed, now)
		}
	}
}

// priceFor selects the limit price for a group's next order. Initial orders
// honor the intent's limit; replacements follow the reprice policy against
// the opposite best quote.
func (e *Engine) priceFor(g *Group, reprice bool) (decimal.Decimal, error) {
	if !reprice && g.Intent.LimitPrice.IsPositive() {
		return g.Intent.LimitPrice, nil
	}
	if e.health == nil {
		return decimal.Zero, fmt.Errorf("no market health source")
	}
	top, ok := e.health.BookTop(g.Intent.Symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("no book for %s", g.Intent.Symbol)
	}

	// Opposite best: the level a marketable limit trades against.
	base := top.Ask
	if g.Intent.Side == types.SideSell {
		base = top.Bid
	}
	if !base.IsPositive() {
		return decimal.Zero, fmt.Errorf("empty book side for %s", g.Intent.Symbol)
	}
	if !reprice {
		return base, nil
	}

	tick := e.instrument(g.Intent.Symbol).TickSize
	step := tick.Mul(decimal.NewFromInt(int64(g.Intent.Side.Sign())))
	switch e.cfg.Reprice {
	case types.RepriceToBest:
		return base, nil
	case types.RepriceCross:
		return base.Add(step.Mul(decimal.NewFromInt(int64(e.cfg.CrossTicks)))), nil
	default:
		// to_best_plus_tick: one tick past the opposite best, in the
		// direction that makes the order more likely to trade.
		return base.Add(step), nil
	}
}

func (e *Engine) backoff(n int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

// prune drops settled orders and resolved groups past the retention window.
// The content-hash mapping lives exactly as long as its group, which bounds
// the idempotency window.
func (e *Engine) prune(now time.Time) {
	for id, rec := range e.orders {
		if rec.Open() {
			continue
		}
		g := e.groups[rec.ExecID]
		if g != nil && !g.State.Done() {
			continue
		}
		if now.Sub(rec.UpdatedAt) > settledRetention {
			delete(e.orders, id)
		}
	}
	for id, g := range e.groups {
		if !g.State.Done() || now.Sub(g.ResolvedAt) <= settledRetention {
			continue
		}
		if g.openOrder() != nil {
			continue
		}
		delete(e.groups, id)
		delete(e.byHash, g.Hash)
	}
	// Trade ids age out on the same window; redelivery that late would be a
	// broker defect, not normal retransmission.
	for id, at := range e.seenTrades {
		if now.Sub(at) > settledRetention {
			delete(e.seenTrades, id)
		}
	}
}

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vigil/internal/audit"
	"vigil/internal/broker"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/order"
	"vigil/internal/types"
)

func (e *Engine) handleSubmit(intent types.OrderIntent) submitReply {
	hash := intent.ContentHash()
	if execID, ok := e.byHash[hash]; ok {
		logger.Debugf("engine: intent %s already mapped to group %s", hash[:12], execID)
		return submitReply{execID: execID}
	}
	if err := intent.Validate(); err != nil {
		e.reject(intent, "validation", err.Error())
		return submitReply{err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}
	if reason := e.modeGate(intent); reason != "" {
		e.reject(intent, "mode", reason)
		return submitReply{err: fmt.Errorf("%w: %s", ErrRejected, reason)}
	}
	if reason := e.pretrade(intent); reason != "" {
		e.reject(intent, "pretrade", reason)
		return submitReply{err: fmt.Errorf("%w: %s", ErrRejected, reason)}
	}

	now := e.now()
	execID := uuid.NewString()
	g := newGroup(execID, hash, intent, now)
	e.groups[execID] = g
	e.byHash[hash] = execID
	logger.Infof("engine: group %s opened for %s %s %s qty=%s",
		execID, intent.Symbol, intent.Side, intent.Offset, intent.Quantity)

	if err := e.issueSlice(g, decimal.Zero); err != nil {
		g.resolve(GroupFailed, now)
		e.reject(intent, "pricing", err.Error())
		return submitReply{err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}
	return submitReply{execID: execID}
}

func (e *Engine) reject(intent types.OrderIntent, class, reason string) {
	metrics.IntentRejections.WithLabelValues(class).Inc()
	e.rec.Record(audit.Event{
		Type:   audit.EventRejection,
		Symbol: intent.Symbol,
		Reason: reason,
		Code:   class,
	})
	logger.Warnf("engine: intent for %s rejected (%s): %s", intent.Symbol, class, reason)
}

// issueSlice sends the next order of a group. A zero price derives the level
// from the book (or places at market for flatten groups); retries pass the
// repriced level explicitly.
func (e *Engine) issueSlice(g *Group, price decimal.Decimal) error {
	now := e.now()
	qty := g.nextSliceQty()
	if !qty.IsPositive() {
		g.resolve(GroupFilled, now)
		return nil
	}
	if price.IsZero() && !g.market {
		p, err := e.priceFor(g, false)
		if err != nil {
			return err
		}
		price = p
	}

	e.seq++
	localID := fmt.Sprintf("%s-%06d", e.idPrefix, e.seq)
	rec := order.NewRecord(localID, g.ExecID, g.Intent, qty, price, g.Retries, now)
	g.Orders = append(g.Orders, rec)
	e.orders[localID] = rec

	e.applyEvent(rec, order.Event{Kind: order.EventSubmitSent, At: now})
	metrics.OrdersPlaced.WithLabelValues(g.Intent.Symbol).Inc()

	req := broker.OrderRequest{
		LocalID:    localID,
		Symbol:     g.Intent.Symbol,
		Side:       g.Intent.Side,
		Offset:     g.Intent.Offset,
		Quantity:   qty,
		Price:      price,
		ReduceOnly: g.Intent.Offset == types.OffsetClose,
	}
	go e.place(req)
	return nil
}

func (e *Engine) place(req broker.OrderRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AckTimeout)
	defer cancel()
	ack, err := e.brk.PlaceOrder(ctx, req)
	e.post(envelope{kind: envPlaceResult, place: placeResult{localID: req.LocalID, ack: ack, err: err}})
}

func (e *Engine) cancelBroker(key broker.CancelKey) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CancelTimeout)
	defer cancel()
	err := e.brk.CancelOrder(ctx, key)
	e.post(envelope{kind: envCancelResult, cancel: cancelResult{localID: key.LocalID, err: err}})
}

// applyEvent runs one event through the machine, audits the transition and
// propagates escalations. Group settlement happens here so every path that
// lands an order in a terminal state is covered.
func (e *Engine) applyEvent(rec *order.Record, ev order.Event) order.Result {
	res, err := e.machine.Apply(rec, ev)
	if err != nil {
		// Strict mode surfaces table gaps as errors without moving state.
		logger.Errorf("engine: order %s: %v", rec.LocalID, err)
		e.escalate(rec, err.Error())
		return res
	}
	if res.Changed() {
		e.rec.Record(audit.Event{
			Type:      audit.EventFSMTransition,
			ExecID:    rec.ExecID,
			Symbol:    rec.Symbol,
			LocalID:   rec.LocalID,
			OrderRef:  rec.OrderRef,
			SystemID:  rec.SystemID,
			FromState: string(res.From),
			ToState:   string(res.To),
			Reason:    res.Reason,
		})
	}
	if res.Outcome == order.Escalated {
		e.escalate(rec, res.Reason)
	}
	if res.Changed() && rec.State.Terminal() {
		e.onOrderSettled(rec)
	}
	return res
}

func (e *Engine) escalate(rec *order.Record, reason string) {
	e.escalations++
	metrics.Escalations.Inc()
	logger.Errorf("engine: order %s escalated: %s", rec.LocalID, reason)
	if e.notifier != nil {
		e.notifier.RequestReduceOnly(fmt.Sprintf("order %s: %s", rec.LocalID, reason))
	}
}

// onOrderSettled advances the owning group after an order reaches a terminal
// state: next slice on progress, scheduled retry on a timed-out cancel,
// failure on rejection or escalation.
func (e *Engine) onOrderSettled(rec *order.Record) {
	g := e.groups[rec.ExecID]
	if g == nil || g.State.Done() {
		return
	}
	now := e.now()

	switch rec.State {
	case order.StateFilled:
		if !g.Remaining().IsPositive() {
			g.resolve(GroupFilled, now)
			logger.Infof("engine: group %s filled (%s %s)", g.ExecID, g.Intent.Symbol, g.Intent.Quantity)
			return
		}
		if err := e.issueSlice(g, decimal.Zero); err != nil {
			g.resolve(GroupFailed, now)
			e.rec.Record(audit.Event{
				Type: audit.EventRetry, ExecID: g.ExecID, Symbol: g.Intent.Symbol,
				Reason: "next slice unpriceable: " + err.Error(),
			})
		}

	case order.StateCancelled, order.StatePartialCancelled:
		if !g.Remaining().IsPositive() {
			g.resolve(GroupFilled, now)
			return
		}
		switch {
		case g.exhausted:
			g.resolve(GroupFailed, now)
			e.rec.Record(audit.Event{
				Type: audit.EventRetry, ExecID: g.ExecID, Symbol: g.Intent.Symbol,
				LocalID: rec.LocalID, Reason: "retry budget exhausted",
				Detail: map[string]any{"retries": g.Retries, "remaining": g.Remaining().String()},
			})
			if e.notifier != nil {
				e.notifier.RequestReduceOnly(fmt.Sprintf(
					"group %s failed after %d retries on %s", g.ExecID, g.Retries, g.Intent.Symbol))
			}
		case g.repriceOnCancel:
			g.repriceOnCancel = false
			g.Retries++
			g.retryAt = now.Add(e.backoff(g.Retries))
			e.rec.Record(audit.Event{
				Type: audit.EventRetry, ExecID: g.ExecID, Symbol: g.Intent.Symbol,
				LocalID: rec.LocalID, Reason: "replacement scheduled",
				Detail: map[string]any{
					"retry_seq": g.Retries,
					"backoff":   e.backoff(g.Retries).String(),
					"remaining": g.Remaining().String(),
				},
			})
		default:
			g.resolve(GroupCancelled, now)
		}

	case order.StateRejected:
		g.resolve(GroupFailed, now)
		e.rec.Record(audit.Event{
			Type: audit.EventRejection, ExecID: g.ExecID, Symbol: g.Intent.Symbol,
			LocalID: rec.LocalID, Reason: rec.LastError, Code: "broker",
		})

	case order.StateError:
		g.resolve(GroupFailed, now)
	}
}

func (e *Engine) handleReport(rep broker.OrderReport) {
	rec := e.orders[rep.LocalID]
	if rec == nil {
		logger.Warnf("engine: report %s for unknown order %s", rep.Event.Kind, rep.LocalID)
		return
	}
	e.applyEvent(rec, rep.Event)
}

func (e *Engine) handleTrade(tr types.TradeRecord) {
	if tr.TradeID != "" {
		if _, dup := e.seenTrades[tr.TradeID]; dup {
			logger.Debugf("engine: duplicate trade %s ignored", tr.TradeID)
			return
		}
		e.seenTrades[tr.TradeID] = e.now()
	}

	rec := e.orders[tr.LocalID]
	if rec != nil {
		if tr.Offset == "" {
			tr.Offset = rec.Offset
		}
		e.applyEvent(rec, order.Event{
			Kind: order.EventFill, Qty: tr.Quantity, Price: tr.Price, At: tr.Time,
		})
		metrics.FillsApplied.WithLabelValues(tr.Symbol).Inc()
		e.rec.Record(audit.Event{
			Type:    audit.EventTrade,
			ExecID:  rec.ExecID,
			Symbol:  tr.Symbol,
			LocalID: tr.LocalID,
			Detail: map[string]any{
				"trade_id": tr.TradeID,
				"qty":      tr.Quantity.String(),
				"price":    tr.Price.String(),
			},
		})
	} else {
		logger.Warnf("engine: trade %s for unknown order %s", tr.TradeID, tr.LocalID)
	}

	if e.book != nil {
		e.book.ApplyTrade(tr)
	}
}

func (e *Engine) handlePlaceResult(r placeResult) {
	rec := e.orders[r.localID]
	if rec == nil {
		return
	}
	if r.err != nil {
		// Includes ErrNoOrderRef: an ack without a reference cannot be
		// cancelled later, so the placement counts as failed.
		e.applyEvent(rec, order.Event{
			Kind: order.EventReject, Code: "insert_error",
			Message: r.err.Error(), At: e.now(),
		})
		return
	}
	e.applyEvent(rec, order.Event{
		Kind: order.EventAck, OrderRef: r.ack.OrderRef, SystemID: r.ack.OrderRef, At: e.now(),
	})
}

func (e *Engine) handleCancelResult(r cancelResult) {
	rec := e.orders[r.localID]
	if rec == nil || !rec.Open() {
		return
	}
	if r.err != nil {
		// An unconfirmable cancel leaves an order of unknown liveness on
		// the book. That is not safe to trade through.
		e.applyEvent(rec, order.Event{
			Kind: order.EventBrokerError, Code: "cancel_failed",
			Message: r.err.Error(), At: e.now(),
		})
		if e.notifier != nil {
			e.notifier.RequestHalt(fmt.Sprintf("cancel of order %s failed: %v", rec.LocalID, r.err))
		}
		return
	}
	e.applyEvent(rec, order.Event{Kind: order.EventCancelAck, At: e.now()})
}

func (e *Engine) handleBrokerError(localID, code, message, class string) {
	rec := e.orders[localID]
	if rec == nil {
		logger.Warnf("engine: %s error for unknown order %s: %s %s", class, localID, code, message)
		return
	}
	kind := order.EventBrokerError
	if class == "insert" {
		kind = order.EventReject
	}
	e.applyEvent(rec, order.Event{Kind: kind, Code: code, Message: message, At: e.now()})
}

func (e *Engine) handleSetMode(mode types.Mode, reason string) error {
	if mode == e.mode {
		return nil
	}
	prev := e.mode
	e.mode = mode
	metrics.SetMode(string(mode))
	e.rec.Record(audit.Event{
		Type:      audit.EventModeAction,
		FromState: string(prev),
		ToState:   string(mode),
		Reason:    reason,
	})
	logger.Infof("engine: mode %s -> %s (%s)", prev, mode, reason)

	if mode == types.ModeHalted || mode == types.ModeManual {
		e.cancelOpen("", "mode "+string(mode))
	}
	return nil
}

func (e *Engine) handleCancelAll(reason string) {
	e.cancelOpen("", reason)
}

func (e *Engine) handleCancelInstrument(symbol, reason string) {
	e.cancelOpen(symbol, reason)
}

// cancelOpen cancels every cancellable order, optionally filtered to one
// instrument. The owning groups will settle as CANCELLED, not retry.
func (e *Engine) cancelOpen(symbol, reason string) {
	for _, rec := range e.orders {
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		switch rec.State {
		case order.StateSubmitting, order.StateAcked, order.StatePartiallyFilled:
		default:
			continue
		}
		if g := e.groups[rec.ExecID]; g != nil {
			g.repriceOnCancel = false
		}
		e.startCancel(rec, reason)
	}
}

func (e *Engine) startCancel(rec *order.Record, reason string) {
	res := e.applyEvent(rec, order.Event{Kind: order.EventCancelSent, At: e.now()})
	if res.Outcome != order.Applied {
		return
	}
	e.rec.Record(audit.Event{
		Type:     audit.EventCancel,
		ExecID:   rec.ExecID,
		Symbol:   rec.Symbol,
		LocalID:  rec.LocalID,
		OrderRef: rec.OrderRef,
		Reason:   reason,
	})
	key := broker.CancelKey{LocalID: rec.LocalID, Symbol: rec.Symbol, OrderRef: rec.OrderRef}
	go e.cancelBroker(key)
}

func (e *Engine) handleFlattenAll(reason string) {
	if e.book == nil {
		logger.Warnf("engine: flatten-all requested without a ledger")
		return
	}
	for _, entry := range e.book.Positions() {
		e.flattenPosition(entry.Symbol, entry.NetQty, reason)
	}
}

func (e *Engine) handleFlattenInstrument(symbol, reason string) {
	if e.book == nil {
		logger.Warnf("engine: flatten requested for %s without a ledger", symbol)
		return
	}
	entry, ok := e.book.Position(symbol)
	if !ok || entry.NetQty.IsZero() {
		return
	}
	e.flattenPosition(symbol, entry.NetQty, reason)
}

func (e *Engine) handleReduceInstrument(symbol string, qty decimal.Decimal, reason string) {
	if e.book == nil || !qty.IsPositive() {
		return
	}
	entry, ok := e.book.Position(symbol)
	if !ok || entry.NetQty.IsZero() {
		return
	}
	reduce := qty
	if reduce.GreaterThan(entry.NetQty.Abs()) {
		reduce = entry.NetQty.Abs()
	}
	signed := reduce
	if entry.NetQty.IsNegative() {
		signed = signed.Neg()
	}
	e.flattenPosition(symbol, signed, reason)
}

// flattenPosition issues a reduce-only market group closing the given signed
// quantity. Guardian-driven; bypasses the pre-trade pipeline and mode gate so
// it works in HALTED.
func (e *Engine) flattenPosition(symbol string, netQty decimal.Decimal, reason string) {
	side := types.SideSell
	if netQty.IsNegative() {
		side = types.SideBuy
	}
	intent := types.OrderIntent{
		Symbol:    symbol,
		Side:      side,
		Offset:    types.OffsetClose,
		Quantity:  netQty.Abs(),
		AlgoHint:  "flatten",
		CreatedAt: e.now(),
		Hash:      "flatten|" + uuid.NewString(),
	}
	execID := uuid.NewString()
	g := newGroup(execID, intent.Hash, intent, e.now())
	g.market = true
	e.groups[execID] = g
	e.byHash[intent.Hash] = execID

	e.rec.Record(audit.Event{
		Type:   audit.EventModeAction,
		ExecID: execID,
		Symbol: symbol,
		Reason: reason,
		Detail: map[string]any{"action": "flatten", "qty": intent.Quantity.String()},
	})
	logger.Warnf("engine: flattening %s qty=%s (%s)", symbol, intent.Quantity, reason)

	if err := e.issueSlice(g, decimal.Zero); err != nil {
		g.resolve(GroupFailed, e.now())
	}
}

func (e *Engine) handleQueryGroups() []GroupView {
	out := make([]GroupView, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g.view())
	}
	return out
}

func (e *Engine) handleQueryGroup(execID string) *GroupView {
	g, ok := e.groups[execID]
	if !ok {
		return nil
	}
	v := g.view()
	return &v
}

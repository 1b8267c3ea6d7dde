package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"vigil/internal/audit"
	"vigil/internal/broker"
	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// tradeRetention bounds how long applied trade ids are remembered for dedup.
// Redelivery arrives within seconds; the window is generous.
const tradeRetention = 10 * time.Minute

// PositionSource is the blocking broker query reconciliation depends on.
type PositionSource interface {
	QueryPositions(ctx context.Context) ([]broker.PositionSnapshot, error)
}

// Run drives periodic reconciliation until ctx is cancelled. One pass runs
// immediately so a restarted process re-synchronizes before trading.
func (l *Ledger) Run(ctx context.Context, src PositionSource) {
	if err := l.Resync(ctx, src); err != nil {
		logger.Errorf("ledger: startup resync failed: %v", err)
	}
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Reconcile(ctx, src); err != nil {
				logger.Errorf("ledger: reconcile failed: %v", err)
			}
		}
	}
}

// Resync adopts the broker snapshot as ground truth. Used at process start
// and during guardian recovery, never on the periodic path: periodic
// reconciliation only compares and escalates, it does not guess.
func (l *Ledger) Resync(ctx context.Context, src PositionSource) error {
	snapshot, err := src.QueryPositions(ctx)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	l.mu.Lock()
	l.entries = make(map[string]*PositionEntry, len(snapshot))
	now := time.Now()
	for _, ps := range snapshot {
		l.entries[ps.Symbol] = &PositionEntry{
			Symbol:    ps.Symbol,
			NetQty:    ps.NetQty,
			AvgCost:   ps.AvgCost,
			UpdatedAt: now,
		}
	}
	l.mismatched = make(map[string]int)
	l.lastReconcile = now
	l.mu.Unlock()

	l.rec.Record(audit.Event{
		Type:   audit.EventReconciliation,
		Reason: "resync",
		Detail: map[string]any{"instruments": len(snapshot)},
	})
	logger.Infof("ledger: resynced %d positions from broker", len(snapshot))
	return nil
}

// Reconcile fetches the broker snapshot and compares it against the book.
func (l *Ledger) Reconcile(ctx context.Context, src PositionSource) error {
	snapshot, err := src.QueryPositions(ctx)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	l.ReconcileWith(snapshot)
	return nil
}

// ReconcileWith compares the book against an already-fetched broker snapshot.
// A divergence beyond tolerance requests REDUCE_ONLY and cancels the
// instrument's open orders; the same divergence on the next cycle requests
// HALTED (and, only if the policy flag allows, force-flattens).
func (l *Ledger) ReconcileWith(snapshot []broker.PositionSnapshot) {
	brokerQty := make(map[string]decimal.Decimal, len(snapshot))
	for _, ps := range snapshot {
		brokerQty[ps.Symbol] = ps.NetQty
	}

	l.mu.Lock()
	symbols := make(map[string]struct{}, len(l.entries)+len(brokerQty))
	for sym := range l.entries {
		symbols[sym] = struct{}{}
	}
	for sym := range brokerQty {
		symbols[sym] = struct{}{}
	}

	type mismatch struct {
		symbol      string
		local       decimal.Decimal
		remote      decimal.Decimal
		consecutive int
	}
	var mismatches []mismatch
	for sym := range symbols {
		var local decimal.Decimal
		if entry, ok := l.entries[sym]; ok {
			local = entry.NetQty
		}
		remote := brokerQty[sym]
		diff := local.Sub(remote).Abs()
		if diff.GreaterThan(l.cfg.Tolerance) {
			l.mismatched[sym]++
			mismatches = append(mismatches, mismatch{
				symbol: sym, local: local, remote: remote,
				consecutive: l.mismatched[sym],
			})
		} else {
			delete(l.mismatched, sym)
		}
	}
	now := time.Now()
	for id, at := range l.applied {
		if now.Sub(at) > tradeRetention {
			delete(l.applied, id)
		}
	}
	l.lastReconcile = now
	esc := l.esc
	actions := l.actions
	autoFlatten := l.cfg.AutoFlatten
	l.mu.Unlock()

	for _, mm := range mismatches {
		metrics.ReconcileMismatches.WithLabelValues(mm.symbol).Inc()
		l.rec.Record(audit.Event{
			Type:   audit.EventReconciliation,
			Symbol: mm.symbol,
			Reason: "position drift",
			Detail: map[string]any{
				"local_qty":   mm.local.String(),
				"broker_qty":  mm.remote.String(),
				"consecutive": mm.consecutive,
			},
		})
		logger.Warnf("ledger: drift on %s local=%s broker=%s (cycle %d)",
			mm.symbol, mm.local, mm.remote, mm.consecutive)

		if actions != nil {
			actions.CancelInstrument(mm.symbol, "reconciliation drift")
		}
		if mm.consecutive >= 2 {
			if esc != nil {
				esc.RequestHalt(fmt.Sprintf("persistent position drift on %s", mm.symbol))
			}
			if autoFlatten && actions != nil {
				actions.FlattenInstrument(mm.symbol, "persistent reconciliation drift")
			}
		} else if esc != nil {
			esc.RequestReduceOnly(fmt.Sprintf("position drift on %s", mm.symbol))
		}
	}
	if len(mismatches) == 0 {
		l.rec.Record(audit.Event{
			Type:   audit.EventReconciliation,
			Reason: "clean",
		})
	}
}

package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"vigil/internal/audit"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/types"
)

// evaluate runs one detector pass. In REDUCE_ONLY and HALTED it advances the
// cold-start recovery instead; in MANUAL the guardian observes but never acts.
func (g *Guardian) evaluate(ctx context.Context) {
	now := g.now()
	switch g.mode {
	case types.ModeManual, types.ModeInit:
		return
	case types.ModeHalted:
		g.recoveryStep(ctx, now)
		return
	case types.ModeReduceOnly:
		// Hedging is still allowed while degraded.
		g.autoHedge(now)
		g.recoveryStep(ctx, now)
		return
	}

	findings := g.detect(now)
	g.autoHedge(now)

	if len(findings) > 0 {
		g.healthyStreak = 0
		g.transition(ctx, types.ModeReduceOnly, findings[0])
		return
	}
	g.healthyStreak++
}

// detect returns the reasons the system is currently unhealthy, most severe
// first. An empty slice is a clean cycle.
func (g *Guardian) detect(now time.Time) []string {
	var findings []string

	if g.health != nil {
		for _, sym := range g.cfg.Symbols {
			if g.health.IsStale(sym, market.Hard) {
				findings = append(findings, fmt.Sprintf("quotes for %s stale beyond hard threshold", sym))
			}
		}
	}

	if g.eng != nil {
		if h := g.eng.Health(); h.StuckOrders > 0 {
			findings = append(findings, fmt.Sprintf("%d orders stuck in error", h.StuckOrders))
		}
	}

	if g.book != nil {
		if drift := g.book.Drift(); len(drift) > 0 {
			for sym, cycles := range drift {
				findings = append(findings, fmt.Sprintf("position drift on %s (%d cycles)", sym, cycles))
			}
		}
	}

	if g.bp != nil {
		if bp := g.bp.Backpressure(); bp.Saturated() {
			findings = append(findings, fmt.Sprintf(
				"audit sink saturated (depth %d/%d, dropped %d)", bp.QueueDepth, bp.Capacity, bp.Dropped))
		}
	}
	return findings
}

// autoHedge checks configured leg pairs and reduces the oversized leg by the
// fill gap, throttled by a per-pair cooldown. Hedging is an action, not a
// mode change: it runs in RUNNING and REDUCE_ONLY alike.
func (g *Guardian) autoHedge(now time.Time) {
	if g.book == nil {
		return
	}
	for _, pair := range g.cfg.LegPairs {
		key := pair.Long + "/" + pair.Short
		if last, ok := g.lastHedge[key]; ok && now.Sub(last) < pair.Cooldown {
			continue
		}

		gap := g.absPosition(pair.Long).Sub(g.absPosition(pair.Short))
		if gap.Abs().LessThanOrEqual(pair.MaxGap) {
			continue
		}

		over := pair.Long
		if gap.IsNegative() {
			over = pair.Short
		}
		g.lastHedge[key] = now
		g.rec.Record(audit.Event{
			Type:   audit.EventModeAction,
			Symbol: over,
			Reason: "leg imbalance auto-hedge",
			Detail: map[string]any{
				"action": "hedge",
				"pair":   key,
				"gap":    gap.Abs().String(),
			},
		})
		logger.Warnf("guardian: leg gap %s on %s, hedging %s", gap.Abs(), key, over)
		g.eng.ReduceInstrument(over, gap.Abs(), "leg imbalance auto-hedge")
	}
}

func (g *Guardian) absPosition(symbol string) decimal.Decimal {
	if entry, ok := g.book.Position(symbol); ok {
		return entry.NetQty.Abs()
	}
	return decimal.Zero
}

func (g *Guardian) beginRecovery(reason string) {
	now := g.now()
	g.recovery = &recoveryState{stage: stageCancelAll, stageAt: now, reason: reason}
	g.rec.Record(audit.Event{
		Type:   audit.EventModeAction,
		Reason: reason,
		Detail: map[string]any{"action": "recovery_start"},
	})
	g.eng.CancelAll("recovery: clearing open orders")
}

// recoveryStep advances the cold-start sequence back to RUNNING: wait for the
// book to clear, resync positions, sit out the cooldown, then demand
// consecutive healthy cycles. REDUCE_ONLY and HALTED leave through the same
// stages.
func (g *Guardian) recoveryStep(ctx context.Context, now time.Time) {
	if g.recovery == nil {
		return
	}
	switch g.recovery.stage {
	case stageCancelAll:
		if g.eng.Health().OpenOrders > 0 {
			return
		}
		g.recovery.stage = stageResync
		g.recovery.stageAt = now

	case stageResync:
		if g.book == nil || g.src == nil {
			g.recovery.stage = stageCooldown
			g.recovery.stageAt = now
			return
		}
		if err := g.book.Resync(ctx, g.src); err != nil {
			logger.Errorf("guardian: recovery resync failed, will retry: %v", err)
			return
		}
		g.recovery.stage = stageCooldown
		g.recovery.stageAt = now

	case stageCooldown:
		if now.Sub(g.recovery.stageAt) < g.cfg.RecoveryCooldown {
			return
		}
		g.recovery.stage = stageObserve
		g.recovery.stageAt = now
		g.healthyStreak = 0

	case stageObserve:
		if len(g.detect(now)) > 0 {
			g.healthyStreak = 0
			return
		}
		g.healthyStreak++
		if g.healthyStreak >= g.cfg.HealthyCycles {
			g.recovery = nil
			g.transition(ctx, types.ModeRunning,
				fmt.Sprintf("recovery complete after %d healthy cycles", g.healthyStreak))
		}
	}
}

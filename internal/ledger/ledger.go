// Package ledger is the single source of truth for positions: a trade-driven
// book per instrument, periodically reconciled against the broker's
// authoritative snapshot.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vigil/internal/audit"
	"vigil/internal/logger"
	"vigil/internal/types"
)

// PositionEntry is the net quantity and volume-weighted average cost for one
// instrument.
type PositionEntry struct {
	Symbol    string
	NetQty    decimal.Decimal
	AvgCost   decimal.Decimal
	UpdatedAt time.Time
}

// Escalator is the guardian's intake for ledger-driven degradation requests.
type Escalator interface {
	RequestReduceOnly(reason string)
	RequestHalt(reason string)
}

// EngineActions is the subset of engine behavior reconciliation may invoke.
type EngineActions interface {
	CancelInstrument(symbol, reason string)
	FlattenInstrument(symbol, reason string)
}

// Config tunes the ledger.
type Config struct {
	// Tolerance is the absolute net-quantity divergence accepted before a
	// reconciliation mismatch escalates.
	Tolerance decimal.Decimal
	// Interval between reconciliation runs.
	Interval time.Duration
	// AutoFlatten permits force-flattening on a persistent mismatch.
	// Defaults off: flattening without a human in the loop is a policy
	// decision, not a default.
	AutoFlatten bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// Ledger tracks positions from trades. All mutation is serialized behind one
// mutex; the hot path (ApplyTrade) does no I/O.
type Ledger struct {
	cfg Config
	rec audit.Recorder

	mu         sync.Mutex
	entries    map[string]*PositionEntry
	applied    map[string]time.Time // trade ids already absorbed, aged out on reconcile
	mismatched map[string]int       // consecutive mismatch count per symbol

	lastReconcile time.Time

	esc     Escalator
	actions EngineActions
}

// New builds a ledger. Escalator and engine actions are attached later to
// break the construction cycle between ledger, engine and guardian.
func New(cfg Config, rec audit.Recorder) *Ledger {
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	return &Ledger{
		cfg:        cfg.withDefaults(),
		rec:        rec,
		entries:    make(map[string]*PositionEntry),
		applied:    make(map[string]time.Time),
		mismatched: make(map[string]int),
	}
}

// AttachEscalator wires the guardian intake.
func (l *Ledger) AttachEscalator(esc Escalator) { l.esc = esc }

// AttachEngine wires the engine actions reconciliation may invoke.
func (l *Ledger) AttachEngine(a EngineActions) { l.actions = a }

// ApplyTrade absorbs one fill. Duplicate trade ids are rejected silently
// (logged, never an error): redelivery is normal broker behavior.
func (l *Ledger) ApplyTrade(tr types.TradeRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.applied[tr.TradeID]; dup {
		logger.Debugf("ledger: duplicate trade %s ignored", tr.TradeID)
		return false
	}
	at := tr.Time
	if at.IsZero() {
		at = time.Now()
	}
	l.applied[tr.TradeID] = at

	entry := l.entries[tr.Symbol]
	if entry == nil {
		entry = &PositionEntry{Symbol: tr.Symbol}
		l.entries[tr.Symbol] = entry
	}
	applyToEntry(entry, tr)
	entry.UpdatedAt = tr.Time
	return true
}

// applyToEntry updates net quantity and VWAP cost. Increasing the position
// (or flipping through zero) re-weights the cost; pure reductions keep it.
func applyToEntry(entry *PositionEntry, tr types.TradeRecord) {
	delta := tr.SignedQty()
	prev := entry.NetQty
	next := prev.Add(delta)

	switch {
	case prev.IsZero():
		entry.AvgCost = tr.Price
	case prev.Sign() == delta.Sign():
		// Same direction: weighted average over absolute size.
		prevAbs := prev.Abs()
		deltaAbs := delta.Abs()
		total := prevAbs.Add(deltaAbs)
		entry.AvgCost = entry.AvgCost.Mul(prevAbs).Add(tr.Price.Mul(deltaAbs)).Div(total)
	case next.IsZero():
		entry.AvgCost = decimal.Zero
	case prev.Sign() != next.Sign():
		// Flipped through zero: the remainder was opened at this price.
		entry.AvgCost = tr.Price
	}
	entry.NetQty = next
}

// Position returns a copy of the entry for symbol, if any.
func (l *Ledger) Position(symbol string) (PositionEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[symbol]
	if !ok {
		return PositionEntry{}, false
	}
	return *entry, true
}

// Positions returns a copy of all non-flat entries.
func (l *Ledger) Positions() []PositionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PositionEntry, 0, len(l.entries))
	for _, entry := range l.entries {
		if entry.NetQty.IsZero() {
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// Drift reports the instruments whose last reconciliation mismatched, with
// their consecutive mismatch counts. Read-only; consumed by the guardian.
func (l *Ledger) Drift() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.mismatched))
	for sym, n := range l.mismatched {
		out[sym] = n
	}
	return out
}

// LastReconcile returns when reconciliation last completed.
func (l *Ledger) LastReconcile() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastReconcile
}

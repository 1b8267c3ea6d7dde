// Package market exposes the execution core's view of market health: the
// freshest book top per instrument and a two-threshold staleness check. The
// quote/instrument-selection layer itself lives outside this system; only its
// boundary is modeled here.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BookTop is the best bid/ask snapshot for one instrument.
type BookTop struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	BidVol decimal.Decimal
	AskVol decimal.Decimal
	At     time.Time
}

// Spread returns ask minus bid.
func (b BookTop) Spread() decimal.Decimal { return b.Ask.Sub(b.Bid) }

// StalenessLevel selects which of the two quote-age thresholds applies. Soft
// gates strategy trust, hard gates execution permission.
type StalenessLevel int

const (
	Soft StalenessLevel = iota
	Hard
)

// Health is the capability the engine and guardian depend on.
type Health interface {
	// BookTop returns the freshest known top of book, or false if the
	// instrument has never been quoted.
	BookTop(symbol string) (BookTop, bool)

	// IsStale reports whether the freshest quote is older than the
	// threshold for the given level. Unknown instruments are stale.
	IsStale(symbol string, level StalenessLevel) bool
}

// Thresholds carries the two quote-age bounds.
type Thresholds struct {
	Soft time.Duration
	Hard time.Duration
}

// Tracker is the in-memory Health implementation fed by a live or simulated
// quote source.
type Tracker struct {
	mu     sync.RWMutex
	tops   map[string]BookTop
	limits Thresholds
	now    func() time.Time
}

// NewTracker builds a tracker with the given thresholds.
func NewTracker(limits Thresholds) *Tracker {
	return &Tracker{
		tops:   make(map[string]BookTop),
		limits: limits,
		now:    time.Now,
	}
}

// Update stores a fresh book top. Out-of-order updates (older than the stored
// one) are dropped.
func (t *Tracker) Update(top BookTop) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.tops[top.Symbol]; ok && top.At.Before(cur.At) {
		return
	}
	t.tops[top.Symbol] = top
}

func (t *Tracker) BookTop(symbol string) (BookTop, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	top, ok := t.tops[symbol]
	return top, ok
}

func (t *Tracker) IsStale(symbol string, level StalenessLevel) bool {
	top, ok := t.BookTop(symbol)
	if !ok {
		return true
	}
	limit := t.limits.Soft
	if level == Hard {
		limit = t.limits.Hard
	}
	if limit <= 0 {
		return false
	}
	return t.now().Sub(top.At) > limit
}

// QuoteAge returns how old the freshest quote is, or false if none exists.
func (t *Tracker) QuoteAge(symbol string) (time.Duration, bool) {
	top, ok := t.BookTop(symbol)
	if !ok {
		return 0, false
	}
	return t.now().Sub(top.At), true
}

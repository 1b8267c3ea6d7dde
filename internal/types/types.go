// Package types holds the small shared vocabulary of the execution core:
// sides, offsets, operating modes and instrument metadata. Everything here is
// a value type; ownership of mutable state lives in the engine, ledger and
// guardian packages.
package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buy and -1 for sell.
func (s Side) Sign() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Offset distinguishes position-increasing from position-decreasing orders.
type Offset string

const (
	OffsetOpen  Offset = "open"
	OffsetClose Offset = "close"
)

func (o Offset) Valid() bool { return o == OffsetOpen || o == OffsetClose }

// Mode is the process-wide operating mode. It is owned by the guardian; the
// engine only ever reads it.
type Mode string

const (
	ModeInit       Mode = "INIT"
	ModeRunning    Mode = "RUNNING"
	ModeReduceOnly Mode = "REDUCE_ONLY"
	ModeHalted     Mode = "HALTED"
	ModeManual     Mode = "MANUAL"
)

// ParseMode maps a string (case-insensitive) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INIT":
		return ModeInit, nil
	case "RUNNING":
		return ModeRunning, nil
	case "REDUCE_ONLY", "REDUCEONLY", "REDUCE-ONLY":
		return ModeReduceOnly, nil
	case "HALTED":
		return ModeHalted, nil
	case "MANUAL":
		return ModeManual, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// RepricePolicy selects the price level for a replacement order after a fill
// timeout.
type RepricePolicy string

const (
	// RepriceToBest matches the opposite best quote.
	RepriceToBest RepricePolicy = "to_best"
	// RepriceToBestPlusTick goes one tick past the opposite best in the
	// favorable-to-fill direction. Default.
	RepriceToBestPlusTick RepricePolicy = "to_best_plus_tick"
	// RepriceCross crosses the book aggressively (opposite best plus a
	// configurable number of ticks).
	RepriceCross RepricePolicy = "cross"
)

// ParseRepricePolicy maps a config string to a policy, defaulting to
// to_best_plus_tick.
func ParseRepricePolicy(s string) RepricePolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "to_best":
		return RepriceToBest
	case "cross":
		return RepriceCross
	default:
		return RepriceToBestPlusTick
	}
}

// Instrument is read-only contract metadata owned by the market-data layer.
type Instrument struct {
	Symbol   string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
}

// RoundToTick snaps a price onto the instrument's tick grid (toward zero).
func (i Instrument) RoundToTick(p decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return p
	}
	ticks := p.Div(i.TickSize).Truncate(0)
	return ticks.Mul(i.TickSize)
}

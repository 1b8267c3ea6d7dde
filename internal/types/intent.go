package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderIntent is an immutable request from the strategy layer to move the
// position of one instrument. The engine consumes it exactly once; repeated
// submissions with the same content hash map to the same execution group.
type OrderIntent struct {
	Symbol     string
	Side       Side
	Offset     Offset
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal // zero = derive from book at submit time
	SliceQty   decimal.Decimal // zero = no slicing, send full quantity
	AlgoHint   string          // e.g. "iceberg", "twap"; informational
	CreatedAt  time.Time

	// Hash is the content hash used for idempotent de-duplication. If the
	// strategy layer supplies one it is kept; otherwise ContentHash fills it.
	Hash string
}

// ContentHash returns the canonical hash of the intent's identifying fields.
// Timestamps are excluded so a re-sent intent hashes identically.
func (oi OrderIntent) ContentHash() string {
	if oi.Hash != "" {
		return oi.Hash
	}
	canon := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		oi.Symbol, oi.Side, oi.Offset,
		oi.Quantity.String(), oi.LimitPrice.String(), oi.SliceQty.String(),
		oi.AlgoHint)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// Validate rejects intents the engine cannot act on.
func (oi OrderIntent) Validate() error {
	if oi.Symbol == "" {
		return fmt.Errorf("intent missing symbol")
	}
	if !oi.Side.Valid() {
		return fmt.Errorf("intent has invalid side %q", oi.Side)
	}
	if !oi.Offset.Valid() {
		return fmt.Errorf("intent has invalid offset %q", oi.Offset)
	}
	if oi.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("intent quantity must be positive, got %s", oi.Quantity)
	}
	if oi.SliceQty.IsNegative() {
		return fmt.Errorf("intent slice quantity cannot be negative")
	}
	if oi.LimitPrice.IsNegative() {
		return fmt.Errorf("intent limit price cannot be negative")
	}
	return nil
}

// TradeRecord is an immutable fill event. TradeID de-duplicates redelivery.
type TradeRecord struct {
	TradeID  string
	Symbol   string
	Side     Side
	Offset   Offset
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Time     time.Time
	LocalID  string // owning order
}

// SignedQty is the position delta this trade applies: positive for buys,
// negative for sells.
func (t TradeRecord) SignedQty() decimal.Decimal {
	if t.Side == SideSell {
		return t.Quantity.Neg()
	}
	return t.Quantity
}

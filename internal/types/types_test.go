package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntentContentHashStable(t *testing.T) {
	a := OrderIntent{
		Symbol:   "IF2409",
		Side:     SideBuy,
		Offset:   OffsetOpen,
		Quantity: decimal.NewFromInt(25),
		SliceQty: decimal.NewFromInt(10),
	}
	b := a
	assert.Equal(t, a.ContentHash(), b.ContentHash())

	b.Quantity = decimal.NewFromInt(26)
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())
}

func TestIntentHashPreservedWhenSupplied(t *testing.T) {
	oi := OrderIntent{Hash: "strategy-supplied"}
	assert.Equal(t, "strategy-supplied", oi.ContentHash())
}

func TestIntentValidate(t *testing.T) {
	valid := OrderIntent{
		Symbol:   "IF2409",
		Side:     SideSell,
		Offset:   OffsetClose,
		Quantity: decimal.NewFromInt(1),
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*OrderIntent)
	}{
		{"missing symbol", func(oi *OrderIntent) { oi.Symbol = "" }},
		{"bad side", func(oi *OrderIntent) { oi.Side = "hold" }},
		{"bad offset", func(oi *OrderIntent) { oi.Offset = "flip" }},
		{"zero qty", func(oi *OrderIntent) { oi.Quantity = decimal.Zero }},
		{"negative slice", func(oi *OrderIntent) { oi.SliceQty = decimal.NewFromInt(-1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oi := valid
			tc.mutate(&oi)
			assert.Error(t, oi.Validate())
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("reduce_only")
	require.NoError(t, err)
	assert.Equal(t, ModeReduceOnly, m)

	_, err = ParseMode("warp")
	assert.Error(t, err)
}

func TestRoundToTick(t *testing.T) {
	inst := Instrument{Symbol: "IF2409", TickSize: decimal.RequireFromString("0.2")}
	p := inst.RoundToTick(decimal.RequireFromString("4001.37"))
	assert.True(t, p.Equal(decimal.RequireFromString("4001.2")), p.String())
}

func TestTradeSignedQty(t *testing.T) {
	tr := TradeRecord{Side: SideSell, Quantity: decimal.NewFromInt(3)}
	assert.True(t, tr.SignedQty().Equal(decimal.NewFromInt(-3)))
}

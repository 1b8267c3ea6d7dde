package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(id, symbol string, side types.Side, qty, price string) types.TradeRecord {
	return types.TradeRecord{
		TradeID:  id,
		Symbol:   symbol,
		Side:     side,
		Quantity: d(qty),
		Price:    d(price),
		Time:     time.Now(),
	}
}

func TestApplyTradeBuildsPosition(t *testing.T) {
	l := New(Config{}, nil)

	require.True(t, l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000")))
	require.True(t, l.ApplyTrade(trade("t2", "IF2409", types.SideBuy, "2", "4010")))

	entry, ok := l.Position("IF2409")
	require.True(t, ok)
	assert.True(t, entry.NetQty.Equal(d("4")))
	assert.True(t, entry.AvgCost.Equal(d("4005")), entry.AvgCost.String())
}

func TestApplyTradeDeduplicatesByTradeID(t *testing.T) {
	l := New(Config{}, nil)

	require.True(t, l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000")))
	assert.False(t, l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000")), "redelivery must not double-count")

	entry, _ := l.Position("IF2409")
	assert.True(t, entry.NetQty.Equal(d("2")))
}

func TestAppliedTradeIDsAgeOut(t *testing.T) {
	l := New(Config{}, nil)

	old := trade("t1", "IF2409", types.SideBuy, "2", "4000")
	old.Time = time.Now().Add(-tradeRetention - time.Minute)
	require.True(t, l.ApplyTrade(old))
	assert.False(t, l.ApplyTrade(old), "still remembered before a reconcile pass")

	l.ReconcileWith(nil)

	l.mu.Lock()
	_, kept := l.applied["t1"]
	l.mu.Unlock()
	assert.False(t, kept, "reconciliation prunes dedup entries past retention")

	fresh := trade("t2", "IF2409", types.SideBuy, "1", "4000")
	require.True(t, l.ApplyTrade(fresh))
	assert.False(t, l.ApplyTrade(fresh), "dedup stays intact after pruning")
}

func TestReductionKeepsCost(t *testing.T) {
	l := New(Config{}, nil)
	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "4", "4000"))
	l.ApplyTrade(trade("t2", "IF2409", types.SideSell, "2", "4100"))

	entry, _ := l.Position("IF2409")
	assert.True(t, entry.NetQty.Equal(d("2")))
	assert.True(t, entry.AvgCost.Equal(d("4000")))
}

func TestFlipThroughZeroResetsCost(t *testing.T) {
	l := New(Config{}, nil)
	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000"))
	l.ApplyTrade(trade("t2", "IF2409", types.SideSell, "5", "4050"))

	entry, _ := l.Position("IF2409")
	assert.True(t, entry.NetQty.Equal(d("-3")))
	assert.True(t, entry.AvgCost.Equal(d("4050")))
}

func TestFlatPositionZeroCost(t *testing.T) {
	l := New(Config{}, nil)
	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000"))
	l.ApplyTrade(trade("t2", "IF2409", types.SideSell, "2", "4100"))

	entry, _ := l.Position("IF2409")
	assert.True(t, entry.NetQty.IsZero())
	assert.True(t, entry.AvgCost.IsZero())
	assert.Empty(t, l.Positions(), "flat entries are not reported")
}

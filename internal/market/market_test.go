package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTrackerStalenessLevels(t *testing.T) {
	tr := NewTracker(Thresholds{Soft: 2 * time.Second, Hard: 10 * time.Second})
	base := time.Now()
	tr.now = func() time.Time { return base }

	assert.True(t, tr.IsStale("IF2409", Soft), "never-quoted instrument is stale")
	assert.True(t, tr.IsStale("IF2409", Hard))

	tr.Update(BookTop{Symbol: "IF2409", Bid: decimal.NewFromInt(4000), Ask: decimal.NewFromInt(4001), At: base})
	assert.False(t, tr.IsStale("IF2409", Soft))
	assert.False(t, tr.IsStale("IF2409", Hard))

	// 5s later: soft-stale (strategy distrust) but still executable.
	tr.now = func() time.Time { return base.Add(5 * time.Second) }
	assert.True(t, tr.IsStale("IF2409", Soft))
	assert.False(t, tr.IsStale("IF2409", Hard))

	tr.now = func() time.Time { return base.Add(11 * time.Second) }
	assert.True(t, tr.IsStale("IF2409", Hard))
}

func TestTrackerDropsOutOfOrderUpdates(t *testing.T) {
	tr := NewTracker(Thresholds{})
	now := time.Now()
	tr.Update(BookTop{Symbol: "IF2409", Bid: decimal.NewFromInt(4000), At: now})
	tr.Update(BookTop{Symbol: "IF2409", Bid: decimal.NewFromInt(3999), At: now.Add(-time.Second)})

	top, ok := tr.BookTop("IF2409")
	assert.True(t, ok)
	assert.True(t, top.Bid.Equal(decimal.NewFromInt(4000)))
}

func TestBookTopSpread(t *testing.T) {
	top := BookTop{Bid: decimal.RequireFromString("4000.2"), Ask: decimal.RequireFromString("4000.8")}
	assert.True(t, top.Spread().Equal(decimal.RequireFromString("0.6")))
}

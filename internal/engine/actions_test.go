package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/broker"
	"vigil/internal/order"
	"vigil/internal/types"
)

func TestCancelInstrumentAbandonsGroup(t *testing.T) {
	f := newFixture(t, nil)

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	placed := f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	f.eng.CancelInstrument("IF2409", "reconciliation drift")
	require.Eventually(t, func() bool {
		return len(f.sim.Cancelled()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.sim.EmitOrderReport(broker.OrderReport{
		LocalID: placed[0].LocalID,
		Event:   order.Event{Kind: order.EventCancelled, At: f.clock.Now()},
	})

	// An external cancel ends the group; it must not reprice.
	f.waitGroupState(execID, GroupCancelled)
	time.Sleep(20 * time.Millisecond)
	f.clock.Advance(time.Second)
	f.tick()
	assert.Len(t, f.sim.Placed(), 1)
}

func TestHaltModeCancelsOpenOrders(t *testing.T) {
	f := newFixture(t, nil)

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	require.NoError(t, f.eng.SetMode(context.Background(), types.ModeHalted, "kill switch"))
	require.Eventually(t, func() bool {
		return len(f.sim.Cancelled()) == 1
	}, 2*time.Second, 5*time.Millisecond, "halt sweeps the working orders")
}

func TestFlattenInstrumentPlacesReduceOnlyMarketOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.book.ApplyTrade(types.TradeRecord{
		TradeID: "seed", Symbol: "IF2409", Side: types.SideBuy,
		Quantity: d("3"), Price: d("4000"), Time: time.Now(),
	})
	require.NoError(t, f.eng.SetMode(context.Background(), types.ModeHalted, "drill"))

	f.eng.FlattenInstrument("IF2409", "guardian recovery")

	placed := f.waitPlaced(1)
	assert.True(t, placed[0].Price.IsZero(), "flatten goes at market")
	assert.Equal(t, types.SideSell, placed[0].Side)
	assert.Equal(t, types.OffsetClose, placed[0].Offset)
	assert.True(t, placed[0].ReduceOnly)
	assert.True(t, placed[0].Quantity.Equal(d("3")))
}

func TestFlattenAllClosesEveryPosition(t *testing.T) {
	f := newFixture(t, nil)
	f.book.ApplyTrade(types.TradeRecord{
		TradeID: "s1", Symbol: "IF2409", Side: types.SideBuy,
		Quantity: d("3"), Price: d("4000"), Time: time.Now(),
	})
	f.book.ApplyTrade(types.TradeRecord{
		TradeID: "s2", Symbol: "IC2409", Side: types.SideSell,
		Quantity: d("2"), Price: d("5200"), Time: time.Now(),
	})

	f.eng.FlattenAll("guardian recovery")

	placed := f.waitPlaced(2)
	bySymbol := map[string]broker.OrderRequest{}
	for _, req := range placed {
		bySymbol[req.Symbol] = req
	}
	require.Contains(t, bySymbol, "IF2409")
	require.Contains(t, bySymbol, "IC2409")
	assert.Equal(t, types.SideSell, bySymbol["IF2409"].Side)
	assert.Equal(t, types.SideBuy, bySymbol["IC2409"].Side, "short positions are bought back")
}

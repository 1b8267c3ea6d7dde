package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/broker"
	"vigil/internal/ledger"
	"vigil/internal/market"
	"vigil/internal/order"
	"vigil/internal/types"
)

// hangBroker never answers placements until released, simulating a venue that
// swallows inserts.
type hangBroker struct {
	*broker.Sim
	release chan struct{}
}

func (h *hangBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.Ack, error) {
	select {
	case <-h.release:
		return h.Sim.PlaceOrder(ctx, req)
	case <-ctx.Done():
		return broker.Ack{}, ctx.Err()
	}
}

func TestAckTimeoutCancelsUnackedOrder(t *testing.T) {
	sim := broker.NewSim()
	hb := &hangBroker{Sim: sim, release: make(chan struct{})}
	t.Cleanup(func() { close(hb.release) })

	trk := market.NewTracker(market.Thresholds{Soft: time.Second, Hard: 5 * time.Second})
	clock := &fakeClock{t: time.Now()}
	eng := New(Config{
		InterpretMode: order.Tolerant,
		AckTimeout:    5 * time.Second,
		FillTimeout:   time.Minute,
		CancelTimeout: 5 * time.Second,
		MaxRetries:    2,
		BackoffBase:   10 * time.Millisecond,
		TickInterval:  time.Hour,
	}, hb, trk, ledger.New(ledger.Config{}, nil), nil)
	eng.now = clock.Now
	eng.SetInstruments([]types.Instrument{{Symbol: "IF2409", TickSize: d("0.2")}})
	sim.SetCallbacks(eng.Callbacks())
	eng.Start()
	t.Cleanup(eng.Stop)

	trk.Update(market.BookTop{Symbol: "IF2409", Bid: d("4000.0"), Ask: d("4000.2"), At: time.Now()})
	require.NoError(t, eng.SetMode(context.Background(), types.ModeRunning, "test"))

	execID, err := eng.Submit(context.Background(), types.OrderIntent{
		Symbol: "IF2409", Side: types.SideBuy, Offset: types.OffsetOpen, Quantity: d("5"),
	})
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	require.NoError(t, eng.Tick(context.Background(), clock.Now()))

	require.Eventually(t, func() bool {
		return len(sim.Cancelled()) == 1
	}, 2*time.Second, 5*time.Millisecond, "unacked order must be cancelled after the ack bound")

	view, ok, err := eng.Group(context.Background(), execID)
	require.NoError(t, err)
	require.True(t, ok)
	localID := view.Orders[0].LocalID

	sim.EmitOrderReport(broker.OrderReport{
		LocalID: localID,
		Event:   order.Event{Kind: order.EventCancelled, At: clock.Now()},
	})
	require.Eventually(t, func() bool {
		view, _, _ := eng.Group(context.Background(), execID)
		return view.Orders[0].State == order.StateCancelled && view.Retries == 1
	}, 2*time.Second, 5*time.Millisecond, "confirmed timeout cancel schedules a replacement")
}

func TestFillTimeoutRepricesOneFavorableTick(t *testing.T) {
	f := newFixture(t, nil)

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	placed := f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	f.clock.Advance(3 * time.Second)
	f.tick()
	require.Eventually(t, func() bool {
		return len(f.sim.Cancelled()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.waitOrderState(execID, 0, order.StateCancelPending)

	f.sim.EmitOrderReport(broker.OrderReport{
		LocalID: placed[0].LocalID,
		Event:   order.Event{Kind: order.EventCancelled, At: f.clock.Now()},
	})
	f.waitOrderState(execID, 0, order.StateCancelled)

	f.clock.Advance(100 * time.Millisecond)
	f.tick()
	placed = f.waitPlaced(2)

	// Best ask is 4000.2; the default policy goes one tick past it in the
	// direction that trades.
	assert.True(t, placed[1].Price.Equal(d("4000.4")), "got %s", placed[1].Price)
	assert.True(t, placed[1].Quantity.Equal(d("5")))

	view := f.group(execID)
	assert.Equal(t, 1, view.Retries)
	assert.Equal(t, 1, view.Orders[1].RetrySeq)
}

func TestTimeoutReplacementCoversOnlyRemainder(t *testing.T) {
	f := newFixture(t, nil)

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	placed := f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	f.fill(placed[0].LocalID, "t1", "2", "3999.8")
	f.waitOrderState(execID, 0, order.StatePartiallyFilled)

	f.clock.Advance(3 * time.Second)
	f.tick()
	require.Eventually(t, func() bool {
		return len(f.sim.Cancelled()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	f.sim.EmitOrderReport(broker.OrderReport{
		LocalID: placed[0].LocalID,
		Event:   order.Event{Kind: order.EventCancelled, At: f.clock.Now()},
	})
	f.waitOrderState(execID, 0, order.StatePartialCancelled)

	f.clock.Advance(100 * time.Millisecond)
	f.tick()
	placed = f.waitPlaced(2)
	assert.True(t, placed[1].Quantity.Equal(d("3")), "replacement is sized to the remainder")

	view := f.group(execID)
	assert.True(t, view.Filled.Equal(d("2")))
}

func TestRetryBudgetExhaustedFailsGroup(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.MaxRetries = 1
	})

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	placed := f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	// First timeout: within budget, replacement issued.
	f.clock.Advance(3 * time.Second)
	f.tick()
	require.Eventually(t, func() bool { return len(f.sim.Cancelled()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f.sim.EmitOrderReport(broker.OrderReport{
		LocalID: placed[0].LocalID,
		Event:   order.Event{Kind: order.EventCancelled, At: f.clock.Now()},
	})
	f.waitOrderState(execID, 0, order.StateCancelled)
	f.clock.Advance(3 * time.Second)
	f.tick()
	placed = f.waitPlaced(2)
	f.waitOrderState(execID, 1, order.StateAcked)

	// Second timeout: budget spent, the group fails instead of retrying.
	f.clock.Advance(3 * time.Second)
	f.tick()
	require.Eventually(t, func() bool { return len(f.sim.Cancelled()) == 2 }, 2*time.Second, 5*time.Millisecond)
	f.sim.EmitOrderReport(broker.OrderReport{
		LocalID: placed[1].LocalID,
		Event:   order.Event{Kind: order.EventCancelled, At: f.clock.Now()},
	})

	f.waitGroupState(execID, GroupFailed)
	assert.Len(t, f.sim.Placed(), 2, "no replacement beyond the budget")
	assert.GreaterOrEqual(t, f.notifier.reduceCount(), 1, "exhaustion is reported to the guardian")
}

func TestUnconfirmedCancelRequestsHalt(t *testing.T) {
	f := newFixture(t, nil)

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	f.clock.Advance(3 * time.Second)
	f.tick()
	f.waitOrderState(execID, 0, order.StateCancelPending)

	// The cancel was accepted but never confirmed.
	f.clock.Advance(2 * time.Second)
	f.tick()

	f.waitOrderState(execID, 0, order.StateError)
	f.waitGroupState(execID, GroupFailed)
	assert.GreaterOrEqual(t, f.notifier.haltCount(), 1)
	assert.GreaterOrEqual(t, f.eng.Health().Escalations, uint64(1))
}

func TestRetuneShortensFillTimeout(t *testing.T) {
	f := newFixture(t, nil)

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	// Within the original two-second fill bound nothing happens.
	f.clock.Advance(500 * time.Millisecond)
	f.tick()
	assert.Empty(t, f.sim.Cancelled())

	require.NoError(t, f.eng.Retune(context.Background(), Tunables{
		AckTimeout:    time.Second,
		FillTimeout:   100 * time.Millisecond,
		CancelTimeout: time.Second,
		MaxRetries:    2,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    40 * time.Millisecond,
	}))

	// The order is now a second past the tightened bound.
	f.clock.Advance(500 * time.Millisecond)
	f.tick()
	require.Eventually(t, func() bool {
		return len(f.sim.Cancelled()) == 1
	}, 2*time.Second, 5*time.Millisecond, "tightened fill bound must take effect without a restart")
	f.waitOrderState(execID, 0, order.StateCancelPending)
}

func TestCancelRequestFailureEscalates(t *testing.T) {
	f := newFixture(t, nil)
	f.sim.CancelErr = errors.New("action rejected by front")

	intent := f.intent("5")
	intent.LimitPrice = d("3999.8")
	execID, err := f.submit(intent)
	require.NoError(t, err)
	f.waitPlaced(1)
	f.waitOrderState(execID, 0, order.StateAcked)

	f.clock.Advance(3 * time.Second)
	f.tick()

	f.waitOrderState(execID, 0, order.StateError)
	require.Eventually(t, func() bool {
		return f.notifier.haltCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

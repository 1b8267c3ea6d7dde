package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/audit"
	"vigil/internal/broker"
	"vigil/internal/types"
)

type fakeEscalator struct {
	reduceReasons []string
	haltReasons   []string
}

func (f *fakeEscalator) RequestReduceOnly(reason string) {
	f.reduceReasons = append(f.reduceReasons, reason)
}
func (f *fakeEscalator) RequestHalt(reason string) {
	f.haltReasons = append(f.haltReasons, reason)
}

type fakeActions struct {
	cancelled []string
	flattened []string
}

func (f *fakeActions) CancelInstrument(symbol, _ string)  { f.cancelled = append(f.cancelled, symbol) }
func (f *fakeActions) FlattenInstrument(symbol, _ string) { f.flattened = append(f.flattened, symbol) }

func snapshot(symbol, qty string) []broker.PositionSnapshot {
	return []broker.PositionSnapshot{{Symbol: symbol, NetQty: d(qty)}}
}

func TestReconcileCleanWithinTolerance(t *testing.T) {
	l := New(Config{Tolerance: d("0.5")}, nil)
	esc := &fakeEscalator{}
	l.AttachEscalator(esc)

	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000"))
	l.ReconcileWith(snapshot("IF2409", "2"))

	assert.Empty(t, esc.reduceReasons)
	assert.Empty(t, l.Drift())
}

func TestFirstMismatchRequestsReduceOnlyAndCancels(t *testing.T) {
	store := audit.NewMemoryStore()
	sink := audit.NewSink("run-1", store, 64)
	l := New(Config{}, sink)
	esc := &fakeEscalator{}
	actions := &fakeActions{}
	l.AttachEscalator(esc)
	l.AttachEngine(actions)

	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000"))
	l.ReconcileWith(snapshot("IF2409", "5"))

	require.Len(t, esc.reduceReasons, 1)
	assert.Empty(t, esc.haltReasons)
	assert.Equal(t, []string{"IF2409"}, actions.cancelled)
	assert.Equal(t, map[string]int{"IF2409": 1}, l.Drift())

	require.NoError(t, sink.Close())
	var found bool
	for _, ev := range store.All() {
		if ev.Type == audit.EventReconciliation && ev.Symbol == "IF2409" {
			found = true
			assert.Equal(t, "2", ev.Detail["local_qty"])
			assert.Equal(t, "5", ev.Detail["broker_qty"])
		}
	}
	assert.True(t, found, "discrepancy event with both values must be recorded")
}

func TestPersistentMismatchEscalatesToHalt(t *testing.T) {
	l := New(Config{}, nil)
	esc := &fakeEscalator{}
	actions := &fakeActions{}
	l.AttachEscalator(esc)
	l.AttachEngine(actions)

	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000"))
	l.ReconcileWith(snapshot("IF2409", "5"))
	l.ReconcileWith(snapshot("IF2409", "5"))

	require.Len(t, esc.reduceReasons, 1)
	require.Len(t, esc.haltReasons, 1)
	assert.Empty(t, actions.flattened, "auto-flatten defaults off")
}

func TestPersistentMismatchFlattensWhenPolicyAllows(t *testing.T) {
	l := New(Config{AutoFlatten: true}, nil)
	esc := &fakeEscalator{}
	actions := &fakeActions{}
	l.AttachEscalator(esc)
	l.AttachEngine(actions)

	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000"))
	l.ReconcileWith(snapshot("IF2409", "5"))
	l.ReconcileWith(snapshot("IF2409", "5"))

	assert.Equal(t, []string{"IF2409"}, actions.flattened)
}

func TestMismatchClearsAfterAgreement(t *testing.T) {
	l := New(Config{}, nil)
	esc := &fakeEscalator{}
	l.AttachEscalator(esc)

	l.ApplyTrade(trade("t1", "IF2409", types.SideBuy, "2", "4000"))
	l.ReconcileWith(snapshot("IF2409", "5"))
	require.Equal(t, map[string]int{"IF2409": 1}, l.Drift())

	l.ReconcileWith(snapshot("IF2409", "2"))
	assert.Empty(t, l.Drift())
}

func TestResyncAdoptsBrokerTruth(t *testing.T) {
	l := New(Config{}, nil)
	sim := broker.NewSim()
	sim.SetPositions([]broker.PositionSnapshot{
		{Symbol: "IF2409", NetQty: d("7"), AvgCost: d("4010")},
	})

	require.NoError(t, l.Resync(context.Background(), sim))
	entry, ok := l.Position("IF2409")
	require.True(t, ok)
	assert.True(t, entry.NetQty.Equal(d("7")))
	assert.True(t, entry.AvgCost.Equal(d("4010")))
	assert.False(t, l.LastReconcile().IsZero())
}

func TestBrokerOnlyPositionIsMismatch(t *testing.T) {
	// The broker reports a position the ledger has never heard of.
	l := New(Config{}, nil)
	esc := &fakeEscalator{}
	l.AttachEscalator(esc)

	l.ReconcileWith(snapshot("IC2409", "3"))
	assert.Len(t, esc.reduceReasons, 1)
}

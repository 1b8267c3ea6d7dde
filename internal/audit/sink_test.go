package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSinkAssignsMonotonicSeq(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink("run-1", store, 64)

	for i := 0; i < 10; i++ {
		sink.Record(Event{Type: EventTrade, Symbol: "IF2409"})
	}
	require.NoError(t, sink.Close())

	evs := store.All()
	require.Len(t, evs, 10)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "run-1", ev.RunID)
		assert.False(t, ev.At.IsZero())
	}
}

func TestSinkDropsInsteadOfBlocking(t *testing.T) {
	store := NewMemoryStore()
	sink := &Sink{
		runID:      "run-1",
		store:      store,
		ch:         make(chan Event, 2),
		stopC:      make(chan struct{}),
		flushEvery: time.Hour, // writer effectively idle
		batchSize:  256,
	}
	// No writer goroutine running: the channel fills up.
	sink.Record(Event{Type: EventTrade})
	sink.Record(Event{Type: EventTrade})
	sink.Record(Event{Type: EventTrade})

	bp := sink.Backpressure()
	assert.Equal(t, uint64(1), bp.Dropped)
	assert.True(t, bp.Saturated())
}

func TestBackpressureSaturation(t *testing.T) {
	assert.False(t, Backpressure{QueueDepth: 10, Capacity: 100}.Saturated())
	assert.True(t, Backpressure{QueueDepth: 95, Capacity: 100}.Saturated())
	assert.True(t, Backpressure{Dropped: 1, Capacity: 100}.Saturated())
}

func TestGormStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewGormStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AppendBatch([]Event{
		{Seq: 1, RunID: "run-1", At: time.Now(), Type: EventFSMTransition,
			ExecID: "exec-1", Symbol: "IF2409", LocalID: "ord-1",
			FromState: "ACKED", ToState: "FILLED",
			Detail: map[string]any{"qty": "10"}},
		{Seq: 2, RunID: "run-1", At: time.Now(), Type: EventGuardianTransition,
			FromState: "RUNNING", ToState: "REDUCE_ONLY", Reason: "quote staleness"},
	}))

	evs, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	// Recent returns newest first.
	assert.Equal(t, EventGuardianTransition, evs[0].Type)
	assert.Equal(t, "ACKED", evs[1].FromState)
	assert.Equal(t, "10", evs[1].Detail["qty"])
}

func TestSinkFlushesOnTicker(t *testing.T) {
	store := NewMemoryStore()
	sink := NewSink("run-2", store, 64)
	defer sink.Close()

	sink.Record(Event{Type: EventReconciliation})
	waitFor(t, func() bool { return len(store.All()) == 1 })
}

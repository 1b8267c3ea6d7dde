package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/logger"
	"vigil/internal/metrics"
)

// Store is where the sink's writer goroutine lands batches.
type Store interface {
	AppendBatch(evs []Event) error
	Recent(limit int) ([]Event, error)
	Close() error
}

// Backpressure is the sink's health snapshot, consumed by the guardian.
// Sustained queue growth or drops indicate the audit path cannot keep up.
type Backpressure struct {
	QueueDepth int
	Capacity   int
	Dropped    uint64
}

// Saturated reports whether the buffer is effectively full.
func (b Backpressure) Saturated() bool {
	return b.Dropped > 0 || (b.Capacity > 0 && b.QueueDepth >= b.Capacity*9/10)
}

// Sink assigns sequence ids and hands events to a background writer through
// a bounded buffer. Overflow is counted, never blocked on.
type Sink struct {
	runID string
	store Store

	seq     atomic.Uint64
	dropped atomic.Uint64

	ch    chan Event
	stopC chan struct{}
	wg    sync.WaitGroup

	flushEvery time.Duration
	batchSize  int
}

// NewSink builds and starts a sink. bufSize bounds the local buffer.
func NewSink(runID string, store Store, bufSize int) *Sink {
	if bufSize <= 0 {
		bufSize = 4096
	}
	s := &Sink{
		runID:      runID,
		store:      store,
		ch:         make(chan Event, bufSize),
		stopC:      make(chan struct{}),
		flushEvery: 200 * time.Millisecond,
		batchSize:  256,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// RunID returns the identifier stamped onto every event of this process run.
func (s *Sink) RunID() string { return s.runID }

// Record stamps and enqueues one event. If the buffer is full the event is
// dropped and counted; the caller is never blocked.
func (s *Sink) Record(ev Event) {
	ev.Seq = s.seq.Add(1)
	ev.RunID = s.runID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.ch <- ev:
	default:
		metrics.AuditDropped.Set(float64(s.dropped.Add(1)))
	}
}

// Backpressure returns the current buffer health.
func (s *Sink) Backpressure() Backpressure {
	return Backpressure{
		QueueDepth: len(s.ch),
		Capacity:   cap(s.ch),
		Dropped:    s.dropped.Load(),
	}
}

// Close flushes buffered events and stops the writer.
func (s *Sink) Close() error {
	close(s.stopC)
	s.wg.Wait()
	return s.store.Close()
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.AppendBatch(batch); err != nil {
			logger.Errorf("audit: batch write failed (%d events): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopC:
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil/internal/order"
	"vigil/internal/types"
)

// Sim is a deterministic in-memory broker for tests and replay runs. Tests
// script its behavior: by default placements and cancels succeed silently and
// the test emits reports by hand, so event order is fully controlled.
type Sim struct {
	mu        sync.Mutex
	cb        Callbacks
	placed    []OrderRequest
	cancelled []CancelKey
	positions []PositionSnapshot

	nextRef int

	// Failure knobs.
	PlaceErr      error
	CancelErr     error
	OmitOrderRef  bool
	QueryErr      error
	AutoAck       bool // immediately deliver an ack report on placement
	CancelConfirm bool // immediately confirm cancels with a cancelled report
}

// NewSim returns a sim broker with no scripted behavior.
func NewSim() *Sim { return &Sim{} }

func (s *Sim) Name() string { return "sim" }

func (s *Sim) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

func (s *Sim) PlaceOrder(_ context.Context, req OrderRequest) (Ack, error) {
	s.mu.Lock()
	if s.PlaceErr != nil {
		err := s.PlaceErr
		s.mu.Unlock()
		return Ack{}, err
	}
	s.placed = append(s.placed, req)
	s.nextRef++
	ref := fmt.Sprintf("sim-%d", s.nextRef)
	omit := s.OmitOrderRef
	autoAck := s.AutoAck
	cb := s.cb
	s.mu.Unlock()

	if omit {
		return Ack{}, ErrNoOrderRef
	}
	if autoAck && cb.OnOrderReport != nil {
		cb.OnOrderReport(OrderReport{
			LocalID: req.LocalID,
			Event: order.Event{
				Kind:     order.EventAck,
				OrderRef: ref,
				SystemID: "sys-" + ref,
				At:       time.Now(),
			},
		})
	}
	return Ack{OrderRef: ref}, nil
}

func (s *Sim) CancelOrder(_ context.Context, key CancelKey) error {
	s.mu.Lock()
	if s.CancelErr != nil {
		err := s.CancelErr
		s.mu.Unlock()
		return err
	}
	s.cancelled = append(s.cancelled, key)
	confirm := s.CancelConfirm
	cb := s.cb
	s.mu.Unlock()

	if confirm && cb.OnOrderReport != nil {
		cb.OnOrderReport(OrderReport{
			LocalID: key.LocalID,
			Event:   order.Event{Kind: order.EventCancelled, At: time.Now()},
		})
	}
	return nil
}

func (s *Sim) QueryPositions(_ context.Context) ([]PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	out := make([]PositionSnapshot, len(s.positions))
	copy(out, s.positions)
	return out, nil
}

// SetPositions scripts the snapshot QueryPositions returns.
func (s *Sim) SetPositions(ps []PositionSnapshot) {
	s.mu.Lock()
	s.positions = ps
	s.mu.Unlock()
}

// Placed returns a copy of all placement requests seen so far.
func (s *Sim) Placed() []OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderRequest, len(s.placed))
	copy(out, s.placed)
	return out
}

// Cancelled returns a copy of all cancel requests seen so far.
func (s *Sim) Cancelled() []CancelKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CancelKey, len(s.cancelled))
	copy(out, s.cancelled)
	return out
}

// EmitOrderReport delivers a scripted order report.
func (s *Sim) EmitOrderReport(rep OrderReport) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnOrderReport != nil {
		cb.OnOrderReport(rep)
	}
}

// EmitTrade delivers a scripted trade report.
func (s *Sim) EmitTrade(tr types.TradeRecord) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnTradeReport != nil {
		cb.OnTradeReport(tr)
	}
}

// Package order implements the per-order lifecycle: the OrderRecord owned by
// the execution engine and the finite state machine that interprets broker
// events against it.
package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of one broker order.
type State string

const (
	StatePendingSubmit    State = "PENDING_SUBMIT"
	StateSubmitting       State = "SUBMITTING"
	StateAcked            State = "ACKED"
	StatePartiallyFilled  State = "PARTIALLY_FILLED"
	StateFilled           State = "FILLED"
	StateRejected         State = "REJECTED"
	StateCancelSubmitting State = "CANCEL_SUBMITTING"
	StateCancelPending    State = "CANCEL_PENDING"
	StateCancelled        State = "CANCELLED"
	StatePartialCancelled State = "PARTIAL_CANCELLED"
	StateError            State = "ERROR"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StatePartialCancelled, StateRejected, StateError:
		return true
	}
	return false
}

// cancelInFlight reports whether a cancel has been requested but not resolved.
func (s State) cancelInFlight() bool {
	return s == StateCancelSubmitting || s == StateCancelPending
}

// EventKind classifies an inbound order event after the broker adapter has
// normalized it off the wire.
type EventKind string

const (
	// EventSubmitSent: the engine handed the order to the broker transport.
	EventSubmitSent EventKind = "submit_sent"
	// EventAck: broker accepted the order and assigned an order reference.
	EventAck EventKind = "ack"
	// EventFill: a (partial or full) fill; Qty/Price carry the increment.
	EventFill EventKind = "fill"
	// EventReject: broker refused the order before it reached the book.
	EventReject EventKind = "reject"
	// EventCancelSent: the engine handed a cancel to the broker transport.
	EventCancelSent EventKind = "cancel_sent"
	// EventCancelAck: broker accepted the cancel request.
	EventCancelAck EventKind = "cancel_ack"
	// EventCancelled: broker confirmed the order left the book.
	EventCancelled EventKind = "cancelled"
	// EventInactiveNotQueued: ambiguous broker status "inactive, not in
	// queue". Resolution depends on the cumulative fill.
	EventInactiveNotQueued EventKind = "inactive_not_queued"
	// EventBrokerError: an insert/action error report for this order.
	EventBrokerError EventKind = "broker_error"
)

// Event is one normalized order event.
type Event struct {
	Kind     EventKind
	Qty      decimal.Decimal // fill increment, EventFill only
	Price    decimal.Decimal // fill price, EventFill only
	OrderRef string          // broker order reference, set on ack
	SystemID string          // exchange system id, set once confirmed
	Code     string
	Message  string
	At       time.Time
}

// Outcome tags how the machine absorbed an event.
type Outcome int

const (
	// Applied: the event advanced state and/or fill bookkeeping.
	Applied Outcome = iota
	// Ignored: duplicate or post-terminal event, absorbed without change.
	Ignored
	// Escalated: inexplicable event; the order moved to ERROR and the
	// engine must notify the guardian.
	Escalated
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Escalated:
		return "escalated"
	}
	return "unknown"
}

// Result reports what one Apply call did.
type Result struct {
	Outcome Outcome
	From    State
	To      State
	Reason  string
}

// Changed reports whether the state value moved.
func (r Result) Changed() bool { return r.From != r.To }

// InterpretMode selects how the machine treats events outside the transition
// table.
type InterpretMode int

const (
	// Strict errors on any transition not explicitly permitted. Used in
	// verification and replay contexts to surface state-machine gaps.
	Strict InterpretMode = iota
	// Tolerant absorbs duplicates and re-ordered events, escalating only
	// what cannot be explained. Used live.
	Tolerant
)

// transitions is the explicit table of permitted (state, event) pairs. A fill
// target is resolved dynamically (full vs partial), marked here with
// stateFromFill.
const stateFromFill = State("__fill__")

var transitions = map[State]map[EventKind]State{
	StatePendingSubmit: {
		EventSubmitSent:  StateSubmitting,
		EventReject:      StateRejected,
		EventBrokerError: StateError,
	},
	StateSubmitting: {
		EventAck: StateAcked,
		// Fills can race the ack on fast venues.
		EventFill:   stateFromFill,
		EventReject: StateRejected,
		// Ack timeout path: cancel an order never acknowledged.
		EventCancelSent:  StateCancelSubmitting,
		EventCancelled:   stateFromFill,
		EventBrokerError: StateError,
	},
	StateAcked: {
		EventFill:              stateFromFill,
		EventCancelSent:        StateCancelSubmitting,
		EventCancelled:         StateCancelled,
		EventInactiveNotQueued: stateFromFill,
		EventBrokerError:       StateError,
	},
	StatePartiallyFilled: {
		EventFill:              stateFromFill,
		EventCancelSent:        StateCancelSubmitting,
		EventCancelled:         StatePartialCancelled,
		EventInactiveNotQueued: StatePartialCancelled,
		EventBrokerError:       StateError,
	},
	StateCancelSubmitting: {
		// Fills beat in-flight cancels, in both interpretation modes.
		EventFill: stateFromFill,
		// A late insert rejection can cross an ack-timeout cancel.
		EventReject:            StateRejected,
		EventCancelAck:         StateCancelPending,
		EventCancelled:         stateFromFill,
		EventInactiveNotQueued: stateFromFill,
		EventBrokerError:       StateError,
	},
	StateCancelPending: {
		EventFill:              stateFromFill,
		EventCancelled:         stateFromFill,
		EventInactiveNotQueued: stateFromFill,
		EventBrokerError:       StateError,
	},
}

// Machine interprets events for order records.
type Machine struct {
	mode InterpretMode
}

// NewMachine builds a machine in the given interpretation mode.
func NewMachine(mode InterpretMode) *Machine {
	return &Machine{mode: mode}
}

// Mode returns the interpretation mode.
func (m *Machine) Mode() InterpretMode { return m.mode }

// Apply absorbs one event into rec. In Strict mode any event outside the
// transition table returns an error and leaves rec untouched. In Tolerant
// mode the return error is always nil: duplicates and post-terminal events
// come back Ignored, inexplicable events come back Escalated with rec moved
// to ERROR.
func (m *Machine) Apply(rec *Record, ev Event) (Result, error) {
	from := rec.State

	if from.Terminal() {
		if m.mode == Strict {
			return Result{Outcome: Ignored, From: from, To: from},
				fmt.Errorf("order %s: event %s after terminal state %s", rec.LocalID, ev.Kind, from)
		}
		return Result{Outcome: Ignored, From: from, To: from,
			Reason: fmt.Sprintf("event %s after terminal state", ev.Kind)}, nil
	}

	if res, handled := m.absorbDuplicate(rec, ev); handled {
		return res, nil
	}

	target, ok := transitions[from][ev.Kind]
	if !ok {
		if m.mode == Strict {
			return Result{Outcome: Escalated, From: from, To: from},
				fmt.Errorf("order %s: event %s not permitted in state %s", rec.LocalID, ev.Kind, from)
		}
		rec.setState(StateError, ev.At)
		return Result{Outcome: Escalated, From: from, To: StateError,
			Reason: fmt.Sprintf("event %s inexplicable in state %s", ev.Kind, from)}, nil
	}

	if err := m.absorbSideEffects(rec, ev); err != nil {
		if m.mode == Strict {
			return Result{Outcome: Escalated, From: from, To: from}, err
		}
		rec.setState(StateError, ev.At)
		return Result{Outcome: Escalated, From: from, To: StateError, Reason: err.Error()}, nil
	}

	to := target
	if target == stateFromFill {
		to = m.resolveDynamic(rec, ev, from)
	}
	if to == from {
		// Fill increment inside a cancel window: bookkeeping moved, state
		// did not.
		return Result{Outcome: Applied, From: from, To: to, Reason: "fill during cancel window"}, nil
	}

	rec.setState(to, ev.At)
	if to == StateError {
		return Result{Outcome: Escalated, From: from, To: to,
			Reason: fmt.Sprintf("event %s resolved to error (code=%s)", ev.Kind, ev.Code)}, nil
	}
	return Result{Outcome: Applied, From: from, To: to}, nil
}

// resolveDynamic picks the target for fill-sensitive transitions.
func (m *Machine) resolveDynamic(rec *Record, ev Event, from State) State {
	switch ev.Kind {
	case EventFill:
		if rec.Remaining().IsZero() {
			return StateFilled
		}
		if from.cancelInFlight() {
			return from
		}
		return StatePartiallyFilled
	case EventCancelled:
		if rec.Filled.IsPositive() {
			return StatePartialCancelled
		}
		return StateCancelled
	case EventInactiveNotQueued:
		// Conservative mapping: without a fill this status is treated as
		// an anomaly, not a silent cancel.
		if rec.Filled.IsPositive() {
			return StatePartialCancelled
		}
		return StateError
	}
	return from
}

// absorbDuplicate recognizes events that restate what the record already
// knows. Only consulted before the table lookup; terminal states are handled
// earlier.
func (m *Machine) absorbDuplicate(rec *Record, ev Event) (Result, bool) {
	from := rec.State
	var dup bool
	switch ev.Kind {
	case EventAck:
		dup = from == StateAcked || from == StatePartiallyFilled || from.cancelInFlight()
	case EventCancelSent:
		dup = from.cancelInFlight()
	case EventCancelAck:
		dup = from == StateCancelPending
	case EventSubmitSent:
		dup = from != StatePendingSubmit
	}
	if !dup {
		return Result{}, false
	}
	if m.mode == Strict {
		// Strict treats restatements as table misses; let Apply error.
		return Result{}, false
	}
	return Result{Outcome: Ignored, From: from, To: from,
		Reason: fmt.Sprintf("duplicate %s in state %s", ev.Kind, from)}, true
}

// absorbSideEffects applies the non-state payload of an event: identifiers
// and fill increments. Violations of record invariants surface as errors.
func (m *Machine) absorbSideEffects(rec *Record, ev Event) error {
	if ev.OrderRef != "" {
		rec.OrderRef = ev.OrderRef
	}
	if ev.SystemID != "" {
		if err := rec.SetSystemID(ev.SystemID); err != nil {
			return err
		}
	}
	if ev.Kind == EventFill {
		if err := rec.ApplyFill(ev.Qty, ev.Price); err != nil {
			return err
		}
	}
	if ev.Kind == EventReject || ev.Kind == EventBrokerError {
		rec.LastError = ev.Message
		if ev.Code != "" {
			rec.LastError = ev.Code + ": " + ev.Message
		}
	}
	return nil
}

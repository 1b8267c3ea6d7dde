// Package audit provides the append-only structured event stream every
// component of the execution core emits into. Events carry a monotonic
// sequence id and are persisted asynchronously; the sink never blocks its
// callers beyond a bounded buffer.
package audit

import "time"

// EventType classifies an audit record.
type EventType string

const (
	EventRejection          EventType = "rejection"
	EventFSMTransition      EventType = "fsm_transition"
	EventTimeoutAction      EventType = "timeout_action"
	EventRetry              EventType = "retry"
	EventCancel             EventType = "cancel"
	EventTrade              EventType = "trade"
	EventReconciliation     EventType = "reconciliation"
	EventGuardianTransition EventType = "guardian_transition"
	EventModeAction         EventType = "mode_action"
)

// Event is one audit record. Seq and RunID are stamped by the sink.
type Event struct {
	Seq   uint64    `json:"seq"`
	At    time.Time `json:"at"`
	RunID string    `json:"run_id"`

	Type   EventType `json:"type"`
	ExecID string    `json:"exec_id,omitempty"`
	Symbol string    `json:"symbol,omitempty"`

	LocalID  string `json:"local_id,omitempty"`
	OrderRef string `json:"order_ref,omitempty"`
	SystemID string `json:"system_id,omitempty"`

	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

// Recorder is the write capability handed to components.
type Recorder interface {
	Record(ev Event)
}

// NopRecorder discards everything. Useful as a default in tests.
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}

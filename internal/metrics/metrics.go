// Package metrics registers the execution core's prometheus collectors. All
// collectors live on the default registry; the HTTP surface exposes them via
// promhttp.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "engine", Name: "orders_placed_total",
		Help: "Orders handed to the broker, by instrument.",
	}, []string{"symbol"})

	OrderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "engine", Name: "order_retries_total",
		Help: "Replacement orders issued after a fill timeout, by instrument.",
	}, []string{"symbol"})

	OrderTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "engine", Name: "order_timeouts_total",
		Help: "Timeout actions taken, by timeout class (ack, fill, cancel).",
	}, []string{"class"})

	IntentRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "engine", Name: "intent_rejections_total",
		Help: "Intents refused by the pre-trade pipeline, by reason.",
	}, []string{"reason"})

	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "engine", Name: "fills_applied_total",
		Help: "Trade increments absorbed, by instrument.",
	}, []string{"symbol"})

	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "engine", Name: "escalations_total",
		Help: "Orders escalated to ERROR.",
	})

	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil", Subsystem: "engine", Name: "open_orders",
		Help: "Orders currently not in a terminal state.",
	})

	ReconcileMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "ledger", Name: "reconcile_mismatches_total",
		Help: "Reconciliation passes that found a divergence, by instrument.",
	}, []string{"symbol"})

	GuardianTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil", Subsystem: "guardian", Name: "transitions_total",
		Help: "Guardian state transitions, by target mode.",
	}, []string{"to"})

	AuditDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil", Subsystem: "audit", Name: "dropped_events",
		Help: "Audit events dropped because the sink buffer was full.",
	})

	modeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vigil", Name: "mode",
		Help: "Current operating mode (1 for the active mode).",
	}, []string{"mode"})

	modeMu   sync.Mutex
	lastMode string
)

// SetMode flips the mode gauge so exactly one label reads 1.
func SetMode(mode string) {
	modeMu.Lock()
	defer modeMu.Unlock()
	if lastMode != "" {
		modeGauge.WithLabelValues(lastMode).Set(0)
	}
	modeGauge.WithLabelValues(mode).Set(1)
	lastMode = mode
}

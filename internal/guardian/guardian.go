// Package guardian implements the supervisory state machine. It is the only
// component allowed to change the operating mode: detectors and escalation
// requests feed a bounded signal channel, one actor goroutine owns the mode
// and the transition history, and every outward action is audited.
package guardian

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"vigil/internal/audit"
	"vigil/internal/engine"
	"vigil/internal/ledger"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/metrics"
	"vigil/internal/types"
)

// EngineControl is the slice of engine behavior the guardian drives.
type EngineControl interface {
	SetMode(ctx context.Context, mode types.Mode, reason string) error
	CancelAll(reason string)
	FlattenAll(reason string)
	ReduceInstrument(symbol string, qty decimal.Decimal, reason string)
	Health() engine.HealthSnapshot
}

// Book is the ledger surface the guardian reads and resynchronizes.
type Book interface {
	Drift() map[string]int
	Position(symbol string) (ledger.PositionEntry, bool)
	Resync(ctx context.Context, src ledger.PositionSource) error
}

// BackpressureSource reports audit sink saturation.
type BackpressureSource interface {
	Backpressure() audit.Backpressure
}

// LegPair names two instruments whose positions are supposed to offset each
// other. A fill gap beyond MaxGap triggers an auto-hedge of the excess.
type LegPair struct {
	Long     string
	Short    string
	MaxGap   decimal.Decimal
	Cooldown time.Duration
}

// Config tunes the guardian.
type Config struct {
	EvaluateInterval time.Duration
	// Symbols watched for hard quote staleness.
	Symbols []string
	// RecoveryCooldown is the quiet period after a successful resync before
	// healthy-cycle counting starts.
	RecoveryCooldown time.Duration
	// HealthyCycles is the number of consecutive clean evaluations required
	// to leave REDUCE_ONLY or finish recovery.
	HealthyCycles int
	// AutoRecover attempts the recovery sequence out of HALTED. Off means a
	// halt sticks until an operator overrides.
	AutoRecover bool
	// FlattenOnHalt force-flattens when entering HALTED. Policy flag,
	// default off.
	FlattenOnHalt bool
	LegPairs      []LegPair
	QueueSize     int
}

func (c Config) withDefaults() Config {
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = time.Second
	}
	if c.RecoveryCooldown <= 0 {
		c.RecoveryCooldown = 10 * time.Second
	}
	if c.HealthyCycles <= 0 {
		c.HealthyCycles = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// SignalKind classifies an escalation request.
type SignalKind string

const (
	SignalReduceOnly SignalKind = "reduce_only_request"
	SignalHalt       SignalKind = "halt_request"
)

// Signal is one escalation request from a component.
type Signal struct {
	Kind   SignalKind
	Reason string
	At     time.Time
}

// Transition is one timestamped mode change.
type Transition struct {
	From   types.Mode
	To     types.Mode
	Reason string
	At     time.Time
}

// Status is the guardian's published read-only view.
type Status struct {
	Mode          types.Mode
	Since         time.Time
	Recovering    bool
	RecoveryStage string
	HealthyStreak int
	History       []Transition
}

const historyCap = 256

// Recovery stages, in order.
const (
	stageCancelAll = "cancel_all"
	stageResync    = "resync"
	stageCooldown  = "cooldown"
	stageObserve   = "observe"
)

type recoveryState struct {
	stage   string
	stageAt time.Time
	reason  string
}

type command struct {
	mode   types.Mode
	reason string
	reply  chan error
}

// Guardian owns the operating mode.
type Guardian struct {
	cfg    Config
	eng    EngineControl
	book   Book
	src    ledger.PositionSource
	health market.Health
	bp     BackpressureSource
	rec    audit.Recorder

	signals  chan Signal
	commands chan command
	stopC    chan struct{}
	doneC    chan struct{}
	stopOnce sync.Once

	now func() time.Time

	// Actor-owned state below.
	mode          types.Mode
	since         time.Time
	history       []Transition
	recovery      *recoveryState
	healthyStreak int
	lastHedge     map[string]time.Time

	snap atomic.Value // Status
}

// New builds a guardian in INIT. The market health source and backpressure
// source may be nil; the matching detectors are then disabled.
func New(cfg Config, eng EngineControl, book Book, src ledger.PositionSource, health market.Health, bp BackpressureSource, rec audit.Recorder) *Guardian {
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	cfg = cfg.withDefaults()
	g := &Guardian{
		cfg:       cfg,
		eng:       eng,
		book:      book,
		src:       src,
		health:    health,
		bp:        bp,
		rec:       rec,
		signals:   make(chan Signal, cfg.QueueSize),
		commands:  make(chan command),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
		now:       time.Now,
		mode:      types.ModeInit,
		since:     time.Now(),
		lastHedge: make(map[string]time.Time),
	}
	g.publish()
	return g
}

// legal is the explicit transition table. MANUAL is reachable from anywhere
// and left only by operator override.
var legal = map[types.Mode][]types.Mode{
	types.ModeInit:       {types.ModeRunning, types.ModeHalted, types.ModeManual},
	types.ModeRunning:    {types.ModeReduceOnly, types.ModeHalted, types.ModeManual},
	types.ModeReduceOnly: {types.ModeRunning, types.ModeHalted, types.ModeManual},
	types.ModeHalted:     {types.ModeRunning, types.ModeManual},
	types.ModeManual:     {types.ModeRunning, types.ModeReduceOnly, types.ModeHalted},
}

func legalTransition(from, to types.Mode) bool {
	for _, m := range legal[from] {
		if m == to {
			return true
		}
	}
	return false
}

// RequestReduceOnly satisfies ledger.Escalator and engine.Notifier. Signals
// are dropped, not blocked on, when the queue is full: the queue being full
// means escalation is already underway.
func (g *Guardian) RequestReduceOnly(reason string) {
	g.enqueue(Signal{Kind: SignalReduceOnly, Reason: reason, At: g.now()})
}

// RequestHalt satisfies ledger.Escalator and engine.Notifier.
func (g *Guardian) RequestHalt(reason string) {
	g.enqueue(Signal{Kind: SignalHalt, Reason: reason, At: g.now()})
}

func (g *Guardian) enqueue(sig Signal) {
	select {
	case g.signals <- sig:
	default:
		logger.Warnf("guardian: signal queue full, dropping %s (%s)", sig.Kind, sig.Reason)
	}
}

// Run owns the guardian until ctx is cancelled: startup, then the actor loop
// over signals, operator commands and the evaluation ticker.
func (g *Guardian) Run(ctx context.Context) error {
	defer close(g.doneC)

	g.startup(ctx)

	ticker := time.NewTicker(g.cfg.EvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stopC:
			return nil
		case sig := <-g.signals:
			g.handleSignal(ctx, sig)
			g.publish()
		case cmd := <-g.commands:
			cmd.reply <- g.handleOverride(ctx, cmd.mode, cmd.reason)
			g.publish()
		case <-ticker.C:
			g.evaluate(ctx)
			g.publish()
		}
	}
}

// Stop ends Run.
func (g *Guardian) Stop() {
	g.stopOnce.Do(func() { close(g.stopC) })
	<-g.doneC
}

// startup resynchronizes positions from the broker and, on success, moves
// INIT to RUNNING. A failed resync halts instead: trading on an unverified
// book is not an option.
func (g *Guardian) startup(ctx context.Context) {
	if g.book != nil && g.src != nil {
		if err := g.book.Resync(ctx, g.src); err != nil {
			logger.Errorf("guardian: startup resync failed: %v", err)
			g.transition(ctx, types.ModeHalted, fmt.Sprintf("startup resync failed: %v", err))
			g.publish()
			return
		}
	}
	g.transition(ctx, types.ModeRunning, "startup complete")
	g.publish()
}

func (g *Guardian) handleSignal(ctx context.Context, sig Signal) {
	switch sig.Kind {
	case SignalReduceOnly:
		if g.mode == types.ModeRunning {
			g.transition(ctx, types.ModeReduceOnly, sig.Reason)
		}
	case SignalHalt:
		if g.mode == types.ModeRunning || g.mode == types.ModeReduceOnly || g.mode == types.ModeInit {
			g.transition(ctx, types.ModeHalted, sig.Reason)
		}
	}
}

// handleOverride applies an operator mode change. Overrides respect the
// transition table but clear any recovery in progress: the operator owns the
// situation from here.
func (g *Guardian) handleOverride(ctx context.Context, mode types.Mode, reason string) error {
	if mode == g.mode {
		return nil
	}
	if !legalTransition(g.mode, mode) {
		return fmt.Errorf("transition %s -> %s not permitted", g.mode, mode)
	}
	g.recovery = nil
	g.healthyStreak = 0
	g.transition(ctx, mode, "operator: "+reason)
	return nil
}

// transition moves the mode, records history, audits, and syncs the engine.
func (g *Guardian) transition(ctx context.Context, to types.Mode, reason string) {
	if to == g.mode {
		return
	}
	if !legalTransition(g.mode, to) {
		logger.Warnf("guardian: refusing transition %s -> %s (%s)", g.mode, to, reason)
		return
	}
	from := g.mode
	now := g.now()
	g.mode = to
	g.since = now
	g.history = append(g.history, Transition{From: from, To: to, Reason: reason, At: now})
	if len(g.history) > historyCap {
		g.history = g.history[len(g.history)-historyCap:]
	}
	metrics.GuardianTransitions.WithLabelValues(string(to)).Inc()
	g.rec.Record(audit.Event{
		Type:      audit.EventGuardianTransition,
		FromState: string(from),
		ToState:   string(to),
		Reason:    reason,
	})
	logger.Warnf("guardian: %s -> %s (%s)", from, to, reason)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.eng.SetMode(sctx, to, reason); err != nil {
		logger.Errorf("guardian: engine mode sync failed: %v", err)
	}

	switch to {
	case types.ModeHalted:
		if g.cfg.FlattenOnHalt {
			g.eng.FlattenAll("halt policy: flatten")
		}
		if g.cfg.AutoRecover {
			g.beginRecovery(reason)
		} else {
			g.recovery = nil
		}
	case types.ModeReduceOnly:
		// Degrading starts the cold-start sequence immediately: outstanding
		// orders are cancelled, positions resynced, and RUNNING is reachable
		// only after the cooldown and the healthy-cycle requirement.
		g.beginRecovery(reason)
	default:
		g.recovery = nil
	}
	g.healthyStreak = 0
}

// Override applies an operator mode change through the actor loop.
func (g *Guardian) Override(ctx context.Context, mode types.Mode, reason string) error {
	reply := make(chan error, 1)
	select {
	case g.commands <- command{mode: mode, reason: reason, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopC:
		return fmt.Errorf("guardian stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll relays an operator cancel-all to the engine, audited.
func (g *Guardian) CancelAll(reason string) {
	g.rec.Record(audit.Event{Type: audit.EventModeAction, Reason: reason,
		Detail: map[string]any{"action": "cancel_all"}})
	g.eng.CancelAll(reason)
}

// FlattenAll relays an operator flatten-all to the engine, audited.
func (g *Guardian) FlattenAll(reason string) {
	g.rec.Record(audit.Event{Type: audit.EventModeAction, Reason: reason,
		Detail: map[string]any{"action": "flatten_all"}})
	g.eng.FlattenAll(reason)
}

// Status returns the latest published view. Safe from any goroutine.
func (g *Guardian) Status() Status {
	return g.snap.Load().(Status)
}

// Mode returns the current operating mode.
func (g *Guardian) Mode() types.Mode { return g.Status().Mode }

func (g *Guardian) publish() {
	history := make([]Transition, len(g.history))
	copy(history, g.history)
	st := Status{
		Mode:          g.mode,
		Since:         g.since,
		Recovering:    g.recovery != nil,
		HealthyStreak: g.healthyStreak,
		History:       history,
	}
	if g.recovery != nil {
		st.RecoveryStage = g.recovery.stage
	}
	g.snap.Store(st)
}

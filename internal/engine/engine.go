// Package engine implements the automated execution engine: one actor
// goroutine owns all order and group state, envelopes funnel intents, broker
// events and timer sweeps into it, and everything leaving the loop is a copy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"vigil/internal/audit"
	"vigil/internal/broker"
	"vigil/internal/ledger"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/metrics"
	"vigil/internal/order"
	"vigil/internal/types"
)

var (
	// ErrStopped is returned for calls made after the engine shut down.
	ErrStopped = errors.New("engine stopped")
	// ErrRejected wraps every pre-trade refusal.
	ErrRejected = errors.New("intent rejected")
)

// Notifier is the guardian's intake for engine-driven degradation requests.
// It mirrors ledger.Escalator so one guardian value serves both.
type Notifier interface {
	RequestReduceOnly(reason string)
	RequestHalt(reason string)
}

// Config tunes the engine.
type Config struct {
	// InterpretMode selects strict or tolerant event interpretation.
	// Live runs are tolerant; strict is for replay and verification.
	InterpretMode order.InterpretMode

	AckTimeout    time.Duration
	FillTimeout   time.Duration
	CancelTimeout time.Duration

	// MaxRetries bounds replacement orders per group. The timeout after the
	// budget is spent fails the group instead of retrying.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Reprice    types.RepricePolicy
	CrossTicks int

	// ThrottleRate/ThrottleBurst bound order placements per instrument.
	ThrottleRate  float64
	ThrottleBurst int

	// MaxOrderQty and MaxPositionQty are pre-trade bounds; zero disables.
	MaxOrderQty    decimal.Decimal
	MaxPositionQty decimal.Decimal

	// LiquidityFactor rejects intents whose next slice exceeds this multiple
	// of the opposite top-of-book volume; zero disables the volume check.
	LiquidityFactor decimal.Decimal

	TickInterval time.Duration
	QueueSize    int
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 3 * time.Second
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 10 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	// Zero is a legal budget (never retry); only negatives are unset.
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.Reprice == "" {
		c.Reprice = types.RepriceToBestPlusTick
	}
	if c.CrossTicks <= 0 {
		c.CrossTicks = 3
	}
	if c.ThrottleRate <= 0 {
		c.ThrottleRate = 5
	}
	if c.ThrottleBurst <= 0 {
		c.ThrottleBurst = 10
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// HealthSnapshot is the engine's read-only health view, published after every
// envelope. The guardian polls it; no lock is shared.
type HealthSnapshot struct {
	Mode         types.Mode
	OpenOrders   int
	ActiveGroups int
	StuckOrders  int    // orders currently in ERROR
	Escalations  uint64 // cumulative
	At           time.Time
}

type envKind int

const (
	envSubmit envKind = iota
	envReport
	envTrade
	envPlaceResult
	envCancelResult
	envInsertError
	envActionError
	envTick
	envSetMode
	envCancelAll
	envFlattenAll
	envCancelInstrument
	envFlattenInstrument
	envReduceInstrument
	envQueryGroups
	envQueryGroup
	envRetune
)

type placeResult struct {
	localID string
	ack     broker.Ack
	err     error
}

type cancelResult struct {
	localID string
	err     error
}

type submitReply struct {
	execID string
	err    error
}

type envelope struct {
	kind envKind

	intent types.OrderIntent
	report broker.OrderReport
	trade  types.TradeRecord
	place  placeResult
	cancel cancelResult

	mode    types.Mode
	symbol  string
	qty     decimal.Decimal
	localID string
	code    string
	message string
	reason  string
	now     time.Time

	tune Tunables

	reply  chan submitReply
	done   chan error
	groups chan []GroupView
	group  chan *GroupView
}

// Tunables are the settings safe to change while the engine runs. Structural
// settings (interpret mode, queue size, tick interval) need a restart.
type Tunables struct {
	AckTimeout    time.Duration
	FillTimeout   time.Duration
	CancelTimeout time.Duration

	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	ThrottleRate  float64
	ThrottleBurst int

	MaxOrderQty     decimal.Decimal
	MaxPositionQty  decimal.Decimal
	LiquidityFactor decimal.Decimal
}

// Engine is the automated execution engine.
type Engine struct {
	cfg     Config
	machine *order.Machine
	brk     broker.Broker
	health  market.Health
	book    *ledger.Ledger
	rec     audit.Recorder

	notifier Notifier

	instMu      sync.RWMutex
	instruments map[string]types.Instrument

	msgCh chan envelope
	stopC chan struct{}
	doneC chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	now func() time.Time

	// Actor-owned state below. Touched only inside runLoop.
	groups      map[string]*Group
	byHash      map[string]string
	orders      map[string]*order.Record
	seenTrades  map[string]time.Time
	limiters    map[string]*rate.Limiter
	mode        types.Mode
	escalations uint64
	seq         uint64
	idPrefix    string

	snap atomic.Value // HealthSnapshot
}

// New builds an engine. The ledger may be nil in narrow tests; live wiring
// always provides one so fills and flatten targets resolve.
func New(cfg Config, brk broker.Broker, health market.Health, book *ledger.Ledger, rec audit.Recorder) *Engine {
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:         cfg,
		machine:     order.NewMachine(cfg.InterpretMode),
		brk:         brk,
		health:      health,
		book:        book,
		rec:         rec,
		instruments: make(map[string]types.Instrument),
		msgCh:       make(chan envelope, cfg.QueueSize),
		stopC:       make(chan struct{}),
		doneC:       make(chan struct{}),
		now:         time.Now,
		groups:      make(map[string]*Group),
		byHash:      make(map[string]string),
		orders:      make(map[string]*order.Record),
		seenTrades:  make(map[string]time.Time),
		limiters:    make(map[string]*rate.Limiter),
		mode:        types.ModeInit,
		idPrefix:    uuid.NewString()[:8],
	}
	e.snap.Store(HealthSnapshot{Mode: types.ModeInit, At: e.now()})
	return e
}

// AttachNotifier wires the guardian intake. Must happen before Start.
func (e *Engine) AttachNotifier(n Notifier) { e.notifier = n }

// SetInstruments replaces the contract metadata used for tick rounding and
// reprice arithmetic.
func (e *Engine) SetInstruments(list []types.Instrument) {
	e.instMu.Lock()
	defer e.instMu.Unlock()
	for _, inst := range list {
		e.instruments[inst.Symbol] = inst
	}
}

func (e *Engine) instrument(symbol string) types.Instrument {
	e.instMu.RLock()
	defer e.instMu.RUnlock()
	return e.instruments[symbol]
}

// Callbacks returns the broker callback set that funnels venue events into
// the actor loop.
func (e *Engine) Callbacks() broker.Callbacks {
	return broker.Callbacks{
		OnOrderReport: e.OnOrderReport,
		OnTradeReport: e.OnTrade,
		OnOrderInsertError: func(localID, code, message string) {
			e.post(envelope{kind: envInsertError, localID: localID, code: code, message: message})
		},
		OnOrderActionError: func(localID, code, message string) {
			e.post(envelope{kind: envActionError, localID: localID, code: code, message: message})
		},
	}
}

// Start launches the actor loop and the timer sweep.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.runLoop()
		go e.tickLoop()
	})
}

// Stop shuts the actor down and waits for the loop to drain.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopC) })
	<-e.doneC
}

func (e *Engine) post(env envelope) bool {
	select {
	case e.msgCh <- env:
		return true
	case <-e.stopC:
		return false
	}
}

func (e *Engine) tickLoop() {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.post(envelope{kind: envTick, now: e.now()})
		case <-e.stopC:
			return
		}
	}
}

func (e *Engine) runLoop() {
	defer close(e.doneC)
	for {
		select {
		case env := <-e.msgCh:
			e.dispatch(env)
			e.publishSnapshot()
		case <-e.stopC:
			return
		}
	}
}

// dispatch handles one envelope with per-message panic recovery, so one bad
// event cannot take the whole loop down.
func (e *Engine) dispatch(env envelope) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("engine: panic handling envelope kind=%d: %v", env.kind, r)
			if env.reply != nil {
				env.reply <- submitReply{err: fmt.Errorf("engine: internal error: %v", r)}
			}
			if env.done != nil {
				env.done <- fmt.Errorf("engine: internal error: %v", r)
			}
		}
	}()

	switch env.kind {
	case envSubmit:
		env.reply <- e.handleSubmit(env.intent)
	case envReport:
		e.handleReport(env.report)
	case envTrade:
		e.handleTrade(env.trade)
	case envPlaceResult:
		e.handlePlaceResult(env.place)
	case envCancelResult:
		e.handleCancelResult(env.cancel)
	case envInsertError:
		e.handleBrokerError(env.localID, env.code, env.message, "insert")
	case envActionError:
		e.handleBrokerError(env.localID, env.code, env.message, "action")
	case envTick:
		e.handleTick(env.now)
		if env.done != nil {
			env.done <- nil
		}
	case envSetMode:
		env.done <- e.handleSetMode(env.mode, env.reason)
	case envCancelAll:
		e.handleCancelAll(env.reason)
	case envFlattenAll:
		e.handleFlattenAll(env.reason)
	case envCancelInstrument:
		e.handleCancelInstrument(env.symbol, env.reason)
	case envFlattenInstrument:
		e.handleFlattenInstrument(env.symbol, env.reason)
	case envReduceInstrument:
		e.handleReduceInstrument(env.symbol, env.qty, env.reason)
	case envQueryGroups:
		env.groups <- e.handleQueryGroups()
	case envQueryGroup:
		env.group <- e.handleQueryGroup(env.symbol)
	case envRetune:
		e.handleRetune(env.tune)
		env.done <- nil
	}
}

func (e *Engine) publishSnapshot() {
	open, stuck := 0, 0
	for _, rec := range e.orders {
		if rec.Open() {
			open++
		}
		if rec.State == order.StateError {
			stuck++
		}
	}
	active := 0
	for _, g := range e.groups {
		if g.State == GroupActive {
			active++
		}
	}
	metrics.OpenOrders.Set(float64(open))
	e.snap.Store(HealthSnapshot{
		Mode:         e.mode,
		OpenOrders:   open,
		ActiveGroups: active,
		StuckOrders:  stuck,
		Escalations:  e.escalations,
		At:           e.now(),
	})
}

// Health returns the latest published snapshot. Safe from any goroutine.
func (e *Engine) Health() HealthSnapshot {
	return e.snap.Load().(HealthSnapshot)
}

// Mode returns the operating mode as of the last published snapshot.
func (e *Engine) Mode() types.Mode { return e.Health().Mode }

// Submit hands one intent to the engine. Submissions are idempotent on the
// intent's content hash: a re-sent intent returns the original execution
// group id without issuing anything new.
func (e *Engine) Submit(ctx context.Context, intent types.OrderIntent) (string, error) {
	reply := make(chan submitReply, 1)
	select {
	case e.msgCh <- envelope{kind: envSubmit, intent: intent, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.stopC:
		return "", ErrStopped
	}
	select {
	case r := <-reply:
		return r.execID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnOrderReport funnels an asynchronous order report into the loop.
func (e *Engine) OnOrderReport(rep broker.OrderReport) {
	e.post(envelope{kind: envReport, report: rep})
}

// OnTrade funnels a trade report into the loop.
func (e *Engine) OnTrade(tr types.TradeRecord) {
	e.post(envelope{kind: envTrade, trade: tr})
}

// Tick runs one timer sweep at the given instant and waits for it. Used by
// tests and replay; live sweeps come from the internal ticker.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	done := make(chan error, 1)
	select {
	case e.msgCh <- envelope{kind: envTick, now: now, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopC:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMode switches the operating mode. Only the guardian calls this; the
// engine itself never changes mode.
func (e *Engine) SetMode(ctx context.Context, mode types.Mode, reason string) error {
	done := make(chan error, 1)
	select {
	case e.msgCh <- envelope{kind: envSetMode, mode: mode, reason: reason, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopC:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retune applies runtime-safe settings and waits for the swap. Used by the
// config hot-reload path.
func (e *Engine) Retune(ctx context.Context, t Tunables) error {
	done := make(chan error, 1)
	select {
	case e.msgCh <- envelope{kind: envRetune, tune: t, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopC:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleRetune(t Tunables) {
	e.cfg.AckTimeout = t.AckTimeout
	e.cfg.FillTimeout = t.FillTimeout
	e.cfg.CancelTimeout = t.CancelTimeout
	e.cfg.MaxRetries = t.MaxRetries
	e.cfg.BackoffBase = t.BackoffBase
	e.cfg.BackoffMax = t.BackoffMax
	e.cfg.ThrottleRate = t.ThrottleRate
	e.cfg.ThrottleBurst = t.ThrottleBurst
	e.cfg.MaxOrderQty = t.MaxOrderQty
	e.cfg.MaxPositionQty = t.MaxPositionQty
	e.cfg.LiquidityFactor = t.LiquidityFactor
	e.cfg = e.cfg.withDefaults()
	// Limiters carry the old rate; rebuild lazily at next use.
	e.limiters = make(map[string]*rate.Limiter)
	e.rec.Record(audit.Event{
		Type:   audit.EventModeAction,
		Reason: "engine tunables updated",
		Detail: map[string]any{"action": "retune"},
	})
	logger.Infof("engine: tunables updated (ack=%s fill=%s cancel=%s retries=%d)",
		e.cfg.AckTimeout, e.cfg.FillTimeout, e.cfg.CancelTimeout, e.cfg.MaxRetries)
}

// CancelAll requests cancellation of every open order. Fire and forget; the
// caller observes progress through Health.
func (e *Engine) CancelAll(reason string) {
	e.post(envelope{kind: envCancelAll, reason: reason})
}

// FlattenAll requests a reduce-only close of every ledger position.
func (e *Engine) FlattenAll(reason string) {
	e.post(envelope{kind: envFlattenAll, reason: reason})
}

// CancelInstrument cancels all open orders for one instrument. Satisfies
// ledger.EngineActions.
func (e *Engine) CancelInstrument(symbol, reason string) {
	e.post(envelope{kind: envCancelInstrument, symbol: symbol, reason: reason})
}

// FlattenInstrument closes one instrument's position with a reduce-only
// market order. Satisfies ledger.EngineActions.
func (e *Engine) FlattenInstrument(symbol, reason string) {
	e.post(envelope{kind: envFlattenInstrument, symbol: symbol, reason: reason})
}

// ReduceInstrument shrinks one instrument's position by qty with a
// reduce-only market order. Used by the guardian's auto-hedge.
func (e *Engine) ReduceInstrument(symbol string, qty decimal.Decimal, reason string) {
	e.post(envelope{kind: envReduceInstrument, symbol: symbol, qty: qty, reason: reason})
}

// Groups returns copies of every execution group.
func (e *Engine) Groups(ctx context.Context) ([]GroupView, error) {
	reply := make(chan []GroupView, 1)
	select {
	case e.msgCh <- envelope{kind: envQueryGroups, groups: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopC:
		return nil, ErrStopped
	}
	select {
	case views := <-reply:
		return views, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Group returns a copy of one execution group by id.
func (e *Engine) Group(ctx context.Context, execID string) (GroupView, bool, error) {
	reply := make(chan *GroupView, 1)
	select {
	case e.msgCh <- envelope{kind: envQueryGroup, symbol: execID, group: reply}:
	case <-ctx.Done():
		return GroupView{}, false, ctx.Err()
	case <-e.stopC:
		return GroupView{}, false, ErrStopped
	}
	select {
	case view := <-reply:
		if view == nil {
			return GroupView{}, false, nil
		}
		return *view, true, nil
	case <-ctx.Done():
		return GroupView{}, false, ctx.Err()
	}
}

var _ ledger.EngineActions = (*Engine)(nil)

package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vigil/internal/audit"
	"vigil/internal/broker"
	"vigil/internal/config"
	"vigil/internal/engine"
	"vigil/internal/guardian"
	"vigil/internal/ledger"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/order"
	"vigil/internal/server"
	"vigil/internal/types"
)

// AppBuilder wires the component graph. The function fields exist so tests
// can swap adapters without touching the wiring itself.
type AppBuilder struct {
	cfg *config.Config

	brokerFn func(*config.Config) (broker.Broker, error)
	storeFn  func(*config.Config) (audit.Store, error)

	configPath string
	quoteFeed  bool
}

type AppBuilderOption func(*AppBuilder)

// WithBroker overrides the broker adapter.
func WithBroker(brk broker.Broker) AppBuilderOption {
	return func(b *AppBuilder) {
		b.brokerFn = func(*config.Config) (broker.Broker, error) { return brk, nil }
	}
}

// WithAuditStore overrides the audit store.
func WithAuditStore(store audit.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(*config.Config) (audit.Store, error) { return store, nil }
	}
}

// WithConfigPath enables the hot-reload watcher on the given file.
func WithConfigPath(path string) AppBuilderOption {
	return func(b *AppBuilder) { b.configPath = path }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		brokerFn:  buildBroker,
		storeFn:   buildAuditStore,
		quoteFeed: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	instruments, symbols, err := parseInstruments(cfg.Market.Instruments)
	if err != nil {
		return nil, err
	}

	tracker := market.NewTracker(market.Thresholds{
		Soft: cfg.Market.SoftStale(),
		Hard: cfg.Market.HardStale(),
	})

	store, err := b.storeFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	runID := uuid.NewString()[:8]
	sink := audit.NewSink(runID, store, cfg.Audit.QueueSize)

	brk, err := b.brokerFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	book := ledger.New(ledger.Config{
		Tolerance:   cfg.Ledger.ToleranceDecimal(),
		Interval:    cfg.Ledger.Interval(),
		AutoFlatten: cfg.Ledger.AutoFlatten,
	}, sink)

	eng := engine.New(engineConfig(&cfg.Engine), brk, tracker, book, sink)
	eng.SetInstruments(instruments)
	brk.SetCallbacks(eng.Callbacks())
	book.AttachEngine(eng)

	watched := cfg.Guardian.Symbols
	if len(watched) == 0 {
		watched = symbols
	}
	grd := guardian.New(guardianConfig(&cfg.Guardian, watched), eng, book, brk, tracker, sink, sink)
	eng.AttachNotifier(grd)
	book.AttachEscalator(grd)

	srv, err := server.NewServer(server.Config{
		Addr:         cfg.Server.Addr,
		JWTSecret:    cfg.Server.JWTSecret,
		AuthDisabled: cfg.Server.AuthDisabled,
		Engine:       eng,
		Guardian:     grd,
		Book:         book,
		Log:          store,
	})
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}

	app := &App{
		cfg:  cfg,
		brk:  brk,
		sink: sink,
		book: book,
		eng:  eng,
		grd:  grd,
		srv:  srv,
	}

	if b.quoteFeed && isBinance(cfg) {
		app.feed = market.NewBinanceFeed(tracker, symbols)
	}

	if b.configPath != "" {
		watch, err := config.NewWatcher(b.configPath, func(next *config.Config) {
			logger.SetLevel(next.App.LogLevel)
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := eng.Retune(rctx, engineTunables(&next.Engine)); err != nil {
				logger.Warnf("config reload: engine retune failed: %v", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("config watcher: %w", err)
		}
		app.watch = watch
	}

	return app, nil
}

func parseInstruments(list []config.InstrumentConfig) ([]types.Instrument, []string, error) {
	instruments := make([]types.Instrument, 0, len(list))
	symbols := make([]string, 0, len(list))
	for _, ic := range list {
		tick, err := decimal.NewFromString(strings.TrimSpace(ic.TickSize))
		if err != nil {
			return nil, nil, fmt.Errorf("instrument %s: bad tick_size %q", ic.Symbol, ic.TickSize)
		}
		lot, err := decimal.NewFromString(strings.TrimSpace(ic.LotSize))
		if err != nil {
			return nil, nil, fmt.Errorf("instrument %s: bad lot_size %q", ic.Symbol, ic.LotSize)
		}
		instruments = append(instruments, types.Instrument{
			Symbol:   ic.Symbol,
			TickSize: tick,
			LotSize:  lot,
		})
		symbols = append(symbols, ic.Symbol)
	}
	return instruments, symbols, nil
}

func isBinance(cfg *config.Config) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Broker.Adapter), "binance")
}

func buildBroker(cfg *config.Config) (broker.Broker, error) {
	if !isBinance(cfg) {
		return broker.NewSim(), nil
	}
	return broker.NewBinance(broker.BinanceConfig{
		APIKey:      cfg.Broker.APIKey,
		APISecret:   cfg.Broker.APISecret,
		RESTBaseURL: cfg.Broker.RESTBaseURL,
		Testnet:     cfg.Broker.Testnet,
	})
}

func buildAuditStore(cfg *config.Config) (audit.Store, error) {
	path := strings.TrimSpace(cfg.Audit.DBPath)
	if path == "" {
		return audit.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return audit.NewGormStore(path)
}

func engineConfig(ec *config.EngineConfig) engine.Config {
	mode := order.Tolerant
	if strings.EqualFold(strings.TrimSpace(ec.InterpretMode), "strict") {
		mode = order.Strict
	}
	return engine.Config{
		InterpretMode:   mode,
		AckTimeout:      ec.AckTimeout(),
		FillTimeout:     ec.FillTimeout(),
		CancelTimeout:   ec.CancelTimeout(),
		MaxRetries:      ec.MaxRetries,
		BackoffBase:     ec.BackoffBase(),
		BackoffMax:      ec.BackoffMax(),
		Reprice:         types.ParseRepricePolicy(ec.RepricePolicy),
		CrossTicks:      ec.CrossTicks,
		ThrottleRate:    ec.ThrottleRate,
		ThrottleBurst:   ec.ThrottleBurst,
		MaxOrderQty:     ec.MaxOrderQtyDecimal(),
		MaxPositionQty:  ec.MaxPositionQtyDecimal(),
		LiquidityFactor: ec.LiquidityFactorDecimal(),
		TickInterval:    ec.TickInterval(),
		QueueSize:       ec.QueueSize,
	}
}

func engineTunables(ec *config.EngineConfig) engine.Tunables {
	return engine.Tunables{
		AckTimeout:      ec.AckTimeout(),
		FillTimeout:     ec.FillTimeout(),
		CancelTimeout:   ec.CancelTimeout(),
		MaxRetries:      ec.MaxRetries,
		BackoffBase:     ec.BackoffBase(),
		BackoffMax:      ec.BackoffMax(),
		ThrottleRate:    ec.ThrottleRate,
		ThrottleBurst:   ec.ThrottleBurst,
		MaxOrderQty:     ec.MaxOrderQtyDecimal(),
		MaxPositionQty:  ec.MaxPositionQtyDecimal(),
		LiquidityFactor: ec.LiquidityFactorDecimal(),
	}
}

func guardianConfig(gc *config.GuardianConfig, symbols []string) guardian.Config {
	pairs := make([]guardian.LegPair, 0, len(gc.LegPairs))
	for _, pc := range gc.LegPairs {
		pairs = append(pairs, guardian.LegPair{
			Long:     pc.Long,
			Short:    pc.Short,
			MaxGap:   pc.MaxGapDecimal(),
			Cooldown: pc.Cooldown(),
		})
	}
	return guardian.Config{
		EvaluateInterval: gc.EvaluateInterval(),
		Symbols:          symbols,
		RecoveryCooldown: gc.RecoveryCooldown(),
		HealthyCycles:    gc.HealthyCycles,
		AutoRecover:      gc.AutoRecover,
		FlattenOnHalt:    gc.FlattenOnHalt,
		LegPairs:         pairs,
		QueueSize:        gc.QueueSize,
	}
}

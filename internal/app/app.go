// Package app assembles the execution core: config in, a wired set of
// broker, market, ledger, engine, guardian and HTTP server out.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"vigil/internal/audit"
	"vigil/internal/broker"
	"vigil/internal/config"
	"vigil/internal/engine"
	"vigil/internal/guardian"
	"vigil/internal/ledger"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/server"
)

// App holds the wired components. Construction does not start anything;
// Run owns every goroutine's lifecycle.
type App struct {
	cfg *config.Config

	brk   broker.Broker
	feed  *market.BinanceFeed
	sink  *audit.Sink
	book  *ledger.Ledger
	eng   *engine.Engine
	grd   *guardian.Guardian
	srv   *server.Server
	watch *config.Watcher
}

// NewApp builds the application from a loaded config.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Engine exposes the engine for test harnesses.
func (a *App) Engine() *engine.Engine { return a.eng }

// Guardian exposes the guardian for test harnesses.
func (a *App) Guardian() *guardian.Guardian { return a.grd }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Shutdown order matters: the guardian stops driving the engine
// before the engine drains, and the audit sink flushes last.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}

	a.eng.Start()
	defer a.eng.Stop()
	defer func() {
		if err := a.sink.Close(); err != nil {
			logger.Errorf("audit sink close: %v", err)
		}
	}()

	if a.watch != nil {
		a.watch.Start(ctx)
		defer a.watch.Stop()
	}

	group, ctx := errgroup.WithContext(ctx)

	if bin, ok := a.brk.(*broker.Binance); ok {
		if err := bin.Start(ctx); err != nil {
			return fmt.Errorf("broker stream: %w", err)
		}
		defer bin.Stop()
	}
	if a.feed != nil {
		if err := a.feed.Start(ctx); err != nil {
			return fmt.Errorf("market feed: %w", err)
		}
	}

	group.Go(func() error {
		a.book.Run(ctx, a.brk)
		return nil
	})
	group.Go(func() error {
		return a.grd.Run(ctx)
	})
	group.Go(func() error {
		if err := a.srv.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	logger.Infof("vigil up: broker=%s addr=%s mode=%s",
		a.brk.Name(), a.srv.Addr(), a.grd.Mode())
	return group.Wait()
}

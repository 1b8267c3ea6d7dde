package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"vigil/internal/logger"
)

// BinanceFeed streams binance futures book tickers into a Tracker.
type BinanceFeed struct {
	tracker *Tracker
	symbols []string
	stops   []chan struct{}
}

// NewBinanceFeed wires a feed for the given symbols.
func NewBinanceFeed(tracker *Tracker, symbols []string) *BinanceFeed {
	clean := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			clean = append(clean, s)
		}
	}
	return &BinanceFeed{tracker: tracker, symbols: clean}
}

// Start opens one book-ticker stream per symbol. Streams reconnect with a
// short delay until ctx is cancelled.
func (f *BinanceFeed) Start(ctx context.Context) error {
	if len(f.symbols) == 0 {
		return fmt.Errorf("binance feed has no symbols")
	}
	for _, symbol := range f.symbols {
		sym := symbol
		go f.serveSymbol(ctx, sym)
	}
	return nil
}

func (f *BinanceFeed) serveSymbol(ctx context.Context, symbol string) {
	for {
		doneC, stopC, err := futures.WsBookTickerServe(symbol, f.handleTicker, func(err error) {
			logger.Warnf("book ticker stream %s: %v", symbol, err)
		})
		if err != nil {
			logger.Warnf("book ticker connect %s failed: %v", symbol, err)
		} else {
			select {
			case <-ctx.Done():
				close(stopC)
				return
			case <-doneC:
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *BinanceFeed) handleTicker(ev *futures.WsBookTickerEvent) {
	if ev == nil {
		return
	}
	bid, berr := decimal.NewFromString(ev.BestBidPrice)
	ask, aerr := decimal.NewFromString(ev.BestAskPrice)
	if berr != nil || aerr != nil {
		return
	}
	bidVol, _ := decimal.NewFromString(ev.BestBidQty)
	askVol, _ := decimal.NewFromString(ev.BestAskQty)
	f.tracker.Update(BookTop{
		Symbol: ev.Symbol,
		Bid:    bid,
		Ask:    ask,
		BidVol: bidVol,
		AskVol: askVol,
		At:     time.Now(),
	})
}

package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"vigil/internal/logger"
	"vigil/internal/order"
	"vigil/internal/types"
)

// BinanceConfig configures the live USDT-margined futures adapter.
type BinanceConfig struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	Testnet     bool
}

// Binance routes orders to binance USDT-margined futures and converts the
// user-data stream into normalized order/trade reports.
type Binance struct {
	cfg    BinanceConfig
	client *futures.Client

	mu sync.Mutex
	cb Callbacks

	stopC  chan struct{}
	doneWg sync.WaitGroup
}

// NewBinance builds the live adapter. Credentials are required for order
// routing; the constructor does not hit the network.
func NewBinance(cfg BinanceConfig) (*Binance, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("binance broker requires api key and secret")
	}
	futures.UseTestnet = cfg.Testnet
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if base := strings.TrimSpace(cfg.RESTBaseURL); base != "" {
		client.BaseURL = base
	}
	return &Binance{cfg: cfg, client: client, stopC: make(chan struct{})}, nil
}

func (b *Binance) Name() string { return "binance-futures" }

func (b *Binance) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

func (b *Binance) callbacks() Callbacks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binanceSide(req.Side)).
		NewClientOrderID(req.LocalID).
		Quantity(req.Quantity.String())
	if req.Price.IsPositive() {
		tif := futures.TimeInForceTypeGTC
		if req.TimeInForce != "" {
			tif = futures.TimeInForceType(req.TimeInForce)
		}
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(tif).Price(req.Price.String())
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return Ack{}, err
	}
	if resp == nil || resp.OrderID == 0 {
		return Ack{}, ErrNoOrderRef
	}
	return Ack{OrderRef: strconv.FormatInt(resp.OrderID, 10)}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, key CancelKey) error {
	svc := b.client.NewCancelOrderService().Symbol(key.Symbol)
	if key.OrderRef != "" {
		id, err := strconv.ParseInt(key.OrderRef, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid binance order ref %q: %w", key.OrderRef, err)
		}
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(key.LocalID)
	}
	_, err := svc.Do(ctx)
	return err
}

func (b *Binance) QueryPositions(ctx context.Context) ([]PositionSnapshot, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PositionSnapshot, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		qty, err := decimal.NewFromString(r.PositionAmt)
		if err != nil || qty.IsZero() {
			continue
		}
		cost, _ := decimal.NewFromString(r.EntryPrice)
		out = append(out, PositionSnapshot{Symbol: r.Symbol, NetQty: qty, AvgCost: cost})
	}
	return out, nil
}

// Start opens the user-data stream and keeps its listen key alive until ctx
// is cancelled or Stop is called.
func (b *Binance) Start(ctx context.Context) error {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, b.handleUserData, func(err error) {
		logger.Errorf("binance user stream error: %v", err)
	})
	if err != nil {
		return fmt.Errorf("serve user stream: %w", err)
	}

	b.doneWg.Add(1)
	go func() {
		defer b.doneWg.Done()
		ticker := time.NewTicker(25 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				kctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(kctx); err != nil {
					logger.Warnf("binance listen key keepalive failed: %v", err)
				}
				cancel()
			case <-doneC:
				return
			case <-ctx.Done():
				close(stopC)
				return
			case <-b.stopC:
				close(stopC)
				return
			}
		}
	}()
	return nil
}

// Stop tears the user-data stream down.
func (b *Binance) Stop() {
	select {
	case <-b.stopC:
	default:
		close(b.stopC)
	}
	b.doneWg.Wait()
}

func (b *Binance) handleUserData(ev *futures.WsUserDataEvent) {
	if ev == nil || ev.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	upd := ev.OrderTradeUpdate
	cb := b.callbacks()
	localID := upd.ClientOrderID
	at := time.UnixMilli(ev.Time)
	ref := strconv.FormatInt(upd.ID, 10)

	switch upd.ExecutionType {
	case futures.OrderExecutionTypeNew:
		b.deliverOrderReport(cb, OrderReport{LocalID: localID, Event: order.Event{
			Kind: order.EventAck, OrderRef: ref, SystemID: ref, At: at,
		}})
	case futures.OrderExecutionTypeTrade:
		// Fills reach the engine as trade reports only; emitting both a
		// fill report and a trade would double-count the increment.
		qty, qerr := decimal.NewFromString(upd.LastFilledQty)
		price, perr := decimal.NewFromString(upd.LastFilledPrice)
		if qerr != nil || perr != nil || !qty.IsPositive() {
			return
		}
		if cb.OnTradeReport != nil {
			cb.OnTradeReport(types.TradeRecord{
				TradeID:  strconv.FormatInt(upd.TradeID, 10),
				Symbol:   upd.Symbol,
				Side:     sideFromBinance(upd.Side),
				Quantity: qty,
				Price:    price,
				Time:     at,
				LocalID:  localID,
			})
		}
	case futures.OrderExecutionTypeCanceled:
		b.deliverOrderReport(cb, OrderReport{LocalID: localID, Event: order.Event{
			Kind: order.EventCancelled, OrderRef: ref, At: at,
		}})
	case futures.OrderExecutionTypeExpired:
		// Off the book without an explicit cancel: the ambiguous
		// "inactive, not in queue" class.
		b.deliverOrderReport(cb, OrderReport{LocalID: localID, Event: order.Event{
			Kind: order.EventInactiveNotQueued, OrderRef: ref,
			Code: string(upd.Status), At: at,
		}})
	default:
		if upd.Status == futures.OrderStatusTypeRejected {
			b.deliverOrderReport(cb, OrderReport{LocalID: localID, Event: order.Event{
				Kind: order.EventReject, Code: string(upd.Status), At: at,
			}})
		}
	}
}

func (b *Binance) deliverOrderReport(cb Callbacks, rep OrderReport) {
	if cb.OnOrderReport != nil {
		cb.OnOrderReport(rep)
	}
}

func binanceSide(s types.Side) futures.SideType {
	if s == types.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func sideFromBinance(s futures.SideType) types.Side {
	if s == futures.SideTypeSell {
		return types.SideSell
	}
	return types.SideBuy
}

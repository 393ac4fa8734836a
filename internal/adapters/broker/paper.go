package broker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// PaperBroker is an in-memory broker used in paper mode and tests. Orders
// fill immediately at the last known price.
type PaperBroker struct {
	mu         sync.Mutex
	clock      clockpkg.Clock
	cash       decimal.Decimal
	positions  map[string]*models.Position
	orders     map[string]*models.BrokerOrder
	orderList  []string
	prices     map[string]decimal.Decimal
	history    []EquityPoint
	assetClass models.AssetClass
}

// NewPaperBroker creates a paper broker seeded with starting cash
func NewPaperBroker(clk clockpkg.Clock, startingCash float64, assetClass models.AssetClass) *PaperBroker {
	return &PaperBroker{
		clock:      clk,
		cash:       decimal.NewFromFloat(startingCash),
		positions:  make(map[string]*models.Position),
		orders:     make(map[string]*models.BrokerOrder),
		prices:     make(map[string]decimal.Decimal),
		assetClass: assetClass,
	}
}

// SetPrice pins the fill price for a symbol
func (b *PaperBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = decimal.NewFromFloat(price)
}

func (b *PaperBroker) GetName() string {
	return "paper"
}

func (b *PaperBroker) AssetClass() models.AssetClass {
	return b.assetClass
}

// GetAccount returns the account snapshot
func (b *PaperBroker) GetAccount(ctx context.Context) (*models.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for _, pos := range b.positions {
		equity = equity.Add(pos.MarketValue)
	}

	return &models.Account{
		ID:          "paper-account",
		Cash:        b.cash,
		Equity:      equity,
		BuyingPower: b.cash,
		Currency:    "USD",
	}, nil
}

// GetPositions returns all open positions
func (b *PaperBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// GetPosition returns one position or NOT_FOUND
func (b *PaperBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "no position in %s", symbol)
	}
	copied := *pos
	return &copied, nil
}

// GetClock derives the session state from the exchange calendar
func (b *PaperBroker) GetClock(ctx context.Context) (*models.MarketClock, error) {
	nowMS := b.clock.NowMS()
	open := b.assetClass == models.AssetCrypto || clockpkg.IsMarketHours(nowMS)
	return &models.MarketClock{
		TimestampMS: nowMS,
		IsOpen:      open,
	}, nil
}

// GetCalendar returns synthetic session entries
func (b *PaperBroker) GetCalendar(ctx context.Context, days int) ([]models.MarketClock, error) {
	entries := make([]models.MarketClock, 0, days)
	for i := 0; i < days; i++ {
		ms := b.clock.NowMS() + int64(i)*24*time.Hour.Milliseconds()
		entries = append(entries, models.MarketClock{
			TimestampMS: ms,
			IsOpen:      clockpkg.IsWeekday(ms),
		})
	}
	return entries, nil
}

// GetAsset reports any non-empty symbol as tradable
func (b *PaperBroker) GetAsset(ctx context.Context, symbol string) (bool, error) {
	return symbol != "", nil
}

// CreateOrder fills the order immediately at the pinned price
func (b *PaperBroker) CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.BrokerOrder, error) {
	if req.Symbol == "" {
		return nil, faults.New(faults.KindInvalidInput, "symbol is required")
	}
	if req.Qty == nil && req.Notional == nil {
		return nil, faults.New(faults.KindInvalidInput, "qty or notional is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[req.Symbol]
	if !ok {
		price = decimal.NewFromInt(100)
	}

	var qty, notional decimal.Decimal
	if req.Notional != nil {
		notional = *req.Notional
		qty = notional.DivRound(price, 6)
	} else {
		qty = *req.Qty
		notional = qty.Mul(price)
	}

	if req.Side == models.SideBuy && notional.GreaterThan(b.cash) {
		return nil, faults.Newf(faults.KindInsufficientBuyingPower,
			"order notional %s exceeds cash %s", notional, b.cash)
	}

	order := &models.BrokerOrder{
		ID:            ident.RandomHex(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Qty:           &qty,
		Notional:      &notional,
		Type:          req.Type,
		Status:        "filled",
		FilledAvgPx:   &price,
		SubmittedAt:   b.clock.Now(),
	}
	b.orders[order.ID] = order
	b.orderList = append(b.orderList, order.ID)

	b.applyFill(req.Symbol, req.Side, qty, price)

	logger.Debug("paper order filled",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
	)

	return order, nil
}

func (b *PaperBroker) applyFill(symbol string, side models.OrderSide, qty, price decimal.Decimal) {
	notional := qty.Mul(price)

	if side == models.SideBuy {
		b.cash = b.cash.Sub(notional)
		pos, ok := b.positions[symbol]
		if !ok {
			b.positions[symbol] = &models.Position{
				Symbol:        symbol,
				Qty:           qty,
				AvgEntryPrice: price,
				MarketValue:   notional,
				AssetClass:    b.assetClass,
				Side:          "long",
			}
			return
		}
		totalCost := pos.AvgEntryPrice.Mul(pos.Qty).Add(notional)
		pos.Qty = pos.Qty.Add(qty)
		pos.AvgEntryPrice = totalCost.DivRound(pos.Qty, 6)
		pos.MarketValue = pos.Qty.Mul(price)
		return
	}

	b.cash = b.cash.Add(notional)
	pos, ok := b.positions[symbol]
	if !ok {
		return
	}
	pos.Qty = pos.Qty.Sub(qty)
	if pos.Qty.LessThanOrEqual(decimal.Zero) {
		delete(b.positions, symbol)
		return
	}
	pos.MarketValue = pos.Qty.Mul(price)
}

// GetOrder fetches one order by broker id
func (b *PaperBroker) GetOrder(ctx context.Context, orderID string) (*models.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "order %s not found", orderID)
	}
	copied := *order
	return &copied, nil
}

// ListOrders fetches recent orders, newest first
func (b *PaperBroker) ListOrders(ctx context.Context, limit int) ([]models.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.BrokerOrder, 0, limit)
	for i := len(b.orderList) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *b.orders[b.orderList[i]])
	}
	return out, nil
}

// CancelOrder is a no-op for filled paper orders
func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[orderID]; !ok {
		return faults.Newf(faults.KindNotFound, "order %s not found", orderID)
	}
	return nil
}

// CancelAllOrders is a no-op for filled paper orders
func (b *PaperBroker) CancelAllOrders(ctx context.Context) error {
	return nil
}

// ClosePosition liquidates one position at the pinned price
func (b *PaperBroker) ClosePosition(ctx context.Context, symbol string) (*models.BrokerOrder, error) {
	b.mu.Lock()
	pos, ok := b.positions[symbol]
	if !ok {
		b.mu.Unlock()
		return nil, faults.Newf(faults.KindNotFound, "no position in %s", symbol)
	}
	qty := pos.Qty
	b.mu.Unlock()

	return b.CreateOrder(ctx, &models.OrderRequest{
		Symbol:      symbol,
		Side:        models.SideSell,
		Qty:         &qty,
		Type:        models.TypeMarket,
		TimeInForce: models.TIFDay,
		AssetClass:  b.assetClass,
	})
}

// GetPortfolioHistory returns recorded equity samples
func (b *PaperBroker) GetPortfolioHistory(ctx context.Context, days int) ([]EquityPoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]EquityPoint, len(b.history))
	copy(out, b.history)
	return out, nil
}

// RecordEquitySample appends an equity point, used by the hourly loop
func (b *PaperBroker) RecordEquitySample(ctx context.Context) {
	account, err := b.GetAccount(ctx)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var pl decimal.Decimal
	if len(b.history) > 0 {
		pl = account.Equity.Sub(b.history[len(b.history)-1].Equity)
	}
	b.history = append(b.history, EquityPoint{
		TimestampMS: b.clock.NowMS(),
		Equity:      account.Equity,
		ProfitLoss:  pl,
	})
}

// NullOptions is the nullable options capability
type NullOptions struct{}

// IsConfigured reports options data as unavailable
func (NullOptions) IsConfigured() bool { return false }

// GetExpirations reports NOT_SUPPORTED
func (NullOptions) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return nil, faults.New(faults.KindNotSupported, "options data not configured")
}

// GetChain reports NOT_SUPPORTED
func (NullOptions) GetChain(ctx context.Context, symbol, expiration string) ([]OptionContract, error) {
	return nil, faults.New(faults.KindNotSupported, "options data not configured")
}

// GetSnapshots reports NOT_SUPPORTED
func (NullOptions) GetSnapshots(ctx context.Context, contracts []string) (map[string]OptionSnapshot, error) {
	return nil, faults.New(faults.KindNotSupported, "options data not configured")
}

var _ Broker = (*PaperBroker)(nil)
var _ OptionsChain = (*NullOptions)(nil)

// StaticMarketData serves pinned bars and quotes; paper mode and tests
type StaticMarketData struct {
	mu    sync.Mutex
	bars  map[string][]models.Bar
	quote map[string]models.Quote
}

// NewStaticMarketData creates an empty static market data source
func NewStaticMarketData() *StaticMarketData {
	return &StaticMarketData{
		bars:  make(map[string][]models.Bar),
		quote: make(map[string]models.Quote),
	}
}

// SetBars pins the daily bars for a symbol
func (m *StaticMarketData) SetBars(symbol string, bars []models.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[symbol] = bars
}

// SetQuote pins the quote for a symbol
func (m *StaticMarketData) SetQuote(symbol string, quote models.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quote[symbol] = quote
}

// GetBars returns pinned daily bars
func (m *StaticMarketData) GetBars(ctx context.Context, symbol string, days int) ([]models.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bars, ok := m.bars[symbol]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "no bars for %s", symbol)
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]models.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// GetLatestBar returns the most recent pinned bar
func (m *StaticMarketData) GetLatestBar(ctx context.Context, symbol string) (*models.Bar, error) {
	bars, err := m.GetBars(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, faults.Newf(faults.KindNotFound, "no bars for %s", symbol)
	}
	return &bars[len(bars)-1], nil
}

// GetLatestBars returns the most recent pinned bar per symbol
func (m *StaticMarketData) GetLatestBars(ctx context.Context, symbols []string) (map[string]models.Bar, error) {
	out := make(map[string]models.Bar, len(symbols))
	for _, symbol := range symbols {
		bar, err := m.GetLatestBar(ctx, symbol)
		if err != nil {
			continue
		}
		out[symbol] = *bar
	}
	return out, nil
}

// GetQuote returns the pinned quote
func (m *StaticMarketData) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.quote[symbol]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "no quote for %s", symbol)
	}
	return &quote, nil
}

var _ MarketData = (*StaticMarketData)(nil)

package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/selivandex/tradeswarm/pkg/models"
)

// Broker is the order/account capability. Provider adapters (Alpaca, OKX)
// live behind this interface; the core never sees provider wire formats.
type Broker interface {
	// GetName returns provider name ("paper", "alpaca", "okx")
	GetName() string

	// AssetClass returns the venue's asset class
	AssetClass() models.AssetClass

	// GetAccount returns the account snapshot
	GetAccount(ctx context.Context) (*models.Account, error)

	// GetPositions returns all open positions
	GetPositions(ctx context.Context) ([]models.Position, error)

	// GetPosition returns one position or NOT_FOUND
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)

	// GetClock returns the market session snapshot
	GetClock(ctx context.Context) (*models.MarketClock, error)

	// GetCalendar returns upcoming session open/close timestamps
	GetCalendar(ctx context.Context, days int) ([]models.MarketClock, error)

	// GetAsset reports whether the symbol is tradable on this venue
	GetAsset(ctx context.Context, symbol string) (tradable bool, err error)

	// CreateOrder submits an order
	CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.BrokerOrder, error)

	// GetOrder fetches one order by broker id
	GetOrder(ctx context.Context, orderID string) (*models.BrokerOrder, error)

	// ListOrders fetches recent orders
	ListOrders(ctx context.Context, limit int) ([]models.BrokerOrder, error)

	// CancelOrder cancels one order
	CancelOrder(ctx context.Context, orderID string) error

	// CancelAllOrders cancels every open order
	CancelAllOrders(ctx context.Context) error

	// ClosePosition liquidates one position at market
	ClosePosition(ctx context.Context, symbol string) (*models.BrokerOrder, error)

	// GetPortfolioHistory returns recent equity points, newest last
	GetPortfolioHistory(ctx context.Context, days int) ([]EquityPoint, error)
}

// EquityPoint is one sample of account equity over time
type EquityPoint struct {
	TimestampMS int64           `json:"timestamp_ms"`
	Equity      decimal.Decimal `json:"equity"`
	ProfitLoss  decimal.Decimal `json:"profit_loss"`
}

// MarketData is the quotes/bars capability
type MarketData interface {
	// GetBars returns daily bars, oldest first
	GetBars(ctx context.Context, symbol string, days int) ([]models.Bar, error)

	// GetLatestBar returns the most recent bar
	GetLatestBar(ctx context.Context, symbol string) (*models.Bar, error)

	// GetLatestBars returns the most recent bar per symbol
	GetLatestBars(ctx context.Context, symbols []string) (map[string]models.Bar, error)

	// GetQuote returns the current top-of-book quote
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
}

// OptionsChain is the options capability; the nullable implementation
// reports NOT_SUPPORTED for every call
type OptionsChain interface {
	// IsConfigured reports whether options data is available
	IsConfigured() bool

	// GetExpirations lists expiration dates for a symbol
	GetExpirations(ctx context.Context, symbol string) ([]string, error)

	// GetChain lists contracts for a symbol and expiration
	GetChain(ctx context.Context, symbol, expiration string) ([]OptionContract, error)

	// GetSnapshots returns greeks/quotes per contract
	GetSnapshots(ctx context.Context, contracts []string) (map[string]OptionSnapshot, error)
}

// OptionContract identifies one listed option
type OptionContract struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Expiration string          `json:"expiration"`
	Strike     decimal.Decimal `json:"strike"`
	Type       string          `json:"type"` // call or put
}

// OptionSnapshot carries the pricing state of one contract
type OptionSnapshot struct {
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Delta  float64         `json:"delta"`
	OpenPx decimal.Decimal `json:"open_px"`
}

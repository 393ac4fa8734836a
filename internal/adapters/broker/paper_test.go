package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

func init() {
	logger.InitNop()
}

func notional(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestPaperBroker_BuyFillsAndDebitsCash(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	broker := NewPaperBroker(clk, 10_000, models.AssetUSEquity)
	broker.SetPrice("AAPL", 200)

	order, err := broker.CreateOrder(context.Background(), &models.OrderRequest{
		Symbol:      "AAPL",
		Side:        models.SideBuy,
		Notional:    notional(1000),
		Type:        models.TypeMarket,
		TimeInForce: models.TIFDay,
		AssetClass:  models.AssetUSEquity,
	})
	require.NoError(t, err)
	assert.Equal(t, "filled", order.Status)

	account, err := broker.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9000", account.Cash.String())
	assert.Equal(t, "10000", account.Equity.String(), "equity is cash plus market value")

	position, err := broker.GetPosition(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "5", position.Qty.String())
}

func TestPaperBroker_InsufficientCash(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	broker := NewPaperBroker(clk, 100, models.AssetUSEquity)
	broker.SetPrice("AAPL", 200)

	_, err := broker.CreateOrder(context.Background(), &models.OrderRequest{
		Symbol:     "AAPL",
		Side:       models.SideBuy,
		Notional:   notional(1000),
		Type:       models.TypeMarket,
		AssetClass: models.AssetUSEquity,
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindInsufficientBuyingPower, faults.KindOf(err))
}

func TestPaperBroker_AveragesEntryPrice(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	broker := NewPaperBroker(clk, 100_000, models.AssetUSEquity)

	broker.SetPrice("MSFT", 100)
	qty := decimal.NewFromInt(10)
	_, err := broker.CreateOrder(context.Background(), &models.OrderRequest{
		Symbol: "MSFT", Side: models.SideBuy, Qty: &qty,
		Type: models.TypeMarket, AssetClass: models.AssetUSEquity,
	})
	require.NoError(t, err)

	broker.SetPrice("MSFT", 200)
	_, err = broker.CreateOrder(context.Background(), &models.OrderRequest{
		Symbol: "MSFT", Side: models.SideBuy, Qty: &qty,
		Type: models.TypeMarket, AssetClass: models.AssetUSEquity,
	})
	require.NoError(t, err)

	position, err := broker.GetPosition(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "20", position.Qty.String())
	assert.Equal(t, "150", position.AvgEntryPrice.String())
}

func TestPaperBroker_SellClosesPosition(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	broker := NewPaperBroker(clk, 10_000, models.AssetUSEquity)
	broker.SetPrice("TSLA", 100)

	qty := decimal.NewFromInt(5)
	_, err := broker.CreateOrder(context.Background(), &models.OrderRequest{
		Symbol: "TSLA", Side: models.SideBuy, Qty: &qty,
		Type: models.TypeMarket, AssetClass: models.AssetUSEquity,
	})
	require.NoError(t, err)

	_, err = broker.ClosePosition(context.Background(), "TSLA")
	require.NoError(t, err)

	_, err = broker.GetPosition(context.Background(), "TSLA")
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))

	account, _ := broker.GetAccount(context.Background())
	assert.Equal(t, "10000", account.Cash.String())
}

func TestPaperBroker_RejectsInvalidOrders(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	broker := NewPaperBroker(clk, 10_000, models.AssetUSEquity)

	_, err := broker.CreateOrder(context.Background(), &models.OrderRequest{Side: models.SideBuy})
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))

	_, err = broker.CreateOrder(context.Background(), &models.OrderRequest{Symbol: "AAPL", Side: models.SideBuy})
	assert.Equal(t, faults.KindInvalidInput, faults.KindOf(err))
}

func TestPaperBroker_ListOrdersNewestFirst(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	broker := NewPaperBroker(clk, 10_000, models.AssetUSEquity)
	broker.SetPrice("A", 10)
	broker.SetPrice("B", 10)

	for _, symbol := range []string{"A", "B"} {
		_, err := broker.CreateOrder(context.Background(), &models.OrderRequest{
			Symbol: symbol, Side: models.SideBuy, Notional: notional(100),
			Type: models.TypeMarket, AssetClass: models.AssetUSEquity,
		})
		require.NoError(t, err)
	}

	orders, err := broker.ListOrders(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "B", orders[0].Symbol)
}

func TestNullOptions_ReportsNotSupported(t *testing.T) {
	options := NullOptions{}
	assert.False(t, options.IsConfigured())

	_, err := options.GetExpirations(context.Background(), "AAPL")
	assert.Equal(t, faults.KindNotSupported, faults.KindOf(err))
}

func TestStaticMarketData_BarsWindow(t *testing.T) {
	data := NewStaticMarketData()
	bars := make([]models.Bar, 0, 30)
	for i := 0; i < 30; i++ {
		bars = append(bars, models.Bar{Symbol: "SPY", Volume: float64(i)})
	}
	data.SetBars("SPY", bars)

	window, err := data.GetBars(context.Background(), "SPY", 10)
	require.NoError(t, err)
	assert.Len(t, window, 10)
	assert.Equal(t, 29.0, window[9].Volume, "the newest bars are kept")
}

package policy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// marketOpenMS is a Tuesday 10:00 ET timestamp
var marketOpenMS = time.Date(2024, 3, 5, 10, 0, 0, 0, clockpkg.NYLocation()).UnixMilli()

func notional(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func baseInput() Input {
	cfg := DefaultConfig()
	cfg.MinAvgDailyVolume = 0
	cfg.MinPriceUSD = 0

	return Input{
		Order: &models.OrderRequest{
			Symbol:      "AAPL",
			Side:        models.SideBuy,
			Notional:    notional(1000),
			Type:        models.TypeMarket,
			TimeInForce: models.TIFDay,
			AssetClass:  models.AssetUSEquity,
		},
		Account: &models.Account{
			Cash:   decimal.NewFromInt(50_000),
			Equity: decimal.NewFromInt(100_000),
		},
		NowMS:     marketOpenMS,
		RiskState: &models.RiskState{DailyEquityStart: 100_000},
		Config:    &cfg,
	}
}

func violationCodes(result Result) []string {
	codes := make([]string, 0, len(result.Violations))
	for _, violation := range result.Violations {
		codes = append(codes, violation.Code)
	}
	return codes
}

func TestEvaluate_PermissiveInputAllows(t *testing.T) {
	result := Evaluate(baseInput())
	assert.True(t, result.Allowed, "violations: %v", result.Violations)
	assert.Empty(t, result.Violations)
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := baseInput()
	first := Evaluate(in)
	second := Evaluate(in)
	assert.Equal(t, first, second)
}

func TestEvaluate_KillSwitchBlocks(t *testing.T) {
	in := baseInput()
	in.RiskState.KillSwitchActive = true
	in.RiskState.KillSwitchReason = "halt"

	result := Evaluate(in)
	assert.False(t, result.Allowed)
	assert.Contains(t, violationCodes(result), "kill_switch_active")
}

func TestEvaluate_CooldownBlocksBuysOnly(t *testing.T) {
	in := baseInput()
	in.RiskState.CooldownUntilMS = in.NowMS + 60_000

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "cooldown_active")

	// Sells pass: cooldown only gates new entries. Selling without a
	// position would be a short, so hold one.
	in.Order.Side = models.SideSell
	in.Positions = []models.Position{{
		Symbol: "AAPL", Qty: decimal.NewFromInt(10),
		MarketValue: decimal.NewFromInt(1000), AssetClass: models.AssetUSEquity,
	}}
	result = Evaluate(in)
	assert.NotContains(t, violationCodes(result), "cooldown_active")
}

func TestEvaluate_DailyLossRatio(t *testing.T) {
	in := baseInput()
	in.RiskState.DailyLossUSD = 4000 // 4% of 100k against a 3% limit

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "daily_loss_exceeded")
}

func TestEvaluate_OrderTypeAllowList(t *testing.T) {
	in := baseInput()
	in.Order.Type = models.TypeStop

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "order_type_not_allowed")
}

func TestEvaluate_NotionalCap(t *testing.T) {
	in := baseInput()
	in.Order.Notional = notional(6000)

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "trade_notional_exceeded")
}

func TestEvaluate_SymbolLists(t *testing.T) {
	t.Run("deny list", func(t *testing.T) {
		in := baseInput()
		in.Config.SymbolDenyList = []string{"AAPL"}
		assert.Contains(t, violationCodes(Evaluate(in)), "symbol_denied")
	})

	t.Run("allow list excludes others", func(t *testing.T) {
		in := baseInput()
		in.Config.SymbolAllowList = []string{"MSFT"}
		assert.Contains(t, violationCodes(Evaluate(in)), "symbol_not_allowed")
	})
}

func TestEvaluate_PositionCountGatesNewEntries(t *testing.T) {
	in := baseInput()
	in.Config.MaxOpenPositions = 1
	in.Positions = []models.Position{{
		Symbol: "MSFT", Qty: decimal.NewFromInt(5),
		MarketValue: decimal.NewFromInt(2000), AssetClass: models.AssetUSEquity,
	}}

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "max_positions_reached")

	// Adding to an existing position is not a new slot
	in.Positions[0].Symbol = "AAPL"
	result = Evaluate(in)
	assert.NotContains(t, violationCodes(result), "max_positions_reached")
}

func TestEvaluate_SymbolExposure(t *testing.T) {
	in := baseInput()
	in.Config.MaxSymbolExposurePct = 5
	in.Positions = []models.Position{{
		Symbol: "AAPL", Qty: decimal.NewFromInt(40),
		MarketValue: decimal.NewFromInt(4500), AssetClass: models.AssetUSEquity,
	}}

	// 4500 held + 1000 new = 5.5% of 100k equity
	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "symbol_exposure_exceeded")
}

func TestEvaluate_ShortSellingDisabled(t *testing.T) {
	in := baseInput()
	in.Order.Side = models.SideSell

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "short_selling_disabled")
}

func TestEvaluate_TradingHours(t *testing.T) {
	in := baseInput()
	// Saturday noon ET
	in.NowMS = time.Date(2024, 3, 9, 12, 0, 0, 0, clockpkg.NYLocation()).UnixMilli()

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "outside_trading_hours")

	// Crypto has no session windows
	in.Order.AssetClass = models.AssetCrypto
	result = Evaluate(in)
	assert.NotContains(t, violationCodes(result), "outside_trading_hours")
}

func TestEvaluate_VolumeAndPriceFloors(t *testing.T) {
	in := baseInput()
	in.Config.MinAvgDailyVolume = 1_000_000
	in.Config.MinPriceUSD = 5

	bars := make([]models.Bar, 0, 20)
	for i := 0; i < 20; i++ {
		bars = append(bars, models.Bar{
			Symbol: "AAPL",
			Close:  decimal.NewFromFloat(2.50),
			Volume: 400_000,
		})
	}
	in.DailyBars = bars

	result := Evaluate(in)
	codes := violationCodes(result)
	assert.Contains(t, codes, "volume_too_low")
	assert.Contains(t, codes, "price_too_low")
}

func TestEvaluate_CashOnly(t *testing.T) {
	in := baseInput()
	in.Account.Cash = decimal.NewFromInt(500)

	result := Evaluate(in)
	assert.Contains(t, violationCodes(result), "insufficient_cash")
}

func TestEvaluate_OptionsSubPolicy(t *testing.T) {
	in := baseInput()
	in.IsOption = true

	t.Run("disabled by default", func(t *testing.T) {
		result := Evaluate(in)
		assert.Contains(t, violationCodes(result), "options_disabled")
	})

	t.Run("confidence floor", func(t *testing.T) {
		in := baseInput()
		in.IsOption = true
		in.Config.Options.Enabled = true
		in.Confidence = 0.5

		result := Evaluate(in)
		assert.Contains(t, violationCodes(result), "options_confidence_too_low")
	})
}

func TestEvaluate_ViolationsAreOrderedAndComplete(t *testing.T) {
	in := baseInput()
	in.RiskState.KillSwitchActive = true
	in.Order.Notional = notional(6000)

	result := Evaluate(in)
	codes := violationCodes(result)
	require.GreaterOrEqual(t, len(codes), 2)
	assert.Equal(t, "kill_switch_active", codes[0], "kill switch reports first")
}

package policy

import (
	"fmt"
	"strings"

	"github.com/cinar/indicator"
	"github.com/shopspring/decimal"

	"github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Config holds the tunable trade policy. Persisted as the policy_config
// singleton row and editable at runtime.
type Config struct {
	MaxSymbolExposurePct  float64  `json:"max_symbol_exposure_pct"`
	MaxOpenPositions      int      `json:"max_open_positions"`
	MaxTradeNotionalUSD   float64  `json:"max_trade_notional_usd"`
	AllowedOrderTypes     []string `json:"allowed_order_types"`
	MaxDailyLossRatio     float64  `json:"max_daily_loss_ratio"`
	SymbolAllowList       []string `json:"symbol_allow_list,omitempty"`
	SymbolDenyList        []string `json:"symbol_deny_list,omitempty"`
	MinAvgDailyVolume     float64  `json:"min_avg_daily_volume"`
	MinPriceUSD           float64  `json:"min_price_usd"`
	RegularHoursOnly      bool     `json:"regular_hours_only"`
	AllowExtendedHours    bool     `json:"allow_extended_hours"`
	AllowShortSelling     bool     `json:"allow_short_selling"`
	CashOnly              bool     `json:"cash_only"`
	Options               Options  `json:"options"`
	VolumeLookbackDays    int      `json:"volume_lookback_days"`
	CooldownBlocksEntries bool     `json:"cooldown_blocks_entries"`
}

// Options holds the options-specific sub-policy
type Options struct {
	Enabled            bool     `json:"enabled"`
	MinDTE             int      `json:"min_dte"`
	MaxDTE             int      `json:"max_dte"`
	MaxAbsDelta        float64  `json:"max_abs_delta"`
	AllowedStrategies  []string `json:"allowed_strategies,omitempty"`
	MaxExposureUSD     float64  `json:"max_exposure_usd"`
	NoAveragingDown    bool     `json:"no_averaging_down"`
	MaxOptionPositions int      `json:"max_option_positions"`
	MinConfidence      float64  `json:"min_confidence"`
}

// DefaultConfig returns the conservative starting policy
func DefaultConfig() Config {
	return Config{
		MaxSymbolExposurePct:  20,
		MaxOpenPositions:      10,
		MaxTradeNotionalUSD:   5000,
		AllowedOrderTypes:     []string{"market", "limit"},
		MaxDailyLossRatio:     0.03,
		MinAvgDailyVolume:     500_000,
		MinPriceUSD:           1,
		RegularHoursOnly:      true,
		AllowExtendedHours:    false,
		AllowShortSelling:     false,
		CashOnly:              true,
		VolumeLookbackDays:    20,
		CooldownBlocksEntries: true,
		Options: Options{
			Enabled:            false,
			MinDTE:             7,
			MaxDTE:             45,
			MaxAbsDelta:        0.7,
			MaxExposureUSD:     2000,
			NoAveragingDown:    true,
			MaxOptionPositions: 3,
			MinConfidence:      0.75,
		},
	}
}

// Violation is one failed policy check
type Violation struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Result is the policy verdict: allowed iff no violations
type Result struct {
	Allowed     bool           `json:"allowed"`
	Violations  []Violation    `json:"violations"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Input gathers everything the evaluation reads. Evaluate is a pure
// function of this value; identical inputs yield identical results.
type Input struct {
	Order      *models.OrderRequest
	Account    *models.Account
	Positions  []models.Position
	NowMS      int64
	RiskState  *models.RiskState
	Config     *Config
	DailyBars  []models.Bar // recent daily bars for the order's symbol, oldest first
	Confidence float64      // analyst confidence, used by the options sub-policy
	IsOption   bool
}

// Evaluate runs every enabled check in a fixed order and reports all
// violations, not just the first
func Evaluate(in Input) Result {
	cfg := in.Config
	violations := make([]Violation, 0)
	diagnostics := make(map[string]any)

	notional := orderNotional(in.Order, in.DailyBars)
	diagnostics["order_notional"] = notional.InexactFloat64()

	// Kill switch and cooldown come first: they gate everything
	if in.RiskState != nil {
		if in.RiskState.KillSwitchActive {
			violations = append(violations, Violation{
				Code:   "kill_switch_active",
				Detail: fmt.Sprintf("kill switch engaged: %s", in.RiskState.KillSwitchReason),
			})
		}
		if cfg.CooldownBlocksEntries && in.Order.Side == models.SideBuy && in.RiskState.CooldownActive(in.NowMS) {
			violations = append(violations, Violation{
				Code:   "cooldown_active",
				Detail: fmt.Sprintf("cooldown until %d", in.RiskState.CooldownUntilMS),
			})
		}
		if cfg.MaxDailyLossRatio > 0 && in.RiskState.DailyEquityStart > 0 {
			ratio := in.RiskState.DailyLossUSD / in.RiskState.DailyEquityStart
			diagnostics["daily_loss_ratio"] = ratio
			if ratio >= cfg.MaxDailyLossRatio {
				violations = append(violations, Violation{
					Code:   "daily_loss_exceeded",
					Detail: fmt.Sprintf("daily loss ratio %.4f >= limit %.4f", ratio, cfg.MaxDailyLossRatio),
				})
			}
		}
	}

	// Symbol allow/deny lists
	symbol := strings.ToUpper(in.Order.Symbol)
	if len(cfg.SymbolAllowList) > 0 && !containsFold(cfg.SymbolAllowList, symbol) {
		violations = append(violations, Violation{
			Code:   "symbol_not_allowed",
			Detail: fmt.Sprintf("%s is not on the allow list", symbol),
		})
	}
	if containsFold(cfg.SymbolDenyList, symbol) {
		violations = append(violations, Violation{
			Code:   "symbol_denied",
			Detail: fmt.Sprintf("%s is on the deny list", symbol),
		})
	}

	// Order type allow-list
	if len(cfg.AllowedOrderTypes) > 0 && !containsFold(cfg.AllowedOrderTypes, string(in.Order.Type)) {
		violations = append(violations, Violation{
			Code:   "order_type_not_allowed",
			Detail: fmt.Sprintf("order type %s is not allowed", in.Order.Type),
		})
	}

	// Per-trade notional cap
	if cfg.MaxTradeNotionalUSD > 0 && notional.GreaterThan(decimal.NewFromFloat(cfg.MaxTradeNotionalUSD)) {
		violations = append(violations, Violation{
			Code:   "trade_notional_exceeded",
			Detail: fmt.Sprintf("notional %s exceeds cap %.2f", notional, cfg.MaxTradeNotionalUSD),
		})
	}

	// Position count and per-symbol exposure only constrain new entries
	if in.Order.Side == models.SideBuy {
		if cfg.MaxOpenPositions > 0 && len(in.Positions) >= cfg.MaxOpenPositions && !hasPosition(in.Positions, symbol) {
			violations = append(violations, Violation{
				Code:   "max_positions_reached",
				Detail: fmt.Sprintf("%d open positions at limit %d", len(in.Positions), cfg.MaxOpenPositions),
			})
		}

		if cfg.MaxSymbolExposurePct > 0 && in.Account != nil && in.Account.Equity.IsPositive() {
			exposure := notional
			for _, pos := range in.Positions {
				if strings.EqualFold(pos.Symbol, symbol) {
					exposure = exposure.Add(pos.MarketValue)
				}
			}
			pct, _ := exposure.Div(in.Account.Equity).Mul(decimal.NewFromInt(100)).Float64()
			diagnostics["symbol_exposure_pct"] = pct
			if pct > cfg.MaxSymbolExposurePct {
				violations = append(violations, Violation{
					Code:   "symbol_exposure_exceeded",
					Detail: fmt.Sprintf("%s exposure %.2f%% exceeds %.2f%%", symbol, pct, cfg.MaxSymbolExposurePct),
				})
			}
		}

		if cfg.CashOnly && in.Account != nil && notional.GreaterThan(in.Account.Cash) {
			violations = append(violations, Violation{
				Code:   "insufficient_cash",
				Detail: fmt.Sprintf("notional %s exceeds cash %s in cash-only mode", notional, in.Account.Cash),
			})
		}
	}

	// Short selling: selling without a position opens a short
	if in.Order.Side == models.SideSell && !cfg.AllowShortSelling && !hasPosition(in.Positions, symbol) {
		violations = append(violations, Violation{
			Code:   "short_selling_disabled",
			Detail: fmt.Sprintf("no position in %s to sell", symbol),
		})
	}

	// Liquidity and price floors from recent daily bars
	if len(in.DailyBars) > 0 {
		if cfg.MinAvgDailyVolume > 0 {
			avgVolume := averageVolume(in.DailyBars, cfg.VolumeLookbackDays)
			diagnostics["avg_daily_volume"] = avgVolume
			if avgVolume < cfg.MinAvgDailyVolume {
				violations = append(violations, Violation{
					Code:   "volume_too_low",
					Detail: fmt.Sprintf("avg volume %.0f below floor %.0f", avgVolume, cfg.MinAvgDailyVolume),
				})
			}
		}
		if cfg.MinPriceUSD > 0 {
			last := in.DailyBars[len(in.DailyBars)-1].Close
			diagnostics["last_price"] = last.InexactFloat64()
			if last.LessThan(decimal.NewFromFloat(cfg.MinPriceUSD)) {
				violations = append(violations, Violation{
					Code:   "price_too_low",
					Detail: fmt.Sprintf("price %s below floor %.2f", last, cfg.MinPriceUSD),
				})
			}
		}
	}

	// Session windows apply to equities only; crypto never closes
	if in.Order.AssetClass == models.AssetUSEquity {
		inRegular := clock.IsMarketHours(in.NowMS)
		inExtended := clock.IsExtendedHours(in.NowMS)
		diagnostics["regular_hours"] = inRegular

		if cfg.RegularHoursOnly && !inRegular {
			if !(in.Order.ExtendedHours && cfg.AllowExtendedHours && inExtended) {
				violations = append(violations, Violation{
					Code:   "outside_trading_hours",
					Detail: "order outside the regular session window",
				})
			}
		}
		if in.Order.ExtendedHours && !cfg.AllowExtendedHours {
			violations = append(violations, Violation{
				Code:   "extended_hours_disabled",
				Detail: "extended hours trading is not allowed",
			})
		}
	}

	if in.IsOption {
		violations = append(violations, evaluateOptions(in, diagnostics)...)
	}

	return Result{
		Allowed:     len(violations) == 0,
		Violations:  violations,
		Diagnostics: diagnostics,
	}
}

// evaluateOptions applies the options sub-policy
func evaluateOptions(in Input, diagnostics map[string]any) []Violation {
	cfg := in.Config.Options
	violations := make([]Violation, 0)

	if !cfg.Enabled {
		return []Violation{{Code: "options_disabled", Detail: "options trading is not enabled"}}
	}
	if cfg.MinConfidence > 0 && in.Confidence < cfg.MinConfidence {
		violations = append(violations, Violation{
			Code:   "options_confidence_too_low",
			Detail: fmt.Sprintf("confidence %.2f below %.2f", in.Confidence, cfg.MinConfidence),
		})
	}

	optionPositions := 0
	exposure := decimal.Zero
	for _, pos := range in.Positions {
		if pos.AssetClass == models.AssetUSEquity {
			continue
		}
		optionPositions++
		exposure = exposure.Add(pos.MarketValue)
	}
	diagnostics["option_positions"] = optionPositions

	if cfg.MaxOptionPositions > 0 && optionPositions >= cfg.MaxOptionPositions {
		violations = append(violations, Violation{
			Code:   "max_option_positions",
			Detail: fmt.Sprintf("%d option positions at limit %d", optionPositions, cfg.MaxOptionPositions),
		})
	}
	if cfg.MaxExposureUSD > 0 {
		total := exposure.Add(orderNotional(in.Order, in.DailyBars))
		if total.GreaterThan(decimal.NewFromFloat(cfg.MaxExposureUSD)) {
			violations = append(violations, Violation{
				Code:   "options_exposure_exceeded",
				Detail: fmt.Sprintf("options exposure %s exceeds %.2f", total, cfg.MaxExposureUSD),
			})
		}
	}
	if cfg.NoAveragingDown && in.Order.Side == models.SideBuy && hasPosition(in.Positions, strings.ToUpper(in.Order.Symbol)) {
		violations = append(violations, Violation{
			Code:   "options_averaging_down",
			Detail: "adding to an existing option position is not allowed",
		})
	}

	return violations
}

// orderNotional derives the order's dollar size, estimating qty orders from
// the latest bar close when present
func orderNotional(order *models.OrderRequest, bars []models.Bar) decimal.Decimal {
	if order.Notional != nil {
		return *order.Notional
	}
	if order.Qty == nil {
		return decimal.Zero
	}
	if order.LimitPrice != nil {
		return order.Qty.Mul(*order.LimitPrice)
	}
	if len(bars) > 0 {
		return order.Qty.Mul(bars[len(bars)-1].Close)
	}
	return decimal.Zero
}

// averageVolume computes an SMA over the bar volumes and returns its final
// value; lookback is clamped to the available history
func averageVolume(bars []models.Bar, lookback int) float64 {
	if lookback <= 0 {
		lookback = 20
	}
	if lookback > len(bars) {
		lookback = len(bars)
	}
	volumes := make([]float64, len(bars))
	for i, bar := range bars {
		volumes[i] = bar.Volume
	}
	sma := indicator.Sma(lookback, volumes)
	return sma[len(sma)-1]
}

func hasPosition(positions []models.Position, symbol string) bool {
	for _, pos := range positions {
		if strings.EqualFold(pos.Symbol, symbol) && pos.Qty.IsPositive() {
			return true
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

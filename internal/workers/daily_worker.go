package workers

import (
	"context"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/approval"
	"github.com/selivandex/tradeswarm/internal/risk"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
)

// DailyWorker fires the three once-a-day actions: market open, market
// close, and the early-morning daily loss reset. It ticks every minute and
// tracks the last NY date each action ran.
type DailyWorker struct {
	riskManager *risk.Manager
	approvals   *approval.Service
	broker      broker.Broker
	clk         clockpkg.Clock
	resetHour   int

	lastOpenDate  string
	lastCloseDate string
	lastResetDate string
}

// NewDailyWorker creates new daily worker
func NewDailyWorker(riskManager *risk.Manager, approvals *approval.Service, brk broker.Broker, clk clockpkg.Clock, resetHour int) *DailyWorker {
	if resetHour <= 0 {
		resetHour = 5
	}
	return &DailyWorker{
		riskManager: riskManager,
		approvals:   approvals,
		broker:      brk,
		clk:         clk,
		resetHour:   resetHour,
	}
}

// Name returns worker name for logging
func (w *DailyWorker) Name() string {
	return "daily_schedule"
}

// Run checks whether any daily boundary has been crossed
func (w *DailyWorker) Run(ctx context.Context) error {
	nowMS := w.clk.NowMS()
	nyTime := clockpkg.NYTime(nowMS)
	date := clockpkg.NYDate(nowMS)
	minutes := nyTime.Hour()*60 + nyTime.Minute()

	// Daily loss reset at the configured local hour
	if nyTime.Hour() >= w.resetHour && w.lastResetDate != date {
		w.lastResetDate = date
		if err := w.riskManager.ResetDailyLoss(ctx); err != nil {
			logger.Error("daily loss reset failed", zap.Error(err))
		}
	}

	if !clockpkg.IsWeekday(nowMS) {
		return nil
	}

	// Market open: log risk, purge expired approvals
	if minutes >= 9*60+30 && w.lastOpenDate != date {
		w.lastOpenDate = date
		w.atMarketOpen(ctx)
	}

	// Market close: log EOD positions, purge expired approvals
	if minutes >= 16*60 && w.lastCloseDate != date {
		w.lastCloseDate = date
		w.atMarketClose(ctx)
	}

	return nil
}

func (w *DailyWorker) atMarketOpen(ctx context.Context) {
	if state, err := w.riskManager.State(ctx); err == nil {
		logger.Info("market open risk state",
			zap.Bool("kill_switch", state.KillSwitchActive),
			zap.Float64("daily_loss_usd", state.DailyLossUSD),
			zap.Float64("equity_start", state.DailyEquityStart),
		)
	}
	w.purgeApprovals(ctx)
}

func (w *DailyWorker) atMarketClose(ctx context.Context) {
	positions, err := w.broker.GetPositions(ctx)
	if err != nil {
		logger.Warn("EOD position fetch failed", zap.Error(err))
	} else {
		for _, position := range positions {
			logger.Info("EOD position",
				zap.String("symbol", position.Symbol),
				zap.String("qty", position.Qty.String()),
				zap.String("market_value", position.MarketValue.String()),
				zap.String("unrealized_pl", position.UnrealizedPL.String()),
			)
		}
	}
	w.purgeApprovals(ctx)
}

func (w *DailyWorker) purgeApprovals(ctx context.Context) {
	purged, err := w.approvals.PurgeExpired(ctx)
	if err != nil {
		logger.Warn("approval purge failed", zap.Error(err))
		return
	}
	if purged > 0 {
		logger.Info("expired approvals purged", zap.Int64("count", purged))
	}
}

package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Manager maintains the live risk state: daily loss, cooldowns, and the
// kill switch. Methods mutate through the repository so conditional writes
// stay the critical section.
type Manager struct {
	repo            *Repository
	broker          broker.Broker
	clk             clockpkg.Clock
	cooldownMinutes int
}

// NewManager creates new risk manager
func NewManager(repo *Repository, brk broker.Broker, clk clockpkg.Clock, cooldownMinutes int) *Manager {
	return &Manager{
		repo:            repo,
		broker:          brk,
		clk:             clk,
		cooldownMinutes: cooldownMinutes,
	}
}

// State loads the current risk state
func (m *Manager) State(ctx context.Context) (*models.RiskState, error) {
	return m.repo.Load(ctx)
}

// ResetDailyLoss stamps a new trading day: zero loss, equity baseline from
// the current account snapshot
func (m *Manager) ResetDailyLoss(ctx context.Context) error {
	state, err := m.repo.Load(ctx)
	if err != nil {
		return err
	}

	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return err
	}

	state.DailyLossUSD = 0
	state.DailyLossResetAtMS = m.clk.NowMS()
	state.DailyEquityStart, _ = account.Equity.Float64()

	if err := m.repo.Save(ctx, state); err != nil {
		return err
	}

	logger.Info("daily loss reset",
		zap.Float64("equity_start", state.DailyEquityStart),
	)
	return nil
}

// RefreshHourly recomputes today's loss and stamps a cooldown when a fresh
// loss appears. Portfolio history is preferred; the equity baseline is the
// fallback. Returns the refreshed state.
func (m *Manager) RefreshHourly(ctx context.Context) (*models.RiskState, error) {
	state, err := m.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	nowMS := m.clk.NowMS()

	// Roll the day over when the reset stamp is from a previous NY date
	if state.DailyLossResetAtMS == 0 || !clockpkg.IsSameNYDay(state.DailyLossResetAtMS, nowMS) {
		account, err := m.broker.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		state.DailyLossUSD = 0
		state.DailyLossResetAtMS = nowMS
		state.DailyEquityStart, _ = account.Equity.Float64()
	}

	previousLoss := state.DailyLossUSD
	loss := m.computeTodayLoss(ctx, state)
	state.DailyLossUSD = loss

	// A fresh loss arms the cooldown window
	if loss > previousLoss && loss > 0 && m.cooldownMinutes > 0 {
		state.CooldownUntilMS = nowMS + int64(m.cooldownMinutes)*time.Minute.Milliseconds()
		logger.Warn("loss increased, cooldown armed",
			zap.Float64("daily_loss_usd", loss),
			zap.Int64("cooldown_until_ms", state.CooldownUntilMS),
		)
	}

	if err := m.repo.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// computeTodayLoss prefers the broker's portfolio history and falls back to
// baseline-minus-equity
func (m *Manager) computeTodayLoss(ctx context.Context, state *models.RiskState) float64 {
	if history, err := m.broker.GetPortfolioHistory(ctx, 1); err == nil && len(history) > 0 {
		var loss float64
		for _, point := range history {
			pl, _ := point.ProfitLoss.Float64()
			if clockpkg.IsSameNYDay(point.TimestampMS, m.clk.NowMS()) && pl < 0 {
				loss += -pl
			}
		}
		if loss > 0 {
			return loss
		}
	}

	if state.DailyEquityStart <= 0 {
		return 0
	}
	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return state.DailyLossUSD
	}
	equity, _ := account.Equity.Float64()
	loss := state.DailyEquityStart - equity
	if loss < 0 {
		return 0
	}
	return loss
}

// EngageKillSwitch halts all trading
func (m *Manager) EngageKillSwitch(ctx context.Context, reason string) error {
	logger.Error("KILL SWITCH ENGAGED", zap.String("reason", reason))
	return m.repo.SetKillSwitch(ctx, true, reason, m.clk.NowMS())
}

// ReleaseKillSwitch resumes trading
func (m *Manager) ReleaseKillSwitch(ctx context.Context) error {
	logger.Info("kill switch released")
	return m.repo.SetKillSwitch(ctx, false, "", m.clk.NowMS())
}

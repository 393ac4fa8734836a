package risk

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/selivandex/tradeswarm/pkg/models"
)

// Repository persists the risk_state singleton row
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new risk repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Load reads the singleton risk state
func (r *Repository) Load(ctx context.Context) (*models.RiskState, error) {
	var state models.RiskState
	query := `
		SELECT kill_switch_active, COALESCE(kill_switch_reason, '') AS kill_switch_reason,
		       COALESCE(kill_switch_at, 0) AS kill_switch_at,
		       daily_loss_usd, COALESCE(daily_loss_reset_at, 0) AS daily_loss_reset_at,
		       daily_equity_start, COALESCE(cooldown_until, 0) AS cooldown_until,
		       max_portfolio_drawdown_pct, updated_at
		FROM risk_state WHERE id = 1
	`
	if err := r.db.GetContext(ctx, &state, query); err != nil {
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	return &state, nil
}

// Save writes the singleton risk state
func (r *Repository) Save(ctx context.Context, state *models.RiskState) error {
	query := `
		UPDATE risk_state SET
			kill_switch_active = $1,
			kill_switch_reason = $2,
			kill_switch_at = $3,
			daily_loss_usd = $4,
			daily_loss_reset_at = $5,
			daily_equity_start = $6,
			cooldown_until = $7,
			max_portfolio_drawdown_pct = $8,
			updated_at = now()
		WHERE id = 1
	`
	_, err := r.db.ExecContext(ctx, query,
		state.KillSwitchActive,
		state.KillSwitchReason,
		state.KillSwitchAtMS,
		state.DailyLossUSD,
		state.DailyLossResetAtMS,
		state.DailyEquityStart,
		state.CooldownUntilMS,
		state.MaxPortfolioDrawdownPct,
	)
	if err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// SetKillSwitch flips the kill switch with a reason
func (r *Repository) SetKillSwitch(ctx context.Context, active bool, reason string, nowMS int64) error {
	query := `
		UPDATE risk_state SET
			kill_switch_active = $1,
			kill_switch_reason = $2,
			kill_switch_at = $3,
			updated_at = now()
		WHERE id = 1
	`
	if _, err := r.db.ExecContext(ctx, query, active, reason, nowMS); err != nil {
		return fmt.Errorf("failed to set kill switch: %w", err)
	}
	return nil
}

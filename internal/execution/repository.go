package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Submission states
const (
	StateReserved   = "RESERVED"
	StateSubmitting = "SUBMITTING"
	StateSubmitted  = "SUBMITTED"
	StateFailed     = "FAILED"
)

// Submission is the persisted idempotency row for one logical order
type Submission struct {
	ID             string    `db:"id"`
	IdempotencyKey string    `db:"idempotency_key"`
	Source         string    `db:"source"`
	ApprovalID     *string   `db:"approval_id"`
	BrokerProvider string    `db:"broker_provider"`
	RequestJSON    []byte    `db:"request_json"`
	State          string    `db:"state"`
	BrokerOrderID  *string   `db:"broker_order_id"`
	LastErrorJSON  []byte    `db:"last_error_json"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Repository handles order_submissions, trades, and decision traces
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new execution repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// ReserveSubmission inserts the idempotency row if absent and returns the
// canonical row either way. The unique constraint is the correctness
// boundary: concurrent callers converge on one row.
func (r *Repository) ReserveSubmission(ctx context.Context, id, idempotencyKey, source string, approvalID *string, request *models.OrderRequest) (*Submission, error) {
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}

	query := `
		INSERT INTO order_submissions (id, idempotency_key, source, approval_id, request_json, state)
		VALUES ($1, $2, $3, $4, $5, 'RESERVED')
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, id, idempotencyKey, source, approvalID, requestJSON); err != nil {
		return nil, fmt.Errorf("failed to reserve submission: %w", err)
	}

	return r.FindByKey(ctx, idempotencyKey)
}

// FindByKey loads the canonical row for an idempotency key
func (r *Repository) FindByKey(ctx context.Context, idempotencyKey string) (*Submission, error) {
	var submission Submission
	query := `
		SELECT id, idempotency_key, source, approval_id, broker_provider, request_json,
		       state, broker_order_id, last_error_json, created_at, updated_at
		FROM order_submissions WHERE idempotency_key = $1
	`
	if err := r.db.GetContext(ctx, &submission, query, idempotencyKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("submission %s not found", idempotencyKey)
		}
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	return &submission, nil
}

// TransitionToSubmitting conditionally moves (RESERVED | FAILED) to
// SUBMITTING; false means another executor holds the row
func (r *Repository) TransitionToSubmitting(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE order_submissions SET state = 'SUBMITTING', updated_at = now()
		WHERE id = $1 AND state IN ('RESERVED', 'FAILED')
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to transition submission: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// MarkSubmitted finalizes a successful broker submission
func (r *Repository) MarkSubmitted(ctx context.Context, id, brokerProvider, brokerOrderID string) error {
	query := `
		UPDATE order_submissions SET
			state = 'SUBMITTED',
			broker_provider = $2,
			broker_order_id = $3,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, brokerProvider, brokerOrderID); err != nil {
		return fmt.Errorf("failed to mark submission submitted: %w", err)
	}
	return nil
}

// MarkFailed records a failed submission with a sanitized error
func (r *Repository) MarkFailed(ctx context.Context, id string, errJSON []byte) error {
	query := `
		UPDATE order_submissions SET
			state = 'FAILED',
			last_error_json = $2,
			updated_at = now()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, errJSON); err != nil {
		return fmt.Errorf("failed to mark submission failed: %w", err)
	}
	return nil
}

// StampError records an error on a row without changing its state; used
// when a concurrent path already accepted the submission
func (r *Repository) StampError(ctx context.Context, id string, errJSON []byte) error {
	query := `
		UPDATE order_submissions SET last_error_json = $2, updated_at = now()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, errJSON); err != nil {
		return fmt.Errorf("failed to stamp submission error: %w", err)
	}
	return nil
}

// ListSubmittedWithoutTrade finds SUBMITTED submissions lacking a trade
// row; the hourly loop backfills them
func (r *Repository) ListSubmittedWithoutTrade(ctx context.Context, limit int) ([]Submission, error) {
	query := `
		SELECT s.id, s.idempotency_key, s.source, s.approval_id, s.broker_provider,
		       s.request_json, s.state, s.broker_order_id, s.last_error_json,
		       s.created_at, s.updated_at
		FROM order_submissions s
		LEFT JOIN trades t ON t.submission_id = s.id
		WHERE s.state = 'SUBMITTED' AND t.id IS NULL
		ORDER BY s.created_at
		LIMIT $1
	`
	submissions := make([]Submission, 0)
	if err := r.db.SelectContext(ctx, &submissions, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list submissions without trades: %w", err)
	}
	return submissions, nil
}

// InsertTrade writes the trade record for an accepted submission
func (r *Repository) InsertTrade(ctx context.Context, trade *models.Trade) error {
	query := `
		INSERT INTO trades
			(id, submission_id, approval_id, broker_provider, broker_order_id,
			 symbol, side, qty, notional, asset_class, quote_ccy, order_type,
			 status, limit_price, stop_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.ExecContext(ctx, query,
		trade.ID, trade.SubmissionID, trade.ApprovalID, trade.BrokerProvider,
		trade.BrokerOrderID, trade.Symbol, trade.Side, trade.Qty, trade.Notional,
		trade.AssetClass, trade.QuoteCcy, trade.OrderType, trade.Status,
		trade.LimitPrice, trade.StopPrice,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// WriteTrace appends a decision trace entry. A missing table is tolerated:
// tracing must never fail an order.
func (r *Repository) WriteTrace(ctx context.Context, traceID, stage string, detail map[string]any) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte("{}")
	}

	query := `
		INSERT INTO order_decision_traces (trace_id, stage, detail_json)
		VALUES ($1, $2, $3)
	`
	if _, err := r.db.ExecContext(ctx, query, traceID, stage, detailJSON); err != nil {
		logger.Warn("decision trace write failed",
			zap.String("trace_id", traceID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
}

package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/selivandex/tradeswarm/internal/policy"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Repository handles order_approvals persistence. Reserve, Consume, and
// Release are single conditional UPDATEs; callers learn success from the
// affected row count.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new approval repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Insert stores a freshly generated approval
func (r *Repository) Insert(ctx context.Context, id, previewHash string, preview *models.OrderRequest, policyResult *policy.Result, tokenHash string, expiresAtMS int64) (*Record, error) {
	paramsJSON, err := json.Marshal(preview)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order params: %w", err)
	}
	resultJSON, err := json.Marshal(policyResult)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy result: %w", err)
	}

	query := `
		INSERT INTO order_approvals
			(id, preview_hash, order_params_json, policy_result_json, token_hash, expires_at, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'ACTIVE')
	`
	if _, err := r.db.ExecContext(ctx, query, id, previewHash, paramsJSON, resultJSON, tokenHash, expiresAtMS); err != nil {
		return nil, fmt.Errorf("failed to insert approval: %w", err)
	}

	return r.FindByID(ctx, id)
}

// FindByID loads one approval row
func (r *Repository) FindByID(ctx context.Context, id string) (*Record, error) {
	var record Record
	query := `
		SELECT id, preview_hash, order_params_json, policy_result_json, token_hash,
		       expires_at, state, reserved_at, reserved_by, reserved_until,
		       used_at, submitted_at, failed_at, last_error_json
		FROM order_approvals WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, fmt.Errorf("approval %s not found: %w", id, err)
	}
	return &record, nil
}

// FindByTokenHash loads one approval row by its stored token hash
func (r *Repository) FindByTokenHash(ctx context.Context, tokenHash string) (*Record, error) {
	var record Record
	query := `
		SELECT id, preview_hash, order_params_json, policy_result_json, token_hash,
		       expires_at, state, reserved_at, reserved_by, reserved_until,
		       used_at, submitted_at, failed_at, last_error_json
		FROM order_approvals WHERE token_hash = $1
	`
	if err := r.db.GetContext(ctx, &record, query, tokenHash); err != nil {
		return nil, fmt.Errorf("approval not found by token hash: %w", err)
	}
	return &record, nil
}

// Reserve atomically takes the reservation slot from ACTIVE, or from a
// RESERVED row whose hold has lapsed
func (r *Repository) Reserve(ctx context.Context, id, reservationID string, nowMS, reservedUntilMS int64) (bool, error) {
	query := `
		UPDATE order_approvals SET
			state = 'RESERVED',
			reserved_by = $2,
			reserved_at = $3,
			reserved_until = $4
		WHERE id = $1
		  AND (state = 'ACTIVE' OR (state = 'RESERVED' AND reserved_until < $3))
	`
	result, err := r.db.ExecContext(ctx, query, id, reservationID, nowMS, reservedUntilMS)
	if err != nil {
		return false, fmt.Errorf("failed to reserve approval: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Consume atomically transitions the holder's reservation to USED
func (r *Repository) Consume(ctx context.Context, id, reservationID string, nowMS int64) (bool, error) {
	query := `
		UPDATE order_approvals SET
			state = 'USED',
			used_at = $3,
			submitted_at = $3
		WHERE id = $1 AND state = 'RESERVED' AND reserved_by = $2
	`
	result, err := r.db.ExecContext(ctx, query, id, reservationID, nowMS)
	if err != nil {
		return false, fmt.Errorf("failed to consume approval: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Release atomically reverts the holder's reservation to ACTIVE
func (r *Repository) Release(ctx context.Context, id, reservationID string, nowMS int64, errJSON []byte) (bool, error) {
	query := `
		UPDATE order_approvals SET
			state = 'ACTIVE',
			reserved_by = NULL,
			reserved_until = NULL,
			failed_at = $3,
			last_error_json = COALESCE($4, last_error_json)
		WHERE id = $1 AND state = 'RESERVED' AND reserved_by = $2
	`
	result, err := r.db.ExecContext(ctx, query, id, reservationID, nowMS, errJSON)
	if err != nil {
		return false, fmt.Errorf("failed to release approval: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// PurgeExpired deletes unredeemed approvals past their expiry
func (r *Repository) PurgeExpired(ctx context.Context, nowMS int64) (int64, error) {
	query := `DELETE FROM order_approvals WHERE expires_at < $1 AND state != 'USED'`
	result, err := r.db.ExecContext(ctx, query, nowMS)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired approvals: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

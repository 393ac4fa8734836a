package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository persists the policy_config singleton row
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new policy repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Load reads the active policy, falling back to defaults when unset
func (r *Repository) Load(ctx context.Context) (*Config, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT config_json FROM policy_config WHERE id = 1`).Scan(&raw)
	if err != nil {
		cfg := DefaultConfig()
		return &cfg, nil
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy config: %w", err)
	}
	return &cfg, nil
}

// Save upserts the policy singleton
func (r *Repository) Save(ctx context.Context, cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal policy config: %w", err)
	}

	query := `
		INSERT INTO policy_config (id, config_json, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET config_json = $1, updated_at = now()
	`
	if _, err := r.db.ExecContext(ctx, query, raw); err != nil {
		return fmt.Errorf("failed to save policy config: %w", err)
	}
	return nil
}

package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/selivandex/tradeswarm/pkg/models"
)

// Repository persists alert rules and events
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates new alerts repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

var ruleSlugPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// NormalizeRuleID slugs a rule title into a stable identifier
func NormalizeRuleID(title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = ruleSlugPattern.ReplaceAllString(slug, "_")
	return strings.Trim(slug, "_")
}

// UpsertRule creates or updates a rule definition
func (r *Repository) UpsertRule(ctx context.Context, rule *models.AlertRule) error {
	configJSON, err := json.Marshal(rule.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal rule config: %w", err)
	}
	if rule.ID == "" {
		rule.ID = NormalizeRuleID(rule.Title)
	}

	query := `
		INSERT INTO alert_rules (id, title, description, enabled, default_severity, config_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = $2, description = $3, enabled = $4,
			default_severity = $5, config_json = $6, updated_at = now()
	`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Title, rule.Description, rule.Enabled, rule.DefaultSeverity, configJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert alert rule: %w", err)
	}
	return nil
}

// ListRules returns all rule definitions
func (r *Repository) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, description, enabled, default_severity, config_json, created_at, updated_at
		FROM alert_rules ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	rules := make([]models.AlertRule, 0)
	for rows.Next() {
		var rule models.AlertRule
		var configJSON []byte
		if err := rows.Scan(&rule.ID, &rule.Title, &rule.Description, &rule.Enabled,
			&rule.DefaultSeverity, &configJSON, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			continue
		}
		if len(configJSON) > 0 {
			_ = json.Unmarshal(configJSON, &rule.Config)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// InsertEvents records triggered alerts; duplicate ids are ignored
func (r *Repository) InsertEvents(ctx context.Context, events []models.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO alert_events (id, rule_id, severity, title, message, fingerprint, details_json, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	for i := range events {
		event := &events[i]
		detailsJSON, err := json.Marshal(event.Details)
		if err != nil {
			detailsJSON = []byte("{}")
		}
		if _, err := r.db.ExecContext(ctx, query,
			event.ID, event.RuleID, event.Severity, event.Title, event.Message,
			event.Fingerprint, detailsJSON, event.OccurredAtMS); err != nil {
			return fmt.Errorf("failed to insert alert event: %w", err)
		}
	}
	return nil
}

// Acknowledge stamps an event as acknowledged
func (r *Repository) Acknowledge(ctx context.Context, eventID, by string) (bool, error) {
	query := `
		UPDATE alert_events SET acknowledged_at = $2, acknowledged_by = $3
		WHERE id = $1 AND acknowledged_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, eventID, time.Now(), by)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// RecentEvents lists the latest alert events
func (r *Repository) RecentEvents(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_id, severity, title, message, fingerprint, details_json, occurred_at
		FROM alert_events ORDER BY occurred_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert events: %w", err)
	}
	defer rows.Close()

	events := make([]models.AlertEvent, 0, limit)
	for rows.Next() {
		var event models.AlertEvent
		var detailsJSON []byte
		if err := rows.Scan(&event.ID, &event.RuleID, &event.Severity, &event.Title,
			&event.Message, &event.Fingerprint, &detailsJSON, &event.OccurredAtMS); err != nil {
			continue
		}
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &event.Details)
		}
		events = append(events, event)
	}
	return events, nil
}

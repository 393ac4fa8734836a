package agents

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/selivandex/tradeswarm/pkg/models"
)

// RawEventRepository deduplicates and stores pulled feed items
type RawEventRepository struct {
	db *sqlx.DB
}

// NewRawEventRepository creates new raw event repository
func NewRawEventRepository(db *sqlx.DB) *RawEventRepository {
	return &RawEventRepository{db: db}
}

// InsertNew stores items not yet seen, deduplicating on (source, source_id).
// Returns how many rows were actually inserted.
func (r *RawEventRepository) InsertNew(ctx context.Context, items []models.RawItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO raw_events (source, source_id, symbol, content, score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source, source_id) DO NOTHING
	`

	inserted := 0
	for _, item := range items {
		result, err := r.db.ExecContext(ctx, query,
			item.Source, item.SourceID, item.Symbol, item.Content, item.Score)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert raw event: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected > 0 {
			inserted++
		}
	}

	return inserted, nil
}

// CountBySource reports stored event counts per source
func (r *RawEventRepository) CountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM raw_events GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to count raw events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			continue
		}
		counts[source] = count
	}
	return counts, nil
}

package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/config"
	"github.com/selivandex/tradeswarm/pkg/logger"
)

// ClickHouseWriter persists activity batches into agent_activity_logs
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter connects to ClickHouse and ensures the table exists
func NewClickHouseWriter(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	w := &ClickHouseWriter{conn: conn}
	if err := w.ensureTable(ctx); err != nil {
		return nil, err
	}

	logger.Info("clickhouse activity writer initialized",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return w, nil
}

func (w *ClickHouseWriter) ensureTable(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS agent_activity_logs (
			id UUID DEFAULT generateUUIDv4(),
			timestamp_ms Int64,
			event_type LowCardinality(String),
			severity LowCardinality(String),
			status LowCardinality(String),
			agent LowCardinality(String),
			action String,
			description String,
			metadata_json String,
			searchable_text String,
			created_at DateTime DEFAULT now()
		) ENGINE = MergeTree()
		ORDER BY (timestamp_ms, agent)
	`
	if err := w.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure agent_activity_logs table: %w", err)
	}
	return nil
}

// WriteBatch inserts a batch of activity entries
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO agent_activity_logs
		(timestamp_ms, event_type, severity, status, agent, action, description, metadata_json, searchable_text)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		metadata := "{}"
		if len(e.Metadata) > 0 {
			if raw, err := json.Marshal(e.Metadata); err == nil {
				metadata = string(raw)
			}
		}
		if err := batch.Append(
			e.TimestampMS,
			e.EventType,
			e.Severity,
			e.Status,
			e.Agent,
			e.Action,
			e.Description,
			metadata,
			e.SearchableText(),
		); err != nil {
			return fmt.Errorf("failed to append activity row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send activity batch: %w", err)
	}

	return nil
}

// Close closes the ClickHouse connection
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/selivandex/tradeswarm/pkg/models"
)

// registryState is the serialized snapshot of everything the registry owns
type registryState struct {
	Agents        map[string]models.AgentStatus `json:"agents"`
	Subscriptions map[string][]string           `json:"subscriptions"` // topic -> ordered agent ids
	Queue         []models.QueuedMessage        `json:"queue"`
	DeadLetters   []models.DeadLetter           `json:"dead_letters"`
	Metrics       Metrics                       `json:"metrics"`
}

// Metrics counts queue outcomes since process start
type Metrics struct {
	Enqueued     int64 `json:"enqueued"`
	Delivered    int64 `json:"delivered"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Expired      int64 `json:"expired"`
}

// SnapshotStore persists the registry state. Enqueue acknowledges only
// after Save returns, so accepted messages survive restarts.
type SnapshotStore interface {
	Save(ctx context.Context, state *registryState) error
	Load(ctx context.Context) (*registryState, error)
}

const registrySnapshotID = "registry:default"

// SQLSnapshotStore keeps the registry snapshot in the swarm_snapshots table
type SQLSnapshotStore struct {
	db *sqlx.DB
}

// NewSQLSnapshotStore creates a SQL-backed snapshot store
func NewSQLSnapshotStore(db *sqlx.DB) *SQLSnapshotStore {
	return &SQLSnapshotStore{db: db}
}

// Save upserts the snapshot row
func (s *SQLSnapshotStore) Save(ctx context.Context, state *registryState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal registry state: %w", err)
	}

	query := `
		INSERT INTO swarm_snapshots (id, state_json, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET state_json = $2, updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, registrySnapshotID, raw); err != nil {
		return fmt.Errorf("failed to save registry snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot row; a missing row yields an empty state
func (s *SQLSnapshotStore) Load(ctx context.Context) (*registryState, error) {
	var raw []byte
	query := `SELECT state_json FROM swarm_snapshots WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, registrySnapshotID).Scan(&raw)
	if err != nil {
		// sql.ErrNoRows and schema absence both mean "fresh start"
		return newRegistryState(), nil
	}

	state := newRegistryState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry snapshot: %w", err)
	}
	return state, nil
}

// MemorySnapshotStore keeps the snapshot in memory; tests and ephemeral runs
type MemorySnapshotStore struct {
	mu    sync.Mutex
	state *registryState
}

// NewMemorySnapshotStore creates an in-memory snapshot store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

// Save copies the state
func (s *MemorySnapshotStore) Save(ctx context.Context, state *registryState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	copied := newRegistryState()
	if err := json.Unmarshal(raw, copied); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = copied
	s.mu.Unlock()
	return nil
}

// Load returns the last saved state or an empty one
func (s *MemorySnapshotStore) Load(ctx context.Context) (*registryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return newRegistryState(), nil
	}
	raw, err := json.Marshal(s.state)
	if err != nil {
		return nil, err
	}
	copied := newRegistryState()
	if err := json.Unmarshal(raw, copied); err != nil {
		return nil, err
	}
	return copied, nil
}

func newRegistryState() *registryState {
	return &registryState{
		Agents:        make(map[string]models.AgentStatus),
		Subscriptions: make(map[string][]string),
		Queue:         make([]models.QueuedMessage, 0),
		DeadLetters:   make([]models.DeadLetter, 0),
	}
}

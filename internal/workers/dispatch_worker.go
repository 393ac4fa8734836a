package workers

import (
	"context"

	"github.com/selivandex/tradeswarm/internal/swarm"
)

// DispatchWorker is the registry's alarm: every tick pushes queued
// messages to their targets
type DispatchWorker struct {
	registry *swarm.Registry
	limit    int
}

// NewDispatchWorker creates new dispatch worker
func NewDispatchWorker(registry *swarm.Registry, limit int) *DispatchWorker {
	return &DispatchWorker{registry: registry, limit: limit}
}

// Name returns worker name for logging
func (w *DispatchWorker) Name() string {
	return "swarm_dispatch"
}

// Run executes one dispatch pass
func (w *DispatchWorker) Run(ctx context.Context) error {
	_, err := w.registry.Dispatch(ctx, w.limit)
	return err
}

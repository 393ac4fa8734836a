package workers

import (
	"context"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/risk"
	"github.com/selivandex/tradeswarm/internal/swarm"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// IngestWorker drives the five-minute news/signal ingestion during weekday
// market hours. It asks the scout to refresh through the bus rather than
// touching scout state.
type IngestWorker struct {
	registry *swarm.Registry
	riskRepo *risk.Repository
	broker   broker.Broker
	clk      clockpkg.Clock
}

// NewIngestWorker creates new ingest worker
func NewIngestWorker(registry *swarm.Registry, riskRepo *risk.Repository, brk broker.Broker, clk clockpkg.Clock) *IngestWorker {
	return &IngestWorker{
		registry: registry,
		riskRepo: riskRepo,
		broker:   brk,
		clk:      clk,
	}
}

// Name returns worker name for logging
func (w *IngestWorker) Name() string {
	return "signal_ingest"
}

// Run requests one ingestion round unless the market is closed or the kill
// switch is engaged
func (w *IngestWorker) Run(ctx context.Context) error {
	nowMS := w.clk.NowMS()
	if !clockpkg.IsWeekday(nowMS) {
		return nil
	}

	if marketClock, err := w.broker.GetClock(ctx); err == nil && !marketClock.IsOpen {
		logger.Debug("ingest skipped, market closed")
		return nil
	}

	riskState, err := w.riskRepo.Load(ctx)
	if err != nil {
		return err
	}
	if riskState.KillSwitchActive {
		logger.Debug("ingest skipped, kill switch active")
		return nil
	}

	msg := &models.Message{
		ID:          ident.MessageID("swarm"),
		Source:      w.registry.ID(),
		Target:      models.NewAgentID(models.AgentScout),
		Topic:       "refresh",
		Type:        models.MessageCommand,
		TimestampMS: nowMS,
		Priority:    models.PriorityNormal,
	}
	if _, err := w.registry.Enqueue(msg, 0, swarm.DefaultMaxAttempts); err != nil {
		return err
	}

	logger.Debug("ingest refresh requested", zap.String("message_id", msg.ID))
	return nil
}

package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/activity"
	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/adapters/s3"
	"github.com/selivandex/tradeswarm/internal/agents"
	"github.com/selivandex/tradeswarm/internal/alerts"
	"github.com/selivandex/tradeswarm/internal/execution"
	"github.com/selivandex/tradeswarm/internal/risk"
	"github.com/selivandex/tradeswarm/internal/swarm"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
)

// HourlyWorker is the wide maintenance sweep: refresh risk state, evaluate
// and deliver alerts, backfill missing trade rows, and persist an hourly
// snapshot artifact
type HourlyWorker struct {
	riskManager *risk.Manager
	registry    *swarm.Registry
	pipeline    *execution.Pipeline
	alertRepo   *alerts.Repository
	notifier    *alerts.Notifier
	analyst     *agents.AnalystAgent
	broker      broker.Broker
	blobs       s3.BlobStore
	sink        activity.Sink
	clk         clockpkg.Clock
	thresholds  alerts.Thresholds
}

// NewHourlyWorker creates new hourly worker
func NewHourlyWorker(
	riskManager *risk.Manager,
	registry *swarm.Registry,
	pipeline *execution.Pipeline,
	alertRepo *alerts.Repository,
	notifier *alerts.Notifier,
	analyst *agents.AnalystAgent,
	brk broker.Broker,
	blobs s3.BlobStore,
	sink activity.Sink,
	clk clockpkg.Clock,
	thresholds alerts.Thresholds,
) *HourlyWorker {
	return &HourlyWorker{
		riskManager: riskManager,
		registry:    registry,
		pipeline:    pipeline,
		alertRepo:   alertRepo,
		notifier:    notifier,
		analyst:     analyst,
		broker:      brk,
		blobs:       blobs,
		sink:        sink,
		clk:         clk,
		thresholds:  thresholds,
	}
}

// Name returns worker name for logging
func (w *HourlyWorker) Name() string {
	return "hourly_refresh"
}

// Run executes one hourly sweep
func (w *HourlyWorker) Run(ctx context.Context) error {
	riskState, err := w.riskManager.RefreshHourly(ctx)
	if err != nil {
		return fmt.Errorf("hourly risk refresh failed: %w", err)
	}

	account, err := w.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("hourly account fetch failed: %w", err)
	}
	equity, _ := account.Equity.Float64()

	// Alert evaluation over the refreshed state
	health := w.analyst.Health()
	input := alerts.Input{
		NowMS:            w.clk.NowMS(),
		AccountEquity:    equity,
		RiskState:        riskState,
		DeadLetterCount:  w.registry.DeadLetterCount(),
		LLMHealth:        &health,
		LLMAuthFailureMS: w.analyst.LastAuthFailureMS(),
		Thresholds:       w.thresholds,
	}
	triggered := alerts.EvaluateRules(input)
	if len(triggered) > 0 {
		if err := w.alertRepo.InsertEvents(ctx, triggered); err != nil {
			logger.Warn("alert event persistence failed", zap.Error(err))
		}
		summary := w.notifier.Notify(ctx, triggered)
		logger.Info("alerts dispatched",
			zap.Int("attempted", summary.Attempted),
			zap.Int("sent", summary.Sent),
			zap.Int("deduped", summary.Deduped),
			zap.Int("rate_limited", summary.RateLimited),
			zap.Int("failed", summary.Failed),
		)
	}

	// Repair SUBMITTED submissions that never got their trade row
	if _, err := w.pipeline.BackfillTrades(ctx, 50); err != nil {
		logger.Warn("trade backfill failed", zap.Error(err))
	}

	w.writeSnapshot(ctx, equity, riskState.DailyLossUSD, len(triggered))

	w.sink.Record(activity.Entry{
		TimestampMS: w.clk.NowMS(),
		EventType:   "maintenance",
		Severity:    "info",
		Status:      "ok",
		Agent:       "system",
		Action:      "hourly_refresh",
		Description: "hourly risk and alert sweep completed",
		Metadata: map[string]any{
			"equity":         equity,
			"daily_loss_usd": riskState.DailyLossUSD,
			"alerts":         len(triggered),
		},
	})

	return nil
}

// writeSnapshot persists the live hourly artifact
func (w *HourlyWorker) writeSnapshot(ctx context.Context, equity, dailyLoss float64, alertCount int) {
	nowMS := w.clk.NowMS()
	snapshot := map[string]any{
		"timestamp_ms":   nowMS,
		"equity":         equity,
		"daily_loss_usd": dailyLoss,
		"alerts":         alertCount,
		"queue":          w.registry.QueueState(),
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}

	path := fmt.Sprintf("snapshots/%s/%d.json", clockpkg.NYDate(nowMS), nowMS)
	if err := w.blobs.Put(ctx, path, raw); err != nil {
		logger.Warn("hourly snapshot write failed",
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

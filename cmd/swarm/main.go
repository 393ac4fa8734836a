package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/activity"
	"github.com/selivandex/tradeswarm/internal/adapters/ai"
	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/adapters/config"
	"github.com/selivandex/tradeswarm/internal/adapters/database"
	"github.com/selivandex/tradeswarm/internal/adapters/news"
	redisAdapter "github.com/selivandex/tradeswarm/internal/adapters/redis"
	s3Adapter "github.com/selivandex/tradeswarm/internal/adapters/s3"
	"github.com/selivandex/tradeswarm/internal/agents"
	"github.com/selivandex/tradeswarm/internal/alerts"
	"github.com/selivandex/tradeswarm/internal/approval"
	"github.com/selivandex/tradeswarm/internal/execution"
	"github.com/selivandex/tradeswarm/internal/policy"
	"github.com/selivandex/tradeswarm/internal/risk"
	"github.com/selivandex/tradeswarm/internal/swarm"
	"github.com/selivandex/tradeswarm/internal/workers"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
	"github.com/selivandex/tradeswarm/pkg/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Trade Swarm starting...",
		zap.String("mode", cfg.Mode.Mode),
	)

	clk := clockpkg.NewSystem()

	// Core infrastructure
	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db.Conn(), "migrations"); err != nil {
		return err
	}

	var kv redisAdapter.KV
	var dispatchLock redisAdapter.DispatchLock = redisAdapter.NoopLock{}
	redisClient, err := redisAdapter.New(&cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory KV", zap.Error(err))
		kv = redisAdapter.NewMemoryKV()
	} else {
		defer redisClient.Close()
		kv = redisClient
		lock, err := redisAdapter.NewDispatchLock(&cfg.Redis, cfg.Swarm.DispatchLockName, cfg.Swarm.DispatchLockTTL)
		if err != nil {
			logger.Warn("dispatch lock unavailable, running unlocked", zap.Error(err))
		} else {
			dispatchLock = lock
		}
	}

	var blobs s3Adapter.BlobStore = s3Adapter.NopStore{}
	if cfg.S3.Enabled && cfg.S3.Bucket != "" {
		store, err := s3Adapter.New(ctx, &cfg.S3)
		if err != nil {
			logger.Warn("s3 unavailable, snapshots disabled", zap.Error(err))
		} else {
			blobs = store
		}
	}

	activitySink := initActivity(ctx, cfg)
	defer activitySink.Close()

	// Capabilities
	brk := initBroker(cfg, clk)
	marketData := broker.NewStaticMarketData()
	llm := ai.NewOpenAIProvider(&cfg.LLM)
	feed := news.NewMultiFeed(
		news.NewRedditFeed(&cfg.News),
		news.NewStocktwitsFeed(&cfg.News),
	)

	// Repositories and services
	policyRepo := policy.NewRepository(db.DB())
	riskRepo := risk.NewRepository(db.DB())
	riskManager := risk.NewManager(riskRepo, brk, clk, cfg.Risk.CooldownMinutes)
	approvalService := approval.NewService(approval.NewRepository(db.DB()), cfg.Approval.Secret, clk)
	executionRepo := execution.NewRepository(db.DB())
	pipeline := execution.NewPipeline(executionRepo, brk, marketData, policyRepo, riskRepo, clk)
	alertRepo := alerts.NewRepository(db.DB())
	rawEvents := agents.NewRawEventRepository(db.DB())

	// Swarm core
	transport := swarm.NewLocalTransport()
	registry, err := swarm.NewRegistry(ctx, swarm.NewSQLSnapshotStore(db.DB()), transport, clk, dispatchLock)
	if err != nil {
		return err
	}

	// Agents
	scout := agents.NewScoutAgent(feed, rawEvents, registry, clk)
	scoutHost := swarm.NewHost(scout, registry, clk, swarm.HostOptions{
		AlarmInterval:   cfg.Swarm.AlarmInterval,
		InboxDrainLimit: cfg.Swarm.InboxDrainLimit,
	})

	analyst := agents.NewAnalystAgent(llm, func(ctx context.Context) ([]models.Signal, error) {
		return scout.Signals(), nil
	}, registry, clk)
	analystHost := swarm.NewHost(analyst, registry, clk, swarm.HostOptions{
		AlarmInterval:   cfg.Swarm.AlarmInterval,
		InboxDrainLimit: cfg.Swarm.InboxDrainLimit,
	})

	riskAgent := agents.NewRiskManagerAgent(policyRepo, riskRepo, brk, marketData, clk)
	riskHost := swarm.NewHost(riskAgent, registry, clk, swarm.HostOptions{
		AlarmInterval: cfg.Swarm.AlarmInterval,
	})

	learning := agents.NewLearningAgent(registry, clk)
	learningHost := swarm.NewHost(learning, registry, clk, swarm.HostOptions{
		AlarmInterval: cfg.Swarm.AlarmInterval,
	})

	trader := agents.NewTraderAgent(pipeline, brk, func(ctx context.Context, symbol string, confidence float64) (bool, float64) {
		advice := learning.Advice(symbol, confidence)
		return advice.Approved, advice.AdjustedConfidence
	}, registry, clk)
	traderHost := swarm.NewHost(trader, registry, clk, swarm.HostOptions{
		AlarmInterval: cfg.Swarm.AlarmInterval,
	})

	hosts := []*swarm.Host{scoutHost, analystHost, riskHost, traderHost, learningHost}
	for _, host := range hosts {
		transport.Attach(host)
		if err := host.Start(ctx); err != nil {
			return err
		}
		defer host.Stop()
	}

	// Topic wiring
	for _, topic := range trader.Topics() {
		if err := registry.Subscribe(trader.ID(), topic); err != nil {
			return err
		}
	}
	for _, topic := range learning.Topics() {
		if err := registry.Subscribe(learning.ID(), topic); err != nil {
			return err
		}
	}

	recordStartup(activitySink, clk)

	// Alert delivery
	notifier := alerts.NewNotifier(initChannels(cfg), kv, clk, alerts.NotifierOptions{
		DedupeWindow: cfg.Alerts.DedupeWindow,
		RateWindow:   cfg.Alerts.RateWindow,
		MaxPerWindow: cfg.Alerts.MaxPerWindow,
	})
	thresholds := alerts.Thresholds{
		DrawdownWarnRatio: cfg.Alerts.DrawdownWarnRatio,
		DLQWarnThreshold:  cfg.Alerts.DLQWarnThreshold,
		DLQCritThreshold:  cfg.Alerts.DLQCritThreshold,
		LLMAuthWindowMS:   cfg.Alerts.LLMAuthWindow.Milliseconds(),
	}

	// Control loops
	group := worker.NewWorkerGroup(ctx)
	group.Add(workers.NewDispatchWorker(registry, cfg.Swarm.DispatchLimit), cfg.Swarm.AlarmInterval)
	group.AddDeferred(workers.NewIngestWorker(registry, riskRepo, brk, clk), 5*time.Minute)
	group.Add(workers.NewDailyWorker(riskManager, approvalService, brk, clk, cfg.Risk.DailyResetHourLocal), time.Minute)
	group.AddDeferred(workers.NewHourlyWorker(riskManager, registry, pipeline, alertRepo, notifier, analyst, brk, blobs, activitySink, clk, thresholds), time.Hour)
	group.Start()
	defer group.Stop(10 * time.Second)

	// Operational HTTP surface
	server := swarm.NewServer(registry, transport)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Health.Port,
		Handler: server.Handler(),
	}
	go func() {
		logger.Info("swarm server listening", zap.String("port", cfg.Health.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("swarm server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info("Trade Swarm stopped")
	return nil
}

// initBroker selects the broker for the configured mode. Live provider
// adapters register here; paper mode uses the in-memory broker.
func initBroker(cfg *config.Config, clk clockpkg.Clock) broker.Broker {
	assetClass := models.AssetUSEquity
	if cfg.Broker.AssetClass == string(models.AssetCrypto) {
		assetClass = models.AssetCrypto
	}

	if cfg.IsPaperTrading() || cfg.Broker.Provider == "paper" {
		return broker.NewPaperBroker(clk, 100_000, assetClass)
	}

	logger.Warn("live broker adapters are deployed separately, falling back to paper",
		zap.String("provider", cfg.Broker.Provider),
	)
	return broker.NewPaperBroker(clk, 100_000, assetClass)
}

// initChannels builds the alert channels present in the configuration
func initChannels(cfg *config.Config) []alerts.Channel {
	channels := make([]alerts.Channel, 0, 4)
	if cfg.Alerts.ConsoleEnabled {
		channels = append(channels, alerts.ConsoleChannel{})
	}
	if cfg.Alerts.DiscordWebhookURL != "" {
		channels = append(channels, alerts.NewDiscordChannel(cfg.Alerts.DiscordWebhookURL))
	}
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alerts.NewWebhookChannel(cfg.Alerts.WebhookURL))
	}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != 0 {
		telegram, err := alerts.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			logger.Warn("telegram channel unavailable", zap.Error(err))
		} else {
			channels = append(channels, telegram)
		}
	}
	return channels
}

// initActivity wires the ClickHouse activity sink when enabled
func initActivity(ctx context.Context, cfg *config.Config) activity.Sink {
	if !cfg.ClickHouse.Enabled {
		return activity.NopSink{}
	}
	writer, err := activity.NewClickHouseWriter(ctx, &cfg.ClickHouse)
	if err != nil {
		logger.Warn("clickhouse unavailable, activity logging disabled", zap.Error(err))
		return activity.NopSink{}
	}
	return activity.NewBufferedSink(writer, 100, 10*time.Second)
}

func recordStartup(sink activity.Sink, clk clockpkg.Clock) {
	sink.Record(activity.Entry{
		TimestampMS: clk.NowMS(),
		EventType:   "lifecycle",
		Severity:    "info",
		Status:      "ok",
		Agent:       "system",
		Action:      "startup",
		Description: "trade swarm started",
	})
}

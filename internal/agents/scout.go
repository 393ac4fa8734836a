package agents

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/news"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Bus is the slice of the registry surface agents use to emit events
type Bus interface {
	Publish(source models.AgentID, topic string, payload map[string]any) (int, error)
}

// ScoutAgent pulls external signals, normalizes them into per-symbol
// sentiment aggregates, and announces fresh data on signals_updated
type ScoutAgent struct {
	id      models.AgentID
	feed    news.Feed
	scorer  *news.SentimentScorer
	repo    *RawEventRepository
	bus     Bus
	clk     clockpkg.Clock
	refresh int64 // minimum ms between refreshes

	mu            sync.Mutex
	signals       []models.Signal
	lastRefreshMS int64
}

// NewScoutAgent creates new scout agent
func NewScoutAgent(feed news.Feed, repo *RawEventRepository, bus Bus, clk clockpkg.Clock) *ScoutAgent {
	return &ScoutAgent{
		id:      models.NewAgentID(models.AgentScout),
		feed:    feed,
		scorer:  news.NewSentimentScorer(),
		repo:    repo,
		bus:     bus,
		clk:     clk,
		refresh: (5 * 60) * 1000,
	}
}

// ID returns the scout identity
func (a *ScoutAgent) ID() models.AgentID {
	return a.id
}

// Capabilities advertises what the scout offers
func (a *ScoutAgent) Capabilities() []string {
	return []string{"signals", "ingestion"}
}

// HandleMessage processes commands; a refresh command forces a pull
func (a *ScoutAgent) HandleMessage(ctx context.Context, msg *models.Message) (any, error) {
	if msg.Type == models.MessageCommand && msg.Topic == "refresh" {
		if err := a.Refresh(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"ack": true, "signals": len(a.Signals())}, nil
	}
	return nil, nil
}

// OnAlarm refreshes signals when the refresh interval has elapsed
func (a *ScoutAgent) OnAlarm(ctx context.Context) error {
	a.mu.Lock()
	due := a.clk.NowMS()-a.lastRefreshMS >= a.refresh
	a.mu.Unlock()

	if !due {
		return nil
	}
	return a.Refresh(ctx)
}

// Refresh pulls the feeds, stores unseen items, rebuilds the aggregates,
// and publishes signals_updated
func (a *ScoutAgent) Refresh(ctx context.Context) error {
	items, err := a.feed.Poll(ctx)
	if err != nil {
		return err
	}

	inserted := 0
	if a.repo != nil {
		inserted, err = a.repo.InsertNew(ctx, items)
		if err != nil {
			logger.Warn("raw event insert failed", zap.Error(err))
		}
	}

	signals := a.aggregate(items)

	a.mu.Lock()
	a.signals = signals
	a.lastRefreshMS = a.clk.NowMS()
	a.mu.Unlock()

	logger.Info("signals refreshed",
		zap.Int("raw_items", len(items)),
		zap.Int("new_items", inserted),
		zap.Int("symbols", len(signals)),
	)

	if _, err := a.bus.Publish(a.id, models.TopicSignalsUpdated, map[string]any{
		"symbols":      len(signals),
		"generated_at": a.clk.NowMS(),
	}); err != nil {
		logger.Warn("signals_updated publish failed", zap.Error(err))
	}

	return nil
}

// aggregate folds raw items into one signal per symbol
func (a *ScoutAgent) aggregate(items []models.RawItem) []models.Signal {
	type bucket struct {
		sentimentSum float64
		volume       float64
		sources      map[string]bool
	}
	buckets := make(map[string]*bucket)

	record := func(symbol, source string, sentiment float64) {
		symbol = strings.ToUpper(symbol)
		b, ok := buckets[symbol]
		if !ok {
			b = &bucket{sources: make(map[string]bool)}
			buckets[symbol] = b
		}
		b.sentimentSum += sentiment
		b.volume++
		b.sources[source] = true
	}

	for _, item := range items {
		// Labeled sources carry their own score; everything else goes
		// through the keyword scorer
		sentiment := item.Score
		if sentiment < -1 || sentiment > 1 || sentiment == 0 {
			sentiment = a.scorer.Score(item.Content)
		}

		if item.Symbol != "" {
			record(item.Symbol, item.Source, sentiment)
			continue
		}
		for _, symbol := range news.ExtractSymbols(item.Content) {
			record(symbol, item.Source, sentiment)
		}
	}

	signals := make([]models.Signal, 0, len(buckets))
	for symbol, b := range buckets {
		sources := make([]string, 0, len(b.sources))
		for source := range b.sources {
			sources = append(sources, source)
		}
		sort.Strings(sources)

		signals = append(signals, models.Signal{
			Symbol:    symbol,
			Sentiment: b.sentimentSum / b.volume,
			Volume:    b.volume,
			Sources:   sources,
		})
	}

	sort.Slice(signals, func(i, j int) bool {
		return signals[i].Symbol < signals[j].Symbol
	})
	return signals
}

// Signals returns the latest aggregates
func (a *ScoutAgent) Signals() []models.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Signal, len(a.signals))
	copy(out, a.signals)
	return out
}

// StateSnapshot exposes the scout's state for /state
func (a *ScoutAgent) StateSnapshot() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"signals":         a.signals,
		"last_refresh_ms": a.lastRefreshMS,
	}
}

// HandleRequest serves /signals
func (a *ScoutAgent) HandleRequest(ctx context.Context, path string, body []byte) (any, error) {
	switch path {
	case "/signals":
		return map[string]any{"signals": a.Signals()}, nil
	case "/refresh":
		if err := a.Refresh(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"ack": true}, nil
	}
	return nil, errUnknownRoute(path)
}

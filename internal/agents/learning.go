package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

const (
	// outcomeRetention drops outcomes older than this
	outcomeRetention = 30 * 24 * time.Hour
	// outcomeCap bounds the rolling set; overflow truncates to 80%
	outcomeCap = 1000
	// optimizeInterval paces scheduled strategy reviews
	optimizeInterval = 15 * time.Minute
	// minSamplesGlobal gates any strategy adjustment
	minSamplesGlobal = 10
	// minSamplesSymbol gates per-symbol advice adjustments
	minSamplesSymbol = 3
)

// LearningAgent records trade outcomes and adapts the strategy parameters
// the trader uses
type LearningAgent struct {
	id  models.AgentID
	bus Bus
	clk clockpkg.Clock

	mu             sync.Mutex
	outcomes       []models.TradeOutcome
	global         models.PerformanceStats
	perSymbol      map[string]models.PerformanceStats
	strategy       models.StrategyParams
	lastOptimizeMS int64
}

// NewLearningAgent creates new learning agent
func NewLearningAgent(bus Bus, clk clockpkg.Clock) *LearningAgent {
	return &LearningAgent{
		id:        models.NewAgentID(models.AgentLearning),
		bus:       bus,
		clk:       clk,
		perSymbol: make(map[string]models.PerformanceStats),
		strategy:  models.DefaultStrategyParams(),
	}
}

// ID returns the learning identity
func (a *LearningAgent) ID() models.AgentID {
	return a.id
}

// Capabilities advertises what the learning agent offers
func (a *LearningAgent) Capabilities() []string {
	return []string{"learning", "advice"}
}

// Topics returns the subscriptions the learning agent needs
func (a *LearningAgent) Topics() []string {
	return []string{models.TopicTradeOutcome}
}

// HandleMessage appends trade outcomes from the bus
func (a *LearningAgent) HandleMessage(ctx context.Context, msg *models.Message) (any, error) {
	if msg.Topic != models.TopicTradeOutcome {
		return nil, nil
	}

	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid outcome payload: %w", err)
	}
	var outcome models.TradeOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, fmt.Errorf("invalid trade outcome: %w", err)
	}
	if outcome.ClosedAtMS == 0 {
		outcome.ClosedAtMS = msg.TimestampMS
	}

	a.RecordOutcome(outcome)
	return map[string]any{"ack": true}, nil
}

// OnAlarm runs a scheduled strategy review when due
func (a *LearningAgent) OnAlarm(ctx context.Context) error {
	a.mu.Lock()
	due := a.clk.NowMS()-a.lastOptimizeMS >= optimizeInterval.Milliseconds()
	a.mu.Unlock()

	if !due {
		return nil
	}
	a.OptimizeStrategy("scheduled")
	return nil
}

// RecordOutcome appends one outcome and recomputes the aggregates
func (a *LearningAgent) RecordOutcome(outcome models.TradeOutcome) {
	outcome.Symbol = strings.ToUpper(strings.TrimSpace(outcome.Symbol))

	a.mu.Lock()
	defer a.mu.Unlock()

	a.outcomes = append(a.outcomes, outcome)
	a.compactLocked()
	a.recomputeLocked()
}

// compactLocked enforces retention and the cap; callers hold the mutex
func (a *LearningAgent) compactLocked() {
	cutoffMS := a.clk.NowMS() - outcomeRetention.Milliseconds()
	kept := a.outcomes[:0]
	for _, outcome := range a.outcomes {
		if outcome.ClosedAtMS >= cutoffMS {
			kept = append(kept, outcome)
		}
	}
	a.outcomes = kept

	if len(a.outcomes) > outcomeCap {
		target := outcomeCap * 8 / 10
		a.outcomes = a.outcomes[len(a.outcomes)-target:]
	}
}

// recomputeLocked rebuilds global and per-symbol stats; callers hold the mutex
func (a *LearningAgent) recomputeLocked() {
	a.global = models.PerformanceStats{}
	a.perSymbol = make(map[string]models.PerformanceStats)

	for _, outcome := range a.outcomes {
		a.global = fold(a.global, outcome)
		a.perSymbol[outcome.Symbol] = fold(a.perSymbol[outcome.Symbol], outcome)
	}
}

func fold(stats models.PerformanceStats, outcome models.TradeOutcome) models.PerformanceStats {
	stats.Samples++
	if outcome.Success {
		stats.Wins++
	} else {
		stats.Losses++
	}
	stats.TotalPnL += outcome.PnL
	stats.WinRate = float64(stats.Wins) / float64(stats.Samples)
	stats.AvgPnL = stats.TotalPnL / float64(stats.Samples)
	return stats
}

// OptimizeResult reports what a strategy review changed
type OptimizeResult struct {
	Updated     bool                    `json:"updated"`
	Reason      string                  `json:"reason"`
	Strategy    models.StrategyParams   `json:"strategy"`
	Performance models.PerformanceStats `json:"performance"`
}

// OptimizeStrategy reviews recent performance and tightens or loosens the
// strategy. A changed strategy is announced on strategy_updated.
func (a *LearningAgent) OptimizeStrategy(reason string) OptimizeResult {
	a.mu.Lock()
	a.lastOptimizeMS = a.clk.NowMS()
	stats := a.global
	strategy := a.strategy
	a.mu.Unlock()

	updated := false

	if stats.Samples >= minSamplesGlobal {
		switch {
		case stats.WinRate < 0.45 || stats.AvgPnL < 0:
			// Losing edge: demand more conviction, risk less
			strategy.MinConfidenceBuy = clamp(strategy.MinConfidenceBuy+0.05, 0, 0.9)
			strategy.MaxPositionNotional = clampFloor(strategy.MaxPositionNotional*0.9, 500)
			strategy.RiskMultiplier = clampFloor(strategy.RiskMultiplier*0.95, 0.5)
			updated = true
		case stats.WinRate > 0.6 && stats.AvgPnL > 0:
			// Winning edge: loosen carefully
			strategy.MinConfidenceBuy = clampFloor(strategy.MinConfidenceBuy-0.03, 0.6)
			strategy.MaxPositionNotional = clampCeil(strategy.MaxPositionNotional*1.05, 5000)
			strategy.RiskMultiplier = clampCeil(strategy.RiskMultiplier*1.03, 1.5)
			updated = true
		}
	}

	if updated {
		a.mu.Lock()
		a.strategy = strategy
		a.mu.Unlock()

		logger.Info("strategy optimized",
			zap.String("reason", reason),
			zap.Float64("win_rate", stats.WinRate),
			zap.Float64("avg_pnl", stats.AvgPnL),
			zap.Float64("min_confidence_buy", strategy.MinConfidenceBuy),
			zap.Float64("max_position_notional", strategy.MaxPositionNotional),
		)

		if _, err := a.bus.Publish(a.id, models.TopicStrategyUpdated, map[string]any{
			"strategy":    strategy,
			"performance": stats,
			"reason":      reason,
		}); err != nil {
			logger.Warn("strategy_updated publish failed", zap.Error(err))
		}
	}

	return OptimizeResult{
		Updated:     updated,
		Reason:      reason,
		Strategy:    strategy,
		Performance: stats,
	}
}

// AdviceResult is the per-buy advice verdict
type AdviceResult struct {
	Approved           bool    `json:"approved"`
	AdjustedConfidence float64 `json:"adjusted_confidence"`
	SymbolWinRate      float64 `json:"symbol_win_rate,omitempty"`
	SymbolSamples      int     `json:"symbol_samples"`
}

// Advice adjusts a buy's confidence by symbol and global track record;
// approved iff the adjusted confidence clears the strategy floor
func (a *LearningAgent) Advice(symbol string, confidence float64) AdviceResult {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	a.mu.Lock()
	symbolStats := a.perSymbol[symbol]
	globalStats := a.global
	floor := a.strategy.MinConfidenceBuy
	a.mu.Unlock()

	adjusted := confidence
	if symbolStats.Samples >= minSamplesSymbol {
		switch {
		case symbolStats.WinRate <= 0.35:
			adjusted -= 0.10
		case symbolStats.WinRate >= 0.65:
			adjusted += 0.05
		}
	}
	if globalStats.Samples >= minSamplesGlobal && globalStats.WinRate < 0.45 {
		adjusted -= 0.05
	}
	adjusted = clamp(adjusted, 0, 1)

	return AdviceResult{
		Approved:           adjusted >= floor,
		AdjustedConfidence: adjusted,
		SymbolWinRate:      symbolStats.WinRate,
		SymbolSamples:      symbolStats.Samples,
	}
}

// Strategy returns the current strategy parameters
func (a *LearningAgent) Strategy() models.StrategyParams {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strategy
}

// Performance returns the global stats
func (a *LearningAgent) Performance() models.PerformanceStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.global
}

// StateSnapshot exposes learning state for /state
func (a *LearningAgent) StateSnapshot() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"strategy":    a.strategy,
		"performance": a.global,
		"outcomes":    len(a.outcomes),
		"symbols":     len(a.perSymbol),
	}
}

// HandleRequest serves /advice and /optimize
func (a *LearningAgent) HandleRequest(ctx context.Context, path string, body []byte) (any, error) {
	switch path {
	case "/advice":
		var params struct {
			Symbol     string  `json:"symbol"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("invalid advice body: %w", err)
		}
		return a.Advice(params.Symbol, params.Confidence), nil

	case "/optimize":
		var params struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(body, &params)
		if params.Reason == "" {
			params.Reason = "manual"
		}
		return a.OptimizeStrategy(params.Reason), nil
	}
	return nil, errUnknownRoute(path)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloor(v, lo float64) float64 {
	if v < lo {
		return lo
	}
	return v
}

func clampCeil(v, hi float64) float64 {
	if v > hi {
		return hi
	}
	return v
}

package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

func init() {
	logger.InitNop()
}

// fakeBus records publishes
type fakeBus struct {
	published []struct {
		Topic   string
		Payload map[string]any
	}
}

func (b *fakeBus) Publish(source models.AgentID, topic string, payload map[string]any) (int, error) {
	b.published = append(b.published, struct {
		Topic   string
		Payload map[string]any
	}{topic, payload})
	return 1, nil
}

func (b *fakeBus) topics() []string {
	out := make([]string, 0, len(b.published))
	for _, p := range b.published {
		out = append(out, p.Topic)
	}
	return out
}

func losingOutcome(clk clockpkg.Clock, symbol string) models.TradeOutcome {
	return models.TradeOutcome{
		Symbol:     symbol,
		Success:    false,
		PnL:        -15,
		Notional:   1000,
		ClosedAtMS: clk.NowMS(),
	}
}

func winningOutcome(clk clockpkg.Clock, symbol string, pnl float64) models.TradeOutcome {
	return models.TradeOutcome{
		Symbol:     symbol,
		Success:    true,
		PnL:        pnl,
		Notional:   1000,
		ClosedAtMS: clk.NowMS(),
	}
}

func TestLearning_TightensOnLosingStreak(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	bus := &fakeBus{}
	agent := NewLearningAgent(bus, clk)

	for i := 0; i < 12; i++ {
		agent.RecordOutcome(losingOutcome(clk, "TSLA"))
	}

	result := agent.OptimizeStrategy("test")
	require.True(t, result.Updated)
	assert.Greater(t, result.Strategy.MinConfidenceBuy, 0.7)
	assert.Less(t, result.Strategy.MaxPositionNotional, 5000.0)
	assert.Less(t, result.Strategy.RiskMultiplier, 1.0)

	assert.Contains(t, bus.topics(), models.TopicStrategyUpdated,
		"a changed strategy must be announced")
}

func TestLearning_LoosensOnWinningStreak(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	agent := NewLearningAgent(&fakeBus{}, clk)

	for i := 0; i < 14; i++ {
		agent.RecordOutcome(winningOutcome(clk, "NVDA", 25))
	}

	result := agent.OptimizeStrategy("test")
	require.True(t, result.Updated)
	assert.Less(t, result.Strategy.MinConfidenceBuy, 0.7)
	assert.GreaterOrEqual(t, result.Strategy.MinConfidenceBuy, 0.6)
	assert.LessOrEqual(t, result.Strategy.MaxPositionNotional, 5000.0)
}

func TestLearning_NoChangeWithFewSamples(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	bus := &fakeBus{}
	agent := NewLearningAgent(bus, clk)

	for i := 0; i < 5; i++ {
		agent.RecordOutcome(losingOutcome(clk, "AMD"))
	}

	result := agent.OptimizeStrategy("test")
	assert.False(t, result.Updated)
	assert.NotContains(t, bus.topics(), models.TopicStrategyUpdated)
}

func TestLearning_TighteningIsBounded(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	agent := NewLearningAgent(&fakeBus{}, clk)

	for i := 0; i < 20; i++ {
		agent.RecordOutcome(losingOutcome(clk, "MEME"))
	}
	for i := 0; i < 30; i++ {
		agent.OptimizeStrategy("squeeze")
	}

	strategy := agent.Strategy()
	assert.LessOrEqual(t, strategy.MinConfidenceBuy, 0.9)
	assert.GreaterOrEqual(t, strategy.MaxPositionNotional, 500.0)
	assert.GreaterOrEqual(t, strategy.RiskMultiplier, 0.5)
}

func TestLearning_AdviceAdjustsBySymbolRecord(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	agent := NewLearningAgent(&fakeBus{}, clk)

	// Weak symbol: three straight losses
	for i := 0; i < 3; i++ {
		agent.RecordOutcome(losingOutcome(clk, "WEAK"))
	}
	// Strong symbol: three straight wins
	for i := 0; i < 3; i++ {
		agent.RecordOutcome(winningOutcome(clk, "STRONG", 20))
	}

	weak := agent.Advice("WEAK", 0.8)
	assert.InDelta(t, 0.70, weak.AdjustedConfidence, 0.001)

	strong := agent.Advice("STRONG", 0.8)
	assert.InDelta(t, 0.85, strong.AdjustedConfidence, 0.001)
}

func TestLearning_AdviceGlobalPenalty(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	agent := NewLearningAgent(&fakeBus{}, clk)

	// Ten losses across many symbols: global win rate 0, below 0.45
	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	for _, symbol := range symbols {
		agent.RecordOutcome(losingOutcome(clk, symbol))
	}

	advice := agent.Advice("FRESH", 0.8)
	assert.InDelta(t, 0.75, advice.AdjustedConfidence, 0.001)
	assert.True(t, advice.Approved, "0.75 still clears the 0.7 floor")

	declined := agent.Advice("FRESH", 0.7)
	assert.False(t, declined.Approved)
}

func TestLearning_OutcomeCapTruncatesToEightyPercent(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	agent := NewLearningAgent(&fakeBus{}, clk)

	for i := 0; i < outcomeCap+1; i++ {
		agent.RecordOutcome(winningOutcome(clk, "SPY", 1))
	}

	assert.Equal(t, outcomeCap*8/10, agent.Performance().Samples)
}

func TestLearning_RetentionDropsOldOutcomes(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	agent := NewLearningAgent(&fakeBus{}, clk)

	agent.RecordOutcome(winningOutcome(clk, "OLD", 5))
	clk.Advance(31 * 24 * time.Hour)
	agent.RecordOutcome(winningOutcome(clk, "NEW", 5))

	perf := agent.Performance()
	assert.Equal(t, 1, perf.Samples, "outcomes older than 30 days are dropped")
}

package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// scriptedFeed returns canned items
type scriptedFeed struct {
	items []models.RawItem
	err   error
	polls int
}

func (f *scriptedFeed) GetName() string { return "scripted" }
func (f *scriptedFeed) IsEnabled() bool { return true }

func (f *scriptedFeed) Poll(ctx context.Context) ([]models.RawItem, error) {
	f.polls++
	return f.items, f.err
}

func TestScout_AggregatesPerSymbol(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	bus := &fakeBus{}
	feed := &scriptedFeed{items: []models.RawItem{
		{Source: "stocktwits", SourceID: "1", Symbol: "AAPL", Content: "bullish on aapl", Score: 1},
		{Source: "stocktwits", SourceID: "2", Symbol: "AAPL", Content: "aapl rally incoming", Score: 1},
		{Source: "reddit:stocks", SourceID: "3", Content: "$AAPL earnings beat, upgrade coming"},
		{Source: "reddit:stocks", SourceID: "4", Content: "$TSLA lawsuit and recall news"},
	}}

	agent := NewScoutAgent(feed, nil, bus, clk)
	require.NoError(t, agent.Refresh(context.Background()))

	signals := agent.Signals()
	require.Len(t, signals, 2)

	bySymbol := make(map[string]models.Signal)
	for _, signal := range signals {
		bySymbol[signal.Symbol] = signal
	}

	aapl := bySymbol["AAPL"]
	assert.Equal(t, 3.0, aapl.Volume)
	assert.Positive(t, aapl.Sentiment)
	assert.Equal(t, []string{"reddit:stocks", "stocktwits"}, aapl.Sources)

	tsla := bySymbol["TSLA"]
	assert.Equal(t, 1.0, tsla.Volume)
	assert.Negative(t, tsla.Sentiment, "lawsuit and recall keywords score bearish")
}

func TestScout_PublishesSignalsUpdated(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	bus := &fakeBus{}
	feed := &scriptedFeed{items: []models.RawItem{
		{Source: "stocktwits", SourceID: "1", Symbol: "SPY", Content: "spy strong", Score: 1},
	}}

	agent := NewScoutAgent(feed, nil, bus, clk)
	require.NoError(t, agent.Refresh(context.Background()))

	assert.Contains(t, bus.topics(), models.TopicSignalsUpdated)
}

func TestScout_AlarmRespectsRefreshInterval(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	feed := &scriptedFeed{}
	agent := NewScoutAgent(feed, nil, &fakeBus{}, clk)

	require.NoError(t, agent.OnAlarm(context.Background()))
	assert.Equal(t, 1, feed.polls)

	// Second alarm inside the refresh window is a no-op
	clk.Advance(time.Minute)
	require.NoError(t, agent.OnAlarm(context.Background()))
	assert.Equal(t, 1, feed.polls)

	clk.Advance(5 * time.Minute)
	require.NoError(t, agent.OnAlarm(context.Background()))
	assert.Equal(t, 2, feed.polls)
}

func TestScout_RefreshCommand(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	feed := &scriptedFeed{}
	agent := NewScoutAgent(feed, nil, &fakeBus{}, clk)

	msg := &models.Message{
		ID:          "m",
		Type:        models.MessageCommand,
		Topic:       "refresh",
		TimestampMS: clk.NowMS(),
	}
	_, err := agent.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, feed.polls)
}

func TestScout_SignalsRoute(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	agent := NewScoutAgent(&scriptedFeed{}, nil, &fakeBus{}, clk)

	result, err := agent.HandleRequest(context.Background(), "/signals", nil)
	require.NoError(t, err)
	payload := result.(map[string]any)
	assert.NotNil(t, payload["signals"])
}

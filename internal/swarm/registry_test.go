package swarm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/tradeswarm/internal/adapters/redis"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

func init() {
	logger.InitNop()
}

// fakeTransport records deliveries and can be told to fail
type fakeTransport struct {
	mu        sync.Mutex
	delivered []models.Message
	failFor   map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[string]error)}
}

func (t *fakeTransport) Deliver(ctx context.Context, target models.AgentID, msg *models.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failFor[target.String()]; ok {
		return err
	}
	t.delivered = append(t.delivered, *msg)
	return nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.delivered)
}

func newTestRegistry(t *testing.T, clk clockpkg.Clock) (*Registry, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	registry, err := NewRegistry(context.Background(), NewMemorySnapshotStore(), transport, clk, redis.NoopLock{})
	require.NoError(t, err)
	return registry, transport
}

func testMessage(source, target models.AgentID, topic string) *models.Message {
	return &models.Message{
		ID:          ident.MessageID("queue"),
		Source:      source,
		Target:      target,
		Topic:       topic,
		Type:        models.MessageCommand,
		TimestampMS: time.Now().UnixMilli(),
	}
}

func registerAgent(t *testing.T, registry *Registry, id models.AgentID) {
	t.Helper()
	require.NoError(t, registry.Register(models.AgentStatus{
		ID:     id,
		Type:   id.Type,
		Status: models.AgentActive,
	}))
}

func TestRegistry_SubscribeIdempotent(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, _ := newTestRegistry(t, clk)

	trader := models.NewAgentID(models.AgentTrader)
	require.NoError(t, registry.Subscribe(trader, "analysis_ready"))
	require.NoError(t, registry.Subscribe(trader, "analysis_ready"))

	subs := registry.Subscriptions()
	assert.Equal(t, []string{trader.String()}, subs["analysis_ready"])

	// Removing the last subscriber deletes the topic key
	require.NoError(t, registry.Unsubscribe(trader, "analysis_ready"))
	_, exists := registry.Subscriptions()["analysis_ready"]
	assert.False(t, exists)
}

func TestRegistry_PollFIFO(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, _ := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	trader := models.NewAgentID(models.AgentTrader)

	for i := 0; i < 3; i++ {
		msg := testMessage(scout, trader, fmt.Sprintf("topic-%d", i))
		_, err := registry.Enqueue(msg, 0, 3)
		require.NoError(t, err)
	}

	msgs, err := registry.Poll(trader, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "topic-0", msgs[0].Topic)
	assert.Equal(t, "topic-1", msgs[1].Topic)
	assert.Equal(t, "topic-2", msgs[2].Topic)

	// The queue is drained
	msgs, err = registry.Poll(trader, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRegistry_PollRespectsDelay(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, _ := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	trader := models.NewAgentID(models.AgentTrader)

	_, err := registry.Enqueue(testMessage(scout, trader, "delayed"), 30*time.Second, 3)
	require.NoError(t, err)

	msgs, err := registry.Poll(trader, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "delayed message must not be visible yet")

	clk.Advance(31 * time.Second)
	msgs, err = registry.Poll(trader, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRegistry_TTLNeverDeliveredLate(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, transport := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	trader := models.NewAgentID(models.AgentTrader)
	registerAgent(t, registry, trader)

	msg := testMessage(scout, trader, "ephemeral")
	msg.TimestampMS = clk.NowMS()
	msg.TTLMS = 1000
	_, err := registry.Enqueue(msg, 0, 3)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)

	result, err := registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 0, result.Delivered)
	assert.Equal(t, 0, transport.count())
	assert.Equal(t, 1, registry.DeadLetterCount())
}

func TestRegistry_DispatchDelivers(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, transport := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	trader := models.NewAgentID(models.AgentTrader)
	registerAgent(t, registry, trader)

	_, err := registry.Enqueue(testMessage(scout, trader, "go"), 0, 3)
	require.NoError(t, err)

	result, err := registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, transport.count())

	state := registry.QueueState()
	assert.Equal(t, 0, state["queued"])
}

func TestRegistry_UnregisteredTargetBacksOffThenDeadLetters(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, transport := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	ghost := models.AgentID{Type: models.AgentTrader, Name: "ghost"}

	_, err := registry.Enqueue(testMessage(scout, ghost, "lost"), 0, 2)
	require.NoError(t, err)

	// First pass consumes attempt 1 and schedules a backoff
	result, err := registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 0, registry.DeadLetterCount())

	// Entry is backed off: an immediate pass must not touch it
	result, err = registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	// After the backoff the second failure exhausts max_attempts
	clk.Advance(2 * time.Second)
	result, err = registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Equal(t, 1, registry.DeadLetterCount())
	assert.Equal(t, 0, transport.count())
}

func TestRegistry_StaleHeartbeatDefersWithoutBump(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, transport := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	trader := models.NewAgentID(models.AgentTrader)
	registerAgent(t, registry, trader)

	// Age the heartbeat past the staleness threshold
	clk.Advance(6 * time.Minute)

	_, err := registry.Enqueue(testMessage(scout, trader, "patient"), 0, 1)
	require.NoError(t, err)

	result, err := registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Retried, "stale target must not consume attempts")
	assert.Equal(t, 0, transport.count())

	// Heartbeat revives the target and the message flows
	require.NoError(t, registry.Heartbeat(trader, models.AgentActive))
	result, err = registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
}

func TestRegistry_DeadLetterRequeue(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, transport := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	traderX := models.AgentID{Type: models.AgentTrader, Name: "trader-X"}

	// Unregistered target with a single attempt dies on first dispatch
	_, err := registry.Enqueue(testMessage(scout, traderX, "retry-me"), 0, 1)
	require.NoError(t, err)

	result, err := registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Equal(t, 0, result.Delivered)

	state := registry.QueueState()
	assert.Equal(t, 0, state["queued"])
	assert.Equal(t, 1, state["dead_lettered"])

	// Register the target, requeue, dispatch: the message arrives
	registerAgent(t, registry, traderX)
	requeued, err := registry.RequeueDeadLetters(10)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	result, err = registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, transport.count())
	assert.Equal(t, 0, registry.DeadLetterCount())
}

func TestRegistry_PublishFansOut(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, _ := newTestRegistry(t, clk)

	analyst := models.NewAgentID(models.AgentAnalyst)
	trader := models.NewAgentID(models.AgentTrader)
	learning := models.NewAgentID(models.AgentLearning)

	require.NoError(t, registry.Subscribe(trader, "analysis_ready"))
	require.NoError(t, registry.Subscribe(learning, "analysis_ready"))

	enqueued, err := registry.Publish(analyst, "analysis_ready", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 2, enqueued)

	traderMsgs, err := registry.Poll(trader, 10)
	require.NoError(t, err)
	require.Len(t, traderMsgs, 1)
	assert.Equal(t, models.MessageEvent, traderMsgs[0].Type)
	assert.Equal(t, models.PriorityNormal, traderMsgs[0].Priority)
}

func TestRegistry_EnqueueValidation(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, _ := newTestRegistry(t, clk)

	msg := &models.Message{} // missing everything
	_, err := registry.Enqueue(msg, 0, 3)
	assert.Error(t, err)
}

func TestRegistry_AttemptsMonotonic(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	registry, transport := newTestRegistry(t, clk)

	scout := models.NewAgentID(models.AgentScout)
	trader := models.NewAgentID(models.AgentTrader)
	registerAgent(t, registry, trader)
	transport.failFor[trader.String()] = fmt.Errorf("boom")

	_, err := registry.Enqueue(testMessage(scout, trader, "flaky"), 0, 3)
	require.NoError(t, err)

	lastAvailable := int64(0)
	for i := 0; i < 2; i++ {
		_, err := registry.Dispatch(context.Background(), 10)
		require.NoError(t, err)

		registry.mu.Lock()
		require.Len(t, registry.state.Queue, 1)
		entry := registry.state.Queue[0]
		registry.mu.Unlock()

		assert.Equal(t, i+1, entry.Attempts)
		assert.Greater(t, entry.AvailableAtMS, lastAvailable)
		lastAvailable = entry.AvailableAtMS

		clk.Advance(retryBackoff(entry.Attempts) + time.Second)
	}

	// Third failure exhausts the attempt budget
	_, err = registry.Dispatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, registry.DeadLetterCount())
}

package swarm

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/tradeswarm/internal/adapters/redis"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// countingAgent tracks handler overlap to prove single-writer execution
type countingAgent struct {
	id       models.AgentID
	inFlight int32
	overlaps int32
	handled  int32
	started  bool
	mu       sync.Mutex
}

func (a *countingAgent) ID() models.AgentID {
	return a.id
}

func (a *countingAgent) OnStart(ctx context.Context) error {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

func (a *countingAgent) HandleMessage(ctx context.Context, msg *models.Message) (any, error) {
	if atomic.AddInt32(&a.inFlight, 1) > 1 {
		atomic.AddInt32(&a.overlaps, 1)
	}
	time.Sleep(2 * time.Millisecond)
	atomic.AddInt32(&a.inFlight, -1)
	atomic.AddInt32(&a.handled, 1)
	return map[string]any{"seen": msg.Topic}, nil
}

func newHostedAgent(t *testing.T) (*Host, *countingAgent, *Registry) {
	t.Helper()

	clk := clockpkg.NewSystem()
	transport := NewLocalTransport()
	registry, err := NewRegistry(context.Background(), NewMemorySnapshotStore(), transport, clk, redis.NoopLock{})
	require.NoError(t, err)

	agent := &countingAgent{id: models.NewAgentID(models.AgentTrader)}
	host := NewHost(agent, registry, clk, HostOptions{AlarmInterval: time.Hour})
	transport.Attach(host)
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(host.Stop)

	return host, agent, registry
}

func TestHost_SingleWriterExecution(t *testing.T) {
	host, agent, _ := newHostedAgent(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &models.Message{ID: "m", Topic: "t", TimestampMS: 1}
			raw, _ := json.Marshal(msg)
			_, err := host.Request(context.Background(), "/message", raw)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), atomic.LoadInt32(&agent.handled))
	assert.Equal(t, int32(0), atomic.LoadInt32(&agent.overlaps),
		"handlers for one agent must never interleave")
}

func TestHost_StartRunsInitBarrier(t *testing.T) {
	_, agent, _ := newHostedAgent(t)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.True(t, agent.started, "OnStart must complete before requests are served")
}

func TestHost_RegistersOnStart(t *testing.T) {
	_, agent, registry := newHostedAgent(t)

	found := false
	for _, status := range registry.Agents() {
		if status.ID == agent.ID() {
			found = true
			assert.Equal(t, models.AgentActive, status.Status)
		}
	}
	assert.True(t, found, "host must register its agent on start")
}

func TestHost_HealthRoute(t *testing.T) {
	host, agent, _ := newHostedAgent(t)

	result, err := host.Request(context.Background(), "/health", nil)
	require.NoError(t, err)

	health, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, agent.ID().String(), health["agent_id"])
}

func TestHost_PollRouteDrainsInbox(t *testing.T) {
	host, agent, registry := newHostedAgent(t)

	scout := models.NewAgentID(models.AgentScout)
	msg := testMessage(scout, agent.ID(), "inbox-item")
	_, err := registry.Enqueue(msg, 0, 3)
	require.NoError(t, err)

	result, err := host.Request(context.Background(), "/swarm/poll", []byte(`{"limit":10}`))
	require.NoError(t, err)

	payload, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, payload["count"])
}

func TestHost_UnknownRoute(t *testing.T) {
	host, _, _ := newHostedAgent(t)

	_, err := host.Request(context.Background(), "/nope", nil)
	assert.Error(t, err)
}

func TestHost_DeliverRoundTrip(t *testing.T) {
	host, _, _ := newHostedAgent(t)

	msg := &models.Message{ID: "x", Topic: "ping", TimestampMS: 1}
	result, err := host.Deliver(context.Background(), msg)
	require.NoError(t, err)

	payload, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ping", payload["seen"])
}

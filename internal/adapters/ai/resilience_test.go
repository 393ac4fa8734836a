package ai

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/selivandex/tradeswarm/pkg/logger"
)

func init() {
	logger.InitNop()
}

type toggleLLM struct {
	enabled bool
	calls   int
	err     error
}

func (l *toggleLLM) GetName() string { return "toggle" }
func (l *toggleLLM) IsEnabled() bool { return l.enabled }

func (l *toggleLLM) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &Completion{Content: "ok"}, nil
}

func TestHealth_CircuitOpensAtThreshold(t *testing.T) {
	var health Health
	now := int64(1_000_000)

	health.MarkFailure(now, "one")
	health.MarkFailure(now, "two")
	assert.False(t, health.CircuitOpen(now), "two failures stay closed")

	health.MarkFailure(now, "three")
	assert.True(t, health.CircuitOpen(now))
	assert.Equal(t, now+10_000, health.CircuitOpenUntilMS, "base cooldown is 10s")
}

func TestHealth_CooldownGrowsExponentiallyAndCaps(t *testing.T) {
	var health Health
	now := int64(0)

	for i := 0; i < 4; i++ {
		health.MarkFailure(now, "x")
	}
	assert.Equal(t, int64(20_000), health.CircuitOpenUntilMS, "fourth failure doubles to 20s")

	for i := 0; i < 20; i++ {
		health.MarkFailure(now, "x")
	}
	assert.Equal(t, (5 * time.Minute).Milliseconds(), health.CircuitOpenUntilMS,
		"cooldown caps at five minutes")
}

func TestHealth_SuccessClosesCircuit(t *testing.T) {
	var health Health
	for i := 0; i < 5; i++ {
		health.MarkFailure(0, "x")
	}
	health.MarkSuccess(1)

	assert.Equal(t, 0, health.Failures)
	assert.False(t, health.CircuitOpen(2))
	assert.Empty(t, health.LastError)
}

func TestRunWithResilience_DisabledServesFallback(t *testing.T) {
	llm := &toggleLLM{enabled: false}
	var health Health
	nowMS := func() int64 { return 0 }

	result := RunWithResilience(context.Background(), llm, &health, nowMS, time.Second, "fallback",
		func(ctx context.Context) (string, error) { return "live", nil })

	assert.Equal(t, "fallback", result)
	assert.Equal(t, 0, llm.calls)
}

func TestRunWithResilience_OpenCircuitServesFallback(t *testing.T) {
	llm := &toggleLLM{enabled: true}
	health := Health{CircuitOpenUntilMS: 100}
	nowMS := func() int64 { return 50 }

	result := RunWithResilience(context.Background(), llm, &health, nowMS, time.Second, 42,
		func(ctx context.Context) (int, error) { return 7, nil })

	assert.Equal(t, 42, result)
}

func TestRunWithResilience_FailureMarksHealth(t *testing.T) {
	llm := &toggleLLM{enabled: true}
	var health Health
	nowMS := func() int64 { return 99 }

	result := RunWithResilience(context.Background(), llm, &health, nowMS, time.Second, "fb",
		func(ctx context.Context) (string, error) { return "", fmt.Errorf("upstream down") })

	assert.Equal(t, "fb", result)
	assert.Equal(t, 1, health.Failures)
	assert.Equal(t, int64(99), health.LastFailureMS)
	assert.Equal(t, "upstream down", health.LastError)
}

func TestRunWithResilience_DeadlineTimesOut(t *testing.T) {
	llm := &toggleLLM{enabled: true}
	var health Health
	nowMS := func() int64 { return 0 }

	result := RunWithResilience(context.Background(), llm, &health, nowMS, 10*time.Millisecond, "fb",
		func(ctx context.Context) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		})

	assert.Equal(t, "fb", result)
	assert.Equal(t, 1, health.Failures, "a timeout is a failure, not a cancellation")
}

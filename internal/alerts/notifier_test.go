package alerts

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/selivandex/tradeswarm/internal/adapters/redis"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

func init() {
	logger.InitNop()
}

// recordingChannel counts sends and can be told to fail
type recordingChannel struct {
	name  string
	sent  int
	fail  bool
	calls []string
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, alert *models.AlertEvent) error {
	c.calls = append(c.calls, alert.Fingerprint)
	if c.fail {
		return fmt.Errorf("channel down")
	}
	c.sent++
	return nil
}

func alertWithFingerprint(fp string) models.AlertEvent {
	return models.AlertEvent{
		ID:          fp + ":1:warning",
		RuleID:      "test_rule",
		Severity:    models.SeverityWarning,
		Title:       "test",
		Message:     "test",
		Fingerprint: fp,
	}
}

func newTestNotifier(clk clockpkg.Clock, maxPerWindow int, channels ...Channel) *Notifier {
	kv := redis.NewMemoryKVWithNow(clk.Now)
	return NewNotifier(channels, kv, clk, NotifierOptions{
		DedupeWindow: 600 * time.Second,
		RateWindow:   5 * time.Minute,
		MaxPerWindow: maxPerWindow,
	})
}

func TestNotifier_DedupeSuppressesSecondDelivery(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	channel := &recordingChannel{name: "webhook"}
	notifier := newTestNotifier(clk, 10, channel)

	first := notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("dlq-1")})
	assert.Equal(t, 1, first.Sent)
	assert.Equal(t, 0, first.Deduped)

	second := notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("dlq-1")})
	assert.Equal(t, 0, second.Sent)
	assert.Equal(t, 1, second.Deduped)

	assert.Equal(t, 1, channel.sent, "only one channel delivery may happen")
}

func TestNotifier_DedupeExpiresWithWindow(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	channel := &recordingChannel{name: "webhook"}
	notifier := newTestNotifier(clk, 10, channel)

	notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("dd")})
	clk.Advance(11 * time.Minute)

	summary := notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("dd")})
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 0, summary.Deduped)
}

func TestNotifier_RateLimitPerChannel(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	channel := &recordingChannel{name: "discord"}
	notifier := newTestNotifier(clk, 2, channel)

	alerts := []models.AlertEvent{
		alertWithFingerprint("a"),
		alertWithFingerprint("b"),
		alertWithFingerprint("c"),
	}
	summary := notifier.Notify(context.Background(), alerts)

	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 1, summary.RateLimited)
	assert.Equal(t, 2, channel.sent)
}

func TestNotifier_FailureCountsAndRetriesNextPass(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	channel := &recordingChannel{name: "webhook", fail: true}
	notifier := newTestNotifier(clk, 10, channel)

	summary := notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("f1")})
	assert.Equal(t, 0, summary.Sent)
	assert.Equal(t, 1, summary.Failed)

	// Nothing went out, so the fingerprint is not deduped: the next pass
	// tries again
	channel.fail = false
	retry := notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("f1")})
	assert.Equal(t, 1, retry.Sent)
	assert.Equal(t, 0, retry.Deduped)
}

func TestNotifier_ChannelCountersAreIndependent(t *testing.T) {
	clk := clockpkg.NewFake(time.Now())
	healthy := &recordingChannel{name: "console"}
	broken := &recordingChannel{name: "discord", fail: true}
	notifier := newTestNotifier(clk, 10, healthy, broken)

	summary := notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("mix")})

	// One channel accepted, one failed; the alert is still deduped because
	// at least one delivery went out
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)

	second := notifier.Notify(context.Background(), []models.AlertEvent{alertWithFingerprint("mix")})
	assert.Equal(t, 1, second.Deduped)
}

package alerts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/redis"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// NotifierOptions tune dedupe and rate limiting
type NotifierOptions struct {
	DedupeWindow time.Duration
	RateWindow   time.Duration
	MaxPerWindow int
}

// Notifier fans alerts out across channels with KV-backed dedupe and
// per-channel rate limiting. Notify never returns an error: delivery
// failures count toward the summary instead.
type Notifier struct {
	channels []Channel
	kv       redis.KV
	clk      clockpkg.Clock
	opts     NotifierOptions
}

// NewNotifier creates new alert notifier
func NewNotifier(channels []Channel, kv redis.KV, clk clockpkg.Clock, opts NotifierOptions) *Notifier {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 10 * time.Minute
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 5 * time.Minute
	}
	if opts.MaxPerWindow <= 0 {
		opts.MaxPerWindow = 10
	}
	return &Notifier{channels: channels, kv: kv, clk: clk, opts: opts}
}

// Notify delivers a batch of alerts. Deduped counts alerts; sent,
// rate_limited, and failed count channel deliveries.
func (n *Notifier) Notify(ctx context.Context, alerts []models.AlertEvent) models.AlertDispatchSummary {
	summary := models.AlertDispatchSummary{Attempted: len(alerts)}

	for i := range alerts {
		alert := &alerts[i]

		dedupeKey := "dedupe:" + alert.Fingerprint
		if _, seen := n.kv.Get(ctx, dedupeKey); seen {
			summary.Deduped++
			continue
		}

		accepted := 0
		for _, channel := range n.channels {
			rateKey := n.rateKey(channel.Name())
			if n.windowCount(ctx, rateKey) >= int64(n.opts.MaxPerWindow) {
				summary.RateLimited++
				continue
			}

			if err := channel.Send(ctx, alert); err != nil {
				summary.Failed++
				logger.Warn("alert channel delivery failed",
					zap.String("channel", channel.Name()),
					zap.String("fingerprint", alert.Fingerprint),
					zap.Error(err),
				)
				continue
			}

			summary.Sent++
			accepted++
			n.kv.Incr(ctx, rateKey, n.opts.RateWindow)
		}

		// A fingerprint is only suppressed once something actually went
		// out; otherwise the next pass retries delivery
		if accepted > 0 {
			n.kv.Put(ctx, dedupeKey, "1", n.opts.DedupeWindow)
		}
	}

	return summary
}

// rateKey buckets sends into fixed windows per channel
func (n *Notifier) rateKey(channel string) string {
	window := n.clk.NowMS() / n.opts.RateWindow.Milliseconds()
	return fmt.Sprintf("ratelimit:%s:%d", channel, window)
}

func (n *Notifier) windowCount(ctx context.Context, key string) int64 {
	raw, ok := n.kv.Get(ctx, key)
	if !ok {
		return 0
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return count
}

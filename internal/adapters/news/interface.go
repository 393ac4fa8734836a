package news

import (
	"context"

	"github.com/selivandex/tradeswarm/pkg/models"
)

// Feed is the external signal capability consumed by the scout.
// Implementations pull from one social/news source per poll.
type Feed interface {
	// GetName returns feed name for logging and dedupe keys
	GetName() string

	// IsEnabled returns whether the feed is configured and usable
	IsEnabled() bool

	// Poll fetches the latest batch of raw items
	Poll(ctx context.Context) ([]models.RawItem, error)
}

// MultiFeed fans one Poll out across several feeds, skipping disabled ones
// and tolerating per-feed failures
type MultiFeed struct {
	feeds []Feed
}

// NewMultiFeed combines several feeds into one capability
func NewMultiFeed(feeds ...Feed) *MultiFeed {
	return &MultiFeed{feeds: feeds}
}

func (m *MultiFeed) GetName() string {
	return "multi"
}

func (m *MultiFeed) IsEnabled() bool {
	for _, f := range m.feeds {
		if f.IsEnabled() {
			return true
		}
	}
	return false
}

// Poll collects items from every enabled feed; a failing feed is skipped
func (m *MultiFeed) Poll(ctx context.Context) ([]models.RawItem, error) {
	items := make([]models.RawItem, 0)
	for _, f := range m.feeds {
		if !f.IsEnabled() {
			continue
		}
		batch, err := f.Poll(ctx)
		if err != nil {
			// One dead feed must not starve the rest
			continue
		}
		items = append(items, batch...)
	}
	return items, nil
}

package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selivandex/tradeswarm/internal/adapters/config"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

const stocktwitsTrendingURL = "https://api.stocktwits.com/api/2/streams/trending.json"

// StocktwitsFeed pulls trending messages from the public Stocktwits stream
type StocktwitsFeed struct {
	enabled bool
	client  *http.Client
	limiter *rate.Limiter
}

// NewStocktwitsFeed creates new Stocktwits feed
func NewStocktwitsFeed(cfg *config.NewsConfig) *StocktwitsFeed {
	return &StocktwitsFeed{
		enabled: cfg.Enabled && cfg.StocktwitsOn,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.PollRatePerSec), 1),
	}
}

func (s *StocktwitsFeed) GetName() string {
	return "stocktwits"
}

func (s *StocktwitsFeed) IsEnabled() bool {
	return s.enabled
}

// Poll fetches the trending stream
func (s *StocktwitsFeed) Poll(ctx context.Context) ([]models.RawItem, error) {
	if !s.enabled {
		return nil, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", stocktwitsTrendingURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tradeswarm/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stocktwits API error (status %d)", resp.StatusCode)
	}

	var payload struct {
		Messages []struct {
			ID      int64  `json:"id"`
			Body    string `json:"body"`
			Symbols []struct {
				Symbol string `json:"symbol"`
			} `json:"symbols"`
			Entities struct {
				Sentiment *struct {
					Basic string `json:"basic"`
				} `json:"sentiment"`
			} `json:"entities"`
		} `json:"messages"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode stocktwits response: %w", err)
	}

	items := make([]models.RawItem, 0, len(payload.Messages))
	for _, msg := range payload.Messages {
		symbol := ""
		if len(msg.Symbols) > 0 {
			symbol = msg.Symbols[0].Symbol
		}

		// Map labeled sentiment onto a score the aggregator understands
		score := 0.0
		if msg.Entities.Sentiment != nil {
			switch msg.Entities.Sentiment.Basic {
			case "Bullish":
				score = 1
			case "Bearish":
				score = -1
			}
		}

		items = append(items, models.RawItem{
			Source:   "stocktwits",
			SourceID: fmt.Sprintf("%d", msg.ID),
			Symbol:   symbol,
			Content:  msg.Body,
			Score:    score,
		})
	}

	logger.Debug("stocktwits poll completed", zap.Int("items", len(items)))

	return items, nil
}

package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selivandex/tradeswarm/internal/adapters/config"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

const redditPublicURL = "https://www.reddit.com/r/%s/hot.json?limit=%d"

// RedditFeed pulls posts from finance subreddits through the public JSON
// feed. The configured client id and secret are stored but not used: no
// OAuth request is made.
type RedditFeed struct {
	enabled    bool
	clientID   string
	secret     string
	subreddits []string
	keywords   []string
	client     *http.Client
	limiter    *rate.Limiter
}

// NewRedditFeed creates new Reddit feed
func NewRedditFeed(cfg *config.NewsConfig) *RedditFeed {
	return &RedditFeed{
		enabled:    cfg.Enabled && cfg.RedditEnabled,
		clientID:   cfg.RedditClientID,
		secret:     cfg.RedditSecret,
		subreddits: []string{"stocks", "wallstreetbets", "investing"},
		keywords:   cfg.Keywords,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.PollRatePerSec), 1),
	}
}

func (r *RedditFeed) GetName() string {
	return "reddit"
}

func (r *RedditFeed) IsEnabled() bool {
	return r.enabled
}

// Poll fetches hot posts from each subreddit
func (r *RedditFeed) Poll(ctx context.Context) ([]models.RawItem, error) {
	if !r.enabled {
		return nil, nil
	}

	items := make([]models.RawItem, 0)

	for _, subreddit := range r.subreddits {
		if err := r.limiter.Wait(ctx); err != nil {
			return items, err
		}

		posts, err := r.fetchSubreddit(ctx, subreddit, 25)
		if err != nil {
			logger.Warn("failed to fetch reddit posts",
				zap.String("subreddit", subreddit),
				zap.Error(err),
			)
			continue
		}

		for _, post := range posts {
			if isRelevant(post.Content, r.keywords) {
				items = append(items, post)
			}
		}
	}

	return items, nil
}

func (r *RedditFeed) fetchSubreddit(ctx context.Context, subreddit string, limit int) ([]models.RawItem, error) {
	url := fmt.Sprintf(redditPublicURL, subreddit, limit)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tradeswarm/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reddit API error (status %d): %s", resp.StatusCode, string(body[:min(len(body), 200)]))
	}

	var payload struct {
		Data struct {
			Children []struct {
				Data struct {
					ID       string  `json:"id"`
					Title    string  `json:"title"`
					Selftext string  `json:"selftext"`
					Score    float64 `json:"score"`
				} `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode reddit response: %w", err)
	}

	items := make([]models.RawItem, 0, len(payload.Data.Children))
	for _, child := range payload.Data.Children {
		post := child.Data
		items = append(items, models.RawItem{
			Source:   "reddit:" + subreddit,
			SourceID: post.ID,
			Content:  strings.TrimSpace(post.Title + " " + post.Selftext),
			Score:    post.Score,
		})
	}

	return items, nil
}

func isRelevant(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	// Cashtags are always relevant
	return strings.Contains(text, "$")
}

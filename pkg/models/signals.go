package models

// RawItem is a single item pulled from an external news/social feed
type RawItem struct {
	Source   string  `json:"source"`
	SourceID string  `json:"source_id"`
	Symbol   string  `json:"symbol,omitempty"`
	Content  string  `json:"content"`
	Score    float64 `json:"score,omitempty"`
}

// Signal is the per-symbol sentiment aggregate published by the scout
type Signal struct {
	Symbol    string   `json:"symbol"`
	Sentiment float64  `json:"sentiment"`
	Volume    float64  `json:"volume"`
	Sources   []string `json:"sources"`
}

// RecommendationAction is the analyst's verdict on a symbol
type RecommendationAction string

const (
	ActionBuy  RecommendationAction = "BUY"
	ActionSkip RecommendationAction = "SKIP"
	ActionWait RecommendationAction = "WAIT"
	ActionHold RecommendationAction = "HOLD"
	ActionSell RecommendationAction = "SELL"
)

// Recommendation is one analyst output for one symbol
type Recommendation struct {
	Symbol     string               `json:"symbol"`
	Action     RecommendationAction `json:"action"`
	Confidence float64              `json:"confidence"`
	Reasoning  string               `json:"reasoning"`
	Urgency    string               `json:"urgency,omitempty"`
}

// ResearchResult is one batched deep-research verdict for one symbol
type ResearchResult struct {
	Symbol      string  `json:"symbol"`
	Verdict     string  `json:"verdict"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	TimestampMS int64   `json:"timestamp_ms"`
}

// TradeOutcome is the realized result of one closed trade, consumed by learning
type TradeOutcome struct {
	Symbol      string  `json:"symbol"`
	Success     bool    `json:"success"`
	PnL         float64 `json:"pnl"`
	Notional    float64 `json:"notional"`
	Strategy    string  `json:"strategy,omitempty"`
	ClosedAtMS  int64   `json:"closed_at_ms"`
	HoldTimeMin float64 `json:"hold_time_min,omitempty"`
}

// StrategyParams are the tunables the learning loop adjusts over time
type StrategyParams struct {
	MinConfidenceBuy    float64 `json:"min_confidence_buy"`
	MaxPositionNotional float64 `json:"max_position_notional"`
	RiskMultiplier      float64 `json:"risk_multiplier"`
}

// DefaultStrategyParams returns the starting strategy before any learning
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		MinConfidenceBuy:    0.7,
		MaxPositionNotional: 5000,
		RiskMultiplier:      1.0,
	}
}

// PerformanceStats aggregates trade outcomes globally or per symbol
type PerformanceStats struct {
	Samples  int     `json:"samples"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
	AvgPnL   float64 `json:"avg_pnl"`
}

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/execution"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

const (
	// positionSizePct is the cash fraction committed per full-confidence buy
	positionSizePct = 0.10
	// historyCap bounds the in-memory trade log; truncation keeps half
	historyCap      = 100
	historyTruncate = 50
)

// AdviceSource asks the learning agent whether a buy should proceed;
// wired through the runtime like every cross-agent capability
type AdviceSource func(ctx context.Context, symbol string, confidence float64) (approved bool, adjusted float64)

// OrderExecutor is the pipeline surface the trader drives
type OrderExecutor interface {
	ExecuteOrder(ctx context.Context, source, idempotencyKey string, order *models.OrderRequest, approvalID *string) (*execution.Submission, error)
}

// TradeAttempt is one entry of the trader's bounded history
type TradeAttempt struct {
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Notional       float64 `json:"notional,omitempty"`
	Qty            float64 `json:"qty,omitempty"`
	IdempotencyKey string  `json:"idempotency_key"`
	Outcome        string  `json:"outcome"`
	Error          string  `json:"error,omitempty"`
	TimestampMS    int64   `json:"timestamp_ms"`
}

// TraderAgent turns approved recommendations into orders through the
// execution pipeline
type TraderAgent struct {
	id       models.AgentID
	pipeline OrderExecutor
	broker   broker.Broker
	advice   AdviceSource
	bus      Bus
	clk      clockpkg.Clock

	mu       sync.Mutex
	strategy models.StrategyParams
	history  []TradeAttempt
}

// NewTraderAgent creates new trader agent
func NewTraderAgent(pipeline OrderExecutor, brk broker.Broker, advice AdviceSource, bus Bus, clk clockpkg.Clock) *TraderAgent {
	return &TraderAgent{
		id:       models.NewAgentID(models.AgentTrader),
		pipeline: pipeline,
		broker:   brk,
		advice:   advice,
		bus:      bus,
		clk:      clk,
		strategy: models.DefaultStrategyParams(),
	}
}

// ID returns the trader identity
func (a *TraderAgent) ID() models.AgentID {
	return a.id
}

// Capabilities advertises what the trader offers
func (a *TraderAgent) Capabilities() []string {
	return []string{"execution"}
}

// Topics returns the subscriptions the trader needs
func (a *TraderAgent) Topics() []string {
	return []string{models.TopicAnalysisReady, models.TopicStrategyUpdated}
}

// HandleMessage consumes analysis_ready batches and strategy updates
func (a *TraderAgent) HandleMessage(ctx context.Context, msg *models.Message) (any, error) {
	switch msg.Topic {
	case models.TopicAnalysisReady:
		return a.handleAnalysis(ctx, msg)
	case models.TopicStrategyUpdated:
		return a.handleStrategyUpdate(msg)
	}
	return nil, nil
}

func (a *TraderAgent) handleAnalysis(ctx context.Context, msg *models.Message) (any, error) {
	raw, err := json.Marshal(msg.Payload["recommendations"])
	if err != nil {
		return nil, fmt.Errorf("invalid analysis payload: %w", err)
	}
	var recommendations []models.Recommendation
	if err := json.Unmarshal(raw, &recommendations); err != nil {
		return nil, fmt.Errorf("invalid recommendations: %w", err)
	}

	executed := 0
	for i := range recommendations {
		rec := &recommendations[i]
		switch rec.Action {
		case models.ActionBuy:
			if err := a.ExecuteBuy(ctx, rec); err != nil {
				logger.Warn("buy execution skipped",
					zap.String("symbol", rec.Symbol),
					zap.Error(err),
				)
				continue
			}
			executed++
		case models.ActionSell:
			if err := a.ExecuteSell(ctx, rec.Symbol, rec.Reasoning); err != nil {
				logger.Warn("sell execution skipped",
					zap.String("symbol", rec.Symbol),
					zap.Error(err),
				)
				continue
			}
			executed++
		}
	}

	return map[string]any{"ack": true, "executed": executed}, nil
}

func (a *TraderAgent) handleStrategyUpdate(msg *models.Message) (any, error) {
	raw, err := json.Marshal(msg.Payload["strategy"])
	if err != nil {
		return nil, fmt.Errorf("invalid strategy payload: %w", err)
	}
	var strategy models.StrategyParams
	if err := json.Unmarshal(raw, &strategy); err != nil {
		return nil, fmt.Errorf("invalid strategy params: %w", err)
	}

	a.mu.Lock()
	a.strategy = strategy
	a.mu.Unlock()

	logger.Info("trader strategy updated",
		zap.Float64("min_confidence_buy", strategy.MinConfidenceBuy),
		zap.Float64("max_position_notional", strategy.MaxPositionNotional),
	)
	return map[string]any{"ack": true}, nil
}

// ExecuteBuy sizes and submits one buy recommendation
func (a *TraderAgent) ExecuteBuy(ctx context.Context, rec *models.Recommendation) error {
	symbol := strings.ToUpper(strings.TrimSpace(rec.Symbol))
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}

	a.mu.Lock()
	strategy := a.strategy
	a.mu.Unlock()

	confidence := rec.Confidence
	if a.advice != nil {
		approved, adjusted := a.advice(ctx, symbol, confidence)
		if !approved {
			a.recordAttempt(symbol, "buy", 0, 0, "", "skipped_advice", "learning agent declined")
			return fmt.Errorf("learning advice declined %s (adjusted %.2f)", symbol, adjusted)
		}
		confidence = adjusted
	}
	if confidence < strategy.MinConfidenceBuy {
		a.recordAttempt(symbol, "buy", 0, 0, "", "skipped_confidence", "")
		return fmt.Errorf("confidence %.2f below floor %.2f", confidence, strategy.MinConfidenceBuy)
	}

	account, err := a.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	cash, _ := account.Cash.Float64()
	if cash <= 0 {
		return fmt.Errorf("no cash available")
	}

	// min(cash * pct * confidence, max_notional), floored to cents
	notional := cash * positionSizePct * confidence
	if notional > strategy.MaxPositionNotional {
		notional = strategy.MaxPositionNotional
	}
	notionalDec := decimal.NewFromFloat(notional).RoundDown(2)
	if notionalDec.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("computed notional is zero")
	}

	key := fmt.Sprintf("trader:buy:%s:%d", symbol, a.clk.NowMS())
	order := &models.OrderRequest{
		Symbol:      symbol,
		Side:        models.SideBuy,
		Notional:    &notionalDec,
		Type:        models.TypeMarket,
		TimeInForce: models.TIFDay,
		AssetClass:  a.broker.AssetClass(),
	}

	submission, err := a.pipeline.ExecuteOrder(ctx, a.id.String(), key, order, nil)
	if err != nil {
		a.recordAttempt(symbol, "buy", notional, 0, key, "failed", err.Error())
		return err
	}

	notionalFloat, _ := notionalDec.Float64()
	a.recordAttempt(symbol, "buy", notionalFloat, 0, key, submission.State, "")

	logger.Info("buy submitted",
		zap.String("symbol", symbol),
		zap.Float64("notional", notionalFloat),
		zap.Float64("confidence", confidence),
		zap.String("state", submission.State),
	)
	return nil
}

// ExecuteSell closes the current position in a symbol
func (a *TraderAgent) ExecuteSell(ctx context.Context, symbol, reason string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if reason == "" {
		return fmt.Errorf("sell requires a reason")
	}

	position, err := a.broker.GetPosition(ctx, symbol)
	if err != nil {
		return fmt.Errorf("no position to sell: %w", err)
	}

	qty := position.Qty
	pnl, _ := position.UnrealizedPL.Float64()
	notionalAtClose, _ := position.MarketValue.Float64()
	key := fmt.Sprintf("trader:sell:%s:%d", symbol, a.clk.NowMS())
	order := &models.OrderRequest{
		Symbol:      symbol,
		Side:        models.SideSell,
		Qty:         &qty,
		Type:        models.TypeMarket,
		TimeInForce: models.TIFDay,
		AssetClass:  a.broker.AssetClass(),
	}

	submission, err := a.pipeline.ExecuteOrder(ctx, a.id.String(), key, order, nil)
	if err != nil {
		qtyFloat, _ := qty.Float64()
		a.recordAttempt(symbol, "sell", 0, qtyFloat, key, "failed", err.Error())
		return err
	}

	qtyFloat, _ := qty.Float64()
	a.recordAttempt(symbol, "sell", 0, qtyFloat, key, submission.State, "")

	// Closing a position realizes its PnL; the learning loop feeds on it
	if a.bus != nil {
		if _, err := a.bus.Publish(a.id, models.TopicTradeOutcome, map[string]any{
			"symbol":       symbol,
			"success":      pnl > 0,
			"pnl":          pnl,
			"notional":     notionalAtClose,
			"closed_at_ms": a.clk.NowMS(),
		}); err != nil {
			logger.Warn("trade_outcome publish failed", zap.Error(err))
		}
	}

	logger.Info("sell submitted",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Float64("qty", qtyFloat),
		zap.Float64("pnl", pnl),
	)
	return nil
}

// recordAttempt appends to the bounded history
func (a *TraderAgent) recordAttempt(symbol, side string, notional, qty float64, key, outcome, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.history = append(a.history, TradeAttempt{
		Symbol:         symbol,
		Side:           side,
		Notional:       notional,
		Qty:            qty,
		IdempotencyKey: key,
		Outcome:        outcome,
		Error:          errMsg,
		TimestampMS:    a.clk.NowMS(),
	})
	if len(a.history) > historyCap {
		a.history = a.history[len(a.history)-historyTruncate:]
	}
}

// History returns a copy of the bounded trade log
func (a *TraderAgent) History() []TradeAttempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TradeAttempt, len(a.history))
	copy(out, a.history)
	return out
}

// StateSnapshot exposes trader state for /state
func (a *TraderAgent) StateSnapshot() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"strategy":     a.strategy,
		"history_size": len(a.history),
	}
}

// HandleRequest serves /history
func (a *TraderAgent) HandleRequest(ctx context.Context, path string, body []byte) (any, error) {
	if path == "/history" {
		return map[string]any{"history": a.History()}, nil
	}
	return nil, errUnknownRoute(path)
}

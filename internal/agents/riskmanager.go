package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/policy"
	"github.com/selivandex/tradeswarm/internal/risk"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// RiskManagerAgent validates proposed orders against the policy engine and
// the live risk state. Responses are deterministic for fixed inputs.
type RiskManagerAgent struct {
	id         models.AgentID
	policyRepo *policy.Repository
	riskRepo   *risk.Repository
	broker     broker.Broker
	marketData broker.MarketData
	clk        clockpkg.Clock
}

// NewRiskManagerAgent creates new risk manager agent
func NewRiskManagerAgent(policyRepo *policy.Repository, riskRepo *risk.Repository, brk broker.Broker, marketData broker.MarketData, clk clockpkg.Clock) *RiskManagerAgent {
	return &RiskManagerAgent{
		id:         models.NewAgentID(models.AgentRiskManager),
		policyRepo: policyRepo,
		riskRepo:   riskRepo,
		broker:     brk,
		marketData: marketData,
		clk:        clk,
	}
}

// ID returns the risk manager identity
func (a *RiskManagerAgent) ID() models.AgentID {
	return a.id
}

// Capabilities advertises what the risk manager offers
func (a *RiskManagerAgent) Capabilities() []string {
	return []string{"validation", "risk"}
}

// ValidationResult is the /validate response shape
type ValidationResult struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons"`
}

// Validate evaluates one proposed order
func (a *RiskManagerAgent) Validate(ctx context.Context, order *models.OrderRequest, confidence float64) (*ValidationResult, error) {
	if order == nil || order.Symbol == "" {
		return nil, fmt.Errorf("order symbol is required")
	}

	riskState, err := a.riskRepo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	policyConfig, err := a.policyRepo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}
	account, err := a.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	positions, err := a.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	var bars []models.Bar
	if a.marketData != nil {
		bars, _ = a.marketData.GetBars(ctx, order.Symbol, policyConfig.VolumeLookbackDays)
	}

	result := policy.Evaluate(policy.Input{
		Order:      order,
		Account:    account,
		Positions:  positions,
		NowMS:      a.clk.NowMS(),
		RiskState:  riskState,
		Config:     policyConfig,
		DailyBars:  bars,
		Confidence: confidence,
	})

	reasons := make([]string, 0, len(result.Violations))
	for _, violation := range result.Violations {
		reasons = append(reasons, violation.Code+": "+violation.Detail)
	}

	return &ValidationResult{Approved: result.Allowed, Reasons: reasons}, nil
}

// HandleMessage validates orders delivered as validate commands
func (a *RiskManagerAgent) HandleMessage(ctx context.Context, msg *models.Message) (any, error) {
	if msg.Type == models.MessageCommand && msg.Topic == "validate" {
		raw, err := json.Marshal(msg.Payload["order"])
		if err != nil {
			return nil, fmt.Errorf("invalid validate payload: %w", err)
		}
		var order models.OrderRequest
		if err := json.Unmarshal(raw, &order); err != nil {
			return nil, fmt.Errorf("invalid order in payload: %w", err)
		}
		confidence, _ := msg.Payload["confidence"].(float64)
		return a.Validate(ctx, &order, confidence)
	}
	return nil, nil
}

// HandleRequest serves POST /validate
func (a *RiskManagerAgent) HandleRequest(ctx context.Context, path string, body []byte) (any, error) {
	if path == "/validate" {
		var params struct {
			Order      models.OrderRequest `json:"order"`
			Confidence float64             `json:"confidence"`
		}
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("invalid validate body: %w", err)
		}
		return a.Validate(ctx, &params.Order, params.Confidence)
	}
	return nil, errUnknownRoute(path)
}

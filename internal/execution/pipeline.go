package execution

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/policy"
	"github.com/selivandex/tradeswarm/internal/risk"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Pipeline is the idempotent reserve-submit state machine. For one
// idempotency key exactly one broker submission ever succeeds; every
// concurrent caller observes the same result.
type Pipeline struct {
	repo       *Repository
	broker     broker.Broker
	marketData broker.MarketData
	policyRepo *policy.Repository
	riskRepo   *risk.Repository
	clk        clockpkg.Clock
}

// NewPipeline creates new execution pipeline
func NewPipeline(repo *Repository, brk broker.Broker, marketData broker.MarketData, policyRepo *policy.Repository, riskRepo *risk.Repository, clk clockpkg.Clock) *Pipeline {
	return &Pipeline{
		repo:       repo,
		broker:     brk,
		marketData: marketData,
		policyRepo: policyRepo,
		riskRepo:   riskRepo,
		clk:        clk,
	}
}

// ExecuteOrder runs one order through reserve, gate, and submit
func (p *Pipeline) ExecuteOrder(ctx context.Context, source, idempotencyKey string, order *models.OrderRequest, approvalID *string) (*Submission, error) {
	if idempotencyKey == "" {
		return nil, faults.New(faults.KindInvalidInput, "idempotency key is required")
	}
	if order == nil || order.Symbol == "" {
		return nil, faults.New(faults.KindInvalidInput, "order symbol is required")
	}

	traceID := idempotencyKey
	if approvalID != nil && *approvalID != "" {
		traceID = *approvalID
	}

	// 1. Reserve the idempotency row
	submission, err := p.repo.ReserveSubmission(ctx, ident.RandomHex(), idempotencyKey, source, approvalID, order)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "failed to reserve submission", err)
	}

	// 2. A previously accepted or in-flight row is reused as-is
	if submission.State == StateSubmitted || submission.State == StateSubmitting {
		p.repo.WriteTrace(ctx, traceID, "reuse_existing_submission", map[string]any{
			"submission_id": submission.ID,
			"state":         submission.State,
		})
		return submission, nil
	}

	// 3. Claim the row for this executor
	claimed, err := p.repo.TransitionToSubmitting(ctx, submission.ID)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, "failed to claim submission", err)
	}
	if !claimed {
		// Someone else won the transition; accept their outcome if it
		// reached a reusable state
		current, err := p.repo.FindByKey(ctx, idempotencyKey)
		if err != nil {
			return nil, faults.Wrap(faults.KindInternal, "failed to reload submission", err)
		}
		if current.State == StateSubmitted || current.State == StateSubmitting {
			p.repo.WriteTrace(ctx, traceID, "reuse_existing_submission", map[string]any{
				"submission_id": current.ID,
				"state":         current.State,
			})
			return current, nil
		}
		return nil, faults.Newf(faults.KindConflict, "submission %s is contended", idempotencyKey)
	}

	// 4. Policy gate
	if err := p.gate(ctx, order, traceID); err != nil {
		p.failSubmission(ctx, submission.ID, err)
		return nil, err
	}

	// 5. Submit with a deterministic client order id
	order.ClientOrderID = clientOrderID(idempotencyKey)

	p.repo.WriteTrace(ctx, traceID, "submitting", map[string]any{
		"submission_id":   submission.ID,
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
	})

	brokerOrder, err := p.broker.CreateOrder(ctx, order)
	if err != nil {
		return p.reconcileFailure(ctx, submission.ID, idempotencyKey, traceID, err)
	}

	// 6. Record success
	if err := p.repo.MarkSubmitted(ctx, submission.ID, p.broker.GetName(), brokerOrder.ID); err != nil {
		logger.Error("failed to persist submitted state",
			zap.String("submission_id", submission.ID),
			zap.String("broker_order_id", brokerOrder.ID),
			zap.Error(err),
		)
	}

	p.writeTradeRow(ctx, submission, order, brokerOrder, approvalID)

	p.repo.WriteTrace(ctx, traceID, "submitted", map[string]any{
		"submission_id":   submission.ID,
		"broker_order_id": brokerOrder.ID,
	})

	return p.repo.FindByKey(ctx, idempotencyKey)
}

// gate blocks orders on kill switch, policy violations, or a closed market
func (p *Pipeline) gate(ctx context.Context, order *models.OrderRequest, traceID string) error {
	riskState, err := p.riskRepo.Load(ctx)
	if err != nil {
		return faults.Wrap(faults.KindInternal, "failed to load risk state", err)
	}
	if riskState.KillSwitchActive {
		p.repo.WriteTrace(ctx, traceID, "blocked_kill_switch", map[string]any{
			"reason": riskState.KillSwitchReason,
		})
		return faults.Newf(faults.KindKillSwitchActive, "kill switch engaged: %s", riskState.KillSwitchReason)
	}

	policyConfig, err := p.policyRepo.Load(ctx)
	if err != nil {
		return faults.Wrap(faults.KindInternal, "failed to load policy config", err)
	}

	account, err := p.broker.GetAccount(ctx)
	if err != nil {
		return faults.Wrap(faults.KindProviderError, "failed to load account", err)
	}
	positions, err := p.broker.GetPositions(ctx)
	if err != nil {
		return faults.Wrap(faults.KindProviderError, "failed to load positions", err)
	}

	var bars []models.Bar
	if p.marketData != nil {
		bars, _ = p.marketData.GetBars(ctx, order.Symbol, policyConfig.VolumeLookbackDays)
	}

	result := policy.Evaluate(policy.Input{
		Order:     order,
		Account:   account,
		Positions: positions,
		NowMS:     p.clk.NowMS(),
		RiskState: riskState,
		Config:    policyConfig,
		DailyBars: bars,
	})
	if !result.Allowed {
		codes := make([]string, 0, len(result.Violations))
		for _, violation := range result.Violations {
			codes = append(codes, violation.Code)
		}
		p.repo.WriteTrace(ctx, traceID, "blocked_policy", map[string]any{
			"violations": codes,
		})
		return faults.Newf(faults.KindPolicyViolation, "policy rejected order: %s", strings.Join(codes, ", "))
	}

	// Day equity orders cannot rest on a closed market
	if order.AssetClass == models.AssetUSEquity && order.TimeInForce == models.TIFDay {
		marketClock, err := p.broker.GetClock(ctx)
		if err != nil {
			return faults.Wrap(faults.KindProviderError, "failed to load market clock", err)
		}
		if !marketClock.IsOpen && !order.ExtendedHours {
			p.repo.WriteTrace(ctx, traceID, "blocked_market_closed", nil)
			return faults.New(faults.KindMarketClosed, "market is closed for day orders")
		}
	}

	return nil
}

// reconcileFailure re-reads the row after a broker error: a concurrent
// duplicate may have already succeeded, in which case its result stands
func (p *Pipeline) reconcileFailure(ctx context.Context, submissionID, idempotencyKey, traceID string, cause error) (*Submission, error) {
	sanitized := sanitizeError(cause)

	current, err := p.repo.FindByKey(ctx, idempotencyKey)
	if err == nil && current.State == StateSubmitted {
		_ = p.repo.StampError(ctx, current.ID, sanitized)
		p.repo.WriteTrace(ctx, traceID, "reuse_after_failure", map[string]any{
			"submission_id": current.ID,
		})
		return current, nil
	}

	if err := p.repo.MarkFailed(ctx, submissionID, sanitized); err != nil {
		logger.Error("failed to persist failed state",
			zap.String("submission_id", submissionID),
			zap.Error(err),
		)
	}
	p.repo.WriteTrace(ctx, traceID, "failed", map[string]any{
		"submission_id": submissionID,
		"kind":          string(faults.KindOf(cause)),
	})

	if faults.KindOf(cause) == faults.KindInternal {
		return nil, faults.Wrap(faults.KindProviderError, "broker submission failed", cause)
	}
	return nil, cause
}

func (p *Pipeline) failSubmission(ctx context.Context, submissionID string, cause error) {
	if err := p.repo.MarkFailed(ctx, submissionID, sanitizeError(cause)); err != nil {
		logger.Error("failed to persist failed state",
			zap.String("submission_id", submissionID),
			zap.Error(err),
		)
	}
}

// writeTradeRow records the accepted order; trade persistence failures are
// repaired by the hourly backfill, not surfaced to the caller
func (p *Pipeline) writeTradeRow(ctx context.Context, submission *Submission, order *models.OrderRequest, brokerOrder *models.BrokerOrder, approvalID *string) {
	var quoteCcy *string
	if order.QuoteCcy != "" {
		quoteCcy = &order.QuoteCcy
	}
	trade := &models.Trade{
		ID:             ident.RandomHex(),
		SubmissionID:   &submission.ID,
		ApprovalID:     approvalID,
		BrokerProvider: p.broker.GetName(),
		BrokerOrderID:  brokerOrder.ID,
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Qty:            order.Qty,
		Notional:       order.Notional,
		AssetClass:     string(order.AssetClass),
		QuoteCcy:       quoteCcy,
		OrderType:      string(order.Type),
		Status:         brokerOrder.Status,
		LimitPrice:     order.LimitPrice,
		StopPrice:      order.StopPrice,
	}
	if err := p.repo.InsertTrade(ctx, trade); err != nil {
		logger.Warn("trade row insert failed, hourly backfill will repair",
			zap.String("submission_id", submission.ID),
			zap.Error(err),
		)
	}
}

// BackfillTrades writes trade rows for SUBMITTED submissions that lack one
func (p *Pipeline) BackfillTrades(ctx context.Context, limit int) (int, error) {
	submissions, err := p.repo.ListSubmittedWithoutTrade(ctx, limit)
	if err != nil {
		return 0, err
	}

	backfilled := 0
	for i := range submissions {
		submission := &submissions[i]
		if submission.BrokerOrderID == nil {
			continue
		}

		var order models.OrderRequest
		if err := json.Unmarshal(submission.RequestJSON, &order); err != nil {
			logger.Warn("backfill skipping submission with bad request json",
				zap.String("submission_id", submission.ID),
				zap.Error(err),
			)
			continue
		}

		brokerOrder := &models.BrokerOrder{ID: *submission.BrokerOrderID, Status: "accepted"}
		if fetched, err := p.broker.GetOrder(ctx, *submission.BrokerOrderID); err == nil {
			brokerOrder = fetched
		}

		p.writeTradeRow(ctx, submission, &order, brokerOrder, submission.ApprovalID)
		backfilled++
	}

	if backfilled > 0 {
		logger.Info("trade rows backfilled", zap.Int("count", backfilled))
	}
	return backfilled, nil
}

// clientOrderID derives the broker client id: the key itself when short
// enough, else the first 32 hex chars of its SHA-256
func clientOrderID(idempotencyKey string) string {
	if len(idempotencyKey) <= 32 {
		return idempotencyKey
	}
	return ident.SHA256Hex(idempotencyKey)[:32]
}

var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password|authorization)[=:]\s*\S+`)

// sanitizeError strips anything secret-shaped before persistence
func sanitizeError(err error) []byte {
	msg := secretPattern.ReplaceAllString(err.Error(), "$1=[redacted]")
	if len(msg) > 500 {
		msg = msg[:500]
	}
	raw, marshalErr := json.Marshal(map[string]string{
		"kind":  string(faults.KindOf(err)),
		"error": msg,
	})
	if marshalErr != nil {
		return []byte(`{"error":"unserializable"}`)
	}
	return raw
}

package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/tradeswarm/internal/adapters/broker"
	"github.com/selivandex/tradeswarm/internal/approval"
	"github.com/selivandex/tradeswarm/internal/execution"
	"github.com/selivandex/tradeswarm/internal/policy"
	"github.com/selivandex/tradeswarm/internal/risk"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
	"github.com/selivandex/tradeswarm/test/testdb"
)

func init() {
	logger.InitNop()
}

// countingBroker wraps the paper broker and counts CreateOrder calls
type countingBroker struct {
	*broker.PaperBroker
	mu    sync.Mutex
	calls int
}

func (b *countingBroker) CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.BrokerOrder, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return b.PaperBroker.CreateOrder(ctx, req)
}

func (b *countingBroker) createOrderCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// marketOpenClock pins the clock inside a weekday regular session
func marketOpenClock() *clockpkg.FakeClock {
	return clockpkg.NewFake(time.Date(2024, 3, 5, 10, 0, 0, 0, clockpkg.NYLocation()))
}

func permissivePolicy(t *testing.T, ctx context.Context, repo *policy.Repository) {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.MinAvgDailyVolume = 0
	cfg.MinPriceUSD = 0
	require.NoError(t, repo.Save(ctx, &cfg))
}

func marketOrder(symbol string, notional float64) *models.OrderRequest {
	n := decimal.NewFromFloat(notional)
	return &models.OrderRequest{
		Symbol:      symbol,
		Side:        models.SideBuy,
		Notional:    &n,
		Type:        models.TypeMarket,
		TimeInForce: models.TIFDay,
		AssetClass:  models.AssetUSEquity,
	}
}

func TestExecuteOrder_IdempotentUnderConcurrency(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	brk := &countingBroker{PaperBroker: broker.NewPaperBroker(clk, 100_000, models.AssetUSEquity)}
	brk.SetPrice("AAPL", 200)

	policyRepo := policy.NewRepository(db)
	permissivePolicy(t, ctx, policyRepo)

	pipeline := execution.NewPipeline(
		execution.NewRepository(db), brk, nil, policyRepo, risk.NewRepository(db), clk)

	// Two concurrent executors with the same key converge on one broker call
	var wg sync.WaitGroup
	results := make([]*execution.Submission, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = pipeline.ExecuteOrder(
				ctx, "test", "approval:abc", marketOrder("AAPL", 100), nil)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, brk.createOrderCalls(), "exactly one broker submission")

	// Both callers converge on the same row; the loser may observe the
	// winner still in flight, but never a second submission
	for _, result := range results {
		assert.Contains(t, []string{execution.StateSubmitted, execution.StateSubmitting}, result.State)
		assert.Equal(t, results[0].ID, result.ID)
	}

	canonical, err := execution.NewRepository(db).FindByKey(ctx, "approval:abc")
	require.NoError(t, err)
	assert.Equal(t, execution.StateSubmitted, canonical.State)
	require.NotNil(t, canonical.BrokerOrderID)

	var tradeCount int
	require.NoError(t, db.Get(&tradeCount, `SELECT COUNT(*) FROM trades`))
	assert.Equal(t, 1, tradeCount, "one trade row for one logical order")
}

func TestExecuteOrder_SequentialReuse(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	brk := &countingBroker{PaperBroker: broker.NewPaperBroker(clk, 100_000, models.AssetUSEquity)}
	policyRepo := policy.NewRepository(db)
	permissivePolicy(t, ctx, policyRepo)

	pipeline := execution.NewPipeline(
		execution.NewRepository(db), brk, nil, policyRepo, risk.NewRepository(db), clk)

	first, err := pipeline.ExecuteOrder(ctx, "test", "key-1", marketOrder("MSFT", 250), nil)
	require.NoError(t, err)

	second, err := pipeline.ExecuteOrder(ctx, "test", "key-1", marketOrder("MSFT", 250), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, brk.createOrderCalls())
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.BrokerOrderID, *second.BrokerOrderID)
}

func TestExecuteOrder_KillSwitchBlocks(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	brk := &countingBroker{PaperBroker: broker.NewPaperBroker(clk, 100_000, models.AssetUSEquity)}
	policyRepo := policy.NewRepository(db)
	permissivePolicy(t, ctx, policyRepo)
	riskRepo := risk.NewRepository(db)
	require.NoError(t, riskRepo.SetKillSwitch(ctx, true, "halt", clk.NowMS()))

	pipeline := execution.NewPipeline(
		execution.NewRepository(db), brk, nil, policyRepo, riskRepo, clk)

	_, err := pipeline.ExecuteOrder(ctx, "test", "blocked-key", marketOrder("AAPL", 100), nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindKillSwitchActive, faults.KindOf(err))
	assert.Equal(t, 0, brk.createOrderCalls(), "no broker call behind the kill switch")

	var state string
	require.NoError(t, db.Get(&state, `SELECT state FROM order_submissions WHERE idempotency_key = $1`, "blocked-key"))
	assert.Equal(t, execution.StateFailed, state)
}

func TestExecuteOrder_FailedRowIsRetryable(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	brk := &countingBroker{PaperBroker: broker.NewPaperBroker(clk, 100_000, models.AssetUSEquity)}
	policyRepo := policy.NewRepository(db)
	permissivePolicy(t, ctx, policyRepo)
	riskRepo := risk.NewRepository(db)

	pipeline := execution.NewPipeline(
		execution.NewRepository(db), brk, nil, policyRepo, riskRepo, clk)

	// First attempt fails on the kill switch
	require.NoError(t, riskRepo.SetKillSwitch(ctx, true, "halt", clk.NowMS()))
	_, err := pipeline.ExecuteOrder(ctx, "test", "retry-key", marketOrder("AAPL", 100), nil)
	require.Error(t, err)

	// Kill switch released: the same key transitions FAILED -> SUBMITTING -> SUBMITTED
	require.NoError(t, riskRepo.SetKillSwitch(ctx, false, "", clk.NowMS()))
	submission, err := pipeline.ExecuteOrder(ctx, "test", "retry-key", marketOrder("AAPL", 100), nil)
	require.NoError(t, err)
	assert.Equal(t, execution.StateSubmitted, submission.State)
	assert.Equal(t, 1, brk.createOrderCalls())
}

func TestApproval_TokenLifecycle(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	service := approval.NewService(approval.NewRepository(db), "test-secret", clk)
	preview := marketOrder("AAPL", 100)
	policyResult := &policy.Result{Allowed: true}

	token, record, err := service.Generate(ctx, preview, policyResult, 5*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, token, ".")

	t.Run("validate accepts a fresh token", func(t *testing.T) {
		validated, err := service.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, record.ID, validated.ID)
	})

	t.Run("tampered token is rejected", func(t *testing.T) {
		_, err := service.Validate(ctx, token[:len(token)-2]+"zz")
		require.Error(t, err)
	})

	t.Run("reserve consume single winner", func(t *testing.T) {
		require.NoError(t, service.Reserve(ctx, record.ID, "rid-1", time.Minute))

		// A second reserver loses while the hold is live
		err := service.Reserve(ctx, record.ID, "rid-2", time.Minute)
		assert.Equal(t, faults.KindConflict, faults.KindOf(err))

		// Only the holder may consume
		err = service.Consume(ctx, record.ID, "rid-2")
		assert.Equal(t, faults.KindConflict, faults.KindOf(err))
		require.NoError(t, service.Consume(ctx, record.ID, "rid-1"))

		// USED is terminal: no further reservations or validations
		err = service.Reserve(ctx, record.ID, "rid-3", time.Minute)
		assert.Equal(t, faults.KindConflict, faults.KindOf(err))
		_, err = service.Validate(ctx, token)
		assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	})
}

func TestApproval_LapsedReservationIsReclaimable(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	service := approval.NewService(approval.NewRepository(db), "test-secret", clk)
	_, record, err := service.Generate(ctx, marketOrder("AAPL", 100), &policy.Result{Allowed: true}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, service.Reserve(ctx, record.ID, "slow-rid", time.Second))

	// The hold lapses; a new reserver takes over
	clk.Advance(2 * time.Second)
	require.NoError(t, service.Reserve(ctx, record.ID, "fast-rid", time.Minute))

	// The original holder can no longer consume
	err = service.Consume(ctx, record.ID, "slow-rid")
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	require.NoError(t, service.Consume(ctx, record.ID, "fast-rid"))
}

func TestApproval_ExpiredTokenRejected(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	service := approval.NewService(approval.NewRepository(db), "test-secret", clk)
	token, _, err := service.Generate(ctx, marketOrder("AAPL", 100), &policy.Result{Allowed: true}, time.Second)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	_, err = service.Validate(ctx, token)
	assert.Equal(t, faults.KindUnauthorized, faults.KindOf(err))
}

func TestExecuteApprovedOrder_SingleUse(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	brk := &countingBroker{PaperBroker: broker.NewPaperBroker(clk, 100_000, models.AssetUSEquity)}
	brk.SetPrice("AAPL", 200)
	policyRepo := policy.NewRepository(db)
	permissivePolicy(t, ctx, policyRepo)

	pipeline := execution.NewPipeline(
		execution.NewRepository(db), brk, nil, policyRepo, risk.NewRepository(db), clk)
	approvals := approval.NewService(approval.NewRepository(db), "test-secret", clk)

	token, record, err := approvals.Generate(ctx, marketOrder("AAPL", 100), &policy.Result{Allowed: true}, time.Hour)
	require.NoError(t, err)

	first, err := pipeline.ExecuteApprovedOrder(ctx, approvals, token, "edge")
	require.NoError(t, err)
	assert.Equal(t, execution.StateSubmitted, first.State)
	assert.Equal(t, 1, brk.createOrderCalls())

	// The token is USED now; a replay cannot submit again
	_, err = pipeline.ExecuteApprovedOrder(ctx, approvals, token, "edge")
	require.Error(t, err)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
	assert.Equal(t, 1, brk.createOrderCalls())

	// The approval id anchored the idempotency key
	submission, err := execution.NewRepository(db).FindByKey(ctx, "approval:"+record.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, submission.ID)
}

func TestApproval_ReleaseReturnsToActive(t *testing.T) {
	db := testdb.Setup(t)
	ctx := context.Background()
	clk := marketOpenClock()

	service := approval.NewService(approval.NewRepository(db), "test-secret", clk)
	_, record, err := service.Generate(ctx, marketOrder("AAPL", 100), &policy.Result{Allowed: true}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, service.Reserve(ctx, record.ID, "rid", time.Minute))
	require.NoError(t, service.Release(ctx, record.ID, "rid", assert.AnError))

	// Back to ACTIVE: a new reservation succeeds immediately
	require.NoError(t, service.Reserve(ctx, record.ID, "rid-2", time.Minute))
}

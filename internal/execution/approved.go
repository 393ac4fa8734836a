package execution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/selivandex/tradeswarm/internal/approval"
	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// reservationTTL bounds how long one executor may hold an approval
const reservationTTL = 2 * time.Minute

// ExecuteApprovedOrder redeems an approval token and runs its previewed
// order through the pipeline. The idempotency key is derived from the
// approval id ("approval:<id>"), so retries of the same ticket converge on
// one submission; the reservation protocol guarantees a single consume
// winner.
func (p *Pipeline) ExecuteApprovedOrder(ctx context.Context, approvals *approval.Service, token, source string) (*Submission, error) {
	record, err := approvals.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	var order models.OrderRequest
	if err := json.Unmarshal(record.OrderParamsJSON, &order); err != nil {
		return nil, faults.Wrap(faults.KindInternal, "approval carries unreadable order params", err)
	}

	reservationID := ident.RandomHex()
	if err := approvals.Reserve(ctx, record.ID, reservationID, reservationTTL); err != nil {
		// A concurrent holder may already be submitting this approval;
		// the idempotency row is the source of truth for its outcome
		if existing, findErr := p.repo.FindByKey(ctx, approvalKey(record.ID)); findErr == nil {
			return existing, nil
		}
		return nil, err
	}

	submission, err := p.ExecuteOrder(ctx, source, approvalKey(record.ID), &order, &record.ID)
	if err != nil {
		_ = approvals.Release(ctx, record.ID, reservationID, err)
		return nil, err
	}

	if err := approvals.Consume(ctx, record.ID, reservationID); err != nil {
		// The submission already happened; a lost consume race only means
		// another path stamped USED first
		return submission, nil
	}
	return submission, nil
}

func approvalKey(approvalID string) string {
	return "approval:" + approvalID
}

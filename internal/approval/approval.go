package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/policy"
	clockpkg "github.com/selivandex/tradeswarm/pkg/clock"
	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/ident"
	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Token states
const (
	StateActive   = "ACTIVE"
	StateReserved = "RESERVED"
	StateUsed     = "USED"
)

// Record is the persisted approval row
type Record struct {
	ID               string  `db:"id"`
	PreviewHash      string  `db:"preview_hash"`
	OrderParamsJSON  []byte  `db:"order_params_json"`
	PolicyResultJSON []byte  `db:"policy_result_json"`
	TokenHash        string  `db:"token_hash"`
	ExpiresAtMS      int64   `db:"expires_at"`
	State            string  `db:"state"`
	ReservedAtMS     *int64  `db:"reserved_at"`
	ReservedBy       *string `db:"reserved_by"`
	ReservedUntilMS  *int64  `db:"reserved_until"`
	UsedAtMS         *int64  `db:"used_at"`
	SubmittedAtMS    *int64  `db:"submitted_at"`
	FailedAtMS       *int64  `db:"failed_at"`
	LastErrorJSON    []byte  `db:"last_error_json"`
}

// Service issues and redeems HMAC-signed approval tickets. Every state
// transition is one conditional UPDATE; the WHERE clause is the critical
// section.
type Service struct {
	repo   *Repository
	secret string
	clk    clockpkg.Clock
}

// NewService creates new approval service
func NewService(repo *Repository, secret string, clk clockpkg.Clock) *Service {
	return &Service{repo: repo, secret: secret, clk: clk}
}

// Generate mints a token for a previewed order. The wire token is
// "<id>.<signature>"; only its SHA-256 is stored.
func (s *Service) Generate(ctx context.Context, preview *models.OrderRequest, policyResult *policy.Result, ttl time.Duration) (token string, record *Record, err error) {
	approvalID := ident.RandomHex()
	previewHash := ident.StableHash(map[string]any{
		"preview":       preview,
		"policy_result": policyResult,
	})
	expiresAtMS := s.clk.NowMS() + ttl.Milliseconds()

	tokenBody := fmt.Sprintf("%s:%s:%d", approvalID, previewHash, expiresAtMS)
	signature := ident.HMACSHA256Hex(s.secret, tokenBody)
	token = approvalID + "." + signature
	tokenHash := ident.SHA256Hex(token)

	record, err = s.repo.Insert(ctx, approvalID, previewHash, preview, policyResult, tokenHash, expiresAtMS)
	if err != nil {
		return "", nil, err
	}

	logger.Info("approval token issued",
		zap.String("approval_id", approvalID),
		zap.Int64("expires_at_ms", expiresAtMS),
	)

	return token, record, nil
}

// Validate checks a presented token and returns its approval record
func (s *Service) Validate(ctx context.Context, token string) (*Record, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, faults.New(faults.KindInvalidInput, "malformed approval token")
	}

	record, err := s.repo.FindByTokenHash(ctx, ident.SHA256Hex(token))
	if err != nil {
		// Legacy rows stored the raw token instead of its hash
		record, err = s.repo.FindByTokenHash(ctx, token)
		if err != nil {
			return nil, faults.New(faults.KindNotFound, "unknown approval token")
		}
	}

	if record.State == StateUsed {
		return nil, faults.New(faults.KindConflict, "approval token already used")
	}
	if s.clk.NowMS() > record.ExpiresAtMS {
		return nil, faults.New(faults.KindUnauthorized, "approval token expired")
	}

	tokenBody := fmt.Sprintf("%s:%s:%d", record.ID, record.PreviewHash, record.ExpiresAtMS)
	expected := ident.HMACSHA256Hex(s.secret, tokenBody)
	if !ident.ConstantTimeEquals(expected, parts[1]) {
		return nil, faults.New(faults.KindUnauthorized, "approval token signature mismatch")
	}

	return record, nil
}

// Reserve takes the single reservation slot. Succeeds from ACTIVE or from a
// RESERVED state whose hold has lapsed.
func (s *Service) Reserve(ctx context.Context, approvalID, reservationID string, ttl time.Duration) error {
	nowMS := s.clk.NowMS()
	changed, err := s.repo.Reserve(ctx, approvalID, reservationID, nowMS, nowMS+ttl.Milliseconds())
	if err != nil {
		return err
	}
	if !changed {
		return faults.Newf(faults.KindConflict, "approval %s is not reservable", approvalID)
	}
	return nil
}

// Consume marks a reserved approval as used; only the reservation holder
// may consume
func (s *Service) Consume(ctx context.Context, approvalID, reservationID string) error {
	changed, err := s.repo.Consume(ctx, approvalID, reservationID, s.clk.NowMS())
	if err != nil {
		return err
	}
	if !changed {
		return faults.Newf(faults.KindConflict, "approval %s is not held by %s", approvalID, reservationID)
	}
	return nil
}

// Release returns a reserved approval to ACTIVE, recording the error that
// aborted the submission
func (s *Service) Release(ctx context.Context, approvalID, reservationID string, cause error) error {
	var errJSON []byte
	if cause != nil {
		errJSON = []byte(fmt.Sprintf(`{"error":%q}`, cause.Error()))
	}
	changed, err := s.repo.Release(ctx, approvalID, reservationID, s.clk.NowMS(), errJSON)
	if err != nil {
		return err
	}
	if !changed {
		return faults.Newf(faults.KindConflict, "approval %s is not held by %s", approvalID, reservationID)
	}
	return nil
}

// PurgeExpired deletes approvals past their expiry that were never used
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpired(ctx, s.clk.NowMS())
}

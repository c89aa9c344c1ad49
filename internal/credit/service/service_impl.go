package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"github.com/smallbiznis/metergate/internal/seed"
	"github.com/smallbiznis/metergate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// rolloverWindow is the extension granted to rolled-over credits.
const rolloverWindow = 30 * 24 * time.Hour

// defaultRolloverCaps bounds how many unused credits survive an expiry per
// credit type when the batch allows rollover.
var defaultRolloverCaps = map[creditdomain.CreditType]int64{
	creditdomain.CreditAITokens: 100_000,
	creditdomain.CreditAPICalls: 5_000,
	creditdomain.CreditEmails:   500,
	creditdomain.CreditExports:  100,
}

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	RolloverCaps map[creditdomain.CreditType]int64 `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	rolloverCaps map[creditdomain.CreditType]int64
}

func NewService(p ServiceParam) creditdomain.Service {
	caps := p.RolloverCaps
	if caps == nil {
		caps = defaultRolloverCaps
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("credit.service"),

		genID:        p.GenID,
		rolloverCaps: caps,
	}
}

func (s *Service) Allocate(ctx context.Context, req creditdomain.AllocateRequest) (snowflake.ID, error) {
	if err := validateAllocate(req); err != nil {
		return 0, err
	}

	ref := strings.TrimSpace(req.SourceReference)

	// Idempotency: an allocation that carries a source reference is
	// inserted at most once; duplicate delivery returns the original batch.
	if ref != "" {
		existing, err := s.findBySourceRef(ctx, s.db, req.Source, ref)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			return existing.ID, nil
		}
	}

	batch := s.newBatch(req, ref)
	if err := s.insertBatch(ctx, s.db, batch, ref != ""); err != nil {
		if db.IsDuplicateKeyErr(err) && ref != "" {
			existing, findErr := s.findBySourceRef(ctx, s.db, req.Source, ref)
			if findErr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return 0, err
	}
	return batch.ID, nil
}

func (s *Service) AllocateSubscriptionCredits(
	ctx context.Context,
	userID, subscriptionID string,
	tier ruledomain.TierLevel,
) (snowflake.ID, error) {

	if !tier.Valid() {
		return 0, creditdomain.ErrInvalidTier
	}
	amount := seed.SubscriptionCredits(tier)
	if amount <= 0 {
		return 0, creditdomain.ErrInvalidAmount
	}

	expiry := time.Now().UTC().AddDate(0, 1, 0)
	return s.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:          userID,
		CreditType:      creditdomain.CreditAITokens,
		Amount:          amount,
		Source:          creditdomain.SourceSubscription,
		SourceReference: subscriptionID,
		ExpiresAt:       &expiry,
		CanRollover:     tier != ruledomain.TierFree,
	})
}

func (s *Service) GrantPromotionalCredits(
	ctx context.Context,
	userID string,
	creditType creditdomain.CreditType,
	amount int64,
	expiresAt *time.Time,
) (snowflake.ID, error) {

	return s.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:     userID,
		CreditType: creditType,
		Amount:     amount,
		Source:     creditdomain.SourcePromotion,
		ExpiresAt:  expiresAt,
	})
}

func (s *Service) Balance(ctx context.Context, userID string, creditType creditdomain.CreditType) (creditdomain.Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return creditdomain.Balance{}, creditdomain.ErrInvalidUser
	}

	batches, err := s.liveBatches(ctx, s.db, userID, creditType, time.Now().UTC(), false)
	if err != nil {
		return creditdomain.Balance{}, err
	}
	return sumBalance(creditType, batches), nil
}

func (s *Service) Balances(ctx context.Context, userID string) ([]creditdomain.Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	now := time.Now().UTC()
	var batches []*creditdomain.CreditBatch
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND (expires_at IS NULL OR expires_at > ?)", userID, true, now).
		Find(&batches).Error
	if err != nil {
		return nil, err
	}

	grouped := make(map[creditdomain.CreditType][]*creditdomain.CreditBatch)
	order := make([]creditdomain.CreditType, 0, 4)
	for _, batch := range batches {
		if _, seen := grouped[batch.CreditType]; !seen {
			order = append(order, batch.CreditType)
		}
		grouped[batch.CreditType] = append(grouped[batch.CreditType], batch)
	}

	balances := make([]creditdomain.Balance, 0, len(order))
	for _, creditType := range order {
		balances = append(balances, sumBalance(creditType, grouped[creditType]))
	}
	return balances, nil
}

// Consume drains credits soonest-to-expire first. The batch snapshot, the
// sufficiency check and every deduction share one transaction, so the
// operation is all-or-nothing: an insufficient balance leaves no batch
// touched.
func (s *Service) Consume(ctx context.Context, req creditdomain.ConsumeRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.consumeTx(ctx, tx, req, time.Now().UTC())
	})
}

func (s *Service) consumeTx(ctx context.Context, tx *gorm.DB, req creditdomain.ConsumeRequest, now time.Time) error {
	batches, err := s.liveBatches(ctx, tx, req.UserID, req.CreditType, now, true)
	if err != nil {
		return err
	}

	available := int64(0)
	for _, batch := range batches {
		available += batch.Remaining()
	}
	if available < req.Amount {
		return &creditdomain.InsufficientCreditsError{
			CreditType: req.CreditType,
			Requested:  req.Amount,
			Available:  available,
		}
	}

	needed := req.Amount
	for _, batch := range batches {
		if needed == 0 {
			break
		}
		take := batch.Remaining()
		if take > needed {
			take = needed
		}
		if take == 0 {
			continue
		}

		// The guard keeps usedCredits <= availableCredits even if the
		// snapshot raced a concurrent writer outside this transaction.
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_batches
			 SET used_credits = used_credits + ?, updated_at = ?
			 WHERE id = ? AND used_credits + ? <= available_credits`,
			take, now, batch.ID, take,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrInvalidTransaction
		}
		needed -= take
	}
	return nil
}

// Transfer moves credits between users inside one transaction: the source
// deduction and the destination bonus allocation commit or roll back
// together.
func (s *Service) Transfer(ctx context.Context, fromUser, toUser string, creditType creditdomain.CreditType, amount int64) error {
	if strings.TrimSpace(fromUser) == "" || strings.TrimSpace(toUser) == "" {
		return creditdomain.ErrInvalidUser
	}
	if fromUser == toUser {
		return creditdomain.ErrInvalidUser
	}
	if amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := s.consumeTx(ctx, tx, creditdomain.ConsumeRequest{
			UserID:     fromUser,
			CreditType: creditType,
			Amount:     amount,
		}, now); err != nil {
			return err
		}

		batch := s.newBatch(creditdomain.AllocateRequest{
			UserID:     toUser,
			CreditType: creditType,
			Amount:     amount,
			Source:     creditdomain.SourceBonus,
		}, "")
		return s.insertBatch(ctx, tx, batch, false)
	})
}

// ExpireSweep deactivates every batch whose expiry has passed, rolling
// unused credits into a capped replacement batch when the batch allows it.
// Rolled-over batches never roll over again.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (creditdomain.SweepResult, error) {
	now = now.UTC()
	var sweep creditdomain.SweepResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []*creditdomain.CreditBatch
		query := tx.WithContext(ctx).
			Where("is_active = ? AND expires_at IS NOT NULL AND expires_at < ?", true, now)
		if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := query.Find(&expired).Error; err != nil {
			return err
		}

		for _, batch := range expired {
			remaining := batch.Remaining()
			if batch.CanRollover && remaining > 0 {
				rolled := remaining
				if limit, ok := s.rolloverCaps[batch.CreditType]; ok && rolled > limit {
					rolled = limit
				}
				expiry := now.Add(rolloverWindow)
				ref := batch.ID.String()
				replacement := s.newBatch(creditdomain.AllocateRequest{
					UserID:          batch.UserID,
					CreditType:      batch.CreditType,
					Amount:          rolled,
					Source:          creditdomain.SourceRollover,
					SourceReference: ref,
					ExpiresAt:       &expiry,
					CanRollover:     false,
				}, ref)
				if err := s.insertBatch(ctx, tx, replacement, true); err != nil {
					return err
				}
				sweep.RolledOver++
				sweep.Forfeited += remaining - rolled
			} else {
				sweep.Forfeited += remaining
			}

			if err := tx.WithContext(ctx).
				Model(&creditdomain.CreditBatch{}).
				Where("id = ?", batch.ID).
				Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
				return err
			}
			sweep.Expired++
		}
		return nil
	})
	if err != nil {
		return creditdomain.SweepResult{}, err
	}

	if sweep.Expired > 0 {
		s.log.Info("credit expiry sweep",
			zap.Int("expired", sweep.Expired),
			zap.Int("rolled_over", sweep.RolledOver),
			zap.Int64("forfeited", sweep.Forfeited),
		)
	}
	return sweep, nil
}

func (s *Service) newBatch(req creditdomain.AllocateRequest, ref string) *creditdomain.CreditBatch {
	now := time.Now().UTC()
	batch := &creditdomain.CreditBatch{
		ID:               s.genID.Generate(),
		UserID:           req.UserID,
		CreditType:       req.CreditType,
		AvailableCredits: req.Amount,
		UsedCredits:      0,
		Source:           req.Source,
		ExpiresAt:        req.ExpiresAt,
		CanRollover:      req.CanRollover,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if ref != "" {
		batch.SourceReference = &ref
	}
	return batch
}

func (s *Service) insertBatch(ctx context.Context, tx *gorm.DB, batch *creditdomain.CreditBatch, idempotent bool) error {
	stmt := tx.WithContext(ctx)
	if idempotent {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "source_reference"}},
			DoNothing: true,
		})
	}
	return stmt.Create(batch).Error
}

func (s *Service) findBySourceRef(ctx context.Context, tx *gorm.DB, source creditdomain.Source, ref string) (*creditdomain.CreditBatch, error) {
	var batch creditdomain.CreditBatch
	err := tx.WithContext(ctx).
		Where("source = ? AND source_reference = ?", source, ref).
		First(&batch).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

// liveBatches loads active, non-expired batches ordered soonest-to-expire
// first with no-expiry batches last. With forUpdate the rows are locked so
// the snapshot stays consistent for the length of the transaction.
func (s *Service) liveBatches(
	ctx context.Context,
	tx *gorm.DB,
	userID string,
	creditType creditdomain.CreditType,
	now time.Time,
	forUpdate bool,
) ([]*creditdomain.CreditBatch, error) {

	query := tx.WithContext(ctx).
		Where("user_id = ? AND credit_type = ? AND is_active = ? AND (expires_at IS NULL OR expires_at > ?)",
			userID, creditType, true, now).
		Order("(expires_at IS NULL) ASC").
		Order("expires_at ASC").
		Order("id ASC")
	if forUpdate && !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var batches []*creditdomain.CreditBatch
	err := query.Find(&batches).Error
	return batches, err
}

func sumBalance(creditType creditdomain.CreditType, batches []*creditdomain.CreditBatch) creditdomain.Balance {
	balance := creditdomain.Balance{CreditType: creditType}
	for _, batch := range batches {
		balance.Available += batch.Remaining()
		balance.Used += batch.UsedCredits
		balance.Total += batch.AvailableCredits
		if batch.ExpiresAt != nil {
			if balance.EarliestExpiry == nil || batch.ExpiresAt.Before(*balance.EarliestExpiry) {
				balance.EarliestExpiry = batch.ExpiresAt
			}
		}
	}
	return balance
}

func validateAllocate(req creditdomain.AllocateRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return creditdomain.ErrInvalidUser
	}
	if req.CreditType == "" {
		return creditdomain.ErrInvalidCreditType
	}
	if req.Amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}
	if !req.Source.Valid() {
		return creditdomain.ErrInvalidSource
	}
	return nil
}

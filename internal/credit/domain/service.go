package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
)

type AllocateRequest struct {
	UserID          string
	CreditType      CreditType
	Amount          int64
	Source          Source
	SourceReference string
	ExpiresAt       *time.Time
	CanRollover     bool
}

// Balance summarizes the active, non-expired batches of one credit type.
type Balance struct {
	CreditType     CreditType `json:"credit_type"`
	Available      int64      `json:"available"`
	Used           int64      `json:"used"`
	Total          int64      `json:"total"`
	EarliestExpiry *time.Time `json:"earliest_expiry,omitempty"`
}

type ConsumeRequest struct {
	UserID     string
	CreditType CreditType
	Amount     int64
}

// SweepResult reports one ExpireSweep pass.
type SweepResult struct {
	Expired    int
	RolledOver int
	Forfeited  int64
}

// Service owns the credit batch ledger. Consumption drains batches
// soonest-to-expire first and is all-or-nothing: when the active balance
// cannot cover the requested amount no batch is touched.
type Service interface {
	Allocate(ctx context.Context, req AllocateRequest) (snowflake.ID, error)
	AllocateSubscriptionCredits(ctx context.Context, userID, subscriptionID string, tier ruledomain.TierLevel) (snowflake.ID, error)
	GrantPromotionalCredits(ctx context.Context, userID string, creditType CreditType, amount int64, expiresAt *time.Time) (snowflake.ID, error)
	Balance(ctx context.Context, userID string, creditType CreditType) (Balance, error)
	Balances(ctx context.Context, userID string) ([]Balance, error)
	Consume(ctx context.Context, req ConsumeRequest) error
	Transfer(ctx context.Context, fromUser, toUser string, creditType CreditType, amount int64) error
	ExpireSweep(ctx context.Context, now time.Time) (SweepResult, error)
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidCreditType = errors.New("invalid_credit_type")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidSource     = errors.New("invalid_source")
	ErrInvalidTier       = errors.New("invalid_tier")
)

// InsufficientCreditsError carries available-vs-requested amounts so the
// caller can decide UX.
type InsufficientCreditsError struct {
	CreditType CreditType
	Requested  int64
	Available  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient %s credits: requested %d, available %d",
		e.CreditType, e.Requested, e.Available)
}

// IsInsufficientCredits reports whether err is an insufficient-balance failure.
func IsInsufficientCredits(err error) bool {
	var target *InsufficientCreditsError
	return errors.As(err, &target)
}

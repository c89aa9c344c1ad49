package domain

import (
	"context"
	"errors"
	"time"

	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
)

// Mode selects the admission ceiling for a consumption attempt.
type Mode string

const (
	// ModeWithin admits only while consumed + amount stays at or under the
	// rule limit.
	ModeWithin Mode = "within"
	// ModeOverage admits unconditionally; consumption past the limit marks
	// the tracker exceeded.
	ModeOverage Mode = "overage"
	// ModeGrace admits up to limit + grace period; consumption past the
	// limit marks the tracker grace.
	ModeGrace Mode = "grace"
)

// Snapshot is a read of the current counter used for the admission decision
// before any write occurs.
type Snapshot struct {
	Exists      bool
	Consumed    int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      Status
}

type ConsumeRequest struct {
	UserID string
	Rule   *ruledomain.Rule
	Amount int64
	Mode   Mode
	Now    time.Time
}

type ConsumeResult struct {
	Admitted    bool
	Consumed    int64
	Status      Status
	ShouldWarn  bool
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Service owns the per-period counter state machine. The read of current
// consumption and the write of updated consumption inside TryConsume are a
// single atomic unit; concurrent callers can never jointly over-admit.
type Service interface {
	Peek(ctx context.Context, userID string, rule *ruledomain.Rule, now time.Time) (Snapshot, error)
	TryConsume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	LiveRows(ctx context.Context, userID string, now time.Time) ([]*UsageTracker, error)
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
	Clear(ctx context.Context) error
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrMissingRule   = errors.New("missing_rule")
)

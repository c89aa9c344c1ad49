package domain

import (
	"context"
	"errors"
	"time"
)

type CreateRuleRequest struct {
	Rule Rule
}

type ListRulesRequest struct {
	MetricType MetricType
	TierLevel  TierLevel
}

// Service selects the governing rule for a metered request and owns
// rule administration.
type Service interface {
	// Select returns the single highest-priority rule applicable to the
	// request, or nil when no governance is configured for the metric.
	Select(ctx context.Context, tier TierLevel, metric MetricType, feature string, now time.Time) (*Rule, error)

	Create(ctx context.Context, req CreateRuleRequest) (*Rule, error)
	List(ctx context.Context, req ListRulesRequest) ([]*Rule, error)
	SeedForTier(ctx context.Context, tier TierLevel) (int, error)
	Clear(ctx context.Context) error
}

var (
	ErrInvalidMetricType       = errors.New("invalid_metric_type")
	ErrInvalidTier             = errors.New("invalid_tier")
	ErrInvalidLimitType        = errors.New("invalid_limit_type")
	ErrInvalidLimitValue       = errors.New("invalid_limit_value")
	ErrInvalidLimitPeriod      = errors.New("invalid_limit_period")
	ErrInvalidWarningThreshold = errors.New("invalid_warning_threshold")
	ErrInvalidOveragePrice     = errors.New("invalid_overage_price")
	ErrInvalidEffectiveWindow  = errors.New("invalid_effective_window")
)

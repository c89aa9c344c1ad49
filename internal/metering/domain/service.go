package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
)

// CheckRequest is one admission attempt against the caller's tier limits.
type CheckRequest struct {
	UserID  string
	Tier    ruledomain.TierLevel
	Metric  ruledomain.MetricType
	Amount  int64
	Feature string
}

// Decision is the admission verdict. It is a value, not an error: a denied
// request is a successful check.
type Decision struct {
	Allowed     bool                  `json:"allowed"`
	Outcome     eventdomain.Outcome   `json:"outcome"`
	Reason      string                `json:"reason,omitempty"`
	Metric      ruledomain.MetricType `json:"metric_type"`
	Amount      int64                 `json:"amount"`
	Consumed    int64                 `json:"consumed"`
	Limit       int64                 `json:"limit"`
	Remaining   int64                 `json:"remaining"`
	Status      trackerdomain.Status  `json:"status"`
	ShouldWarn  bool                  `json:"should_warn"`
	Billable    bool                  `json:"billable"`
	OverageCost decimal.Decimal       `json:"overage_cost"`
	CreditsUsed int64                 `json:"credits_used"`
	PeriodEnd   *time.Time            `json:"period_end,omitempty"`
	RuleID      *snowflake.ID         `json:"rule_id,omitempty"`
}

// MetricSummary is one metric's standing inside its current period.
type MetricSummary struct {
	Metric      ruledomain.MetricType `json:"metric_type"`
	Consumed    int64                 `json:"consumed"`
	Limit       int64                 `json:"limit"`
	Percent     float64               `json:"percent"`
	Status      trackerdomain.Status  `json:"status"`
	PeriodStart time.Time             `json:"period_start"`
	PeriodEnd   time.Time             `json:"period_end"`
}

// Summary is the per-user usage overview returned to dashboards.
type Summary struct {
	UserID   string                 `json:"user_id"`
	Metrics  []MetricSummary        `json:"metrics"`
	Credits  []creditdomain.Balance `json:"credits"`
	Warnings []string               `json:"warnings,omitempty"`
}

type Service interface {
	CheckAndConsume(ctx context.Context, req CheckRequest) (Decision, error)
	GetSummary(ctx context.Context, userID string) (Summary, error)
	GetCreditBalance(ctx context.Context, userID string, creditType creditdomain.CreditType) (creditdomain.Balance, error)
	// ClearRulesAndTracking wipes rules and counters, for test fixtures and
	// staging resets.
	ClearRulesAndTracking(ctx context.Context) error
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidMetric = errors.New("invalid_metric_type")
	ErrInvalidTier   = errors.New("invalid_tier")
)

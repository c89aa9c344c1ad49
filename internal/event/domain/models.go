package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"gorm.io/datatypes"
)

// Outcome is the recorded admission result for one usage event.
type Outcome string

const (
	OutcomeAllowed        Outcome = "allowed"
	OutcomeAllowedOverage Outcome = "allowed_overage"
	OutcomeAllowedGrace   Outcome = "allowed_grace"
	OutcomeAllowedCredits Outcome = "allowed_credits"
	OutcomeDenied         Outcome = "denied"
)

// UsageEvent is an append-only audit record of one admission decision.
// Events are never updated after insert.
type UsageEvent struct {
	ID          snowflake.ID          `gorm:"primaryKey" json:"id"`
	UserID      string                `gorm:"type:text;not null;index:idx_usage_events_user_created,priority:1" json:"user_id"`
	MetricType  ruledomain.MetricType `gorm:"type:text;not null;index" json:"metric_type"`
	Feature     string                `gorm:"type:text" json:"feature,omitempty"`
	Amount      int64                 `gorm:"not null" json:"amount"`
	Outcome     Outcome               `gorm:"type:text;not null" json:"outcome"`
	Reason      string                `gorm:"type:text" json:"reason,omitempty"`
	Billable    bool                  `gorm:"not null;default:false;index" json:"billable"`
	OverageCost decimal.Decimal       `gorm:"type:numeric" json:"overage_cost"`
	CreditsUsed int64                 `gorm:"not null;default:0" json:"credits_used"`
	RuleID      *snowflake.ID         `json:"rule_id,omitempty"`
	Metadata    datatypes.JSONMap     `json:"metadata,omitempty"`
	CreatedAt   time.Time             `gorm:"not null;index:idx_usage_events_user_created,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

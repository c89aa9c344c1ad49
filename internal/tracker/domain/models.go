// Package domain contains the per-period usage counter models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/period"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
)

// Status is the tracker state. Transitions are monotonic within a period
// and reset to normal only by period rollover, which replaces the row.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
	StatusBlocked  Status = "blocked"
	StatusGrace    Status = "grace"
)

// UsageTracker is the live counter for one (user, metric, period unit).
// Exactly one non-expired row exists per key; an expired row is deleted and
// replaced on next use, never patched.
type UsageTracker struct {
	ID            snowflake.ID          `gorm:"primaryKey"`
	UserID        string                `gorm:"type:text;not null;uniqueIndex:ux_usage_trackers_key,priority:1"`
	MetricType    ruledomain.MetricType `gorm:"type:text;not null;uniqueIndex:ux_usage_trackers_key,priority:2"`
	PeriodUnit    period.Unit           `gorm:"type:text;not null;uniqueIndex:ux_usage_trackers_key,priority:3"`
	PeriodStart   time.Time             `gorm:"not null"`
	PeriodEnd     time.Time             `gorm:"not null;index"`
	Consumed      int64                 `gorm:"not null;default:0"`
	LimitValue    int64                 `gorm:"not null"`
	Status        Status                `gorm:"type:text;not null;default:'normal'"`
	AppliedRuleID snowflake.ID          `gorm:"not null"`
	WarningCount  int                   `gorm:"not null;default:0"`
	LastWarningAt *time.Time            `gorm:""`
	CreatedAt     time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageTracker) TableName() string { return "usage_trackers" }

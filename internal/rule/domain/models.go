// Package domain contains quota and credit rule configuration models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metergate/internal/period"
	"gorm.io/datatypes"
)

// MetricType is a billable or quota-bound dimension. The set is closed and
// validated at configuration load, not at request time.
type MetricType string

const (
	MetricAPICalls     MetricType = "api_calls"
	MetricAITokens     MetricType = "ai_tokens"
	MetricStorageBytes MetricType = "storage_bytes"
	MetricEmails       MetricType = "emails"
	MetricExports      MetricType = "exports"
	MetricSeats        MetricType = "seats"
)

// Valid reports whether m is a known metric type.
func (m MetricType) Valid() bool {
	switch m {
	case MetricAPICalls, MetricAITokens, MetricStorageBytes, MetricEmails, MetricExports, MetricSeats:
		return true
	}
	return false
}

// TierLevel is the subscription level selecting which rule governs a metric.
type TierLevel string

const (
	TierFree       TierLevel = "free"
	TierPro        TierLevel = "pro"
	TierTeam       TierLevel = "team"
	TierEnterprise TierLevel = "enterprise"
	TierLifetime   TierLevel = "lifetime"
)

// Valid reports whether t is a known tier.
func (t TierLevel) Valid() bool {
	switch t {
	case TierFree, TierPro, TierTeam, TierEnterprise, TierLifetime:
		return true
	}
	return false
}

// LimitType distinguishes limits that block from limits that may be exceeded.
type LimitType string

const (
	LimitHard LimitType = "hard"
	LimitSoft LimitType = "soft"
)

// Rule binds a metric and tier (optionally scoped to features) to a limit,
// period and overage/credit policy. Limit edits never rewrite historical
// tracker state.
type Rule struct {
	ID                      snowflake.ID               `gorm:"primaryKey"`
	MetricType              MetricType                 `gorm:"type:text;not null;index:idx_rules_metric_tier,priority:1"`
	TierLevel               TierLevel                  `gorm:"type:text;not null;index:idx_rules_metric_tier,priority:2"`
	LimitType               LimitType                  `gorm:"type:text;not null"`
	LimitValue              int64                      `gorm:"not null"`
	LimitPeriod             period.Unit                `gorm:"type:text;not null"`
	IncludedCredits         int64                      `gorm:"not null;default:0"`
	CreditRefreshPeriod     period.Unit                `gorm:"type:text"`
	RolloverAllowed         bool                       `gorm:"not null;default:false"`
	MaxRollover             int64                      `gorm:"not null;default:0"`
	GracePeriod             int64                      `gorm:"not null;default:0"`
	WarningThresholdPercent float64                    `gorm:"not null;default:0"`
	OverageAllowed          bool                       `gorm:"not null;default:false"`
	OveragePricePerUnit     decimal.Decimal            `gorm:"type:numeric;not null;default:0"`
	FeatureIncludeList      datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	FeatureExcludeList      datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Priority                int                        `gorm:"not null;default:0"`
	Active                  bool                       `gorm:"not null;default:true"`
	EffectiveFrom           *time.Time                 `gorm:""`
	EffectiveUntil          *time.Time                 `gorm:""`
	Metadata                datatypes.JSONMap          `gorm:"type:jsonb"`
	CreatedAt               time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Rule) TableName() string { return "metering_rules" }

// Validate checks the closed enums and numeric bounds. Called on create and
// seed so request-time selection never sees a malformed rule.
func (r *Rule) Validate() error {
	if !r.MetricType.Valid() {
		return ErrInvalidMetricType
	}
	if !r.TierLevel.Valid() {
		return ErrInvalidTier
	}
	if r.LimitType != LimitHard && r.LimitType != LimitSoft {
		return ErrInvalidLimitType
	}
	if r.LimitValue <= 0 {
		return ErrInvalidLimitValue
	}
	if !r.LimitPeriod.Valid() {
		return ErrInvalidLimitPeriod
	}
	if r.CreditRefreshPeriod != "" && !r.CreditRefreshPeriod.Valid() {
		return ErrInvalidLimitPeriod
	}
	if r.WarningThresholdPercent < 0 || r.WarningThresholdPercent > 100 {
		return ErrInvalidWarningThreshold
	}
	if r.MaxRollover < 0 || r.GracePeriod < 0 || r.IncludedCredits < 0 {
		return ErrInvalidLimitValue
	}
	if r.OveragePricePerUnit.IsNegative() {
		return ErrInvalidOveragePrice
	}
	if r.EffectiveFrom != nil && r.EffectiveUntil != nil && r.EffectiveUntil.Before(*r.EffectiveFrom) {
		return ErrInvalidEffectiveWindow
	}
	return nil
}

// AppliesToFeature evaluates feature targeting: the exclude list wins over
// the include list, and a non-empty include list requires membership.
func (r *Rule) AppliesToFeature(feature string) bool {
	for _, excluded := range r.FeatureExcludeList {
		if excluded == feature {
			return false
		}
	}
	if len(r.FeatureIncludeList) == 0 {
		return true
	}
	for _, included := range r.FeatureIncludeList {
		if included == feature {
			return true
		}
	}
	return false
}

// EffectiveAt reports whether the rule's effective window contains now.
func (r *Rule) EffectiveAt(now time.Time) bool {
	if r.EffectiveFrom != nil && now.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && now.After(*r.EffectiveUntil) {
		return false
	}
	return true
}

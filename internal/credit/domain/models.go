// Package domain contains credit batch persistence models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Source identifies how a credit batch was allocated.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourcePurchase     Source = "purchase"
	SourcePromotion    Source = "promotion"
	SourceBonus        Source = "bonus"
	SourceRollover     Source = "rollover"
	SourceCompensation Source = "compensation"
)

// Valid reports whether s is a known allocation source.
func (s Source) Valid() bool {
	switch s {
	case SourceSubscription, SourcePurchase, SourcePromotion, SourceBonus, SourceRollover, SourceCompensation:
		return true
	}
	return false
}

// CreditType is the consumable dimension a batch covers.
type CreditType string

const (
	CreditAITokens CreditType = "ai_tokens"
	CreditAPICalls CreditType = "api_calls"
	CreditEmails   CreditType = "emails"
	CreditExports  CreditType = "exports"
)

// CreditBatch is one allocation of consumable units. UsedCredits only ever
// grows and never passes AvailableCredits; an inactive batch is permanently
// excluded from balance and consumption.
type CreditBatch struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	UserID           string       `gorm:"type:text;not null;index:idx_credit_batches_user_type,priority:1"`
	CreditType       CreditType   `gorm:"type:text;not null;index:idx_credit_batches_user_type,priority:2"`
	AvailableCredits int64        `gorm:"not null"`
	UsedCredits      int64        `gorm:"not null;default:0"`
	Source           Source       `gorm:"type:text;not null;uniqueIndex:ux_credit_batches_source_ref,priority:1"`
	// SourceReference is NULL unless the allocation must be idempotent
	// (subscription events, rollover of a specific batch). NULLs do not
	// collide in the unique index on any supported dialect.
	SourceReference *string `gorm:"type:text;uniqueIndex:ux_credit_batches_source_ref,priority:2"`
	ExpiresAt        *time.Time   `gorm:"index"`
	CanRollover      bool         `gorm:"not null;default:false"`
	IsActive         bool         `gorm:"not null;default:true"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBatch) TableName() string { return "credit_batches" }

// Remaining returns the unconsumed units in the batch.
func (b *CreditBatch) Remaining() int64 {
	return b.AvailableCredits - b.UsedCredits
}

// Expired reports whether the batch expiry has passed at now. Batches
// without an expiry never expire.
func (b *CreditBatch) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}

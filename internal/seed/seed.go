// Package seed holds the default metering rule sets per subscription tier.
package seed

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metergate/internal/period"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
)

type tierDefaults struct {
	apiCalls     int64
	aiTokens     int64
	storageBytes int64
	emails       int64
}

var defaults = map[ruledomain.TierLevel]tierDefaults{
	ruledomain.TierFree:       {apiCalls: 1_000, aiTokens: 50_000, storageBytes: 1 << 30, emails: 100},
	ruledomain.TierPro:        {apiCalls: 50_000, aiTokens: 2_000_000, storageBytes: 50 << 30, emails: 5_000},
	ruledomain.TierTeam:       {apiCalls: 250_000, aiTokens: 10_000_000, storageBytes: 250 << 30, emails: 25_000},
	ruledomain.TierEnterprise: {apiCalls: 2_000_000, aiTokens: 100_000_000, storageBytes: 1 << 40, emails: 250_000},
	ruledomain.TierLifetime:   {apiCalls: 100_000, aiTokens: 5_000_000, storageBytes: 100 << 30, emails: 10_000},
}

// SubscriptionCredits returns the credit grant issued on subscription
// create/renew for a tier.
func SubscriptionCredits(tier ruledomain.TierLevel) int64 {
	d, ok := defaults[tier]
	if !ok {
		return 0
	}
	return d.aiTokens / 10
}

// RulesForTier returns the default rule templates for a tier. IDs and
// timestamps are filled in by the catalog on insert.
func RulesForTier(tier ruledomain.TierLevel) []ruledomain.Rule {
	d, ok := defaults[tier]
	if !ok {
		return nil
	}

	limitType := ruledomain.LimitSoft
	if tier == ruledomain.TierFree {
		limitType = ruledomain.LimitHard
	}

	return []ruledomain.Rule{
		{
			MetricType:              ruledomain.MetricAPICalls,
			TierLevel:               tier,
			LimitType:               limitType,
			LimitValue:              d.apiCalls,
			LimitPeriod:             period.UnitMonth,
			WarningThresholdPercent: 80,
			OverageAllowed:          tier != ruledomain.TierFree,
			OveragePricePerUnit:     decimal.NewFromFloat(0.001),
			Priority:                10,
			Active:                  true,
		},
		{
			MetricType:              ruledomain.MetricAITokens,
			TierLevel:               tier,
			LimitType:               limitType,
			LimitValue:              d.aiTokens,
			LimitPeriod:             period.UnitMonth,
			IncludedCredits:         d.aiTokens / 10,
			CreditRefreshPeriod:     period.UnitMonth,
			RolloverAllowed:         tier != ruledomain.TierFree,
			MaxRollover:             d.aiTokens / 20,
			WarningThresholdPercent: 80,
			OverageAllowed:          tier != ruledomain.TierFree,
			OveragePricePerUnit:     decimal.NewFromFloat(0.00001),
			Priority:                10,
			Active:                  true,
		},
		{
			// Storage is counted in bytes against a lifetime window.
			MetricType:              ruledomain.MetricStorageBytes,
			TierLevel:               tier,
			LimitType:               ruledomain.LimitHard,
			LimitValue:              d.storageBytes,
			LimitPeriod:             period.UnitLifetime,
			WarningThresholdPercent: 90,
			Priority:                10,
			Active:                  true,
		},
		{
			MetricType:              ruledomain.MetricEmails,
			TierLevel:               tier,
			LimitType:               ruledomain.LimitSoft,
			LimitValue:              d.emails,
			LimitPeriod:             period.UnitDay,
			GracePeriod:             d.emails / 10,
			WarningThresholdPercent: 80,
			Priority:                10,
			Active:                  true,
		},
	}
}

package cache

import (
	"strings"
	"time"

	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
)

const defaultRuleTTL = time.Minute

// RuleCache stores candidate rule sets for the metering hot path. Entries
// are keyed by tier and metric; feature and effective-window filtering
// still happens per request.
type RuleCache interface {
	Get(tier ruledomain.TierLevel, metric ruledomain.MetricType) ([]*ruledomain.Rule, bool)
	Set(tier ruledomain.TierLevel, metric ruledomain.MetricType, rules []*ruledomain.Rule)
	Invalidate()
}

type ruleCache struct {
	rules Cache[string, []*ruledomain.Rule]
	ttl   time.Duration
}

// NewRuleCache returns an in-memory cache tuned for rule selection.
func NewRuleCache() RuleCache {
	return &ruleCache{
		rules: NewTTLCache[string, []*ruledomain.Rule](),
		ttl:   defaultRuleTTL,
	}
}

func (c *ruleCache) Get(tier ruledomain.TierLevel, metric ruledomain.MetricType) ([]*ruledomain.Rule, bool) {
	return c.rules.Get(ruleKey(tier, metric))
}

func (c *ruleCache) Set(tier ruledomain.TierLevel, metric ruledomain.MetricType, rules []*ruledomain.Rule) {
	c.rules.Set(ruleKey(tier, metric), rules, c.ttl)
}

func (c *ruleCache) Invalidate() {
	c.rules.Purge()
}

func ruleKey(tier ruledomain.TierLevel, metric ruledomain.MetricType) string {
	return strings.Join([]string{string(tier), string(metric)}, "|")
}

package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/cache"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"github.com/smallbiznis/metergate/internal/seed"
	"github.com/smallbiznis/metergate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	RuleCache cache.RuleCache `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	rulerepo  repository.Repository[ruledomain.Rule]
	ruleCache cache.RuleCache
}

func NewService(p ServiceParam) ruledomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("rule.service"),

		genID:     p.GenID,
		rulerepo:  repository.ProvideStore[ruledomain.Rule](p.DB),
		ruleCache: p.RuleCache,
	}
}

// Select returns the highest-priority active rule matching tier, metric and
// feature inside its effective window. No match means the metric is
// ungoverned and the caller treats the request as unrestricted.
func (s *Service) Select(
	ctx context.Context,
	tier ruledomain.TierLevel,
	metric ruledomain.MetricType,
	feature string,
	now time.Time,
) (*ruledomain.Rule, error) {

	candidates, err := s.candidates(ctx, tier, metric)
	if err != nil {
		return nil, err
	}

	feature = strings.TrimSpace(feature)
	matched := make([]*ruledomain.Rule, 0, len(candidates))
	for _, rule := range candidates {
		if !rule.Active {
			continue
		}
		if !rule.AppliesToFeature(feature) {
			continue
		}
		if !rule.EffectiveAt(now) {
			continue
		}
		matched = append(matched, rule)
	}
	if len(matched) == 0 {
		return nil, nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})
	return matched[0], nil
}

func (s *Service) candidates(ctx context.Context, tier ruledomain.TierLevel, metric ruledomain.MetricType) ([]*ruledomain.Rule, error) {
	if s.ruleCache != nil {
		if cached, ok := s.ruleCache.Get(tier, metric); ok {
			return cached, nil
		}
	}

	rules, err := s.rulerepo.Find(ctx, &ruledomain.Rule{
		MetricType: metric,
		TierLevel:  tier,
		Active:     true,
	})
	if err != nil {
		return nil, err
	}

	if s.ruleCache != nil {
		s.ruleCache.Set(tier, metric, rules)
	}
	return rules, nil
}

func (s *Service) Create(ctx context.Context, req ruledomain.CreateRuleRequest) (*ruledomain.Rule, error) {
	rule := req.Rule
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rule.ID = s.genID.Generate()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.rulerepo.Create(ctx, &rule); err != nil {
		return nil, err
	}
	s.invalidate()
	return &rule, nil
}

func (s *Service) List(ctx context.Context, req ruledomain.ListRulesRequest) ([]*ruledomain.Rule, error) {
	filter := &ruledomain.Rule{}
	if req.MetricType != "" {
		if !req.MetricType.Valid() {
			return nil, ruledomain.ErrInvalidMetricType
		}
		filter.MetricType = req.MetricType
	}
	if req.TierLevel != "" {
		if !req.TierLevel.Valid() {
			return nil, ruledomain.ErrInvalidTier
		}
		filter.TierLevel = req.TierLevel
	}
	return s.rulerepo.Find(ctx, filter)
}

// SeedForTier installs the default rule set for a tier, skipping metrics
// that already have a rule configured. Returns the number inserted.
func (s *Service) SeedForTier(ctx context.Context, tier ruledomain.TierLevel) (int, error) {
	if !tier.Valid() {
		return 0, ruledomain.ErrInvalidTier
	}

	inserted := 0
	templates := seed.RulesForTier(tier)
	for _, template := range templates {
		count, err := s.rulerepo.Count(ctx, &ruledomain.Rule{
			MetricType: template.MetricType,
			TierLevel:  tier,
		})
		if err != nil {
			return inserted, err
		}
		if count > 0 {
			continue
		}

		rule := template
		now := time.Now().UTC()
		rule.ID = s.genID.Generate()
		rule.CreatedAt = now
		rule.UpdatedAt = now
		if err := rule.Validate(); err != nil {
			return inserted, err
		}
		if err := s.rulerepo.Create(ctx, &rule); err != nil {
			return inserted, err
		}
		inserted++
	}

	s.invalidate()
	s.log.Info("seeded tier rules",
		zap.String("tier", string(tier)),
		zap.Int("inserted", inserted),
	)
	return inserted, nil
}

// Clear removes every configured rule. Test and ops tooling only.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&ruledomain.Rule{}).Error; err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *Service) invalidate() {
	if s.ruleCache != nil {
		s.ruleCache.Invalidate()
	}
}

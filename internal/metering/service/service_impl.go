package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metergate/internal/clock"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	meteringdomain "github.com/smallbiznis/metergate/internal/metering/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// creditTypeFor maps a metered dimension to its ledger credit type. Metrics
// with no entry have no credit fallback.
var creditTypeFor = map[ruledomain.MetricType]creditdomain.CreditType{
	ruledomain.MetricAITokens: creditdomain.CreditAITokens,
	ruledomain.MetricAPICalls: creditdomain.CreditAPICalls,
	ruledomain.MetricEmails:   creditdomain.CreditEmails,
	ruledomain.MetricExports:  creditdomain.CreditExports,
}

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Rules   ruledomain.Service
	Tracker trackerdomain.Service
	Credits creditdomain.Service
	Events  eventdomain.Service
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	clock   clock.Clock
	rules   ruledomain.Service
	tracker trackerdomain.Service
	credits creditdomain.Service
	events  eventdomain.Service
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) meteringdomain.Service {
	return &Service{
		log:     p.Log.Named("metering.service"),
		clock:   p.Clock,
		rules:   p.Rules,
		tracker: p.Tracker,
		credits: p.Credits,
		events:  p.Events,
		metrics: p.Metrics,
	}
}

// CheckAndConsume admits or denies one usage attempt. A denial is a normal
// Decision value; the error return is reserved for storage failures on the
// read or commit path.
func (s *Service) CheckAndConsume(ctx context.Context, req meteringdomain.CheckRequest) (meteringdomain.Decision, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return meteringdomain.Decision{}, meteringdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return meteringdomain.Decision{}, meteringdomain.ErrInvalidAmount
	}
	if !req.Metric.Valid() {
		return meteringdomain.Decision{}, meteringdomain.ErrInvalidMetric
	}
	if !req.Tier.Valid() {
		return meteringdomain.Decision{}, meteringdomain.ErrInvalidTier
	}

	now := s.clock.Now()

	rule, err := s.rules.Select(ctx, req.Tier, req.Metric, req.Feature, now)
	if err != nil {
		return meteringdomain.Decision{}, err
	}
	if rule == nil {
		// No rule means unrestricted: fail open and leave counters alone.
		s.log.Warn("no metering rule matched, admitting unrestricted",
			zap.String("user_id", req.UserID),
			zap.String("tier", string(req.Tier)),
			zap.String("metric_type", string(req.Metric)),
		)
		decision := meteringdomain.Decision{
			Allowed: true,
			Outcome: eventdomain.OutcomeAllowed,
			Reason:  "no rule configured",
			Metric:  req.Metric,
			Amount:  req.Amount,
			Status:  trackerdomain.StatusNormal,
		}
		s.record(ctx, req, decision)
		return decision, nil
	}

	snapshot, err := s.tracker.Peek(ctx, req.UserID, rule, now)
	if err != nil {
		return meteringdomain.Decision{}, err
	}
	projected := snapshot.Consumed + req.Amount

	mode, canConsume := s.pickMode(rule, projected)
	if canConsume {
		result, err := s.tracker.TryConsume(ctx, trackerdomain.ConsumeRequest{
			UserID: req.UserID,
			Rule:   rule,
			Amount: req.Amount,
			Mode:   mode,
			Now:    now,
		})
		if err != nil {
			return meteringdomain.Decision{}, err
		}
		if result.Admitted {
			decision := s.admittedDecision(req, rule, mode, result)
			s.record(ctx, req, decision)
			return decision, nil
		}
		// Lost a race: a concurrent caller consumed the headroom between
		// the peek and the guarded write. Re-read and fall through to the
		// denial path.
		snapshot, err = s.tracker.Peek(ctx, req.UserID, rule, now)
		if err != nil {
			return meteringdomain.Decision{}, err
		}
	}

	decision, err := s.denyOrFallback(ctx, req, rule, snapshot)
	if err != nil {
		return meteringdomain.Decision{}, err
	}
	s.record(ctx, req, decision)
	return decision, nil
}

// pickMode chooses the tracker admission mode for the projected total, or
// reports that no mode can admit it.
func (s *Service) pickMode(rule *ruledomain.Rule, projected int64) (trackerdomain.Mode, bool) {
	if projected <= rule.LimitValue {
		return trackerdomain.ModeWithin, true
	}
	if rule.LimitType == ruledomain.LimitSoft {
		if rule.OverageAllowed {
			return trackerdomain.ModeOverage, true
		}
		if rule.GracePeriod > 0 && projected <= rule.LimitValue+rule.GracePeriod {
			return trackerdomain.ModeGrace, true
		}
	}
	return "", false
}

func (s *Service) admittedDecision(
	req meteringdomain.CheckRequest,
	rule *ruledomain.Rule,
	mode trackerdomain.Mode,
	result trackerdomain.ConsumeResult,
) meteringdomain.Decision {

	ruleID := rule.ID
	decision := meteringdomain.Decision{
		Allowed:    true,
		Outcome:    eventdomain.OutcomeAllowed,
		Metric:     req.Metric,
		Amount:     req.Amount,
		Consumed:   result.Consumed,
		Limit:      rule.LimitValue,
		Remaining:  remaining(rule.LimitValue, result.Consumed),
		Status:     result.Status,
		ShouldWarn: result.ShouldWarn,
		PeriodEnd:  &result.PeriodEnd,
		RuleID:     &ruleID,
	}

	switch mode {
	case trackerdomain.ModeOverage:
		if over := result.Consumed - rule.LimitValue; over > 0 {
			decision.Outcome = eventdomain.OutcomeAllowedOverage
			decision.Billable = true
			decision.ShouldWarn = true
			decision.OverageCost = rule.OveragePricePerUnit.Mul(decimal.NewFromInt(over))
			decision.Reason = fmt.Sprintf("%s over limit, billed at overage rate", req.Metric)
		}
	case trackerdomain.ModeGrace:
		if result.Consumed > rule.LimitValue {
			decision.Outcome = eventdomain.OutcomeAllowedGrace
			decision.Reason = fmt.Sprintf("%s within grace allowance", req.Metric)
		}
	}
	return decision
}

// denyOrFallback builds the denial decision, overriding to an admission when
// the user's credit balance covers the request. Credits are consumed in
// place of the tracker: the counter does not advance.
func (s *Service) denyOrFallback(
	ctx context.Context,
	req meteringdomain.CheckRequest,
	rule *ruledomain.Rule,
	snapshot trackerdomain.Snapshot,
) (meteringdomain.Decision, error) {

	ruleID := rule.ID
	decision := meteringdomain.Decision{
		Allowed:   false,
		Outcome:   eventdomain.OutcomeDenied,
		Reason:    fmt.Sprintf("%s limit exceeded (%d/%d)", req.Metric, snapshot.Consumed, rule.LimitValue),
		Metric:    req.Metric,
		Amount:    req.Amount,
		Consumed:  snapshot.Consumed,
		Limit:     rule.LimitValue,
		Remaining: remaining(rule.LimitValue, snapshot.Consumed),
		Status:    snapshot.Status,
		PeriodEnd: &snapshot.PeriodEnd,
		RuleID:    &ruleID,
	}
	if !snapshot.Exists {
		decision.PeriodEnd = nil
	}

	creditType, ok := creditTypeFor[req.Metric]
	if !ok {
		return decision, nil
	}

	err := s.credits.Consume(ctx, creditdomain.ConsumeRequest{
		UserID:     req.UserID,
		CreditType: creditType,
		Amount:     req.Amount,
	})
	switch {
	case err == nil:
		decision.Allowed = true
		decision.Outcome = eventdomain.OutcomeAllowedCredits
		decision.Reason = "using credits"
		decision.CreditsUsed = req.Amount
		s.metrics.RecordCreditsConsumed(string(creditType), req.Amount)
		return decision, nil
	case creditdomain.IsInsufficientCredits(err):
		return decision, nil
	default:
		return meteringdomain.Decision{}, err
	}
}

func (s *Service) record(ctx context.Context, req meteringdomain.CheckRequest, decision meteringdomain.Decision) {
	s.metrics.RecordDecision(string(req.Metric), string(decision.Outcome))
	s.events.Append(ctx, &eventdomain.UsageEvent{
		UserID:      req.UserID,
		MetricType:  req.Metric,
		Feature:     req.Feature,
		Amount:      req.Amount,
		Outcome:     decision.Outcome,
		Reason:      decision.Reason,
		Billable:    decision.Billable,
		OverageCost: decision.OverageCost,
		CreditsUsed: decision.CreditsUsed,
		RuleID:      decision.RuleID,
		CreatedAt:   s.clock.Now(),
	})
}

func (s *Service) GetSummary(ctx context.Context, userID string) (meteringdomain.Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return meteringdomain.Summary{}, meteringdomain.ErrInvalidUser
	}

	now := s.clock.Now()
	rows, err := s.tracker.LiveRows(ctx, userID, now)
	if err != nil {
		return meteringdomain.Summary{}, err
	}

	summary := meteringdomain.Summary{UserID: userID}
	for _, row := range rows {
		percent := 0.0
		if row.LimitValue > 0 {
			percent = float64(row.Consumed) / float64(row.LimitValue) * 100
		}
		summary.Metrics = append(summary.Metrics, meteringdomain.MetricSummary{
			Metric:      row.MetricType,
			Consumed:    row.Consumed,
			Limit:       row.LimitValue,
			Percent:     percent,
			Status:      row.Status,
			PeriodStart: row.PeriodStart,
			PeriodEnd:   row.PeriodEnd,
		})

		switch row.Status {
		case trackerdomain.StatusWarning:
			summary.Warnings = append(summary.Warnings,
				fmt.Sprintf("%s at %.0f%% of limit", row.MetricType, percent))
		case trackerdomain.StatusGrace:
			summary.Warnings = append(summary.Warnings,
				fmt.Sprintf("%s over limit, inside grace allowance", row.MetricType))
		case trackerdomain.StatusExceeded, trackerdomain.StatusBlocked:
			summary.Warnings = append(summary.Warnings,
				fmt.Sprintf("%s limit exceeded (%d/%d)", row.MetricType, row.Consumed, row.LimitValue))
		}
	}

	balances, err := s.credits.Balances(ctx, userID)
	if err != nil {
		return meteringdomain.Summary{}, err
	}
	summary.Credits = balances
	return summary, nil
}

func (s *Service) GetCreditBalance(ctx context.Context, userID string, creditType creditdomain.CreditType) (creditdomain.Balance, error) {
	return s.credits.Balance(ctx, userID, creditType)
}

func (s *Service) ClearRulesAndTracking(ctx context.Context) error {
	if err := s.rules.Clear(ctx); err != nil {
		return err
	}
	return s.tracker.Clear(ctx)
}

func remaining(limit, consumed int64) int64 {
	if consumed >= limit {
		return 0
	}
	return limit - consumed
}

package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/period"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
	"github.com/smallbiznis/metergate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Config config.Config `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	weekStart   time.Weekday
	trackerrepo repository.Repository[trackerdomain.UsageTracker]
}

func NewService(p ServiceParam) trackerdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("tracker.service"),

		genID:       p.GenID,
		weekStart:   time.Weekday(p.Config.WeekStartDay % 7),
		trackerrepo: repository.ProvideStore[trackerdomain.UsageTracker](p.DB),
	}
}

// Peek reads current consumption for the admission decision. A missing or
// expired row counts as zero against a freshly computed window; the stale
// row is discarded on the next write, not merged.
func (s *Service) Peek(
	ctx context.Context,
	userID string,
	rule *ruledomain.Rule,
	now time.Time,
) (trackerdomain.Snapshot, error) {

	if strings.TrimSpace(userID) == "" {
		return trackerdomain.Snapshot{}, trackerdomain.ErrInvalidUser
	}
	if rule == nil {
		return trackerdomain.Snapshot{}, trackerdomain.ErrMissingRule
	}

	row, err := s.trackerrepo.FindOne(ctx, &trackerdomain.UsageTracker{
		UserID:     userID,
		MetricType: rule.MetricType,
		PeriodUnit: rule.LimitPeriod,
	})
	if err != nil {
		return trackerdomain.Snapshot{}, err
	}

	if row == nil || period.Elapsed(row.PeriodEnd, now) {
		start, end, err := period.Window(rule.LimitPeriod, now, s.weekStart)
		if err != nil {
			return trackerdomain.Snapshot{}, err
		}
		return trackerdomain.Snapshot{
			Exists:      false,
			Consumed:    0,
			PeriodStart: start,
			PeriodEnd:   end,
			Status:      trackerdomain.StatusNormal,
		}, nil
	}

	return trackerdomain.Snapshot{
		Exists:      true,
		Consumed:    row.Consumed,
		PeriodStart: row.PeriodStart,
		PeriodEnd:   row.PeriodEnd,
		Status:      row.Status,
	}, nil
}

// TryConsume is the admission write. The ceiling check and the increment
// are one guarded UPDATE inside a single transaction, so two concurrent
// callers that both peeked the pre-increment counter cannot jointly
// over-admit (the loser's guarded update matches zero rows).
func (s *Service) TryConsume(ctx context.Context, req trackerdomain.ConsumeRequest) (trackerdomain.ConsumeResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return trackerdomain.ConsumeResult{}, trackerdomain.ErrInvalidUser
	}
	if req.Rule == nil {
		return trackerdomain.ConsumeResult{}, trackerdomain.ErrMissingRule
	}
	if req.Amount <= 0 {
		return trackerdomain.ConsumeResult{}, trackerdomain.ErrInvalidAmount
	}

	now := req.Now.UTC()
	rule := req.Rule

	ceiling := int64(0)
	capped := false
	switch req.Mode {
	case trackerdomain.ModeWithin:
		ceiling, capped = rule.LimitValue, true
	case trackerdomain.ModeGrace:
		ceiling, capped = rule.LimitValue+rule.GracePeriod, true
	case trackerdomain.ModeOverage:
	default:
		ceiling, capped = rule.LimitValue, true
	}

	var result trackerdomain.ConsumeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.replaceStaleRow(ctx, tx, req.UserID, rule, now); err != nil {
			return err
		}

		admitted, err := s.guardedIncrement(ctx, tx, req, ceiling, capped, now)
		if err != nil {
			return err
		}
		if !admitted {
			snapshot, err := s.readRow(ctx, tx, req.UserID, rule)
			if err != nil {
				return err
			}
			result = trackerdomain.ConsumeResult{
				Admitted:    false,
				Consumed:    snapshot.Consumed,
				Status:      snapshot.Status,
				PeriodStart: snapshot.PeriodStart,
				PeriodEnd:   snapshot.PeriodEnd,
			}
			return nil
		}

		row, err := s.readRow(ctx, tx, req.UserID, rule)
		if err != nil {
			return err
		}

		status, warned := nextStatus(row.Consumed, rule, req.Mode)
		if err := s.applyStatus(ctx, tx, row, status, warned, now); err != nil {
			return err
		}

		result = trackerdomain.ConsumeResult{
			Admitted:    true,
			Consumed:    row.Consumed,
			Status:      status,
			ShouldWarn:  warned || status == trackerdomain.StatusExceeded || status == trackerdomain.StatusGrace,
			PeriodStart: row.PeriodStart,
			PeriodEnd:   row.PeriodEnd,
		}
		return nil
	})
	if err != nil {
		return trackerdomain.ConsumeResult{}, err
	}
	return result, nil
}

// replaceStaleRow deletes an expired row and lazily inserts a fresh one for
// the current window. The insert races are settled by the unique key.
func (s *Service) replaceStaleRow(ctx context.Context, tx *gorm.DB, userID string, rule *ruledomain.Rule, now time.Time) error {
	if err := tx.WithContext(ctx).
		Where("user_id = ? AND metric_type = ? AND period_unit = ? AND period_end <= ?",
			userID, rule.MetricType, rule.LimitPeriod, now).
		Delete(&trackerdomain.UsageTracker{}).Error; err != nil {
		return err
	}

	start, end, err := period.Window(rule.LimitPeriod, now, s.weekStart)
	if err != nil {
		return err
	}

	row := &trackerdomain.UsageTracker{
		ID:            s.genID.Generate(),
		UserID:        userID,
		MetricType:    rule.MetricType,
		PeriodUnit:    rule.LimitPeriod,
		PeriodStart:   start,
		PeriodEnd:     end,
		Consumed:      0,
		LimitValue:    rule.LimitValue,
		Status:        trackerdomain.StatusNormal,
		AppliedRuleID: rule.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"}, {Name: "metric_type"}, {Name: "period_unit"},
		},
		DoNothing: true,
	}).Create(row).Error
}

func (s *Service) guardedIncrement(
	ctx context.Context,
	tx *gorm.DB,
	req trackerdomain.ConsumeRequest,
	ceiling int64,
	capped bool,
	now time.Time,
) (bool, error) {

	query := `UPDATE usage_trackers
		 SET consumed = consumed + ?, updated_at = ?
		 WHERE user_id = ? AND metric_type = ? AND period_unit = ? AND period_end > ?`
	args := []any{req.Amount, now, req.UserID, req.Rule.MetricType, req.Rule.LimitPeriod, now}
	if capped {
		query += ` AND consumed + ? <= ?`
		args = append(args, req.Amount, ceiling)
	}

	result := tx.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) readRow(ctx context.Context, tx *gorm.DB, userID string, rule *ruledomain.Rule) (*trackerdomain.UsageTracker, error) {
	row, err := s.trackerrepo.WithTrx(tx).FindOne(ctx, &trackerdomain.UsageTracker{
		UserID:     userID,
		MetricType: rule.MetricType,
		PeriodUnit: rule.LimitPeriod,
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (s *Service) applyStatus(ctx context.Context, tx *gorm.DB, row *trackerdomain.UsageTracker, status trackerdomain.Status, warned bool, now time.Time) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	if warned {
		updates["warning_count"] = gorm.Expr("warning_count + 1")
		updates["last_warning_at"] = now
	}
	return tx.WithContext(ctx).
		Model(&trackerdomain.UsageTracker{}).
		Where("id = ?", row.ID).
		Updates(updates).Error
}

// nextStatus applies the transition rule for an accepted consumption.
// Threshold comparison is inclusive and computed on float64.
func nextStatus(consumed int64, rule *ruledomain.Rule, mode trackerdomain.Mode) (trackerdomain.Status, bool) {
	if consumed >= rule.LimitValue {
		switch {
		case rule.LimitType == ruledomain.LimitHard:
			return trackerdomain.StatusBlocked, false
		case mode == trackerdomain.ModeGrace && consumed > rule.LimitValue:
			return trackerdomain.StatusGrace, false
		default:
			return trackerdomain.StatusExceeded, false
		}
	}

	if rule.WarningThresholdPercent > 0 {
		percent := float64(consumed) / float64(rule.LimitValue) * 100
		if percent >= rule.WarningThresholdPercent {
			return trackerdomain.StatusWarning, true
		}
	}
	return trackerdomain.StatusNormal, false
}

// LiveRows returns the non-expired trackers for a user.
func (s *Service) LiveRows(ctx context.Context, userID string, now time.Time) ([]*trackerdomain.UsageTracker, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, trackerdomain.ErrInvalidUser
	}
	var rows []*trackerdomain.UsageTracker
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND period_end > ?", userID, now.UTC()).
		Order("metric_type ASC").
		Find(&rows).Error
	return rows, err
}

// CleanupExpired deletes trackers whose window has elapsed. Reset is
// implicit on next use; this sweep just keeps the table small.
func (s *Service) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("period_end <= ?", now.UTC()).
		Delete(&trackerdomain.UsageTracker{})
	return result.RowsAffected, result.Error
}

// Clear removes all tracking state. Test and ops tooling only.
func (s *Service) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&trackerdomain.UsageTracker{}).Error
}

package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"github.com/smallbiznis/metergate/pkg/db/option"
	"github.com/smallbiznis/metergate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p ServiceParam) eventdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("event.service"),
		genID: p.GenID,
	}
}

// Append inserts the event best-effort. A write failure is logged but never
// surfaces, so a degraded audit log cannot fail an admission call.
func (s *Service) Append(ctx context.Context, event *eventdomain.UsageEvent) {
	if event == nil || strings.TrimSpace(event.UserID) == "" {
		return
	}
	if event.ID == 0 {
		event.ID = s.genID.Generate()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		s.log.Warn("failed to append usage event",
			zap.String("user_id", event.UserID),
			zap.String("metric_type", string(event.MetricType)),
			zap.String("outcome", string(event.Outcome)),
			zap.Error(err),
		)
	}
}

func (s *Service) List(ctx context.Context, filter eventdomain.ListFilter) ([]*eventdomain.UsageEvent, *pagination.PageInfo, error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, nil, eventdomain.ErrInvalidUser
	}

	query := s.db.WithContext(ctx).
		Model(&eventdomain.UsageEvent{}).
		Where("user_id = ?", filter.UserID)
	if filter.MetricType != "" {
		query = query.Where("metric_type = ?", filter.MetricType)
	}
	if filter.Billable != nil {
		query = query.Where("billable = ?", *filter.Billable)
	}

	opts := []option.QueryOption{
		option.WithTimeRange("created_at", filter.From, filter.To),
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true}),
		option.ApplyPagination(filter.Pagination),
	}
	for _, opt := range opts {
		query = opt.Apply(query)
	}

	var events []*eventdomain.UsageEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, nil, err
	}

	size := filter.Pagination.PageSize
	if size <= 0 {
		size = 10
	}
	pageInfo := pagination.BuildCursorPageInfo(events, size, func(event *eventdomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        event.ID.String(),
			CreatedAt: event.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(events) > size {
		events = events[:size]
	}
	return events, pageInfo, nil
}

// CountBillable totals billable events inside [from, to), used for overage
// reporting at the end of a billing period.
func (s *Service) CountBillable(ctx context.Context, userID string, metric ruledomain.MetricType, from, to time.Time) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, eventdomain.ErrInvalidUser
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&eventdomain.UsageEvent{}).
		Where("user_id = ? AND metric_type = ? AND billable = ?", userID, metric, true).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Count(&count).Error
	return count, err
}

package domain

import (
	"context"
	"errors"
	"time"

	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"github.com/smallbiznis/metergate/pkg/db/pagination"
)

// ListFilter narrows the event log query. Zero-value fields are ignored.
type ListFilter struct {
	UserID     string
	MetricType ruledomain.MetricType
	Billable   *bool
	From       *time.Time
	To         *time.Time
	Pagination pagination.Pagination
}

type Service interface {
	// Append records an admission decision. Failures are logged and
	// swallowed so the audit trail never blocks the hot path.
	Append(ctx context.Context, event *UsageEvent)
	List(ctx context.Context, filter ListFilter) ([]*UsageEvent, *pagination.PageInfo, error)
	CountBillable(ctx context.Context, userID string, metric ruledomain.MetricType, from, to time.Time) (int64, error)
}

var ErrInvalidUser = errors.New("invalid_user")

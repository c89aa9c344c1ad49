package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobCreditExpireSweep = "credit_expire_sweep"
	JobTrackerCleanup    = "tracker_cleanup"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Credits creditdomain.Service
	Tracker trackerdomain.Service

	Config  config.Config
	Metrics *metrics.Metrics       `optional:"true"`
	Limiter *ratelimit.CheckLimiter `optional:"true"`
}

// Scheduler runs the periodic maintenance sweeps: expiring credit batches
// and deleting elapsed usage counters.
type Scheduler struct {
	log     *zap.Logger
	clock   clock.Clock
	credits creditdomain.Service
	tracker trackerdomain.Service
	metrics *metrics.Metrics
	limiter *ratelimit.CheckLimiter

	jobTimeout time.Duration
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Credits == nil || p.Tracker == nil {
		return nil, ErrInvalidConfig
	}
	timeout := p.Config.Scheduler.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:      p.Clock,
		credits:    p.Credits,
		tracker:    p.Tracker,
		metrics:    p.Metrics,
		limiter:    p.Limiter,
		jobTimeout: timeout,
	}, nil
}

// RunOnce executes every job. Job failures are joined, not short-circuited,
// so one failing sweep never starves the other.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobCreditExpireSweep, s.CreditExpireSweepJob},
		{JobTrackerCleanup, s.TrackerCleanupJob},
	}

	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(context.Context) error) error {
	token, acquired, lockErr := s.tryLock(parent, name)
	if lockErr != nil {
		s.log.Warn("job lock unavailable, skipping",
			zap.String("job", name),
			zap.Error(lockErr),
		)
		return nil
	}
	if !acquired {
		// Another replica holds the sweep.
		return nil
	}
	defer s.releaseLock(parent, name, token)

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	err := fn(ctx)
	s.metrics.RecordJob(name, time.Since(start), err)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.jobTimeout),
			zap.Error(err),
		)
		return nil
	}

	s.log.Error("job failed", zap.String("job", name), zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) CreditExpireSweepJob(ctx context.Context) error {
	result, err := s.credits.ExpireSweep(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if result.Expired > 0 {
		s.log.Info("credit batches swept",
			zap.Int("expired", result.Expired),
			zap.Int("rolled_over", result.RolledOver),
			zap.Int64("forfeited", result.Forfeited),
		)
	}
	return nil
}

func (s *Scheduler) TrackerCleanupJob(ctx context.Context) error {
	removed, err := s.tracker.CleanupExpired(ctx, s.clock.Now())
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("elapsed usage trackers removed", zap.Int64("removed", removed))
	}
	return nil
}

func (s *Scheduler) tryLock(ctx context.Context, job string) (string, bool, error) {
	if !s.limiter.Enabled() {
		return "", true, nil
	}
	return s.limiter.TryLockJob(ctx, job)
}

func (s *Scheduler) releaseLock(ctx context.Context, job, token string) {
	if !s.limiter.Enabled() || token == "" {
		return
	}
	if err := s.limiter.ReleaseJob(ctx, job, token); err != nil {
		s.log.Warn("failed to release job lock",
			zap.String("job", job),
			zap.Error(err),
		)
	}
}

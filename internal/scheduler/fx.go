package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/metergate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(start),
)

// start wires the sweep cadence into the application lifecycle. The cron
// runner owns its own goroutines; OnStop waits for in-flight jobs.
func start(lc fx.Lifecycle, s *Scheduler, cfg config.Config, log *zap.Logger) error {
	if !cfg.Scheduler.Enabled {
		return nil
	}

	runner := cron.New()
	_, err := runner.AddFunc(cfg.Scheduler.CronSpec, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			log.Error("scheduled sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("scheduler started", zap.String("cron", cfg.Scheduler.CronSpec))
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopped := runner.Stop()
			select {
			case <-stopped.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}

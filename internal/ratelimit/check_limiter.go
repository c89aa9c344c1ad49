package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/config"
)

const (
	keyCheckUser = "metering:check:user:%s"
	keySweepLock = "metering:sweep:lock:%s"
)

// CheckLimiter throttles per-user admission checks and hands out the
// single-flight lock for scheduler sweeps. Disabled configuration yields a
// nil limiter; every method on a nil limiter fails open.
type CheckLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewCheckLimiter(cfg config.Config) (*CheckLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.CheckRate <= 0 || limitCfg.CheckBurst <= 0 {
		return nil, errors.New("check rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &CheckLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		locker:  NewLocker(client),
		rate:    limitCfg.CheckRate,
		burst:   limitCfg.CheckBurst,
		lockTTL: cfg.Scheduler.LockTTL,
	}, nil
}

func (l *CheckLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *CheckLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyCheckUser, strings.TrimSpace(userID)), l.rate, l.burst)
}

// TryLockJob acquires the cross-replica lock for a named sweep job.
func (l *CheckLimiter) TryLockJob(ctx context.Context, job string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keySweepLock, strings.TrimSpace(job)), l.lockTTL)
}

func (l *CheckLimiter) ReleaseJob(ctx context.Context, job, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keySweepLock, strings.TrimSpace(job)), token)
}

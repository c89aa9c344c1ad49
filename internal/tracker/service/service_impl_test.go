package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/period"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupTrackerService(t *testing.T, node *snowflake.Node) (trackerdomain.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&trackerdomain.UsageTracker{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node}), db
}

func hardRule(node *snowflake.Node, limit int64) *ruledomain.Rule {
	return &ruledomain.Rule{
		ID:          node.Generate(),
		MetricType:  ruledomain.MetricAPICalls,
		TierLevel:   ruledomain.TierFree,
		LimitType:   ruledomain.LimitHard,
		LimitValue:  limit,
		LimitPeriod: period.UnitMonth,
		Active:      true,
	}
}

func TestPeekMissingRowIsZero(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupTrackerService(t, node)
	now := time.Date(2026, time.May, 20, 12, 0, 0, 0, time.UTC)

	snapshot, err := svc.Peek(context.Background(), "user-1", hardRule(node, 10), now)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if snapshot.Exists || snapshot.Consumed != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snapshot)
	}
	if !snapshot.PeriodStart.Equal(time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("period start = %v", snapshot.PeriodStart)
	}
	if !snapshot.PeriodEnd.Equal(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("period end = %v", snapshot.PeriodEnd)
	}
}

func TestHardLimitBoundary(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupTrackerService(t, node)
	ctx := context.Background()
	rule := hardRule(node, 5)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		result, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
			UserID: "user-1", Rule: rule, Amount: 1, Mode: trackerdomain.ModeWithin, Now: now,
		})
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !result.Admitted {
			t.Fatalf("consume %d not admitted", i)
		}
	}

	result, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 1, Mode: trackerdomain.ModeWithin, Now: now,
	})
	if err != nil {
		t.Fatalf("consume over limit: %v", err)
	}
	if result.Admitted {
		t.Fatal("sixth unit admitted past hard limit of 5")
	}
	if result.Consumed != 5 {
		t.Fatalf("consumed = %d, want 5", result.Consumed)
	}
}

func TestWarningThresholdInclusive(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupTrackerService(t, node)
	ctx := context.Background()
	now := time.Now().UTC()

	rule := hardRule(node, 10)
	rule.WarningThresholdPercent = 80

	result, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 7, Mode: trackerdomain.ModeWithin, Now: now,
	})
	if err != nil {
		t.Fatalf("consume 7: %v", err)
	}
	if result.Status != trackerdomain.StatusNormal {
		t.Fatalf("status at 7/10 = %s, want normal", result.Status)
	}

	result, err = svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 1, Mode: trackerdomain.ModeWithin, Now: now,
	})
	if err != nil {
		t.Fatalf("consume 8th: %v", err)
	}
	// 8/10 is exactly 80%; the comparison is inclusive.
	if result.Status != trackerdomain.StatusWarning {
		t.Fatalf("status at 8/10 = %s, want warning", result.Status)
	}
	if !result.ShouldWarn {
		t.Fatal("expected warning flag at threshold")
	}
}

func TestPeriodRolloverReplacesRow(t *testing.T) {
	node := mustNode(t)
	svc, db := setupTrackerService(t, node)
	ctx := context.Background()

	rule := hardRule(node, 10)
	rule.LimitPeriod = period.UnitDay

	day1 := time.Date(2026, time.April, 10, 9, 0, 0, 0, time.UTC)
	if _, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 9, Mode: trackerdomain.ModeWithin, Now: day1,
	}); err != nil {
		t.Fatalf("day1 consume: %v", err)
	}

	day2 := day1.AddDate(0, 0, 1)
	snapshot, err := svc.Peek(ctx, "user-1", rule, day2)
	if err != nil {
		t.Fatalf("peek day2: %v", err)
	}
	if snapshot.Exists || snapshot.Consumed != 0 {
		t.Fatalf("stale row leaked into new period: %+v", snapshot)
	}

	result, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 4, Mode: trackerdomain.ModeWithin, Now: day2,
	})
	if err != nil {
		t.Fatalf("day2 consume: %v", err)
	}
	if !result.Admitted || result.Consumed != 4 {
		t.Fatalf("fresh period consume = %+v", result)
	}
	if result.Status != trackerdomain.StatusNormal {
		t.Fatalf("fresh period status = %s", result.Status)
	}

	var count int64
	if err := db.Model(&trackerdomain.UsageTracker{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the stale row to be replaced, have %d rows", count)
	}
}

func TestGraceModeAdmitsWithinGrace(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupTrackerService(t, node)
	ctx := context.Background()
	now := time.Now().UTC()

	rule := hardRule(node, 10)
	rule.LimitType = ruledomain.LimitSoft
	rule.GracePeriod = 3

	if _, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 10, Mode: trackerdomain.ModeWithin, Now: now,
	}); err != nil {
		t.Fatalf("fill limit: %v", err)
	}

	result, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 2, Mode: trackerdomain.ModeGrace, Now: now,
	})
	if err != nil {
		t.Fatalf("grace consume: %v", err)
	}
	if !result.Admitted || result.Status != trackerdomain.StatusGrace {
		t.Fatalf("grace consume = %+v", result)
	}

	result, err = svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 2, Mode: trackerdomain.ModeGrace, Now: now,
	})
	if err != nil {
		t.Fatalf("grace overflow: %v", err)
	}
	if result.Admitted {
		t.Fatal("consumption past limit + grace admitted")
	}
}

func TestOverageModeUncapped(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupTrackerService(t, node)
	ctx := context.Background()
	now := time.Now().UTC()

	rule := hardRule(node, 100)
	rule.LimitType = ruledomain.LimitSoft
	rule.OverageAllowed = true

	result, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 130, Mode: trackerdomain.ModeOverage, Now: now,
	})
	if err != nil {
		t.Fatalf("overage consume: %v", err)
	}
	if !result.Admitted || result.Consumed != 130 {
		t.Fatalf("overage consume = %+v", result)
	}
	if result.Status != trackerdomain.StatusExceeded {
		t.Fatalf("overage status = %s", result.Status)
	}
	if !result.ShouldWarn {
		t.Fatal("overage should warn at 100%")
	}
}

func TestCleanupExpired(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupTrackerService(t, node)
	ctx := context.Background()

	rule := hardRule(node, 10)
	rule.LimitPeriod = period.UnitHour
	now := time.Date(2026, time.April, 10, 9, 30, 0, 0, time.UTC)

	if _, err := svc.TryConsume(ctx, trackerdomain.ConsumeRequest{
		UserID: "user-1", Rule: rule, Amount: 1, Mode: trackerdomain.ModeWithin, Now: now,
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	removed, err := svc.CleanupExpired(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

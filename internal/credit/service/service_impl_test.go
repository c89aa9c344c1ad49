package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
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

func setupCreditService(t *testing.T, node *snowflake.Node, caps map[creditdomain.CreditType]int64) (creditdomain.Service, *gorm.DB) {
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
	if err := db.AutoMigrate(&creditdomain.CreditBatch{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node, RolloverCaps: caps}), db
}

func TestConsumeDrainsSoonestExpiryFirst(t *testing.T) {
	node := mustNode(t)
	svc, db := setupCreditService(t, node, nil)
	ctx := context.Background()

	soon := time.Now().UTC().Add(24 * time.Hour)
	expiringID, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:     "user-1",
		CreditType: creditdomain.CreditAITokens,
		Amount:     5,
		Source:     creditdomain.SourcePromotion,
		ExpiresAt:  &soon,
	})
	if err != nil {
		t.Fatalf("allocate expiring: %v", err)
	}
	foreverID, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:     "user-1",
		CreditType: creditdomain.CreditAITokens,
		Amount:     100,
		Source:     creditdomain.SourcePurchase,
	})
	if err != nil {
		t.Fatalf("allocate non-expiring: %v", err)
	}

	if err := svc.Consume(ctx, creditdomain.ConsumeRequest{
		UserID:     "user-1",
		CreditType: creditdomain.CreditAITokens,
		Amount:     5,
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	var expiring, forever creditdomain.CreditBatch
	if err := db.First(&expiring, "id = ?", expiringID).Error; err != nil {
		t.Fatalf("load expiring: %v", err)
	}
	if err := db.First(&forever, "id = ?", foreverID).Error; err != nil {
		t.Fatalf("load non-expiring: %v", err)
	}
	if expiring.Remaining() != 0 {
		t.Fatalf("expiring batch remaining = %d, want 0", expiring.Remaining())
	}
	if forever.UsedCredits != 0 {
		t.Fatalf("non-expiring batch used = %d, want 0", forever.UsedCredits)
	}
}

func TestConsumeSpansBatches(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)
	ctx := context.Background()

	soon := time.Now().UTC().Add(time.Hour)
	later := time.Now().UTC().Add(48 * time.Hour)
	for _, alloc := range []creditdomain.AllocateRequest{
		{UserID: "user-1", CreditType: creditdomain.CreditAPICalls, Amount: 3, Source: creditdomain.SourcePromotion, ExpiresAt: &soon},
		{UserID: "user-1", CreditType: creditdomain.CreditAPICalls, Amount: 4, Source: creditdomain.SourcePurchase, ExpiresAt: &later},
	} {
		if _, err := svc.Allocate(ctx, alloc); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}

	if err := svc.Consume(ctx, creditdomain.ConsumeRequest{
		UserID:     "user-1",
		CreditType: creditdomain.CreditAPICalls,
		Amount:     5,
	}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	balance, err := svc.Balance(ctx, "user-1", creditdomain.CreditAPICalls)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 2 {
		t.Fatalf("available = %d, want 2", balance.Available)
	}
	if balance.EarliestExpiry == nil || !balance.EarliestExpiry.Equal(soon) {
		t.Fatalf("earliest expiry = %v, want %v", balance.EarliestExpiry, soon)
	}
}

func TestConsumeInsufficientLeavesBatchesUntouched(t *testing.T) {
	node := mustNode(t)
	svc, db := setupCreditService(t, node, nil)
	ctx := context.Background()

	batchID, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:     "user-1",
		CreditType: creditdomain.CreditAITokens,
		Amount:     10,
		Source:     creditdomain.SourcePurchase,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	err = svc.Consume(ctx, creditdomain.ConsumeRequest{
		UserID:     "user-1",
		CreditType: creditdomain.CreditAITokens,
		Amount:     11,
	})
	if !creditdomain.IsInsufficientCredits(err) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	var batch creditdomain.CreditBatch
	if err := db.First(&batch, "id = ?", batchID).Error; err != nil {
		t.Fatalf("load batch: %v", err)
	}
	if batch.UsedCredits != 0 {
		t.Fatalf("used = %d, want 0 after failed consume", batch.UsedCredits)
	}
}

func TestExpireSweepRolloverIsCapped(t *testing.T) {
	node := mustNode(t)
	svc, db := setupCreditService(t, node, map[creditdomain.CreditType]int64{
		creditdomain.CreditAITokens: 20,
	})
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	oldID, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:      "user-1",
		CreditType:  creditdomain.CreditAITokens,
		Amount:      100,
		Source:      creditdomain.SourcePurchase,
		ExpiresAt:   &past,
		CanRollover: true,
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := db.Model(&creditdomain.CreditBatch{}).
		Where("id = ?", oldID).
		Update("used_credits", 50).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	sweep, err := svc.ExpireSweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Expired != 1 || sweep.RolledOver != 1 {
		t.Fatalf("sweep = %+v, want 1 expired and 1 rolled over", sweep)
	}
	if sweep.Forfeited != 30 {
		t.Fatalf("forfeited = %d, want 30", sweep.Forfeited)
	}

	var old creditdomain.CreditBatch
	if err := db.First(&old, "id = ?", oldID).Error; err != nil {
		t.Fatalf("load old batch: %v", err)
	}
	if old.IsActive {
		t.Fatal("expired batch still active")
	}

	var rolled creditdomain.CreditBatch
	if err := db.First(&rolled, "source = ? AND source_reference = ?",
		creditdomain.SourceRollover, oldID.String()).Error; err != nil {
		t.Fatalf("load rollover batch: %v", err)
	}
	if rolled.AvailableCredits != 20 {
		t.Fatalf("rollover amount = %d, want 20", rolled.AvailableCredits)
	}
	if rolled.CanRollover {
		t.Fatal("rollover batch must not roll over again")
	}
	if rolled.ExpiresAt == nil {
		t.Fatal("rollover batch must expire")
	}

	balance, err := svc.Balance(ctx, "user-1", creditdomain.CreditAITokens)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 20 {
		t.Fatalf("available = %d, want 20", balance.Available)
	}
}

func TestExpireSweepForfeitsWithoutRollover(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:     "user-2",
		CreditType: creditdomain.CreditEmails,
		Amount:     40,
		Source:     creditdomain.SourcePromotion,
		ExpiresAt:  &past,
	}); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	sweep, err := svc.ExpireSweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Expired != 1 || sweep.RolledOver != 0 || sweep.Forfeited != 40 {
		t.Fatalf("sweep = %+v, want all 40 forfeited", sweep)
	}

	balance, err := svc.Balance(ctx, "user-2", creditdomain.CreditEmails)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Available != 0 {
		t.Fatalf("available = %d, want 0", balance.Available)
	}
}

func TestAllocateSubscriptionCreditsIsIdempotent(t *testing.T) {
	node := mustNode(t)
	svc, db := setupCreditService(t, node, nil)
	ctx := context.Background()

	first, err := svc.AllocateSubscriptionCredits(ctx, "user-1", "sub-42", ruledomain.TierPro)
	if err != nil {
		t.Fatalf("first allocation: %v", err)
	}
	second, err := svc.AllocateSubscriptionCredits(ctx, "user-1", "sub-42", ruledomain.TierPro)
	if err != nil {
		t.Fatalf("second allocation: %v", err)
	}
	if first != second {
		t.Fatalf("duplicate delivery created a new batch: %v != %v", first, second)
	}

	var count int64
	if err := db.Model(&creditdomain.CreditBatch{}).
		Where("user_id = ?", "user-1").
		Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("batch count = %d, want 1", count)
	}
}

func TestTransferIsAtomic(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)
	ctx := context.Background()

	if _, err := svc.Allocate(ctx, creditdomain.AllocateRequest{
		UserID:     "alice",
		CreditType: creditdomain.CreditAITokens,
		Amount:     30,
		Source:     creditdomain.SourcePurchase,
	}); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := svc.Transfer(ctx, "alice", "bob", creditdomain.CreditAITokens, 10); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	from, err := svc.Balance(ctx, "alice", creditdomain.CreditAITokens)
	if err != nil {
		t.Fatalf("balance alice: %v", err)
	}
	to, err := svc.Balance(ctx, "bob", creditdomain.CreditAITokens)
	if err != nil {
		t.Fatalf("balance bob: %v", err)
	}
	if from.Available != 20 || to.Available != 10 {
		t.Fatalf("balances = %d/%d, want 20/10", from.Available, to.Available)
	}

	err = svc.Transfer(ctx, "bob", "carol", creditdomain.CreditAITokens, 50)
	if !creditdomain.IsInsufficientCredits(err) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	carol, err := svc.Balance(ctx, "carol", creditdomain.CreditAITokens)
	if err != nil {
		t.Fatalf("balance carol: %v", err)
	}
	if carol.Available != 0 {
		t.Fatalf("failed transfer credited carol with %d", carol.Available)
	}
}

func TestBalancesGroupsByCreditType(t *testing.T) {
	node := mustNode(t)
	svc, _ := setupCreditService(t, node, nil)
	ctx := context.Background()

	for _, alloc := range []creditdomain.AllocateRequest{
		{UserID: "user-1", CreditType: creditdomain.CreditAITokens, Amount: 100, Source: creditdomain.SourcePurchase},
		{UserID: "user-1", CreditType: creditdomain.CreditAITokens, Amount: 50, Source: creditdomain.SourceBonus},
		{UserID: "user-1", CreditType: creditdomain.CreditExports, Amount: 5, Source: creditdomain.SourcePromotion},
	} {
		if _, err := svc.Allocate(ctx, alloc); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}

	balances, err := svc.Balances(ctx, "user-1")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	byType := make(map[creditdomain.CreditType]creditdomain.Balance, len(balances))
	for _, balance := range balances {
		byType[balance.CreditType] = balance
	}
	if byType[creditdomain.CreditAITokens].Available != 150 {
		t.Fatalf("ai tokens = %d, want 150", byType[creditdomain.CreditAITokens].Available)
	}
	if byType[creditdomain.CreditExports].Available != 5 {
		t.Fatalf("exports = %d, want 5", byType[creditdomain.CreditExports].Available)
	}
}

package persistence

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/persistence/models"
)

func testDB(t *testing.T) *GormCostStore {
	t.Helper()
	db, err := NewDBConnection(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	return &GormCostStore{db: db}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCostStore_RecordAndReadBack(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	if err := s.RecordSpend(ctx, "alice", "acct-1", 0.25); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSpend(ctx, "alice", "acct-1", 0.50); err != nil {
		t.Fatal(err)
	}

	for _, period := range []string{entity.PeriodHourly, entity.PeriodDaily, entity.PeriodMonthly} {
		got, err := s.PeriodSpend(ctx, "alice", period)
		if err != nil {
			t.Fatal(err)
		}
		if !approx(got, 0.75) {
			t.Fatalf("%s spend = %v, want 0.75", period, got)
		}
	}
}

func TestCostStore_SumsAcrossAccounts(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	s.RecordSpend(ctx, "alice", "acct-1", 1.0)
	s.RecordSpend(ctx, "alice", "acct-2", 2.0)
	s.RecordSpend(ctx, "bob", "acct-1", 8.0)

	got, err := s.PeriodSpend(ctx, "alice", entity.PeriodDaily)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(got, 3.0) {
		t.Fatalf("daily spend = %v, want 3.0", got)
	}
}

func TestCostStore_StaleDayContributesNothing(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	rec := models.CostRecord{
		PK: "alice", SK: "acct-1",
		DailyCost:     5.0,
		MonthlyCost:   5.0,
		HourlyBuckets: `[5,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0]`,
		BucketDate:    yesterday.Format("2006-01-02"),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		t.Fatal(err)
	}

	daily, _ := s.PeriodSpend(ctx, "alice", entity.PeriodDaily)
	if daily != 0 {
		t.Fatalf("yesterday's record should not count for daily, got %v", daily)
	}
	hourly, _ := s.PeriodSpend(ctx, "alice", entity.PeriodHourly)
	if hourly != 0 {
		t.Fatalf("yesterday's buckets should not count for hourly, got %v", hourly)
	}
}

func TestCostStore_MonthRolloverMovesToHistory(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	lastMonth := time.Now().UTC().AddDate(0, 0, -35)
	rec := models.CostRecord{
		PK: "alice", SK: "acct-1",
		DailyCost:   2.0,
		MonthlyCost: 40.0,
		BucketDate:  lastMonth.Format("2006-01-02"),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		t.Fatal(err)
	}

	if err := s.RecordSpend(ctx, "alice", "acct-1", 1.0); err != nil {
		t.Fatal(err)
	}

	// The closed month moved to history.
	var hist models.HistoryCostRecord
	if err := s.db.First(&hist, "pk = ?", "alice").Error; err != nil {
		t.Fatalf("history record should exist: %v", err)
	}
	if !approx(hist.MonthlyCost, 40.0) {
		t.Fatalf("history monthly cost = %v, want 40.0", hist.MonthlyCost)
	}

	// The live month restarted with only the new spend.
	monthly, _ := s.PeriodSpend(ctx, "alice", entity.PeriodMonthly)
	if !approx(monthly, 1.0) {
		t.Fatalf("live monthly spend = %v, want 1.0", monthly)
	}

	// Lifetime sees both.
	lifetime, err := s.LifetimeSpend(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !approx(lifetime, 41.0) {
		t.Fatalf("lifetime spend = %v, want 41.0", lifetime)
	}
}

func TestCostStore_LifetimeForUnknownUserIsZero(t *testing.T) {
	s := testDB(t)

	got, err := s.LifetimeSpend(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("unknown user lifetime = %v, want 0", got)
	}
}

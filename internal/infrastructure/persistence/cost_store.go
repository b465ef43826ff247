package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/repository"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/persistence/models"
)

// GormCostStore accumulates spend in the cost tables. Hourly spend lives in
// 24 rolling UTC-hour buckets per (user, account); month rollovers move the
// closed month into the history table.
type GormCostStore struct {
	db *gorm.DB
}

// NewGormCostStore creates the cost store.
func NewGormCostStore(db *gorm.DB) repository.CostStore {
	return &GormCostStore{db: db}
}

func dateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func monthKey(d string) string { return d[:7] }

func decodeBuckets(s string) [24]float64 {
	var b [24]float64
	if s != "" {
		_ = json.Unmarshal([]byte(s), &b)
	}
	return b
}

// RecordSpend adds cost to the daily, monthly and current-hour buckets,
// rolling the buckets and the month forward as needed.
func (s *GormCostStore) RecordSpend(ctx context.Context, userID, accountID string, cost float64) error {
	now := time.Now().UTC()
	today := dateKey(now)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.CostRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rec, "pk = ? AND sk = ?", userID, accountID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = models.CostRecord{PK: userID, SK: accountID, BucketDate: today}
		} else if err != nil {
			return fmt.Errorf("load cost record: %w", err)
		}

		buckets := decodeBuckets(rec.HourlyBuckets)
		if rec.BucketDate != today {
			if rec.BucketDate != "" && monthKey(rec.BucketDate) != monthKey(today) {
				hist := models.HistoryCostRecord{
					PK:          userID,
					SK:          monthKey(rec.BucketDate) + "#" + accountID,
					MonthlyCost: rec.MonthlyCost,
				}
				if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&hist).Error; err != nil {
					return fmt.Errorf("write history record: %w", err)
				}
				rec.MonthlyCost = 0
			}
			rec.DailyCost = 0
			buckets = [24]float64{}
			rec.BucketDate = today
		}

		buckets[now.Hour()] += cost
		rec.DailyCost += cost
		rec.MonthlyCost += cost

		encoded, _ := json.Marshal(buckets)
		rec.HourlyBuckets = string(encoded)

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("save cost record: %w", err)
		}
		return nil
	})
}

// PeriodSpend returns the user's spend for the period, summed across
// accounts. Stale records (previous day) contribute nothing to hourly or
// daily figures.
func (s *GormCostStore) PeriodSpend(ctx context.Context, userID string, period string) (float64, error) {
	if period == entity.PeriodTotal {
		return s.LifetimeSpend(ctx, userID)
	}

	var recs []models.CostRecord
	if err := s.db.WithContext(ctx).Find(&recs, "pk = ?", userID).Error; err != nil {
		return 0, fmt.Errorf("load cost records: %w", err)
	}

	now := time.Now().UTC()
	today := dateKey(now)
	var total float64
	for _, rec := range recs {
		switch period {
		case entity.PeriodHourly:
			if rec.BucketDate == today {
				total += decodeBuckets(rec.HourlyBuckets)[now.Hour()]
			}
		case entity.PeriodDaily:
			if rec.BucketDate == today {
				total += rec.DailyCost
			}
		case entity.PeriodMonthly:
			if monthKey(rec.BucketDate) == monthKey(today) {
				total += rec.MonthlyCost
			}
		}
	}
	return total, nil
}

// LifetimeSpend sums closed months from the history table plus the live
// month.
func (s *GormCostStore) LifetimeSpend(ctx context.Context, userID string) (float64, error) {
	var historical float64
	err := s.db.WithContext(ctx).Model(&models.HistoryCostRecord{}).
		Where("pk = ?", userID).
		Select("COALESCE(SUM(monthly_cost), 0)").
		Scan(&historical).Error
	if err != nil {
		return 0, fmt.Errorf("sum history costs: %w", err)
	}

	var current float64
	err = s.db.WithContext(ctx).Model(&models.CostRecord{}).
		Where("pk = ?", userID).
		Select("COALESCE(SUM(monthly_cost), 0)").
		Scan(&current).Error
	if err != nil {
		return 0, fmt.Errorf("sum current costs: %w", err)
	}
	return historical + current, nil
}

// GormUsageStore appends per-request usage line items.
type GormUsageStore struct {
	db *gorm.DB
}

// NewGormUsageStore creates the usage store.
func NewGormUsageStore(db *gorm.DB) repository.UsageStore {
	return &GormUsageStore{db: db}
}

func (s *GormUsageStore) Record(ctx context.Context, entry *entity.UsageEntry) error {
	rec := models.UsageRecord{
		UserID:       entry.UserID,
		AccountID:    entry.AccountID,
		RequestID:    entry.RequestID,
		ModelID:      entry.ModelID,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		Cost:         entry.Cost,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// GormModelRateStore serves billing rates from the model-rates table.
type GormModelRateStore struct {
	db *gorm.DB
}

// NewGormModelRateStore creates the rate store.
func NewGormModelRateStore(db *gorm.DB) repository.ModelRateStore {
	return &GormModelRateStore{db: db}
}

func (s *GormModelRateStore) Rates(ctx context.Context, modelID string) (float64, float64, error) {
	var rec models.ModelRateRecord
	err := s.db.WithContext(ctx).First(&rec, "model_id = ?", modelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load model rates: %w", err)
	}
	return rec.InputCostPer1k, rec.OutputCostPer1k, nil
}

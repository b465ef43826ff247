package repository

import (
	"context"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
)

// CostStore reads and accumulates per-user spend.
type CostStore interface {
	// PeriodSpend returns the user's spend for the period (hourly spend is
	// the current UTC-hour bucket).
	PeriodSpend(ctx context.Context, userID string, period string) (float64, error)
	// LifetimeSpend sums the user's history tables plus the current month.
	LifetimeSpend(ctx context.Context, userID string) (float64, error)
	// RecordSpend adds cost to the user's daily, monthly and hourly buckets.
	RecordSpend(ctx context.Context, userID, accountID string, cost float64) error
}

// UsageStore persists per-request usage line items.
type UsageStore interface {
	Record(ctx context.Context, entry *entity.UsageEntry) error
}

// AdminStore serves the admin configuration documents.
type AdminStore interface {
	// AdminRateLimit returns the platform-wide limit, nil when unset.
	AdminRateLimit(ctx context.Context) (*entity.Limit, error)
	// GroupRateLimits returns limits keyed by group name.
	GroupRateLimits(ctx context.Context) (map[string]entity.Limit, error)
	// UserGroups returns the group names the user belongs to.
	UserGroups(ctx context.Context, userID string) ([]string, error)
}

// AccountStore serves user account records.
type AccountStore interface {
	Accounts(ctx context.Context, userID string) ([]entity.Account, error)
}

// APIKeyStore looks up issued API keys.
type APIKeyStore interface {
	Lookup(ctx context.Context, keyID string) (*entity.APIKey, error)
}

// ModelRateStore serves per-model billing rates ($ per 1k tokens).
type ModelRateStore interface {
	Rates(ctx context.Context, modelID string) (inputPer1k, outputPer1k float64, err error)
}

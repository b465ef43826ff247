package models

import "time"

// Records follow the shared (pk, sk) item shape so the tables stay
// interoperable with the other services writing them.

// CostRecord accumulates a user's spend for the current month. Hourly
// spend is kept in 24 rolling buckets (JSON-encoded [24]float64) so the
// circuit breaker can compute cost-per-hour without scanning usage rows.
type CostRecord struct {
	PK string `gorm:"primaryKey;size:255"` // user id
	SK string `gorm:"primaryKey;size:255"` // account/COA id

	DailyCost     float64
	MonthlyCost   float64
	HourlyBuckets string `gorm:"type:text"` // JSON [24]float64, UTC hour index
	BucketDate    string `gorm:"size:10"`   // YYYY-MM-DD the buckets belong to

	UpdatedAt time.Time
}

func (CostRecord) TableName() string { return "cost_calculations" }

// HistoryCostRecord is one closed month of spend, written at rollover.
type HistoryCostRecord struct {
	PK string `gorm:"primaryKey;size:255"` // user id
	SK string `gorm:"primaryKey;size:255"` // YYYY-MM#account

	MonthlyCost float64
	CreatedAt   time.Time
}

func (HistoryCostRecord) TableName() string { return "history_cost_calculations" }

// UsageRecord is one per-request usage line item.
type UsageRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UserID       string `gorm:"index;size:255"`
	AccountID    string `gorm:"size:255"`
	RequestID    string `gorm:"size:64"`
	ModelID      string `gorm:"size:128"`
	InputTokens  int
	OutputTokens int
	Cost         float64
	CreatedAt    time.Time
}

func (UsageRecord) TableName() string { return "chat_usage" }

// AdminConfigRecord stores one admin configuration document as JSON.
// Known config ids: "rateLimit", "supportedModels".
type AdminConfigRecord struct {
	ConfigID  string `gorm:"primaryKey;size:64"`
	Data      string `gorm:"type:text"` // JSON document
	UpdatedAt time.Time
}

func (AdminConfigRecord) TableName() string { return "admin_configs" }

// AccountRecord holds a user's chargeable accounts as a JSON list.
type AccountRecord struct {
	UserID    string `gorm:"primaryKey;size:255"`
	Accounts  string `gorm:"type:text"` // JSON [{id, name, rateLimit?}]
	UpdatedAt time.Time
}

func (AccountRecord) TableName() string { return "accounts" }

// APIKeyRecord is one issued API key with its own limits and scopes.
type APIKeyRecord struct {
	APIKeyID  string `gorm:"primaryKey;size:128"`
	Owner     string `gorm:"index;size:255"`
	Delegate  string `gorm:"size:255"`
	Active    bool
	RateLimit string `gorm:"type:text"` // JSON {period, rate}
	ExpiresAt *time.Time
	CreatedAt time.Time
}

func (APIKeyRecord) TableName() string { return "api_keys" }

// ModelRateRecord carries per-model billing rates in dollars per 1k tokens.
type ModelRateRecord struct {
	ModelID         string `gorm:"primaryKey;size:128"`
	InputCostPer1k  float64
	OutputCostPer1k float64
	UpdatedAt       time.Time
}

func (ModelRateRecord) TableName() string { return "model_rates" }

package entity

import "time"

// UsageEntry is one request's billable usage.
type UsageEntry struct {
	UserID       string
	AccountID    string
	RequestID    string
	ModelID      string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// APIKey is an issued key with its own limits.
type APIKey struct {
	ID        string
	Owner     string
	Delegate  string
	Active    bool
	RateLimit *Limit
	ExpiresAt *time.Time
}

// Expired reports whether the key is past its expiry.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Account is one chargeable account a user may bill requests to.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	RateLimit *Limit `json:"rateLimit,omitempty"`
}

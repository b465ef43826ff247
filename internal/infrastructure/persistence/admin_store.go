package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/repository"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/persistence/models"
)

// Admin config document ids.
const (
	configRateLimit   = "rateLimit"
	configGroupLimits = "groupRateLimits"
	configUserGroups  = "userGroups"
)

// GormAdminStore reads the admin configuration documents.
type GormAdminStore struct {
	db *gorm.DB
}

// NewGormAdminStore creates the admin store.
func NewGormAdminStore(db *gorm.DB) repository.AdminStore {
	return &GormAdminStore{db: db}
}

func (s *GormAdminStore) loadConfig(ctx context.Context, configID string, out interface{}) (bool, error) {
	var rec models.AdminConfigRecord
	err := s.db.WithContext(ctx).First(&rec, "config_id = ?", configID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load admin config %s: %w", configID, err)
	}
	if err := json.Unmarshal([]byte(rec.Data), out); err != nil {
		return false, fmt.Errorf("parse admin config %s: %w", configID, err)
	}
	return true, nil
}

func (s *GormAdminStore) AdminRateLimit(ctx context.Context) (*entity.Limit, error) {
	var limit entity.Limit
	found, err := s.loadConfig(ctx, configRateLimit, &limit)
	if err != nil || !found {
		return nil, err
	}
	limit.Type = entity.LimitTypeAdmin
	return &limit, nil
}

func (s *GormAdminStore) GroupRateLimits(ctx context.Context) (map[string]entity.Limit, error) {
	limits := make(map[string]entity.Limit)
	if _, err := s.loadConfig(ctx, configGroupLimits, &limits); err != nil {
		return nil, err
	}
	for name, l := range limits {
		l.Type = entity.LimitTypeGroup
		l.GroupName = name
		limits[name] = l
	}
	return limits, nil
}

func (s *GormAdminStore) UserGroups(ctx context.Context, userID string) ([]string, error) {
	memberships := make(map[string][]string)
	if _, err := s.loadConfig(ctx, configUserGroups, &memberships); err != nil {
		return nil, err
	}
	return memberships[userID], nil
}

// GormAccountStore reads user account records.
type GormAccountStore struct {
	db *gorm.DB
}

// NewGormAccountStore creates the account store.
func NewGormAccountStore(db *gorm.DB) repository.AccountStore {
	return &GormAccountStore{db: db}
}

func (s *GormAccountStore) Accounts(ctx context.Context, userID string) ([]entity.Account, error) {
	var rec models.AccountRecord
	err := s.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	var accounts []entity.Account
	if err := json.Unmarshal([]byte(rec.Accounts), &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	return accounts, nil
}

// GormAPIKeyStore looks up issued API keys.
type GormAPIKeyStore struct {
	db *gorm.DB
}

// NewGormAPIKeyStore creates the API-key store.
func NewGormAPIKeyStore(db *gorm.DB) repository.APIKeyStore {
	return &GormAPIKeyStore{db: db}
}

func (s *GormAPIKeyStore) Lookup(ctx context.Context, keyID string) (*entity.APIKey, error) {
	var rec models.APIKeyRecord
	err := s.db.WithContext(ctx).First(&rec, "api_key_id = ?", keyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load API key: %w", err)
	}

	key := &entity.APIKey{
		ID:        rec.APIKeyID,
		Owner:     rec.Owner,
		Delegate:  rec.Delegate,
		Active:    rec.Active,
		ExpiresAt: rec.ExpiresAt,
	}
	if rec.RateLimit != "" {
		var limit entity.Limit
		if err := json.Unmarshal([]byte(rec.RateLimit), &limit); err == nil {
			key.RateLimit = &limit
		}
	}
	return key, nil
}

package persistence

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/persistence/models"
)

func testAdminDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := NewDBConnection(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func TestAdminStore_RateLimitDocument(t *testing.T) {
	db := testAdminDB(t)
	s := NewGormAdminStore(db)

	// No document: no limit, no error.
	limit, err := s.AdminRateLimit(context.Background())
	if err != nil || limit != nil {
		t.Fatalf("missing document should yield nil, got %v / %v", limit, err)
	}

	db.Create(&models.AdminConfigRecord{
		ConfigID: "rateLimit",
		Data:     `{"period": "monthly", "rate": 100.0}`,
	})

	limit, err = s.AdminRateLimit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if limit.Period != entity.PeriodMonthly || limit.Rate != 100.0 {
		t.Fatalf("unexpected limit: %+v", limit)
	}
	if limit.Type != entity.LimitTypeAdmin {
		t.Fatal("admin limits must carry the admin type")
	}
}

func TestAdminStore_GroupLimitsAndMemberships(t *testing.T) {
	db := testAdminDB(t)
	s := NewGormAdminStore(db)

	db.Create(&models.AdminConfigRecord{
		ConfigID: "groupRateLimits",
		Data:     `{"research": {"period": "daily", "rate": 10.0}}`,
	})
	db.Create(&models.AdminConfigRecord{
		ConfigID: "userGroups",
		Data:     `{"alice": ["research", "staff"]}`,
	})

	limits, err := s.GroupRateLimits(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l, ok := limits["research"]
	if !ok {
		t.Fatal("research group limit missing")
	}
	if l.Type != entity.LimitTypeGroup || l.GroupName != "research" {
		t.Fatalf("group metadata not filled: %+v", l)
	}

	groups, err := s.UserGroups(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("alice should be in 2 groups, got %v", groups)
	}
	if g, _ := s.UserGroups(context.Background(), "bob"); g != nil {
		t.Fatalf("unknown user should have no groups, got %v", g)
	}
}

func TestAccountStore_ParsesJSONList(t *testing.T) {
	db := testAdminDB(t)
	s := NewGormAccountStore(db)

	db.Create(&models.AccountRecord{
		UserID:   "alice",
		Accounts: `[{"id": "acct-1", "name": "Research"}, {"id": "acct-2", "name": "Teaching"}]`,
	})

	accounts, err := s.Accounts(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 || accounts[0].ID != "acct-1" {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
}

func TestAPIKeyStore_Lookup(t *testing.T) {
	db := testAdminDB(t)
	s := NewGormAPIKeyStore(db)

	expired := time.Now().Add(-time.Hour)
	db.Create(&models.APIKeyRecord{
		APIKeyID:  "amp-key-1",
		Owner:     "alice",
		Delegate:  "svc-bot",
		Active:    true,
		RateLimit: `{"period": "daily", "rate": 2.5}`,
		ExpiresAt: &expired,
	})

	key, err := s.Lookup(context.Background(), "amp-key-1")
	if err != nil {
		t.Fatal(err)
	}
	if key.Owner != "alice" || key.Delegate != "svc-bot" {
		t.Fatalf("identity fields wrong: %+v", key)
	}
	if key.RateLimit == nil || key.RateLimit.Rate != 2.5 {
		t.Fatalf("rate limit not parsed: %+v", key.RateLimit)
	}
	if !key.Expired(time.Now()) {
		t.Fatal("key should report expired")
	}

	missing, err := s.Lookup(context.Background(), "ghost")
	if err != nil || missing != nil {
		t.Fatalf("unknown key should yield nil, got %v / %v", missing, err)
	}
}

package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

type fakeCostStore struct {
	periodSpend   float64
	lifetimeSpend float64
	err           error
	recorded      []float64
}

func (f *fakeCostStore) PeriodSpend(_ context.Context, _, _ string) (float64, error) {
	return f.periodSpend, f.err
}

func (f *fakeCostStore) LifetimeSpend(_ context.Context, _ string) (float64, error) {
	return f.lifetimeSpend, f.err
}

func (f *fakeCostStore) RecordSpend(_ context.Context, _, _ string, cost float64) error {
	f.recorded = append(f.recorded, cost)
	return nil
}

type fakeAdminStore struct {
	admin       *entity.Limit
	groupLimits map[string]entity.Limit
	userGroups  map[string][]string
	err         error
}

func (f *fakeAdminStore) AdminRateLimit(_ context.Context) (*entity.Limit, error) {
	return f.admin, f.err
}

func (f *fakeAdminStore) GroupRateLimits(_ context.Context) (map[string]entity.Limit, error) {
	return f.groupLimits, f.err
}

func (f *fakeAdminStore) UserGroups(_ context.Context, userID string) ([]string, error) {
	return f.userGroups[userID], f.err
}

func principal(user string) *entity.Principal {
	return &entity.Principal{UserID: user}
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	costs := &fakeCostStore{periodSpend: 1.0}
	admin := &fakeAdminStore{}
	l := NewRateLimiter(costs, admin, zap.NewNop())

	userLimit := &entity.Limit{Period: entity.PeriodDaily, Rate: 5.0}
	if err := l.Check(context.Background(), principal("alice"), userLimit); err != nil {
		t.Fatalf("spend under the limit should pass: %v", err)
	}
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	costs := &fakeCostStore{periodSpend: 10.0}
	l := NewRateLimiter(costs, &fakeAdminStore{}, zap.NewNop())

	userLimit := &entity.Limit{Period: entity.PeriodDaily, Rate: 5.0}
	err := l.Check(context.Background(), principal("alice"), userLimit)
	if err == nil {
		t.Fatal("spend over the limit should be rejected")
	}
	if !apperrors.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
}

func TestRateLimiter_AdminLimitWinsOverUser(t *testing.T) {
	costs := &fakeCostStore{periodSpend: 10.0}
	admin := &fakeAdminStore{
		admin: &entity.Limit{Period: entity.PeriodMonthly, Rate: 5.0, Type: entity.LimitTypeAdmin},
	}
	l := NewRateLimiter(costs, admin, zap.NewNop())

	// The user limit would also reject, but the admin limit is evaluated
	// first and names itself in the violation.
	userLimit := &entity.Limit{Period: entity.PeriodDaily, Rate: 1.0}
	err := l.Check(context.Background(), principal("alice"), userLimit)
	if err == nil {
		t.Fatal("expected rejection")
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Details["limit_type"] != entity.LimitTypeAdmin {
		t.Fatalf("admin limit should win, got %v", appErr.Details["limit_type"])
	}
}

func TestRateLimiter_GroupLimitApplies(t *testing.T) {
	costs := &fakeCostStore{periodSpend: 3.0}
	admin := &fakeAdminStore{
		groupLimits: map[string]entity.Limit{
			"research": {Period: entity.PeriodMonthly, Rate: 2.0, Type: entity.LimitTypeGroup, GroupName: "research"},
		},
		userGroups: map[string][]string{"alice": {"research"}},
	}
	l := NewRateLimiter(costs, admin, zap.NewNop())

	err := l.Check(context.Background(), principal("alice"), nil)
	if err == nil {
		t.Fatal("group limit should reject")
	}
	if !strings.Contains(err.Error(), "group") {
		t.Fatalf("violation should name the group limit: %v", err)
	}

	// A user outside the group is unaffected.
	if err := l.Check(context.Background(), principal("bob"), nil); err != nil {
		t.Fatalf("user without the group should pass: %v", err)
	}
}

func TestRateLimiter_UnlimitedPeriodNeverRejects(t *testing.T) {
	costs := &fakeCostStore{periodSpend: 1e9}
	l := NewRateLimiter(costs, &fakeAdminStore{}, zap.NewNop())

	userLimit := &entity.Limit{Period: entity.PeriodUnlimited, Rate: 1.0}
	if err := l.Check(context.Background(), principal("alice"), userLimit); err != nil {
		t.Fatalf("unlimited period should never reject: %v", err)
	}
}

func TestRateLimiter_LookupFailureFailsOpen(t *testing.T) {
	costs := &fakeCostStore{err: errors.New("db down")}
	l := NewRateLimiter(costs, &fakeAdminStore{}, zap.NewNop())

	userLimit := &entity.Limit{Period: entity.PeriodDaily, Rate: 1.0}
	if err := l.Check(context.Background(), principal("alice"), userLimit); err != nil {
		t.Fatalf("spend lookup failure should fail open: %v", err)
	}
}

func TestRateLimiter_ProgressiveTimeout(t *testing.T) {
	costs := &fakeCostStore{periodSpend: 10.0}
	l := NewRateLimiter(costs, &fakeAdminStore{}, zap.NewNop())

	userLimit := &entity.Limit{Period: entity.PeriodDaily, Rate: 1.0}
	for i := 0; i < violationThreshold; i++ {
		if err := l.Check(context.Background(), principal("alice"), userLimit); err == nil {
			t.Fatal("expected rejection")
		}
	}

	// The threshold is reached; the next check fails before any lookup.
	err := l.Check(context.Background(), principal("alice"), nil)
	if err == nil {
		t.Fatal("expected progressive timeout")
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.Details["limit_type"] != entity.LimitTypeProgressiveTimeout {
		t.Fatalf("expected progressive timeout, got %v", appErr.Details["limit_type"])
	}

	// Other users are unaffected.
	if err := l.Check(context.Background(), principal("bob"), nil); err != nil {
		t.Fatalf("timeout is per user: %v", err)
	}
}

func TestRateLimiter_LifetimeLimit(t *testing.T) {
	costs := &fakeCostStore{lifetimeSpend: 100.0}
	l := NewRateLimiter(costs, &fakeAdminStore{}, zap.NewNop())

	userLimit := &entity.Limit{Period: entity.PeriodTotal, Rate: 50.0}
	if err := l.Check(context.Background(), principal("alice"), userLimit); err == nil {
		t.Fatal("lifetime spend over the limit should reject")
	}
}

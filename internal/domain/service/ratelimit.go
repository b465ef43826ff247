package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/entity"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/repository"
	apperrors "github.com/gaiin-platform/amplify-genai-backend-sub005/pkg/errors"
)

const (
	adminCacheTTL    = 10 * time.Minute
	groupsCacheTTL   = 5 * time.Minute
	lifetimeCacheTTL = 30 * time.Second

	violationWindow    = 60 * time.Second
	violationThreshold = 5
	firstTimeout       = 60 * time.Second
	escalatedTimeout   = 15 * time.Minute

	// violationSweepChance runs the stale-entry sweep on ~1% of checks.
	violationSweepChance = 0.01
)

type cachedLimit struct {
	limit     *entity.Limit
	fetchedAt time.Time
}

type cachedGroups struct {
	groups    []string
	fetchedAt time.Time
}

type cachedCost struct {
	cost      float64
	fetchedAt time.Time
}

type violationRecord struct {
	count           int
	lastViolationAt time.Time
	timeoutUntil    time.Time
	everTimedOut    bool
}

// RateLimiter admits requests against admin, group and user spending limits,
// in that priority order. Lookups are cached with stale fallback; repeat
// violators are put in a progressive timeout.
type RateLimiter struct {
	costs  repository.CostStore
	admin  repository.AdminStore
	logger *zap.Logger

	mu          sync.Mutex
	adminCache  cachedLimit
	adminValid  bool
	groupLimits map[string]entity.Limit
	groupsAt    time.Time
	userGroups  map[string]cachedGroups
	lifetime    map[string]cachedCost
	violations  map[string]*violationRecord
}

// NewRateLimiter creates the limiter.
func NewRateLimiter(costs repository.CostStore, admin repository.AdminStore, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		costs:       costs,
		admin:       admin,
		logger:      logger,
		userGroups:  make(map[string]cachedGroups),
		lifetime:    make(map[string]cachedCost),
		violations:  make(map[string]*violationRecord),
		groupLimits: make(map[string]entity.Limit),
	}
}

// Check admits or rejects the request. userLimit is the per-request limit
// from the chat options (nil when absent). The first exceeded limit wins,
// evaluated admin first, then groups, then user.
func (l *RateLimiter) Check(ctx context.Context, principal *entity.Principal, userLimit *entity.Limit) error {
	if rand.Float64() < violationSweepChance {
		l.sweepViolations()
	}

	if err := l.checkProgressiveTimeout(principal.UserID); err != nil {
		return err
	}

	limits := l.applicableLimits(ctx, principal, userLimit)

	// Lifetime cost is computed at most once per request and shared by all
	// "total" limits.
	var lifetimeCost *float64

	for _, limit := range limits {
		if limit.Period == entity.PeriodUnlimited || limit.Rate <= 0 {
			continue
		}

		var spent float64
		var err error
		if limit.Period == entity.PeriodTotal {
			if lifetimeCost == nil {
				c, lerr := l.lifetimeSpend(ctx, principal.UserID)
				if lerr != nil {
					l.logger.Warn("Lifetime cost lookup failed", zap.Error(lerr))
					continue
				}
				lifetimeCost = &c
			}
			spent = *lifetimeCost
		} else {
			spent, err = l.costs.PeriodSpend(ctx, principal.UserID, limit.Period)
			if err != nil {
				l.logger.Warn("Period spend lookup failed",
					zap.String("period", limit.Period),
					zap.Error(err),
				)
				continue
			}
		}

		if spent >= limit.Rate {
			l.recordViolation(principal.UserID)
			return apperrors.New(apperrors.KindRateLimited,
				fmt.Sprintf("Request limit reached. Current Spent: $%.2f spent (%s limit). Amplify Set Rate limit: $%.2f / %s",
					spent, limit.Type, limit.Rate, limit.Period)).
				WithDetails(map[string]interface{}{
					"limit_type": limit.Type,
					"period":     limit.Period,
					"spent":      spent,
					"rate":       limit.Rate,
					"group_name": limit.GroupName,
				})
		}
	}

	l.clearViolations(principal.UserID)
	return nil
}

// RecordSpend accumulates post-request cost.
func (l *RateLimiter) RecordSpend(ctx context.Context, userID, accountID string, cost float64) error {
	return l.costs.RecordSpend(ctx, userID, accountID, cost)
}

// applicableLimits assembles the ordered limit list: admin, then the user's
// groups, then the per-request user limit.
func (l *RateLimiter) applicableLimits(ctx context.Context, principal *entity.Principal, userLimit *entity.Limit) []entity.Limit {
	var limits []entity.Limit

	if admin := l.adminLimit(ctx); admin != nil {
		limits = append(limits, *admin)
	}

	groupLimits := l.groupLimitsFor(ctx, principal.UserID)
	limits = append(limits, groupLimits...)

	if userLimit != nil {
		u := *userLimit
		u.Type = entity.LimitTypeUser
		limits = append(limits, u)
	}
	return limits
}

func (l *RateLimiter) adminLimit(ctx context.Context) *entity.Limit {
	l.mu.Lock()
	if l.adminValid && time.Since(l.adminCache.fetchedAt) < adminCacheTTL {
		limit := l.adminCache.limit
		l.mu.Unlock()
		return limit
	}
	stale := l.adminCache.limit
	hasStale := l.adminValid
	l.mu.Unlock()

	limit, err := l.admin.AdminRateLimit(ctx)
	if err != nil {
		l.logger.Warn("Admin limit lookup failed, using stale value", zap.Error(err))
		if hasStale {
			return stale
		}
		return nil
	}

	l.mu.Lock()
	l.adminCache = cachedLimit{limit: limit, fetchedAt: time.Now()}
	l.adminValid = true
	l.mu.Unlock()
	return limit
}

func (l *RateLimiter) groupLimitsFor(ctx context.Context, userID string) []entity.Limit {
	groups := l.groupsOf(ctx, userID)
	if len(groups) == 0 {
		return nil
	}

	l.mu.Lock()
	table := l.groupLimits
	fresh := time.Since(l.groupsAt) < groupsCacheTTL && len(table) > 0
	l.mu.Unlock()

	if !fresh {
		loaded, err := l.admin.GroupRateLimits(ctx)
		if err != nil {
			l.logger.Warn("Group limit lookup failed, using stale table", zap.Error(err))
		} else {
			l.mu.Lock()
			l.groupLimits = loaded
			l.groupsAt = time.Now()
			table = loaded
			l.mu.Unlock()
		}
	}

	var limits []entity.Limit
	for _, g := range groups {
		if limit, ok := table[g]; ok {
			limits = append(limits, limit)
		}
	}
	return limits
}

func (l *RateLimiter) groupsOf(ctx context.Context, userID string) []string {
	l.mu.Lock()
	if c, ok := l.userGroups[userID]; ok && time.Since(c.fetchedAt) < groupsCacheTTL {
		groups := c.groups
		l.mu.Unlock()
		return groups
	}
	var stale []string
	var hasStale bool
	if c, ok := l.userGroups[userID]; ok {
		stale, hasStale = c.groups, true
	}
	l.mu.Unlock()

	groups, err := l.admin.UserGroups(ctx, userID)
	if err != nil {
		l.logger.Warn("User group lookup failed, using stale value", zap.Error(err))
		if hasStale {
			return stale
		}
		return nil
	}

	l.mu.Lock()
	l.userGroups[userID] = cachedGroups{groups: groups, fetchedAt: time.Now()}
	l.mu.Unlock()
	return groups
}

func (l *RateLimiter) lifetimeSpend(ctx context.Context, userID string) (float64, error) {
	l.mu.Lock()
	if c, ok := l.lifetime[userID]; ok && time.Since(c.fetchedAt) < lifetimeCacheTTL {
		cost := c.cost
		l.mu.Unlock()
		return cost, nil
	}
	var stale float64
	var hasStale bool
	if c, ok := l.lifetime[userID]; ok {
		stale, hasStale = c.cost, true
	}
	l.mu.Unlock()

	cost, err := l.costs.LifetimeSpend(ctx, userID)
	if err != nil {
		if hasStale {
			l.logger.Warn("Lifetime cost lookup failed, using stale value", zap.Error(err))
			return stale, nil
		}
		return 0, err
	}

	l.mu.Lock()
	l.lifetime[userID] = cachedCost{cost: cost, fetchedAt: time.Now()}
	l.mu.Unlock()
	return cost, nil
}

// --- Progressive timeout ---

func (l *RateLimiter) checkProgressiveTimeout(userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.violations[userID]
	if !ok {
		return nil
	}
	if remaining := time.Until(rec.timeoutUntil); remaining > 0 {
		return apperrors.New(apperrors.KindRateLimited,
			fmt.Sprintf("Too many rejected requests. Try again in %d seconds.", int(remaining.Seconds())+1)).
			WithDetails(map[string]interface{}{
				"limit_type": entity.LimitTypeProgressiveTimeout,
				"retry_in_s": int(remaining.Seconds()) + 1,
			})
	}
	return nil
}

func (l *RateLimiter) recordViolation(userID string) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.violations[userID]
	if !ok || now.Sub(rec.lastViolationAt) > violationWindow {
		rec = &violationRecord{everTimedOut: ok && rec.everTimedOut}
		l.violations[userID] = rec
	}
	rec.count++
	rec.lastViolationAt = now

	if rec.count >= violationThreshold {
		timeout := firstTimeout
		if rec.everTimedOut {
			timeout = escalatedTimeout
		}
		rec.timeoutUntil = now.Add(timeout)
		rec.everTimedOut = true
		rec.count = 0
		l.logger.Warn("User placed in progressive timeout",
			zap.String("user_id", userID),
			zap.Duration("timeout", timeout),
		)
	}
}

func (l *RateLimiter) clearViolations(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.violations[userID]; ok && time.Until(rec.timeoutUntil) <= 0 {
		rec.count = 0
	}
}

// sweepViolations trims entries whose window and timeout both lapsed.
func (l *RateLimiter) sweepViolations() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for user, rec := range l.violations {
		if now.Sub(rec.lastViolationAt) > violationWindow && now.After(rec.timeoutUntil) {
			delete(l.violations, user)
		}
	}
}

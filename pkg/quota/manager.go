// Package quota owns plan state: session and pair counters, tier limits
// and the per-user API rate limits.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

// Notifier receives plan side-effects. Implementations must return promptly;
// the manager calls it outside of store transactions.
type Notifier interface {
	NotifyPlanOverage(userID string, tier models.Tier, resource Kind, current, max int)
}

type noopNotifier struct{}

func (noopNotifier) NotifyPlanOverage(string, models.Tier, Kind, int, int) {}

// Manager enforces plan limits and API rate limits. Counter changes go
// through store transactions; rate checks run lock-free on packed atomic
// token buckets.
type Manager struct {
	backend  store.Backend
	limits   map[models.Tier]TierLimits
	notifier Notifier

	mu      sync.RWMutex
	buckets map[string]*bucketPair
}

type bucketPair struct {
	hourly *bucket // nil means unlimited
	daily  *bucket
}

// NewManager creates a quota manager. A nil limits map uses the defaults;
// a nil notifier discards overage notifications.
func NewManager(backend store.Backend, limits map[models.Tier]TierLimits, notifier Notifier) *Manager {
	if limits == nil {
		limits = DefaultLimits()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Manager{
		backend:  backend,
		limits:   limits,
		notifier: notifier,
		buckets:  make(map[string]*bucketPair),
	}
}

// LimitsFor returns the limits of a tier, falling back to the free tier
// for anything unknown.
func (m *Manager) LimitsFor(tier models.Tier) TierLimits {
	if l, ok := m.limits[tier]; ok {
		return l
	}
	return m.limits[models.TierFree]
}

// NewPlan builds a fresh plan row for a user at the given tier.
func (m *Manager) NewPlan(userID string, tier models.Tier) *models.Plan {
	l := m.LimitsFor(tier)
	return &models.Plan{
		UserID:      userID,
		Tier:        tier,
		Status:      models.PlanStatusActive,
		MaxSessions: l.MaxSessions,
		MaxPairs:    l.MaxPairs,
		Priority:    l.Priority,
		StartedAt:   time.Now().UTC(),
	}
}

// EnsurePlanTx loads the user's plan, creating the default row when absent.
func (m *Manager) EnsurePlanTx(tx store.Tx, userID string, tier models.Tier) (*models.Plan, error) {
	plan, err := store.Plans.Get(tx, userID)
	if err == nil {
		return plan, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}
	plan = m.NewPlan(userID, tier)
	if err := store.Plans.Insert(tx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ReserveTx claims one unit of kind inside the caller's transaction. The
// counter increment commits or rolls back with everything else in the
// transaction.
func (m *Manager) ReserveTx(tx store.Tx, userID string, kind Kind) (*models.Plan, error) {
	plan, err := store.Plans.Get(tx, userID)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSession:
		if !plan.HasSessionCapacity() {
			return nil, &QuotaExceededError{Resource: kind, Current: plan.CurrentSessions, Max: plan.MaxSessions}
		}
		plan.CurrentSessions++
	case KindPair:
		if !plan.HasPairCapacity() {
			return nil, &QuotaExceededError{Resource: kind, Current: plan.CurrentPairs, Max: plan.MaxPairs}
		}
		plan.CurrentPairs++
	default:
		return nil, fmt.Errorf("unknown quota kind %q", kind)
	}
	if err := store.Plans.Put(tx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ReleaseTx returns one unit of kind, clamped at zero.
func (m *Manager) ReleaseTx(tx store.Tx, userID string, kind Kind) error {
	plan, err := store.Plans.Get(tx, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	switch kind {
	case KindSession:
		if plan.CurrentSessions > 0 {
			plan.CurrentSessions--
		}
	case KindPair:
		if plan.CurrentPairs > 0 {
			plan.CurrentPairs--
		}
	default:
		return fmt.Errorf("unknown quota kind %q", kind)
	}
	return store.Plans.Put(tx, plan)
}

// Reserve claims one unit in its own transaction.
func (m *Manager) Reserve(ctx context.Context, userID string, kind Kind) error {
	return store.WithRetry(ctx, m.backend, func(tx store.Tx) error {
		_, err := m.ReserveTx(tx, userID, kind)
		return err
	})
}

// Release returns one unit in its own transaction.
func (m *Manager) Release(ctx context.Context, userID string, kind Kind) error {
	return store.WithRetry(ctx, m.backend, func(tx store.Tx) error {
		return m.ReleaseTx(tx, userID, kind)
	})
}

// Allow checks the user's rate limit for an activity, consuming one token
// from both the hourly and the daily bucket. A refusal carries the earliest
// retry time.
func (m *Manager) Allow(ctx context.Context, userID, activity string) error {
	pair, err := m.bucketsFor(ctx, userID, activity)
	if err != nil {
		return err
	}
	now := time.Now()

	if pair.hourly != nil {
		if ok, retry := pair.hourly.take(now); !ok {
			return &ThrottledError{Activity: activity, RetryAfter: retry}
		}
	}
	if pair.daily != nil {
		if ok, retry := pair.daily.take(now); !ok {
			if pair.hourly != nil {
				pair.hourly.give()
			}
			return &ThrottledError{Activity: activity, RetryAfter: retry}
		}
	}
	return nil
}

// bucketsFor returns the (user, activity) bucket pair, building it from the
// plan tier on first use.
func (m *Manager) bucketsFor(ctx context.Context, userID, activity string) (*bucketPair, error) {
	key := userID + "/" + activity

	m.mu.RLock()
	pair, ok := m.buckets[key]
	m.mu.RUnlock()
	if ok {
		return pair, nil
	}

	var tier models.Tier
	err := m.backend.View(ctx, func(tx store.Tx) error {
		plan, err := store.Plans.Get(tx, userID)
		if err != nil {
			return err
		}
		tier = plan.Tier
		return nil
	})
	if err != nil {
		return nil, err
	}

	l := m.LimitsFor(tier)
	pair = &bucketPair{}
	if l.HourlyAPI != models.Unlimited {
		pair.hourly = newBucket(l.HourlyAPI, time.Hour)
	}
	if l.DailyAPI != models.Unlimited {
		pair.daily = newBucket(l.DailyAPI, 24*time.Hour)
	}

	m.mu.Lock()
	if existing, ok := m.buckets[key]; ok {
		pair = existing
	} else {
		m.buckets[key] = pair
	}
	m.mu.Unlock()
	return pair, nil
}

// invalidateBuckets drops a user's cached buckets so the next Allow
// rebuilds them from the current tier.
func (m *Manager) invalidateBuckets(userID string) {
	prefix := userID + "/"
	m.mu.Lock()
	for key := range m.buckets {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.buckets, key)
		}
	}
	m.mu.Unlock()
}

// ChangePlan rewrites the user's limits for the new tier. Counters are
// preserved; when they exceed the new limits the overage notification
// fires after commit. Sessions are never terminated here.
func (m *Manager) ChangePlan(ctx context.Context, userID string, newTier models.Tier) (*models.Plan, error) {
	if !newTier.IsValid() {
		return nil, fmt.Errorf("unknown tier %q", newTier)
	}
	l := m.LimitsFor(newTier)

	var plan *models.Plan
	err := store.WithRetry(ctx, m.backend, func(tx store.Tx) error {
		var err error
		plan, err = m.EnsurePlanTx(tx, userID, newTier)
		if err != nil {
			return err
		}
		plan.Tier = newTier
		plan.Status = models.PlanStatusActive
		plan.MaxSessions = l.MaxSessions
		plan.MaxPairs = l.MaxPairs
		plan.Priority = l.Priority
		plan.StartedAt = time.Now().UTC()
		return store.Plans.Put(tx, plan)
	})
	if err != nil {
		return nil, err
	}

	m.invalidateBuckets(userID)

	if plan.MaxSessions != models.Unlimited && plan.CurrentSessions > plan.MaxSessions {
		slog.Warn("Plan downgrade left user over the session limit",
			"user_id", userID, "tier", newTier,
			"current", plan.CurrentSessions, "max", plan.MaxSessions)
		m.notifier.NotifyPlanOverage(userID, newTier, KindSession, plan.CurrentSessions, plan.MaxSessions)
	}
	if plan.MaxPairs != models.Unlimited && plan.CurrentPairs > plan.MaxPairs {
		slog.Warn("Plan downgrade left user over the pair limit",
			"user_id", userID, "tier", newTier,
			"current", plan.CurrentPairs, "max", plan.MaxPairs)
		m.notifier.NotifyPlanOverage(userID, newTier, KindPair, plan.CurrentPairs, plan.MaxPairs)
	}

	return plan, nil
}

// Reconcile recomputes every user's counters from the actual session and
// mapping rows, creating missing plan rows along the way. Runs once at
// startup before the scheduler accepts work.
func (m *Manager) Reconcile(ctx context.Context) error {
	created, fixed := 0, 0
	err := store.WithRetry(ctx, m.backend, func(tx store.Tx) error {
		created, fixed = 0, 0
		users, err := store.Users.List(tx)
		if err != nil {
			return err
		}
		for _, u := range users {
			plan, err := store.Plans.Get(tx, u.ID)
			if store.IsNotFound(err) {
				tier := u.Role
				if !tier.IsValid() {
					tier = models.TierFree
				}
				plan = m.NewPlan(u.ID, tier)
				if err := store.Plans.Insert(tx, plan); err != nil {
					return err
				}
				created++
			} else if err != nil {
				return err
			}

			sessions, err := store.Sessions.ByIndex(tx, store.IndexByUser, u.ID)
			if err != nil {
				return err
			}
			liveSessions := 0
			for _, s := range sessions {
				if s.Status.CountsAgainstQuota() {
					liveSessions++
				}
			}
			mappings, err := store.Mappings.ByIndex(tx, store.IndexByUser, u.ID)
			if err != nil {
				return err
			}

			if plan.CurrentSessions != liveSessions || plan.CurrentPairs != len(mappings) {
				slog.Warn("Reconciling drifted plan counters",
					"user_id", u.ID,
					"sessions_recorded", plan.CurrentSessions, "sessions_actual", liveSessions,
					"pairs_recorded", plan.CurrentPairs, "pairs_actual", len(mappings))
				plan.CurrentSessions = liveSessions
				plan.CurrentPairs = len(mappings)
				if err := store.Plans.Put(tx, plan); err != nil {
					return err
				}
				fixed++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reconcile plan counters: %w", err)
	}

	slog.Info("Plan counters reconciled", "plans_created", created, "plans_fixed", fixed)
	return nil
}

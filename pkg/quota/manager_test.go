package quota_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/store"
	"github.com/relaymesh/relayd/pkg/store/boltstore"
)

type recordedOverage struct {
	userID   string
	tier     models.Tier
	resource quota.Kind
	current  int
	max      int
}

type captureNotifier struct {
	overages []recordedOverage
}

func (n *captureNotifier) NotifyPlanOverage(userID string, tier models.Tier, resource quota.Kind, current, max int) {
	n.overages = append(n.overages, recordedOverage{userID, tier, resource, current, max})
}

func newBackend(t *testing.T) store.Backend {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, b store.Backend, m *quota.Manager, tier models.Tier) string {
	t.Helper()
	id := models.NewID()
	err := b.Update(context.Background(), func(tx store.Tx) error {
		u := &models.User{
			ID: id, Username: "u-" + id[:8], Email: id[:8] + "@example.com",
			Role: tier, Active: true,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := store.Users.Insert(tx, u); err != nil {
			return err
		}
		_, err := m.EnsurePlanTx(tx, id, tier)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestReserveAndRelease(t *testing.T) {
	b := newBackend(t)
	m := quota.NewManager(b, nil, nil)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierFree)

	// Free tier allows exactly one session.
	require.NoError(t, m.Reserve(ctx, userID, quota.KindSession))

	err := m.Reserve(ctx, userID, quota.KindSession)
	require.Error(t, err)
	assert.True(t, quota.IsQuotaExceeded(err))

	var qe *quota.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, quota.KindSession, qe.Resource)
	assert.Equal(t, 1, qe.Current)
	assert.Equal(t, 1, qe.Max)

	// Release frees the slot again.
	require.NoError(t, m.Release(ctx, userID, quota.KindSession))
	require.NoError(t, m.Reserve(ctx, userID, quota.KindSession))
}

func TestReleaseClampsAtZero(t *testing.T) {
	b := newBackend(t)
	m := quota.NewManager(b, nil, nil)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierFree)

	require.NoError(t, m.Release(ctx, userID, quota.KindSession))
	require.NoError(t, m.Release(ctx, userID, quota.KindSession))

	err := b.View(ctx, func(tx store.Tx) error {
		plan, err := store.Plans.Get(tx, userID)
		require.NoError(t, err)
		assert.Equal(t, 0, plan.CurrentSessions)
		return nil
	})
	require.NoError(t, err)
}

func TestUnlimitedPairsForPro(t *testing.T) {
	b := newBackend(t)
	m := quota.NewManager(b, nil, nil)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierPro)

	for i := 0; i < 50; i++ {
		require.NoError(t, m.Reserve(ctx, userID, quota.KindPair))
	}

	// Sessions still cap at three.
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Reserve(ctx, userID, quota.KindSession))
	}
	assert.True(t, quota.IsQuotaExceeded(m.Reserve(ctx, userID, quota.KindSession)))
}

func TestChangePlanEmitsOverage(t *testing.T) {
	b := newBackend(t)
	notifier := &captureNotifier{}
	m := quota.NewManager(b, nil, notifier)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierElite)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Reserve(ctx, userID, quota.KindSession))
	}

	// Downgrading to free leaves four sessions against a limit of one.
	plan, err := m.ChangePlan(ctx, userID, models.TierFree)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, plan.Tier)
	assert.Equal(t, 1, plan.MaxSessions)
	assert.Equal(t, 4, plan.CurrentSessions, "sessions are never terminated by a downgrade")

	require.Len(t, notifier.overages, 1)
	assert.Equal(t, quota.KindSession, notifier.overages[0].resource)
	assert.Equal(t, 4, notifier.overages[0].current)
	assert.Equal(t, 1, notifier.overages[0].max)
}

func TestChangePlanUpgradeClearsPressure(t *testing.T) {
	b := newBackend(t)
	notifier := &captureNotifier{}
	m := quota.NewManager(b, nil, notifier)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierFree)

	require.NoError(t, m.Reserve(ctx, userID, quota.KindSession))
	assert.True(t, quota.IsQuotaExceeded(m.Reserve(ctx, userID, quota.KindSession)))

	_, err := m.ChangePlan(ctx, userID, models.TierPro)
	require.NoError(t, err)
	assert.Empty(t, notifier.overages)

	require.NoError(t, m.Reserve(ctx, userID, quota.KindSession))
}

func TestAllowThrottles(t *testing.T) {
	b := newBackend(t)
	limits := map[models.Tier]quota.TierLimits{
		models.TierFree: {MaxSessions: 1, MaxPairs: 5, Priority: 1, HourlyAPI: 2, DailyAPI: 100},
	}
	m := quota.NewManager(b, limits, nil)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierFree)

	require.NoError(t, m.Allow(ctx, userID, "api"))
	require.NoError(t, m.Allow(ctx, userID, "api"))

	err := m.Allow(ctx, userID, "api")
	require.Error(t, err)
	assert.True(t, quota.IsThrottled(err))

	var te *quota.ThrottledError
	require.ErrorAs(t, err, &te)
	assert.Greater(t, te.RetryAfter, time.Duration(0))
}

func TestAllowUnlimitedForAdmin(t *testing.T) {
	b := newBackend(t)
	m := quota.NewManager(b, nil, nil)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierAdmin)

	for i := 0; i < 1000; i++ {
		require.NoError(t, m.Allow(ctx, userID, "api"))
	}
}

func TestAllowSeparatesActivities(t *testing.T) {
	b := newBackend(t)
	limits := map[models.Tier]quota.TierLimits{
		models.TierFree: {MaxSessions: 1, MaxPairs: 5, Priority: 1, HourlyAPI: 1, DailyAPI: 10},
	}
	m := quota.NewManager(b, limits, nil)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierFree)

	require.NoError(t, m.Allow(ctx, userID, "list_mappings"))
	assert.True(t, quota.IsThrottled(m.Allow(ctx, userID, "list_mappings")))

	// A different activity has its own buckets.
	require.NoError(t, m.Allow(ctx, userID, "create_mapping"))
}

func TestReconcileFixesDrift(t *testing.T) {
	b := newBackend(t)
	m := quota.NewManager(b, nil, nil)
	ctx := context.Background()
	userID := seedUser(t, b, m, models.TierPro)

	// Two live sessions, one stopped, one mapping; the plan row disagrees.
	err := b.Update(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		sessions := []*models.Session{
			{ID: models.NewID(), UserID: userID, SessionName: "a", Status: models.SessionStatusActive, WorkerID: "w1", CreatedAt: now},
			{ID: models.NewID(), UserID: userID, SessionName: "b", Status: models.SessionStatusPaused, WorkerID: "w1", CreatedAt: now},
			{ID: models.NewID(), UserID: userID, SessionName: "c", Status: models.SessionStatusStopped, CreatedAt: now},
		}
		for _, s := range sessions {
			if err := store.Sessions.Insert(tx, s); err != nil {
				return err
			}
		}
		mp := &models.Mapping{
			ID: models.NewID(), UserID: userID, SourceID: "src", DestinationID: "dst",
			PairName: "p", Priority: 5, Active: true, Version: 1, CreatedAt: now,
		}
		if err := store.Mappings.Insert(tx, mp); err != nil {
			return err
		}

		plan, err := store.Plans.Get(tx, userID)
		if err != nil {
			return err
		}
		plan.CurrentSessions = 9
		plan.CurrentPairs = 0
		return store.Plans.Put(tx, plan)
	})
	require.NoError(t, err)

	require.NoError(t, m.Reconcile(ctx))

	err = b.View(ctx, func(tx store.Tx) error {
		plan, err := store.Plans.Get(tx, userID)
		require.NoError(t, err)
		assert.Equal(t, 2, plan.CurrentSessions, "stopped sessions hold no slot")
		assert.Equal(t, 1, plan.CurrentPairs)
		return nil
	})
	require.NoError(t, err)
}

func TestReconcileCreatesMissingPlans(t *testing.T) {
	b := newBackend(t)
	m := quota.NewManager(b, nil, nil)
	ctx := context.Background()

	// A user without a plan row, as left behind by older deployments.
	userID := models.NewID()
	err := b.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, &models.User{
			ID: userID, Username: "legacy", Email: "legacy@example.com",
			Role: models.TierElite, Active: true,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	require.NoError(t, m.Reconcile(ctx))

	err = b.View(ctx, func(tx store.Tx) error {
		plan, err := store.Plans.Get(tx, userID)
		require.NoError(t, err)
		assert.Equal(t, models.TierElite, plan.Tier)
		assert.Equal(t, 5, plan.MaxSessions)
		return nil
	})
	require.NoError(t, err)
}

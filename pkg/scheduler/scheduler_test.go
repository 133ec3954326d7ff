package scheduler_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/store"
	"github.com/relaymesh/relayd/pkg/store/boltstore"
)

type fixture struct {
	backend store.Backend
	quota   *quota.Manager
	sched   *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := boltstore.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	qm := quota.NewManager(b, nil, nil)
	return &fixture{
		backend: b,
		quota:   qm,
		sched:   scheduler.New(b, qm, scheduler.DefaultConfig(), nil),
	}
}

func (f *fixture) seedUser(t *testing.T, tier models.Tier) string {
	t.Helper()
	id := models.NewID()
	err := f.backend.Update(context.Background(), func(tx store.Tx) error {
		u := &models.User{
			ID: id, Username: "u-" + id, Email: id + "@example.com",
			Role: tier, Active: true,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		if err := store.Users.Insert(tx, u); err != nil {
			return err
		}
		_, err := f.quota.EnsurePlanTx(tx, id, tier)
		return err
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) seedSession(t *testing.T, userID string) string {
	t.Helper()
	id := models.NewID()
	err := f.backend.Update(context.Background(), func(tx store.Tx) error {
		return store.Sessions.Insert(tx, &models.Session{
			ID: id, UserID: userID, SessionName: "s-" + id[:8],
			Phone: "+100", Status: models.SessionStatusIdle,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
	return id
}

// seedWorker creates an online worker with the given session occupancy and
// RAM usage out of a 10000 MB budget.
func (f *fixture) seedWorker(t *testing.T, label string, maxSessions, activeSessions int, usedRAM int64) string {
	t.Helper()
	id := models.NewID()
	now := time.Now().UTC()
	err := f.backend.Update(context.Background(), func(tx store.Tx) error {
		return store.Workers.Insert(tx, &models.Worker{
			ID: id, Label: label, Address: "http://" + label + ":9000",
			Status: models.WorkerStatusOnline,
			TotalRAMMB: 10000, UsedRAMMB: usedRAM, RAMThresholdMB: 9000,
			MaxSessions: maxSessions, ActiveSessions: activeSessions,
			LastHeartbeat: &now, CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) workerByID(t *testing.T, id string) *models.Worker {
	t.Helper()
	var w *models.Worker
	require.NoError(t, f.backend.View(context.Background(), func(tx store.Tx) error {
		var err error
		w, err = store.Workers.Get(tx, id)
		return err
	}))
	return w
}

func (f *fixture) planFor(t *testing.T, userID string) *models.Plan {
	t.Helper()
	var p *models.Plan
	require.NoError(t, f.backend.View(context.Background(), func(tx store.Tx) error {
		var err error
		p, err = store.Plans.Get(tx, userID)
		return err
	}))
	return p
}

func (f *fixture) queuedItems(t *testing.T) []*models.QueueItem {
	t.Helper()
	var items []*models.QueueItem
	require.NoError(t, f.backend.View(context.Background(), func(tx store.Tx) error {
		var err error
		items, err = store.QueueItems.ByIndex(tx, store.IndexByStatus, string(models.QueueStatusQueued))
		return err
	}))
	return items
}

func TestAssignFreeUserWithHeadroom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three workers: least loaded has 8 free slots, well over the
	// headroom bar, so the free user gets it.
	w1 := f.seedWorker(t, "w1", 10, 2, 1000) // load low, 8 slots
	f.seedWorker(t, "w2", 10, 1, 2000)
	f.seedWorker(t, "w3", 10, 0, 3000)

	user := f.seedUser(t, models.TierFree)
	session := f.seedSession(t, user)

	res, err := f.sched.Assign(ctx, session, user)
	require.NoError(t, err)
	require.True(t, res.Assigned)

	// w1 is both the least loaded and has more than 5 open slots.
	assert.Equal(t, w1, res.WorkerID)
	picked := f.workerByID(t, res.WorkerID)
	assert.Equal(t, 3, picked.ActiveSessions, "placement consumed a slot")

	assert.Equal(t, 1, f.planFor(t, user).CurrentSessions)
}

func TestPremiumBias(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Least-loaded worker is nearly full (3 slots); the roomy one is
	// more loaded.
	tight := f.seedWorker(t, "tight", 10, 7, 1000) // load: ram 10%*0.4 + sess 70%*0.3 = 25
	roomy := f.seedWorker(t, "roomy", 12, 2, 8000) // load: ram 80%*0.4 + sess ~17%*0.3 = 37

	pro := f.seedUser(t, models.TierPro)
	proSession := f.seedSession(t, pro)
	res, err := f.sched.Assign(ctx, proSession, pro)
	require.NoError(t, err)
	require.True(t, res.Assigned)
	assert.Equal(t, tight, res.WorkerID, "premium user takes the least-loaded worker")

	free := f.seedUser(t, models.TierFree)
	freeSession := f.seedSession(t, free)
	res, err = f.sched.Assign(ctx, freeSession, free)
	require.NoError(t, err)
	require.True(t, res.Assigned)
	assert.Equal(t, roomy, res.WorkerID, "free user avoids the near-saturated worker")
}

func TestAssignQueuesWhenFleetFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWorker(t, "full", 2, 2, 1000)

	user := f.seedUser(t, models.TierFree)
	session := f.seedSession(t, user)

	res, err := f.sched.Assign(ctx, session, user)
	require.NoError(t, err)
	assert.False(t, res.Assigned)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, 300, res.EstWaitSeconds)

	// The queued request holds the plan slot.
	assert.Equal(t, 1, f.planFor(t, user).CurrentSessions)

	// Re-submitting while queued is rejected.
	_, err = f.sched.Assign(ctx, session, user)
	assert.ErrorIs(t, err, scheduler.ErrAlreadyQueued)
}

func TestAssignRejectsDuplicateAndQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWorker(t, "w1", 10, 0, 0)

	user := f.seedUser(t, models.TierFree)
	s1 := f.seedSession(t, user)
	_, err := f.sched.Assign(ctx, s1, user)
	require.NoError(t, err)

	_, err = f.sched.Assign(ctx, s1, user)
	assert.ErrorIs(t, err, scheduler.ErrAlreadyAssigned)

	// Free tier: max one session.
	s2 := f.seedSession(t, user)
	_, err = f.sched.Assign(ctx, s2, user)
	assert.True(t, quota.IsQuotaExceeded(err))
}

func TestQueueOrderAndPromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker := f.seedWorker(t, "full", 1, 1, 1000)

	// Two free users then one elite submit while the fleet is full.
	free1 := f.seedUser(t, models.TierFree)
	free2 := f.seedUser(t, models.TierFree)
	elite := f.seedUser(t, models.TierElite)

	sFree1 := f.seedSession(t, free1)
	sFree2 := f.seedSession(t, free2)
	sElite := f.seedSession(t, elite)

	res1, err := f.sched.Assign(ctx, sFree1, free1)
	require.NoError(t, err)
	res2, err := f.sched.Assign(ctx, sFree2, free2)
	require.NoError(t, err)
	resE, err := f.sched.Assign(ctx, sElite, elite)
	require.NoError(t, err)

	// Elite (priority 3) jumps to position 1; the free users keep
	// arrival order behind it.
	assert.Equal(t, 1, resE.Position)
	require.False(t, res1.Assigned)
	require.False(t, res2.Assigned)

	items := f.queuedItems(t)
	byPosition := map[int]string{}
	for _, item := range items {
		byPosition[item.Position] = item.SessionID
	}
	assert.Equal(t, sElite, byPosition[1])
	assert.Equal(t, sFree1, byPosition[2])
	assert.Equal(t, sFree2, byPosition[3])

	// Capacity frees: one slot opens, the elite session is promoted
	// first and positions renumber densely.
	require.NoError(t, f.backend.Update(ctx, func(tx store.Tx) error {
		_, err := store.Workers.Update(tx, worker, func(w *models.Worker) error {
			w.ActiveSessions = 0
			return nil
		})
		return err
	}))
	require.NoError(t, f.sched.DrainQueue(ctx))

	var eliteSession *models.Session
	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		var err error
		eliteSession, err = store.Sessions.Get(tx, sElite)
		return err
	}))
	assert.Equal(t, worker, eliteSession.WorkerID)

	remaining := f.queuedItems(t)
	require.Len(t, remaining, 2)
	positions := map[int]bool{}
	for _, item := range remaining {
		positions[item.Position] = true
	}
	assert.True(t, positions[1] && positions[2], "positions renumber densely after promotion")
}

func TestQueueExpiryReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWorker(t, "full", 1, 1, 1000)

	user := f.seedUser(t, models.TierFree)
	session := f.seedSession(t, user)
	_, err := f.sched.Assign(ctx, session, user)
	require.NoError(t, err)
	require.Equal(t, 1, f.planFor(t, user).CurrentSessions)

	// Backdate the queue item past the age limit.
	require.NoError(t, f.backend.Update(ctx, func(tx store.Tx) error {
		items, err := store.QueueItems.ByIndex(tx, store.IndexBySession, session)
		if err != nil {
			return err
		}
		for _, item := range items {
			item.QueuedAt = time.Now().UTC().Add(-2 * time.Hour)
			if err := store.QueueItems.Put(tx, item); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, f.sched.ExpireQueue(ctx))

	assert.Empty(t, f.queuedItems(t))
	assert.Equal(t, 0, f.planFor(t, user).CurrentSessions)

	// Session stayed idle and can be re-submitted.
	var got *models.Session
	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		var err error
		got, err = store.Sessions.Get(tx, session)
		return err
	}))
	assert.Equal(t, models.SessionStatusIdle, got.Status)
}

func TestTerminateRestoresQuotaAndSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker := f.seedWorker(t, "w1", 5, 0, 0)

	user := f.seedUser(t, models.TierFree)
	session := f.seedSession(t, user)
	res, err := f.sched.Assign(ctx, session, user)
	require.NoError(t, err)
	require.True(t, res.Assigned)
	require.Equal(t, 1, f.workerByID(t, worker).ActiveSessions)

	require.NoError(t, f.sched.Terminate(ctx, session))

	assert.Equal(t, 0, f.planFor(t, user).CurrentSessions)
	assert.Equal(t, 0, f.workerByID(t, worker).ActiveSessions)

	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		s, err := store.Sessions.Get(tx, session)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusStopped, s.Status)
		assert.Empty(t, s.WorkerID)
		return nil
	}))
}

func TestMigrationMovesSessionAndKeepsTrackers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w1 := f.seedWorker(t, "w1", 5, 0, 0)
	w2 := f.seedWorker(t, "w2", 5, 0, 0)

	user := f.seedUser(t, models.TierPro)
	session := f.seedSession(t, user)
	res, err := f.sched.Assign(ctx, session, user)
	require.NoError(t, err)
	require.True(t, res.Assigned)
	from := res.WorkerID

	// A tracker row from earlier forwarding must survive the move.
	trackerID := models.NewID()
	require.NoError(t, f.backend.Update(ctx, func(tx store.Tx) error {
		return store.Trackers.Insert(tx, &models.MessageTracker{
			ID: trackerID, MappingID: models.NewID(),
			SourceChatID: 42, SourceMsgID: 100, ForwardedMsgID: 500,
			DestinationChatID: 77, LastSynced: time.Now().UTC(),
		})
	}))

	// Lose the worker.
	require.NoError(t, f.backend.Update(ctx, func(tx store.Tx) error {
		_, err := store.Workers.Update(tx, from, func(w *models.Worker) error {
			w.Status = models.WorkerStatusOffline
			return nil
		})
		return err
	}))
	require.NoError(t, f.sched.MigrateWorker(ctx, from))

	to := w2
	if from == w2 {
		to = w1
	}
	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		s, err := store.Sessions.Get(tx, session)
		require.NoError(t, err)
		assert.Equal(t, to, s.WorkerID)
		assert.Equal(t, models.SessionStatusActive, s.Status)

		a, err := store.Assignments.GetUnique(tx, store.IndexBySession, session)
		require.NoError(t, err)
		assert.Equal(t, to, a.WorkerID)
		assert.Equal(t, models.AssignmentTypeMigration, a.Type)
		assert.Equal(t, models.AssignmentStatusAssigned, a.Status)
		require.NotNil(t, a.LastMigration)

		_, err = store.Trackers.Get(tx, trackerID)
		assert.NoError(t, err, "tracker rows survive migration")
		return nil
	}))

	// Quota unchanged by the move.
	assert.Equal(t, 1, f.planFor(t, user).CurrentSessions)
}

func TestMigrationRequeuesWithPriorityBump(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w1 := f.seedWorker(t, "only", 5, 0, 0)

	user := f.seedUser(t, models.TierFree) // plan priority 1
	session := f.seedSession(t, user)
	_, err := f.sched.Assign(ctx, session, user)
	require.NoError(t, err)

	// The only worker dies; migration has nowhere to go.
	require.NoError(t, f.backend.Update(ctx, func(tx store.Tx) error {
		_, err := store.Workers.Update(tx, w1, func(w *models.Worker) error {
			w.Status = models.WorkerStatusOffline
			return nil
		})
		return err
	}))
	require.NoError(t, f.sched.MigrateWorker(ctx, w1))

	items := f.queuedItems(t)
	require.Len(t, items, 1)
	assert.Equal(t, session, items[0].SessionID)
	assert.Equal(t, 2, items[0].Priority, "migrated sessions jump one priority band")

	// Reservation still held by the queued request.
	assert.Equal(t, 1, f.planFor(t, user).CurrentSessions)
}

func TestScalingEventOnDeepQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWorker(t, "full", 1, 1, 1000)

	// Six queued requests cross the high-queue watermark.
	for i := 0; i < 6; i++ {
		user := f.seedUser(t, models.TierFree)
		session := f.seedSession(t, user)
		_, err := f.sched.Assign(ctx, session, user)
		require.NoError(t, err)
	}

	var events []*models.ScalingEvent
	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = store.ScalingEvents.List(tx)
		return err
	}))
	require.Len(t, events, 1, "cooldown keeps the overflow record to one")
	assert.Equal(t, models.ScalingEventOverflow, events[0].Type)
	assert.Equal(t, models.ScalingTriggerHighQueue, events[0].Trigger)
	assert.Equal(t, 6, events[0].QueueDepth)
}

func TestActivatePauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWorker(t, "w1", 5, 0, 0)

	user := f.seedUser(t, models.TierPro)
	session := f.seedSession(t, user)
	_, err := f.sched.Assign(ctx, session, user)
	require.NoError(t, err)

	require.NoError(t, f.sched.Activate(ctx, session))
	require.NoError(t, f.sched.Pause(ctx, session))

	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		s, err := store.Sessions.Get(tx, session)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusPaused, s.Status)
		a, err := store.Assignments.GetUnique(tx, store.IndexBySession, session)
		require.NoError(t, err)
		assert.Equal(t, models.AssignmentStatusPaused, a.Status)
		require.NotNil(t, a.ActivatedAt)
		return nil
	}))

	require.NoError(t, f.sched.Resume(ctx, session))
	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		s, err := store.Sessions.Get(tx, session)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusActive, s.Status)
		return nil
	}))

	err = f.sched.Activate(ctx, "missing-session")
	assert.ErrorIs(t, err, scheduler.ErrNotAssigned)
}

func TestDrainWithoutCapacityFlagsOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWorker(t, "full", 1, 1, 1000)

	// Six requests sit in the queue; nothing can take them.
	user := f.seedUser(t, models.TierFree)
	require.NoError(t, f.backend.Update(ctx, func(tx store.Tx) error {
		for i := 0; i < 6; i++ {
			item := &models.QueueItem{
				ID: models.NewID(), UserID: user, SessionID: models.NewID(),
				Priority: 1, Status: models.QueueStatusQueued,
				QueuedAt: time.Now().UTC(),
			}
			if err := store.QueueItems.Insert(tx, item); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, f.sched.DrainQueue(ctx))

	var events []*models.ScalingEvent
	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = store.ScalingEvents.List(tx)
		return err
	}))
	require.Len(t, events, 1, "a drain that promoted nothing must still record the overflow")
	assert.Equal(t, models.ScalingTriggerHighQueue, events[0].Trigger)
	assert.Equal(t, 6, events[0].QueueDepth)
}

func TestWorkerLossWithoutSessionsFlagsOverflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedWorker(t, "hot", 5, 4, 9500)
	lost := f.seedWorker(t, "spare", 5, 0, 0)

	// The idle spare dies; the survivors alone run past the RAM ceiling.
	require.NoError(t, f.backend.Update(ctx, func(tx store.Tx) error {
		_, err := store.Workers.Update(tx, lost, func(w *models.Worker) error {
			w.Status = models.WorkerStatusOffline
			return nil
		})
		return err
	}))

	require.NoError(t, f.sched.MigrateWorker(ctx, lost))

	var events []*models.ScalingEvent
	require.NoError(t, f.backend.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = store.ScalingEvents.List(tx)
		return err
	}))
	require.Len(t, events, 1, "losing an empty worker must still trigger the scaling check")
	assert.Equal(t, models.ScalingTriggerHighLoad, events[0].Trigger)
}

package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
	"github.com/relaymesh/relayd/pkg/store/boltstore"
)

func newStore(t *testing.T) store.Backend {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "relayd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newUser(username, email string) *models.User {
	now := time.Now().UTC()
	return &models.User{
		ID:        models.NewID(),
		Username:  username,
		Email:     email,
		Role:      models.TierFree,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := newUser("alice", "alice@example.com")

	err := s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, u)
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx store.Tx) error {
		got, err := store.Users.Get(tx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, models.TierFree, got.Role)
		assert.True(t, got.Active)
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)

	err := s.View(context.Background(), func(tx store.Tx) error {
		_, err := store.Users.Get(tx, "nope")
		return err
	})
	assert.True(t, store.IsNotFound(err))
}

func TestInsertDuplicateIDConflicts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := newUser("bob", "bob@example.com")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, u)
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		dup := *u
		dup.Username = "bob2"
		dup.Email = "bob2@example.com"
		return store.Users.Insert(tx, &dup)
	})
	assert.True(t, store.IsConflict(err))
}

func TestUniqueIndexConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, newUser("carol", "carol@example.com"))
	}))

	// Same username, different case: usernames are unique case-insensitively.
	err := s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, newUser("Carol", "other@example.com"))
	})
	assert.True(t, store.IsConflict(err))

	err = s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, newUser("carol2", "CAROL@example.com"))
	})
	assert.True(t, store.IsConflict(err))
}

func TestGetUnique(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := newUser("dave", "dave@example.com")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, u)
	}))

	err := s.View(ctx, func(tx store.Tx) error {
		got, err := store.Users.GetUnique(tx, store.IndexByUsername, "dave")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)

		_, err = store.Users.GetUnique(tx, store.IndexByUsername, "nobody")
		assert.True(t, store.IsNotFound(err))
		return nil
	})
	require.NoError(t, err)
}

func TestPutMovesIndexEntries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID: models.NewID(), UserID: "u1", SessionName: "main",
		Status: models.SessionStatusIdle, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Sessions.Insert(tx, sess)
	}))

	// Move idle -> active on worker w1; the status and worker indexes follow.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		sess.Status = models.SessionStatusActive
		sess.WorkerID = "w1"
		return store.Sessions.Put(tx, sess)
	}))

	err := s.View(ctx, func(tx store.Tx) error {
		idle, err := store.Sessions.ByIndex(tx, store.IndexByStatus, string(models.SessionStatusIdle))
		require.NoError(t, err)
		assert.Empty(t, idle)

		active, err := store.Sessions.ByIndex(tx, store.IndexByStatus, string(models.SessionStatusActive))
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, sess.ID, active[0].ID)

		onWorker, err := store.Sessions.ByIndex(tx, store.IndexByWorker, "w1")
		require.NoError(t, err)
		assert.Len(t, onWorker, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteRemovesIndexEntries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := newUser("erin", "erin@example.com")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, u)
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Delete(tx, u.ID)
	}))

	// The unique slots are free again.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, newUser("erin", "erin@example.com"))
	}))
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	s := newStore(t)
	err := s.Update(context.Background(), func(tx store.Tx) error {
		return store.Users.Delete(tx, "ghost")
	})
	assert.True(t, store.IsNotFound(err))
}

func TestUpdateReadModifyWrite(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	u := newUser("frank", "frank@example.com")

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Users.Insert(tx, u)
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		got, err := store.Users.Update(tx, u.ID, func(v *models.User) error {
			v.Role = models.TierPro
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.TierPro, got.Role)
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx store.Tx) error {
		got, err := store.Users.Get(tx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TierPro, got.Role)
		return nil
	})
	require.NoError(t, err)
}

func TestTrackerOriginUniqueness(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	row := &models.MessageTracker{
		ID: models.NewID(), MappingID: "m1",
		SourceChatID: -100555, SourceMsgID: 42, DestinationChatID: 777,
		LastSynced: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Trackers.Insert(tx, row)
	}))

	// A second claim for the same origin is the duplicate signal.
	dup := &models.MessageTracker{
		ID: models.NewID(), MappingID: "m1",
		SourceChatID: -100555, SourceMsgID: 42, DestinationChatID: 777,
		LastSynced: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	err := s.Update(ctx, func(tx store.Tx) error {
		return store.Trackers.Insert(tx, dup)
	})
	assert.True(t, store.IsConflict(err))

	// A different message under the same mapping is fine.
	other := &models.MessageTracker{
		ID: models.NewID(), MappingID: "m1",
		SourceChatID: -100555, SourceMsgID: 43, DestinationChatID: 777,
		LastSynced: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Trackers.Insert(tx, other)
	}))
}

func TestLiveAssignmentSlotIsExclusive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a1 := &models.Assignment{
		ID: models.NewID(), SessionID: "s1", WorkerID: "w1", UserID: "u1",
		Type: models.AssignmentTypeAutomatic, Status: models.AssignmentStatusAssigned,
		AssignedAt: now,
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Assignments.Insert(tx, a1)
	}))

	// A second live assignment for the same session conflicts.
	err := s.Update(ctx, func(tx store.Tx) error {
		return store.Assignments.Insert(tx, &models.Assignment{
			ID: models.NewID(), SessionID: "s1", WorkerID: "w2", UserID: "u1",
			Type: models.AssignmentTypeAutomatic, Status: models.AssignmentStatusAssigned,
			AssignedAt: now,
		})
	})
	assert.True(t, store.IsConflict(err))

	// Terminating releases the slot; history stays behind.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		_, err := store.Assignments.Update(tx, a1.ID, func(a *models.Assignment) error {
			a.Status = models.AssignmentStatusTerminated
			return nil
		})
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return store.Assignments.Insert(tx, &models.Assignment{
			ID: models.NewID(), SessionID: "s1", WorkerID: "w2", UserID: "u1",
			Type: models.AssignmentTypeAutomatic, Status: models.AssignmentStatusAssigned,
			AssignedAt: now,
		})
	}))

	err = s.View(ctx, func(tx store.Tx) error {
		all, err := store.Assignments.List(tx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestListIsTimeOrdered(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var ids []string
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i := 0; i < 5; i++ {
			l := &models.ForwardingLog{
				ID: models.NewID(), Status: models.LogStatusSuccess, CreatedAt: time.Now().UTC(),
			}
			ids = append(ids, l.ID)
			if err := store.ForwardingLogs.Insert(tx, l); err != nil {
				return err
			}
		}
		return nil
	}))

	err := s.View(ctx, func(tx store.Tx) error {
		logs, err := store.ForwardingLogs.List(tx)
		require.NoError(t, err)
		require.Len(t, logs, 5)
		for i, l := range logs {
			assert.Equal(t, ids[i], l.ID)
		}

		// Reverse scan yields newest first.
		var rev []string
		err = store.ForwardingLogs.AllReverse(tx, func(l *models.ForwardingLog) error {
			rev = append(rev, l.ID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, ids[4], rev[0])
		assert.Equal(t, ids[0], rev[4])
		return nil
	})
	require.NoError(t, err)
}

func TestScanStopsCleanly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i := 0; i < 10; i++ {
			l := &models.ForwardingLog{ID: models.NewID(), Status: models.LogStatusSuccess, CreatedAt: time.Now().UTC()}
			if err := store.ForwardingLogs.Insert(tx, l); err != nil {
				return err
			}
		}
		return nil
	}))

	seen := 0
	err := s.View(ctx, func(tx store.Tx) error {
		return store.ForwardingLogs.All(tx, func(*models.ForwardingLog) error {
			seen++
			if seen == 3 {
				return store.ErrStop
			}
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i := 0; i < 4; i++ {
			w := &models.Worker{
				ID: models.NewID(), Label: models.NewID(), Status: models.WorkerStatusOnline,
				CreatedAt: time.Now().UTC(),
			}
			if err := store.Workers.Insert(tx, w); err != nil {
				return err
			}
		}
		return nil
	}))

	err := s.View(ctx, func(tx store.Tx) error {
		n, err := store.Workers.Count(tx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := store.Users.Insert(tx, newUser("gone", "gone@example.com")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx store.Tx) error {
		users, err := store.Users.List(tx)
		require.NoError(t, err)
		assert.Empty(t, users)
		return nil
	})
	require.NoError(t, err)
}

// busyBackend fails Update with ErrBusy a fixed number of times before
// delegating, mimicking a backend that loses serialization races.
type busyBackend struct {
	store.Backend
	failures int
	attempts int
}

func (b *busyBackend) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	b.attempts++
	if b.attempts <= b.failures {
		return store.ErrBusy
	}
	return b.Backend.Update(ctx, fn)
}

func TestWithRetryRetriesBusy(t *testing.T) {
	inner := newStore(t)
	b := &busyBackend{Backend: inner, failures: 2}

	err := store.WithRetry(context.Background(), b, func(tx store.Tx) error {
		return store.Users.Insert(tx, newUser("hank", "hank@example.com"))
	})
	require.NoError(t, err)
	assert.Equal(t, 3, b.attempts)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	inner := newStore(t)
	b := &busyBackend{Backend: inner}
	boom := errors.New("boom")

	err := store.WithRetry(context.Background(), b, func(tx store.Tx) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.attempts)
}

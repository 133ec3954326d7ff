package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/store"
)

func seedPending(t *testing.T, f *fixture, userID, mappingID string, status models.PendingStatus) *models.PendingMessage {
	t.Helper()
	p := &models.PendingMessage{
		ID:              models.NewID(),
		MappingID:       mappingID,
		UserID:          userID,
		SourceChatID:    1001,
		SourceMsgID:     time.Now().UnixNano(),
		OriginalContent: []byte("held message"),
		Status:          status,
		ScheduledFor:    time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	err := store.WithRetry(context.Background(), f.backend, func(tx store.Tx) error {
		return store.PendingMessages.Insert(tx, p)
	})
	require.NoError(t, err)
	return p
}

func TestApprovePendingMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "alice", models.TierFree)
	p := seedPending(t, f, user.ID, "m1", models.PendingStatusPending)

	approved, err := f.pending.Approve(ctx, p.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PendingStatusApproved, approved.Status)
	assert.Equal(t, "ops@example.com", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)
}

func TestRejectPendingMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "alice", models.TierFree)
	p := seedPending(t, f, user.ID, "m1", models.PendingStatusPending)

	rejected, err := f.pending.Reject(ctx, p.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PendingStatusRejected, rejected.Status)
}

func TestDecideTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.createUser(t, "alice", models.TierFree)
	p := seedPending(t, f, user.ID, "m1", models.PendingStatusPending)

	_, err := f.pending.Approve(ctx, p.ID, "first")
	require.NoError(t, err)
	_, err = f.pending.Reject(ctx, p.ID, "second")
	assert.True(t, store.IsConflict(err))
}

func TestListPendingFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.createUser(t, "alice", models.TierFree)
	bob := f.createUser(t, "bob", models.TierFree)
	seedPending(t, f, alice.ID, "m1", models.PendingStatusPending)
	seedPending(t, f, alice.ID, "m1", models.PendingStatusSent)
	seedPending(t, f, bob.ID, "m2", models.PendingStatusPending)

	mine, err := f.pending.List(ctx, alice.ID, "")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	held, err := f.pending.List(ctx, alice.ID, models.PendingStatusPending)
	require.NoError(t, err)
	assert.Len(t, held, 1)

	allPending, err := f.pending.List(ctx, "", models.PendingStatusPending)
	require.NoError(t, err)
	assert.Len(t, allPending, 2)
}

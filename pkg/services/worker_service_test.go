package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd/pkg/models"
)

func TestWorkerListAndLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w1 := f.registerWorker(t, "w1", 4)
	f.registerWorker(t, "w2", 2)

	workers, err := f.workers.List(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	byID, err := f.workers.Get(ctx, w1.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", byID.Label)

	byLabel, err := f.workers.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, byLabel.ID)
}

func TestWorkerUpdateMetrics(t *testing.T) {
	f := newFixture(t)
	w, err := f.workers.UpdateMetrics(context.Background(), &models.Heartbeat{
		Label:          f.registerWorker(t, "w1", 4).Label,
		UsedRAMMB:      2048,
		CPUPercent:     35,
		ActiveSessions: 2,
		PingMS:         12,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), w.UsedRAMMB)
	assert.Equal(t, models.WorkerStatusOnline, w.Status)
}

func TestSetDrainingExcludesFromAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerWorker(t, "w1", 4)
	f.registerWorker(t, "w2", 4)

	w, err := f.workers.SetDraining(ctx, "w1", true)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusDraining, w.Status)

	avail, err := f.workers.Available(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "w2", avail[0].Label)

	w, err = f.workers.SetDraining(ctx, "w1", false)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusOnline, w.Status)
}

func TestControlPollAndAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worker := f.registerWorker(t, "w1", 4)
	user := f.createUser(t, "alice", models.TierFree)
	sess := f.createSession(t, user.ID, "main")
	_, err := f.sessions.Assign(ctx, sess.ID)
	require.NoError(t, err)

	// Placement queued a start command for the worker.
	controls, err := f.workers.PollControls(ctx, worker.ID)
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, models.ControlActionStartSession, controls[0].Action)
	assert.Equal(t, sess.ID, controls[0].SessionID)
	assert.Equal(t, models.ControlStatusDelivered, controls[0].Status)

	// Delivered records don't come back on the next poll.
	again, err := f.workers.PollControls(ctx, worker.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, f.workers.AckControl(ctx, worker.ID, controls[0].ID))
	err = f.workers.AckControl(ctx, "other-worker", controls[0].ID)
	assert.Error(t, err)
}

func TestSystemStatusAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerWorker(t, "w1", 4)
	f.registerWorker(t, "w2", 6)
	_, err := f.workers.SetDraining(ctx, "w2", true)
	require.NoError(t, err)

	user := f.createUser(t, "alice", models.TierFree)
	sess := f.createSession(t, user.ID, "main")
	res, err := f.sessions.Assign(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, res.Assigned)

	status, err := f.workers.SystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalWorkers)
	assert.Equal(t, 1, status.OnlineWorkers)
	assert.Equal(t, 1, status.DrainingWorkers)
	assert.Equal(t, 4, status.TotalSlots)
	assert.Equal(t, 1, status.UsedSlots)
	assert.Equal(t, 1, status.ActiveSessions)
	assert.Equal(t, 0, status.QueueDepth)
}

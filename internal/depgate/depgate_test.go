package depgate

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

func newTestTracker(t *testing.T) (*tracker.Tracker, *store.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(rdb)
	return tracker.New(s), s, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestGateReleasesParentOnDependencyCompletion(t *testing.T) {
	tr, s, cleanup := newTestTracker(t)
	defer cleanup()
	ctx := context.Background()

	dep, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "scout", Task: "dep", DispatchedBy: "main"})
	require.NoError(t, err)

	parent, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "parent", DispatchedBy: "main", DependsOn: []string{dep.JobID}})
	require.NoError(t, err)

	_, err = tr.UpdateJobStatus(ctx, dep.JobID, queue.StatusCompleted, nil)
	require.NoError(t, err)

	w := New(tr, nil)
	w.drainOnce(ctx)

	updatedParent, _, err := tr.FindJobByRunID(ctx, parent.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusQueued, updatedParent.Status)

	waitingKey := store.QueueKey(queue.QueueName("jarvis")) + "waiting"
	card, err := s.ZCard(ctx, waitingKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), card)
}

func TestGateFailsParentOnDependencyFailure(t *testing.T) {
	tr, _, cleanup := newTestTracker(t)
	defer cleanup()
	ctx := context.Background()

	dep, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "dep", DispatchedBy: "main"})
	require.NoError(t, err)

	parent, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "parent", DispatchedBy: "main", DependsOn: []string{dep.JobID}})
	require.NoError(t, err)

	_, err = tr.UpdateJobStatus(ctx, dep.JobID, queue.StatusFailedPermanent, func(r *queue.Record) { r.Error = "boom" })
	require.NoError(t, err)

	w := New(tr, nil)
	w.drainOnce(ctx)

	updatedParent, _, err := tr.FindJobByRunID(ctx, parent.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailedPermanent, updatedParent.Status)
}

func TestGateRequeuesWhileDependencyPending(t *testing.T) {
	tr, _, cleanup := newTestTracker(t)
	defer cleanup()
	ctx := context.Background()

	dep, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "dep", DispatchedBy: "main"})
	require.NoError(t, err)

	_, err = tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "parent", DispatchedBy: "main", DependsOn: []string{dep.JobID}})
	require.NoError(t, err)

	w := New(tr, nil)
	w.drainOnce(ctx)

	gate, ok, err := tr.PopGateJob(ctx)
	require.NoError(t, err)
	require.False(t, ok, "gate should not be ready again until the poll interval elapses")
	require.Nil(t, gate)
}

func TestGateFailsParentRecoverablyPastPollCap(t *testing.T) {
	tr, _, cleanup := newTestTracker(t)
	defer cleanup()
	ctx := context.Background()

	dep, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "dep", DispatchedBy: "main"})
	require.NoError(t, err)

	parent, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "parent", DispatchedBy: "main", DependsOn: []string{dep.JobID}})
	require.NoError(t, err)

	w := New(tr, nil)
	stale := &tracker.GateRecord{
		GateID:          "stale-gate",
		ParentJobID:     parent.JobID,
		DependencyJobID: dep.JobID,
		ParentTarget:    "jarvis",
		CreatedAt:       time.Now().Add(-(pollCap + time.Minute)),
	}
	w.processGate(ctx, stale)

	updatedParent, _, err := tr.FindJobByRunID(ctx, parent.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, updatedParent.Status)
	require.Contains(t, updatedParent.Error, dep.JobID)
}

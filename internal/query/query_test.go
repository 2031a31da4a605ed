package query

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/learning"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

func newTestService(t *testing.T) (*Service, *tracker.Tracker) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := store.NewWithClient(rdb)
	tr := tracker.New(s)
	identity := authz.New([]string{"system-agent"}, []string{"main"})
	learningStore := learning.New(s, 365*24*time.Hour)

	return New(tr, identity, learningStore), tr
}

func TestStatusForbidsUnrelatedCaller(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main"})
	require.NoError(t, err)

	_, err = svc.Status(ctx, "other-agent", job.JobID)
	require.ErrorIs(t, err, ErrForbidden)

	view, err := svc.Status(ctx, "main", job.JobID)
	require.NoError(t, err)
	require.Equal(t, job.JobID, view.JobID)
}

func TestStatusAllowsSystemAgent(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main"})
	require.NoError(t, err)

	view, err := svc.Status(ctx, "system-agent", job.JobID)
	require.NoError(t, err)
	require.Equal(t, job.JobID, view.JobID)
}

func TestStatusReportsWaitingForDependencies(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	dep, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "scout", Task: "dep", DispatchedBy: "main"})
	require.NoError(t, err)
	parent, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "parent", DispatchedBy: "main", DependsOn: []string{dep.JobID}})
	require.NoError(t, err)

	view, err := svc.Status(ctx, "main", parent.JobID)
	require.NoError(t, err)
	require.True(t, view.WaitingForDependencies)
}

func TestListFiltersByCallerVisibility(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	_, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "mine", DispatchedBy: "main"})
	require.NoError(t, err)
	_, err = tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "not-mine", DispatchedBy: "other-agent"})
	require.NoError(t, err)

	result, err := svc.List(ctx, "main", ListParams{})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	require.Equal(t, "mine", result.Jobs[0].Task)

	result, err = svc.List(ctx, "system-agent", ListParams{})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 2)
}

func TestActivityReportsWorkingAgent(t *testing.T) {
	svc, tr := newTestService(t)
	ctx := context.Background()

	job, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main"})
	require.NoError(t, err)
	_, err = tr.UpdateJobStatus(ctx, job.JobID, queue.StatusActive, func(r *queue.Record) {
		now := time.Now()
		r.StartedAt = &now
	})
	require.NoError(t, err)

	result, err := svc.Activity(ctx)
	require.NoError(t, err)
	jarvis, ok := result.Agents["jarvis"]
	require.True(t, ok)
	require.Equal(t, "working", jarvis.Status)
	require.NotNil(t, jarvis.Job)
	require.Equal(t, job.JobID, *jarvis.Job)
}

func TestAddLearningRequiresSystemAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddLearning(ctx, "main", AddLearningParams{ProjectID: "proj-1", Learning: "x"})
	require.ErrorIs(t, err, ErrSystemAgentRequired)

	result, err := svc.AddLearning(ctx, "system-agent", AddLearningParams{ProjectID: "proj-1", JobID: "job-1", Learning: "x", Tags: []string{"a"}})
	require.NoError(t, err)
	require.Equal(t, "ok", result.Status)
	require.Equal(t, "proj-1", result.ProjectID)
}

func TestLearningsReturnsNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AddLearning(ctx, "system-agent", AddLearningParams{ProjectID: "proj-1", Learning: "first"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = svc.AddLearning(ctx, "system-agent", AddLearningParams{ProjectID: "proj-1", Learning: "second"})
	require.NoError(t, err)

	entries, err := svc.Learnings(ctx, LearningsParams{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "second", entries[0].Learning)
}

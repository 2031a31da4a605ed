package worker

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jobrelay/dispatch/internal/approval"
	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/sessionhost"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

type fakeSessionHost struct {
	startCalls int
	patchCalls int
	failPatch  bool
}

func (f *fakeSessionHost) StartSession(_ context.Context, req sessionhost.StartSessionRequest) (*sessionhost.StartSessionResponse, error) {
	f.startCalls++
	return &sessionhost.StartSessionResponse{RunID: "run-" + req.SessionKey, SessionKey: req.SessionKey}, nil
}

func (f *fakeSessionHost) PatchSession(_ context.Context, req sessionhost.PatchSessionRequest) error {
	f.patchCalls++
	if f.failPatch && req.Model != "" {
		return errInjected
	}
	return nil
}

func (f *fakeSessionHost) SendToSession(context.Context, string, string) error { return nil }

func (f *fakeSessionHost) FetchSessionHistory(context.Context, string) ([]sessionhost.HistoryMessage, error) {
	return nil, nil
}

var errInjected = &testError{"injected model patch failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newTestHarness(t *testing.T) (*tracker.Tracker, *store.Store, func()) {
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

func TestLaunchHappyPath(t *testing.T) {
	tr, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx := context.Background()

	record, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "do work", DispatchedBy: "main"})
	require.NoError(t, err)

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	cfg.SetAgentProfiles(map[string]config.AgentProfile{"main": {AllowAgents: []string{"jarvis"}}})
	identity := authz.New(nil, nil)
	sh := &fakeSessionHost{}
	launcher := NewLauncher(s, tr, sh, identity, cfg, nil)

	runID, err := launcher.Launch(ctx, record)
	require.NoError(t, err)
	require.Contains(t, runID, "run-agent:jarvis:subagent:")
	require.Equal(t, 1, sh.startCalls)

	updated, _, err := tr.FindJobByRunID(ctx, record.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusActive, updated.Status)
	require.NotEmpty(t, updated.SessionHostSessionKey)
	require.NotEmpty(t, updated.SessionHostRunID)
}

func TestLaunchStampsChildDepthOntoRecord(t *testing.T) {
	tr, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx := context.Background()

	record, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main", DispatcherDepth: 2})
	require.NoError(t, err)

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	cfg.SetAgentProfiles(map[string]config.AgentProfile{"main": {AllowAgents: []string{"jarvis"}}})
	launcher := NewLauncher(s, tr, &fakeSessionHost{}, authz.New(nil, nil), cfg, nil)

	_, err = launcher.Launch(ctx, record)
	require.NoError(t, err)

	updated, _, err := tr.FindJobByRunID(ctx, record.JobID)
	require.NoError(t, err)
	require.Equal(t, 3, updated.Depth)
}

func TestLaunchRejectsDepthExceeded(t *testing.T) {
	tr, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx := context.Background()

	record, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main", DispatcherDepth: 5})
	require.NoError(t, err)

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	launcher := NewLauncher(s, tr, &fakeSessionHost{}, authz.New(nil, nil), cfg, nil)

	_, err = launcher.Launch(ctx, record)
	require.Error(t, err)
	require.True(t, IsUnrecoverable(err))
}

func TestLaunchRejectsDisallowedTarget(t *testing.T) {
	tr, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx := context.Background()

	record, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "other-agent", Task: "t", DispatchedBy: "main", DispatcherAgentID: "main"})
	require.NoError(t, err)

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	launcher := NewLauncher(s, tr, &fakeSessionHost{}, authz.New(nil, nil), cfg, nil)

	_, err = launcher.Launch(ctx, record)
	require.Error(t, err)
	require.True(t, IsUnrecoverable(err))
}

func TestLaunchRetriesPatchWithoutModelOnFailure(t *testing.T) {
	tr, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx := context.Background()

	record, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main", Model: "gpt-exotic"})
	require.NoError(t, err)

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	cfg.SetAgentProfiles(map[string]config.AgentProfile{"main": {AllowAgents: []string{"jarvis"}}})
	sh := &fakeSessionHost{failPatch: true}
	launcher := NewLauncher(s, tr, sh, authz.New(nil, nil), cfg, nil)

	_, err = launcher.Launch(ctx, record)
	require.NoError(t, err)
	require.Equal(t, 2, sh.patchCalls)
}

func TestLaunchApprovedBypassesChecks(t *testing.T) {
	_, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx := context.Background()

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	sh := &fakeSessionHost{}
	launcher := NewLauncher(s, tracker.New(s), sh, authz.New(nil, nil), cfg, nil)

	record := &approval.Record{
		Target:               "jarvis",
		Task:                 "do the approved thing",
		Model:                "opus",
		ThinkingLevel:        "high",
		DispatcherSessionKey: "dispatcher-sess",
	}
	runID, sessionKey, err := launcher.LaunchApproved(ctx, record)
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	require.Contains(t, sessionKey, "agent:jarvis:subagent:")
	require.Equal(t, 1, sh.startCalls)
}

func TestLaunchApprovedAppliesTimeoutBound(t *testing.T) {
	_, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx := context.Background()

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	sh := &fakeSessionHost{}
	launcher := NewLauncher(s, tracker.New(s), sh, authz.New(nil, nil), cfg, nil)

	record := &approval.Record{
		Target:    "jarvis",
		Task:      "do the approved thing",
		TimeoutMs: 5000,
	}
	runID, _, err := launcher.LaunchApproved(ctx, record)
	require.NoError(t, err)
	require.NotEmpty(t, runID)
}

func TestWorkerDrainsWaitingQueue(t *testing.T) {
	tr, s, cleanup := newTestHarness(t)
	defer cleanup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	record, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main"})
	require.NoError(t, err)

	cfg := &config.Config{MaxSpawnDepth: 5, MaxChildrenPerAgent: 10}
	cfg.SetAgentProfiles(map[string]config.AgentProfile{"main": {AllowAgents: []string{"jarvis"}}})
	sh := &fakeSessionHost{}
	launcher := NewLauncher(s, tr, sh, authz.New(nil, nil), cfg, nil)
	w := New("jarvis", launcher, s, tr, nil)

	w.drainOnce(ctx)

	updated, _, err := tr.FindJobByRunID(ctx, record.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusActive, updated.Status)
	require.Equal(t, 1, sh.startCalls)
}

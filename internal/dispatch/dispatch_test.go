package dispatch

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jobrelay/dispatch/internal/approval"
	"github.com/jobrelay/dispatch/internal/authz"
	"github.com/jobrelay/dispatch/internal/breaker"
	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/sessionhost"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

type fakeSessionHost struct {
	startCalls int
}

func (f *fakeSessionHost) StartSession(_ context.Context, req sessionhost.StartSessionRequest) (*sessionhost.StartSessionResponse, error) {
	f.startCalls++
	return &sessionhost.StartSessionResponse{RunID: "run-1", SessionKey: req.SessionKey}, nil
}
func (f *fakeSessionHost) PatchSession(context.Context, sessionhost.PatchSessionRequest) error { return nil }
func (f *fakeSessionHost) SendToSession(context.Context, string, string) error                 { return nil }
func (f *fakeSessionHost) FetchSessionHistory(context.Context, string) ([]sessionhost.HistoryMessage, error) {
	return nil, nil
}

type fakeSender struct{ sent int }

func (f *fakeSender) Send(context.Context, string, string, string, string) (string, error) {
	f.sent++
	return "msg-1", nil
}
func (f *fakeSender) AddReaction(context.Context, string, string, string) error    { return nil }
func (f *fakeSender) RemoveReaction(context.Context, string, string, string) error { return nil }

type fakeSpawner struct{}

func (fakeSpawner) SpawnApproved(context.Context, *approval.Record) (string, string, error) {
	return "run-approved", "sess-approved", nil
}

func newTestDispatcher(t *testing.T, cfg *config.Config, connectStore bool) (*Dispatcher, *fakeSessionHost, *metrics.Registry, func()) {
	t.Helper()
	cfg.SetAgentProfiles(map[string]config.AgentProfile{
		"main":        {AllowAgents: []string{"jarvis"}},
		"other-agent": {AllowAgents: []string{"jarvis"}},
	})
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(rdb)
	tr := tracker.New(s)

	sh := &fakeSessionHost{}
	identity := authz.New(nil, []string{"main"})
	reg := metrics.New()
	approvals := approval.New(s, &fakeSender{}, fakeSpawner{}, "#approvals", time.Hour, []string{"approver-1"}, nil, reg)
	br := breaker.New("dispatch", 5, 30*time.Second)
	d := New(sh, identity, approvals, br, cfg, nil, reg)

	if connectStore {
		d.Handle().Set(s, tr)
	}

	return d, sh, reg, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestDispatchDirectFallbackWhenStoreUnreachable(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, sh, _, cleanup := newTestDispatcher(t, cfg, false)
	defer cleanup()

	result, err := d.Dispatch(context.Background(), Params{Caller: "main", Target: "jarvis", Task: "t"})
	require.NoError(t, err)
	require.True(t, result.Fallback)
	require.Equal(t, 1, sh.startCalls)
}

func TestDispatchQueuesForOrchestrator(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, _, reg, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()

	result, err := d.Dispatch(context.Background(), Params{Caller: "main", Target: "jarvis", Task: "t"})
	require.NoError(t, err)
	require.Equal(t, "queued", result.Status)
	require.NotEmpty(t, result.JobID)
	require.Equal(t, 1.0, testutil.ToFloat64(reg.DispatchTotal.WithLabelValues("jarvis", "queued")))
}

func TestDispatchRoutesToApprovalForNonOrchestrator(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, _, reg, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()

	result, err := d.Dispatch(context.Background(), Params{Caller: "other-agent", Target: "jarvis", Task: "t"})
	require.NoError(t, err)
	require.Equal(t, "pending_approval", result.Status)
	require.Equal(t, 1.0, testutil.ToFloat64(reg.DispatchTotal.WithLabelValues("jarvis", "pending_approval")))
}

func TestDispatchRejectsTaskTooLong(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, _, _, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()

	huge := make([]byte, 60000)
	_, err := d.Dispatch(context.Background(), Params{Caller: "main", Target: "jarvis", Task: string(huge)})
	require.Error(t, err)
}

func TestDispatchRejectsDisallowedTarget(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, _, _, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()

	_, err := d.Dispatch(context.Background(), Params{Caller: "main", Target: "other-agent", Task: "t"})
	require.Error(t, err)
}

func TestDispatchEnforcesRateLimit(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 1, RateLimitMaxQueueDepth: 50}
	d, _, reg, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()
	ctx := context.Background()

	_, err := d.Dispatch(ctx, Params{Caller: "main", Target: "jarvis", Task: "t"})
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(reg.DispatchTotal.WithLabelValues("jarvis", "queued")))

	result, err := d.Dispatch(ctx, Params{Caller: "main", Target: "jarvis", Task: "t"})
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, "Rate limit exceeded: 2/1 dispatches this minute", err.Error())
	require.Equal(t, "rate_limited", result.Status)
	require.Equal(t, err.Error(), result.Error)
	require.Equal(t, 1.0, testutil.ToFloat64(reg.DispatchTotal.WithLabelValues("jarvis", "queued")))
}

func TestDispatchRejectsDisallowedTargetWithUnauthorizedStatus(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, _, _, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()

	result, err := d.Dispatch(context.Background(), Params{Caller: "main", Target: "other-agent", Task: "t"})
	require.Error(t, err)
	require.NotNil(t, result)
	require.Equal(t, "unauthorized", result.Status)
	require.NotEmpty(t, result.Error)
}

func TestDispatchStampsDepthFromDispatcherDepth(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, _, _, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()

	result, err := d.Dispatch(context.Background(), Params{Caller: "main", Target: "jarvis", Task: "t", DispatcherDepth: 2})
	require.NoError(t, err)

	_, tr := d.handle.get()
	record, _, err := tr.FindJobByRunID(context.Background(), result.JobID)
	require.NoError(t, err)
	require.Equal(t, 3, record.Depth)
}

func TestDispatchStampsDepthFromSessionKeyLookup(t *testing.T) {
	cfg := &config.Config{RateLimitDispatchesPerMinute: 10, RateLimitMaxQueueDepth: 50}
	d, _, _, cleanup := newTestDispatcher(t, cfg, true)
	defer cleanup()
	ctx := context.Background()

	_, tr := d.handle.get()
	dispatcherJob, err := tr.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "parent", DispatchedBy: "main", Depth: 4})
	require.NoError(t, err)
	require.NoError(t, tr.IndexJobBySessionKey(ctx, "session-abc", dispatcherJob.JobID, "agent:jarvis"))

	result, err := d.Dispatch(ctx, Params{Caller: "main", Target: "jarvis", Task: "t", DispatcherSessionKey: "session-abc"})
	require.NoError(t, err)

	record, _, err := tr.FindJobByRunID(ctx, result.JobID)
	require.NoError(t, err)
	require.Equal(t, 5, record.Depth)
}

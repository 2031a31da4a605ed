package orchestrator

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jobrelay/dispatch/internal/config"
	"github.com/jobrelay/dispatch/internal/metrics"
	"github.com/jobrelay/dispatch/internal/queue"
	"github.com/jobrelay/dispatch/internal/store"
	"github.com/jobrelay/dispatch/internal/tracker"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func baseConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	host, port := hostPort(t, addr)
	cfg := &config.Config{
		RedisHost:                      host,
		RedisPort:                      port,
		StoreReadyTimeout:              2 * time.Second,
		CleanupInterval:                time.Hour,
		ApprovalTTLDays:                7,
		LearningsTTLDays:               365,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerResetTimeout:     30 * time.Second,
		RateLimitMaxQueueDepth:         50,
		MaxSpawnDepth:                  5,
		MaxChildrenPerAgent:            10,
	}
	cfg.SetAgentProfiles(map[string]config.AgentProfile{"jarvis": {}})
	return cfg
}

func TestStartConnectsAndRecoversStaleJobs(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	seedStore := store.NewWithClient(rdb)
	seedTracker := tracker.New(seedStore)

	ctx := context.Background()
	record, err := seedTracker.CreateJob(ctx, tracker.CreateParams{Target: "jarvis", Task: "t", DispatchedBy: "main"})
	require.NoError(t, err)
	_, err = seedTracker.UpdateJobStatus(ctx, record.JobID, queue.StatusActive, func(*queue.Record) {})
	require.NoError(t, err)

	cfg := baseConfig(t, mr.Addr())
	reg := metrics.New()
	o := New(cfg, NewSlogLogger(nil), reg)

	require.NoError(t, o.Start(ctx))

	updated, _, err := seedTracker.FindJobByRunID(ctx, record.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailedPermanent, updated.Status)
	require.Equal(t, restartRecoveryError, updated.Error)
	require.Equal(t, 1.0, testutil.ToFloat64(reg.JobsFailedTotal.WithLabelValues("jarvis")))

	require.NotNil(t, o.Query())
	require.NotNil(t, o.Approvals())
	require.NotNil(t, o.Learnings())
	require.Len(t, o.workers, 1)
	require.NotNil(t, o.depgateWorker)

	require.NoError(t, o.Stop(context.Background()))
}

func TestStartFallsBackWhenStoreUnreachable(t *testing.T) {
	cfg := &config.Config{
		RedisHost:                      "203.0.113.1",
		RedisPort:                      1,
		StoreReadyTimeout:              50 * time.Millisecond,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerResetTimeout:     30 * time.Second,
	}
	reg := metrics.New()
	o := New(cfg, NewSlogLogger(nil), reg)

	require.NoError(t, o.Start(context.Background()))

	require.Nil(t, o.Query())
	require.Nil(t, o.Approvals())
	require.NotNil(t, o.Dispatcher())
	require.Empty(t, o.workers)

	require.NoError(t, o.Stop(context.Background()))
}

func TestStopIsSafeWithoutStart(t *testing.T) {
	cfg := &config.Config{RedisHost: "localhost", RedisPort: 6379}
	o := New(cfg, NewSlogLogger(nil), metrics.New())
	require.NoError(t, o.Stop(context.Background()))
}

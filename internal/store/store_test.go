package store

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestStore starts an in-process fake Redis server, following the
// newTestRedisLuaLimiter helper in
// fairyhunter13-ai-cv-evaluator/internal/service/ratelimiter/redis_lua_limiter_test.go.
func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWithClient(rdb)

	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return s, cleanup
}

func TestSetGetJSON(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(t, s.SetJSON(ctx, "k1", payload{Name: "hello"}, 0))

	var out payload
	found, err := s.GetJSON(ctx, "k1", &out)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "hello", out.Name)
}

func TestGetJSONMissing(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	var out map[string]string
	found, err := s.GetJSON(ctx, "missing", &out)
	require.NoError(t, err)
	require.False(t, found)
}

func TestCompareAndSwapStatus(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	type record struct {
		Status string `json:"status"`
	}
	require.NoError(t, s.SetJSON(ctx, "approval:a1", record{Status: "pending"}, 0))

	res, err := s.CompareAndSwapStatus(ctx, "approval:a1", []string{"pending", "approved_spawn_failed"}, "approved", 0)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// Second CAS from the same "from" set should be a no-op now.
	res2, err := s.CompareAndSwapStatus(ctx, "approval:a1", []string{"pending"}, "rejected", 0)
	require.NoError(t, err)
	require.False(t, res2.Applied)
	require.Equal(t, "approved", res2.CurrentStatus)
}

func TestCompareAndSwapStatusMissing(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	res, err := s.CompareAndSwapStatus(ctx, "approval:missing", []string{"pending"}, "approved", 0)
	require.NoError(t, err)
	require.True(t, res.Missing)
}

func TestIncrementRateLimitCounter(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		count, err := s.IncrementRateLimitCounter(ctx, "ratelimit:caller1", 60)
		require.NoError(t, err)
		require.Equal(t, i, count)
	}
}

func TestSortedSetOperations(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "pending", 100, "a1"))
	require.NoError(t, s.ZAdd(ctx, "pending", 200, "a2"))

	members, err := s.ZRangeByScore(ctx, "pending", "-inf", "+inf")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a1", "a2"}, members)

	require.NoError(t, s.ZRem(ctx, "pending", "a1"))
	members, err = s.ZRangeByScore(ctx, "pending", "-inf", "+inf")
	require.NoError(t, err)
	require.Equal(t, []string{"a2"}, members)
}

func TestIsAuthFailure(t *testing.T) {
	require.True(t, IsAuthFailure(errAuth("NOAUTH Authentication required.")))
	require.True(t, IsAuthFailure(errAuth("ERR AUTH failed")))
	require.False(t, IsAuthFailure(errAuth("connection refused")))
	require.False(t, IsAuthFailure(nil))
}

type errAuth string

func (e errAuth) Error() string { return string(e) }

// Package store implements the durable, keyspace-partitioned shared-state
// layer on top of Redis: job/approval/learning records, secondary indexes,
// sorted sets, native TTL, and the atomic scripts the approval CAS and
// rate-limit components depend on.
package store

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Key prefixes for the shared keyspace. "bull:" namespaces queue
// infrastructure; "orch:" namespaces orchestrator-owned records. Mirrors
// the prefix-constant convention in server/store/kvstore/store.go,
// generalized from Mattermost's flat KV API to Redis's richer type set.
const (
	PrefixJobIndex     = "bull:job-index"     // hash: jobId -> queueName
	PrefixSessionIndex = "bull:session-index" // hash: sessionKey -> {jobId, queueName} JSON
	PrefixRateLimit    = "bull:ratelimit:dispatch:"

	PrefixApproval         = "orch:approval:"
	PrefixApprovalsPending = "orch:approvals:pending"
	PrefixApprovalsProject = "orch:approvals:project:"
	PrefixApprovalsMsg     = "orch:approvals:msg:"

	PrefixLearning    = "orch:learning:"
	PrefixLearnings   = "orch:learnings:"
	PrefixLearningJob = "orch:learnings:job:"

	// PrefixGatesPending tracks, per parent job id, the set of dependency
	// job ids the dependency-gate worker is still waiting on.
	PrefixGatesPending = "orch:gates:pending:"
)

// QueueKey returns the base key for a per-agent queue's structures.
func QueueKey(queueName string) string {
	return "bull:" + queueName + ":"
}

// authFailurePattern distinguishes an unrecoverable auth failure (trips the
// breaker immediately) from a transient connection failure.
var authFailurePattern = regexp.MustCompile(`NOAUTH|ERR AUTH`)

// IsAuthFailure reports whether err represents a Redis auth failure.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	return authFailurePattern.MatchString(err.Error())
}

// Store wraps a Redis client with the operations the rest of the core
// depends on. All operations are safe for concurrent use.
type Store struct {
	client *redis.Client

	casScript       *redis.Script
	rateLimitScript *redis.Script
}

// Options configures a Store's Redis connection.
type Options struct {
	Host     string
	Port     int
	Password string
	TLS      bool
}

// New connects to Redis and returns a ready Store. It blocks until the
// connection is confirmed ready or the context deadline (intended to be a
// 10s readiness timeout per SPEC_FULL.md §4.10) is exceeded.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr(opts),
		Password: opts.Password,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if IsAuthFailure(err) {
			return nil, errors.Wrap(err, "redis authentication failed")
		}
		return nil, errors.Wrap(err, "redis not ready")
	}

	return newStore(client), nil
}

// NewWithClient wraps an existing *redis.Client (used by tests against
// miniredis).
func NewWithClient(client *redis.Client) *Store {
	return newStore(client)
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:          client,
		casScript:       redis.NewScript(casTransitionScript),
		rateLimitScript: redis.NewScript(rateLimitCounterScript),
	}
}

func addr(opts Options) string {
	host := opts.Host
	if host == "" {
		host = "localhost"
	}
	port := opts.Port
	if port == 0 {
		port = 6379
	}
	return host + ":" + strconv.Itoa(port)
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying *redis.Client for packages that need
// operations this wrapper doesn't enumerate (sorted sets, lists, pub/sub).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping checks connection liveness; used by the keep-alive loop.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// KeepAlive runs a periodic PING until ctx is cancelled, reconnecting with
// bounded exponential backoff (capped at 30s) on failure, following the
// contract in SPEC_FULL.md §4.1. onReconnectFailure, if non-nil, is called
// with the error each time a ping fails, before the backoff wait.
func (s *Store) KeepAlive(ctx context.Context, interval time.Duration, onReconnectFailure func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Ping(ctx); err != nil {
				if onReconnectFailure != nil {
					onReconnectFailure(err)
				}
				wait := bo.NextBackOff()
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			bo.Reset()
		}
	}
}

// SetJSON marshals v and stores it at key with the given TTL (0 = no
// expiry).
func (s *Store) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value")
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return errors.Wrapf(err, "failed to set key %q", key)
	}
	return nil
}

// GetJSON loads the JSON value at key into v. It returns (false, nil) if
// the key does not exist.
func (s *Store) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to get key %q", key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrap(err, "failed to unmarshal value")
	}
	return true, nil
}

// Delete removes one or more keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete keys")
	}
	return nil
}

// HSet stores field on a hash key.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return errors.Wrapf(err, "failed to hset %q/%q", key, field)
	}
	return nil
}

// HGet reads field from a hash key. Returns ("", false, nil) if missing.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to hget %q/%q", key, field)
	}
	return v, true, nil
}

// HDel removes field(s) from a hash key.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return errors.Wrapf(err, "failed to hdel %q", key)
	}
	return nil
}

// HKeys returns all field names on a hash key, for batched scans (e.g.
// stale-index cleanup).
func (s *Store) HKeys(ctx context.Context, key string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to hkeys %q", key)
	}
	return keys, nil
}

// ZAdd adds member with score to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return errors.Wrapf(err, "failed to zadd %q", key)
	}
	return nil
}

// ZRem removes member(s) from a sorted set.
func (s *Store) ZRem(ctx context.Context, key string, members ...interface{}) error {
	if err := s.client.ZRem(ctx, key, members...).Err(); err != nil {
		return errors.Wrapf(err, "failed to zrem %q", key)
	}
	return nil
}

// ZPopMin pops the lowest-score member from a sorted set, giving FIFO
// dequeue semantics when scores are enqueue timestamps. Returns ("", false,
// nil) if the set is empty.
func (s *Store) ZPopMin(ctx context.Context, key string) (string, bool, error) {
	res, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to zpopmin %q", key)
	}
	if len(res) == 0 {
		return "", false, nil
	}
	member, _ := res[0].Member.(string)
	return member, true, nil
}

// ZPopMinReady pops and returns the lowest-score member whose score is at
// most maxScore, supporting delayed-job semantics where score is a
// ready-at unix timestamp. Returns ("", false, nil) if the set is empty or
// its earliest member is not yet ready.
func (s *Store) ZPopMinReady(ctx context.Context, key string, maxScore float64) (string, bool, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(maxScore, 'f', -1, 64),
		Count: 1,
	}).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to zrangebyscore %q", key)
	}
	if len(res) == 0 {
		return "", false, nil
	}
	member, _ := res[0].Member.(string)
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return "", false, errors.Wrapf(err, "failed to zrem %q after pop", key)
	}
	return member, true, nil
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to zcard %q", key)
	}
	return n, nil
}

// ZRangeByScore returns members with score in [min,max].
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to zrangebyscore %q", key)
	}
	return members, nil
}

// LPush pushes a value onto the head of a list.
func (s *Store) LPush(ctx context.Context, key string, value string) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return errors.Wrapf(err, "failed to lpush %q", key)
	}
	return nil
}

// LRange returns a range of list elements.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lrange %q", key)
	}
	return vals, nil
}

// Publish publishes a message on a channel, used for queue state-change
// notifications.
func (s *Store) Publish(ctx context.Context, channel string, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to %q", channel)
	}
	return nil
}

// Subscribe returns a subscription to a channel; callers are responsible
// for closing it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

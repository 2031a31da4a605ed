package store

import (
	"context"

	"github.com/pkg/errors"
)

// casTransitionScript performs a compare-and-swap style status transition
// on a JSON record stored at KEYS[1]. ARGV[1]..ARGV[n] are the allowed
// "from" statuses, ARGV[n+1] is the "to" status, and ARGV[n+2] is the TTL in
// seconds: above zero the record is rewritten with that expiry, otherwise
// its existing TTL is kept. The status is always read from and written to
// the record's "status" field.
// It returns one of:
//   - {"ok", <new record JSON>}      transition applied
//   - {"noop", <current status>}     record exists but status didn't match
//     any allowed "from" value (idempotency — caller inspects current
//     status to report e.g. "already approved")
//   - {"missing"}                    record does not exist
//   - {"malformed"}                  record exists but isn't valid JSON
//
// Grounded on the redis.NewScript/script.Run(ctx, client, keys,
// args...).Result() call shape in
// fairyhunter13-ai-cv-evaluator/internal/service/ratelimiter/redis_lua_limiter.go,
// adapted from token-bucket math to a state-transition check-and-set.
const casTransitionScript = `
local key = KEYS[1]
local raw = redis.call("GET", key)
if raw == false then
  return {"missing"}
end

local ok, record = pcall(cjson.decode, raw)
if not ok then
  return {"malformed"}
end

local toStatus = ARGV[#ARGV - 1]
local ttlSeconds = tonumber(ARGV[#ARGV])

local allowed = false
for i = 1, (#ARGV - 2) do
  if record.status == ARGV[i] then
    allowed = true
    break
  end
end

if not allowed then
  return {"noop", record.status}
end

record.status = toStatus
local updated = cjson.encode(record)

if ttlSeconds > 0 then
  redis.call("SET", key, updated, "EX", ttlSeconds)
else
  redis.call("SET", key, updated, "KEEPTTL")
end

return {"ok", updated}
`

// rateLimitCounterScript atomically increments a per-caller counter and
// sets a window TTL on the first increment in the window, per
// SPEC_FULL.md §4.7 ("incremented via an atomic script that increments and
// sets a 60s TTL on first increment in the window"). KEYS[1] is the
// counter key, ARGV[1] is the window TTL in seconds. Returns the new
// counter value.
const rateLimitCounterScript = `
local key = KEYS[1]
local windowSeconds = tonumber(ARGV[1])

local count = redis.call("INCR", key)
if count == 1 then
  redis.call("EXPIRE", key, windowSeconds)
end

return count
`

// CASResult is the outcome of an atomic status transition.
type CASResult struct {
	Applied       bool
	CurrentStatus string
	Missing       bool
	Malformed     bool
	RecordJSON    string
}

// CompareAndSwapStatus atomically transitions the record at key from one
// of fromStatuses to toStatus, optionally resetting its TTL. This backs
// both the approval approve/reject paths in internal/approval.
func (s *Store) CompareAndSwapStatus(ctx context.Context, key string, fromStatuses []string, toStatus string, ttlSeconds int64) (*CASResult, error) {
	args := make([]interface{}, 0, len(fromStatuses)+2)
	for _, f := range fromStatuses {
		args = append(args, f)
	}
	args = append(args, toStatus, ttlSeconds)

	res, err := s.casScript.Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "cas script failed for key %q", key)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return nil, errors.Errorf("cas script returned unexpected result for key %q: %v", key, res)
	}

	switch vals[0] {
	case "missing":
		return &CASResult{Missing: true}, nil
	case "malformed":
		return &CASResult{Malformed: true}, nil
	case "noop":
		current, _ := vals[1].(string)
		return &CASResult{CurrentStatus: current}, nil
	case "ok":
		updated, _ := vals[1].(string)
		return &CASResult{Applied: true, RecordJSON: updated}, nil
	default:
		return nil, errors.Errorf("cas script returned unknown status %v for key %q", vals[0], key)
	}
}

// IncrementRateLimitCounter atomically increments the per-caller counter
// and returns the new count, arming a windowSeconds TTL on first
// increment.
func (s *Store) IncrementRateLimitCounter(ctx context.Context, key string, windowSeconds int64) (int64, error) {
	res, err := s.rateLimitScript.Run(ctx, s.client, []string{key}, windowSeconds).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "rate limit script failed for key %q", key)
	}
	return toInt64(res)
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	default:
		return 0, errors.Errorf("unexpected rate limit script result type %T", v)
	}
}

// Package ratelimit — counter store.
//
// This file defines the CounterStore contract and its Redis implementation.
// Counters are sliding-window event sets (sorted sets scored by timestamp)
// with automatic expiry; they are a cache reconstructable from recent
// history, not a system of record. The check-and-consume path runs as a
// single Lua script so two concurrent callers can never both observe the
// last free slot.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreResult is the outcome of an atomic check-and-consume against all
// windows of one (account, platform, endpoint) tuple.
type StoreResult struct {
	Allowed bool
	// LimitingWindow is the name of the first window that would be exceeded
	// (burst is checked first); empty when allowed.
	LimitingWindow string
	// RetryAfter is how long until the limiting window frees a slot.
	RetryAfter time.Duration
	// Remaining is the tightest remaining capacity across windows after the
	// event was recorded; -1 when denied.
	Remaining int
}

// CounterStore is the shared, cross-process counter backend for the limiter.
// Implementations must make CheckAndConsume atomic: the admission check and
// the event recording happen as one indivisible operation.
type CounterStore interface {
	// CheckAndConsume evaluates windows in order and, only if every window
	// has capacity, records one event (member, scored at now) in each.
	CheckAndConsume(ctx context.Context, keyBase string, now time.Time, member string, windows []windowSpec) (StoreResult, error)

	// Counts returns the current event count per window without mutating
	// any counter.
	Counts(ctx context.Context, keyBase string, now time.Time, windows []windowSpec) ([]int64, error)

	// Reset deletes all counters matching the given key pattern and returns
	// the number of keys removed.
	Reset(ctx context.Context, pattern string) (int64, error)
}

// checkAndConsumeScript walks the window keys tightest-first. If any window
// is at its limit it returns {0, windowIndex, retryAfterMs} without writing.
// Otherwise it records the member in every window, refreshes expiries, and
// returns {1, 0, minRemaining}.
var checkAndConsumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
for i = 1, #KEYS do
  local span = tonumber(ARGV[i*2+1])
  local limit = tonumber(ARGV[i*2+2])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], 0, now - span)
  local count = redis.call('ZCARD', KEYS[i])
  if count >= limit then
    local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
    local retry = span
    if oldest[2] then
      retry = (tonumber(oldest[2]) + span) - now
    end
    if retry < 0 then retry = 0 end
    return {0, i, retry}
  end
end
local remaining = -1
for i = 1, #KEYS do
  local span = tonumber(ARGV[i*2+1])
  local limit = tonumber(ARGV[i*2+2])
  redis.call('ZADD', KEYS[i], now, member)
  redis.call('PEXPIRE', KEYS[i], span)
  local left = limit - redis.call('ZCARD', KEYS[i])
  if remaining < 0 or left < remaining then remaining = left end
end
return {1, 0, remaining}
`)

// RedisStore is the production CounterStore backed by Redis sorted sets.
// One ZSET exists per (account, platform, endpoint, window); keys carry a
// PEXPIRE equal to their window span so idle counters evaporate on their own.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. prefix namespaces all keys
// (e.g. "rl") so the limiter can share a database with other components.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key returns the counter key for one window of one tuple. Exposed so tests
// and administrative tooling can address counters directly.
func (s *RedisStore) Key(keyBase, window string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, keyBase, window)
}

// CheckAndConsume implements CounterStore via the Lua script above.
func (s *RedisStore) CheckAndConsume(ctx context.Context, keyBase string, now time.Time, member string, windows []windowSpec) (StoreResult, error) {
	keys := make([]string, 0, len(windows))
	args := make([]interface{}, 0, 2+len(windows)*2)
	args = append(args, now.UnixMilli(), member)
	for _, w := range windows {
		keys = append(keys, s.Key(keyBase, w.Name))
		args = append(args, w.Span.Milliseconds(), w.Limit)
	}

	raw, err := checkAndConsumeScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return StoreResult{}, err
	}
	if len(raw) != 3 {
		return StoreResult{}, fmt.Errorf("ratelimit script returned %d values, want 3", len(raw))
	}
	allowed, _ := raw[0].(int64)
	idx, _ := raw[1].(int64)
	third, _ := raw[2].(int64)

	if allowed == 1 {
		return StoreResult{Allowed: true, Remaining: int(third)}, nil
	}
	res := StoreResult{Allowed: false, Remaining: -1, RetryAfter: time.Duration(third) * time.Millisecond}
	if idx >= 1 && int(idx) <= len(windows) {
		res.LimitingWindow = windows[idx-1].Name
	}
	return res, nil
}

// Counts implements CounterStore with a ZCOUNT pipeline. Expired events are
// excluded by score range rather than removed, keeping the read side-effect
// free.
func (s *RedisStore) Counts(ctx context.Context, keyBase string, now time.Time, windows []windowSpec) ([]int64, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(windows))
	for i, w := range windows {
		min := fmt.Sprintf("%d", now.Add(-w.Span).UnixMilli())
		cmds[i] = pipe.ZCount(ctx, s.Key(keyBase, w.Name), min, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	counts := make([]int64, len(windows))
	for i, cmd := range cmds {
		counts[i] = cmd.Val()
	}
	return counts, nil
}

// Reset implements CounterStore by scanning for matching keys and deleting
// them in batches. Pattern is relative to the store prefix.
func (s *RedisStore) Reset(ctx context.Context, pattern string) (int64, error) {
	full := s.prefix + ":" + pattern
	var removed int64
	iter := s.client.Scan(ctx, 0, full, 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := s.client.Del(ctx, batch...).Result()
			removed += n
			if err != nil {
				return removed, err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := s.client.Del(ctx, batch...).Result()
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

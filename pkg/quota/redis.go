// Copyright 2026 The Atelier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithCeilingScript atomically increments a counter and rolls the
// increment back when it would exceed the ceiling. The window TTL is set
// only when the key is created, so the window is fixed from first use.
//
// Returns {admitted, value, pttl_ms}.
var incrWithCeilingScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
if v == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if v > tonumber(ARGV[1]) then
  redis.call("DECR", KEYS[1])
  return {0, v - 1, redis.call("PTTL", KEYS[1])}
end
return {1, v, redis.call("PTTL", KEYS[1])}
`)

// decrIfPositiveScript decrements a counter, clamping at zero. A missing
// or zero counter is left untouched. Returns {value, clamped}.
var decrIfPositiveScript = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "-1")
if v < 0 then
  return {0, 0}
end
if v == 0 then
  return {0, 1}
end
return {redis.call("DECR", KEYS[1]), 0}
`)

// RedisStore implements Store on a Redis database. All mutations run as
// server-side scripts so concurrent callers never observe torn state.
type RedisStore struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithLogger sets the logger used for anomaly reporting.
func WithLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.log = log }
}

// NewRedisStore creates a Store backed by the given Redis client. Any
// go-redis client (single node, cluster, ring) can be used.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb: rdb,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load preloads the mutation scripts so later calls go over EVALSHA.
// Optional; Run falls back to EVAL when a script is not cached.
func (s *RedisStore) Load(ctx context.Context) error {
	for _, script := range []*redis.Script{incrWithCeilingScript, decrIfPositiveScript} {
		if err := script.Load(ctx, s.rdb).Err(); err != nil {
			return fmt.Errorf("failed to load quota script: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) IncrWithCeiling(ctx context.Context, key string, ceiling int64, ttl time.Duration) (IncrResult, error) {
	resp, err := incrWithCeilingScript.Run(ctx, s.rdb, []string{key}, ceiling, ttl.Milliseconds()).Slice()
	if err != nil {
		return IncrResult{}, fmt.Errorf("quota increment failed: %w", err)
	}
	if len(resp) != 3 {
		return IncrResult{}, fmt.Errorf("quota increment: unexpected reply length %d", len(resp))
	}

	admitted, _ := resp[0].(int64)
	value, _ := resp[1].(int64)
	pttl, _ := resp[2].(int64)

	result := IncrResult{
		Value: value,
		OK:    admitted == 1,
	}
	if pttl > 0 {
		result.ResetAfter = time.Duration(pttl) * time.Millisecond
	}
	return result, nil
}

func (s *RedisStore) DecrIfPositive(ctx context.Context, key string) (int64, error) {
	resp, err := decrIfPositiveScript.Run(ctx, s.rdb, []string{key}).Slice()
	if err != nil {
		return 0, fmt.Errorf("quota decrement failed: %w", err)
	}
	if len(resp) != 2 {
		return 0, fmt.Errorf("quota decrement: unexpected reply length %d", len(resp))
	}

	value, _ := resp[0].(int64)
	clamped, _ := resp[1].(int64)
	if clamped == 1 {
		// A decrement below zero would corrupt accounting; it is clamped
		// server-side and reported here.
		s.log.Warn("quota decrement clamped at zero", "key", key)
	}
	return value, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota get failed: %w", err)
	}
	return v, nil
}

func (s *RedisStore) ScanBatch(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	keys, next, err := s.rdb.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("quota scan failed: %w", err)
	}
	return keys, next, nil
}

func (s *RedisStore) DeleteBatch(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	// UNLINK reclaims memory off the main thread; a flush over ~10^6 keys
	// must not stall live counter traffic.
	n, err := s.rdb.Unlink(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("quota delete failed: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

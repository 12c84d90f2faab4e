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

// Package quota provides a shared, atomically-mutable counter store keyed
// by (principal, rule) with per-key expiry.
//
// Counters are only ever mutated through the store's atomic primitives:
// increment-with-ceiling, decrement-if-positive, and bulk scan/delete.
// There is no application-level read-modify-write path.
package quota

import (
	"context"
	"fmt"
	"time"
)

// KeyPrefix is the namespace shared by all quota counter keys.
const KeyPrefix = "quota:"

// Key builds the counter key for a (rule, principal) pair.
func Key(ruleID, principalID string) string {
	return fmt.Sprintf("%s%s:%s", KeyPrefix, ruleID, principalID)
}

// IncrResult is the outcome of an increment-with-ceiling call.
type IncrResult struct {
	// Value is the counter value after the call. When the increment was
	// rejected, this is the unchanged pre-call value.
	Value int64

	// OK reports whether the increment was admitted under the ceiling.
	OK bool

	// ResetAfter is the remaining lifetime of the counter's window.
	ResetAfter time.Duration
}

// Store is the persistence layer for quota counters.
//
// Implementations must be safe for concurrent use and must implement the
// mutation primitives atomically; callers rely on increment-and-compare
// semantics, not read-then-write.
type Store interface {
	// IncrWithCeiling atomically increments the counter by one. If the
	// resulting value would exceed ceiling, the increment is rolled back
	// and OK is false. A counter created by this call gets the given ttl.
	IncrWithCeiling(ctx context.Context, key string, ceiling int64, ttl time.Duration) (IncrResult, error)

	// DecrIfPositive atomically decrements the counter by one, clamping
	// at zero. Decrementing a missing or zero counter is a no-op and
	// returns zero. Returns the value after the call.
	DecrIfPositive(ctx context.Context, key string) (int64, error)

	// Get returns the current counter value, or zero when absent.
	Get(ctx context.Context, key string) (int64, error)

	// ScanBatch returns up to count keys matching pattern, starting from
	// cursor. A returned cursor of zero means the scan is complete.
	ScanBatch(ctx context.Context, cursor uint64, pattern string, count int64) (keys []string, next uint64, err error)

	// DeleteBatch removes the given keys without blocking the store, and
	// returns the number of keys actually removed.
	DeleteBatch(ctx context.Context, keys []string) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// Ensure interface compliance at compile time.
var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

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

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelierd/atelier/pkg/metrics"
	"github.com/atelierd/atelier/pkg/quota"
)

const (
	defaultFlushBatchSize  = 1000
	defaultFlushBatchRetry = 3
	defaultFlushRetryPause = 250 * time.Millisecond
)

// Limiter applies and refunds quota counters against a quota.Store.
//
// Limiter is stateless: all counter state lives in the store, so any
// number of instances across processes share the same accounting.
type Limiter struct {
	store quota.Store
	log   *slog.Logger

	flushBatchSize  int64
	flushBatchRetry int
	flushRetryPause time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter's logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// WithFlushBatchSize sets the number of keys scanned and deleted per
// flush batch. This is the single tuning knob for flush throughput.
func WithFlushBatchSize(n int64) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.flushBatchSize = n
		}
	}
}

// WithFlushBatchRetry sets how many times a failed flush batch is retried
// before the run is marked failed.
func WithFlushBatchRetry(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.flushBatchRetry = n
		}
	}
}

// NewLimiter creates a Limiter over the given counter store.
func NewLimiter(store quota.Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	l := &Limiter{
		store:           store,
		log:             slog.Default(),
		flushBatchSize:  defaultFlushBatchSize,
		flushBatchRetry: defaultFlushBatchRetry,
		flushRetryPause: defaultFlushRetryPause,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Apply atomically increments the counter for (principalID, rule). When
// the increment would exceed the rule's ceiling it is rolled back and a
// *LimitExceededError is returned. On success the returned record can be
// handed to Refund if the request is later rejected.
func (l *Limiter) Apply(ctx context.Context, principalID string, rule Rule) (*Applied, error) {
	if principalID == "" {
		return nil, fmt.Errorf("principal id is required")
	}

	key := quota.Key(rule.ID, principalID)
	res, err := l.store.IncrWithCeiling(ctx, key, rule.MaxCount, rule.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to apply rule %s: %w", rule.ID, err)
	}

	if !res.OK {
		return nil, &LimitExceededError{
			RuleID:     rule.ID,
			Limit:      rule.MaxCount,
			Current:    res.Value,
			ResetAfter: res.ResetAfter,
		}
	}

	return &Applied{
		PrincipalID: principalID,
		RuleID:      rule.ID,
		Key:         key,
		Amount:      1,
	}, nil
}

// Refund reverses previously applied records with decrement-if-positive.
// Refunds are best-effort: an expired window or a zero counter is a
// no-op, and store errors are logged but never returned. A failed refund
// degrades fairness slightly but must not fail the operation that
// triggered it.
func (l *Limiter) Refund(ctx context.Context, records []*Applied) {
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if _, err := l.store.DecrIfPositive(ctx, rec.Key); err != nil {
			l.log.Error("quota refund failed",
				"principal", rec.PrincipalID,
				"rule", rec.RuleID,
				"error", err)
		}
	}
}

// FlushStats summarizes a flush run.
type FlushStats struct {
	KeysScanned int64
	KeysDeleted int64
	Duration    time.Duration
}

// Flush deletes all quota counters in bounded batches. It is invoked on a
// calendar schedule by an external driver, or manually through the admin
// endpoint; the limiter owns no timing.
//
// Flush is not transactional: a failed run leaves already-deleted keys
// deleted, and re-running simply finds fewer keys.
func (l *Limiter) Flush(ctx context.Context) (FlushStats, error) {
	start := time.Now()
	stats := FlushStats{}
	pattern := quota.KeyPrefix + "*"

	var cursor uint64
	for {
		keys, next, err := l.flushBatch(ctx, cursor, pattern)
		if err != nil {
			stats.Duration = time.Since(start)
			l.log.Error("quota flush failed",
				"keys_scanned", stats.KeysScanned,
				"keys_deleted", stats.KeysDeleted,
				"duration_ms", stats.Duration.Milliseconds(),
				"error", err)
			return stats, err
		}

		stats.KeysScanned += int64(len(keys))
		if len(keys) > 0 {
			deleted, err := l.deleteBatch(ctx, keys)
			if err != nil {
				stats.Duration = time.Since(start)
				l.log.Error("quota flush failed",
					"keys_scanned", stats.KeysScanned,
					"keys_deleted", stats.KeysDeleted,
					"duration_ms", stats.Duration.Milliseconds(),
					"error", err)
				return stats, err
			}
			stats.KeysDeleted += deleted
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	stats.Duration = time.Since(start)
	metrics.FlushKeysDeleted.Add(float64(stats.KeysDeleted))
	metrics.FlushDuration.Observe(stats.Duration.Seconds())
	l.log.Info("quota flush complete",
		"keys_scanned", stats.KeysScanned,
		"keys_deleted", stats.KeysDeleted,
		"duration_ms", stats.Duration.Milliseconds())
	return stats, nil
}

// flushBatch scans one batch of keys, retrying transient failures.
func (l *Limiter) flushBatch(ctx context.Context, cursor uint64, pattern string) ([]string, uint64, error) {
	var lastErr error
	for attempt := 0; attempt < l.flushBatchRetry; attempt++ {
		keys, next, err := l.store.ScanBatch(ctx, cursor, pattern, l.flushBatchSize)
		if err == nil {
			return keys, next, nil
		}
		lastErr = err
		if !l.pause(ctx) {
			break
		}
	}
	return nil, 0, fmt.Errorf("flush scan batch failed after %d attempts: %w", l.flushBatchRetry, lastErr)
}

// deleteBatch deletes one batch of keys, retrying transient failures.
// DeleteBatch is idempotent, so a retry after a partially applied delete
// just removes the remainder.
func (l *Limiter) deleteBatch(ctx context.Context, keys []string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < l.flushBatchRetry; attempt++ {
		deleted, err := l.store.DeleteBatch(ctx, keys)
		if err == nil {
			return deleted, nil
		}
		lastErr = err
		if !l.pause(ctx) {
			break
		}
	}
	return 0, fmt.Errorf("flush delete batch failed after %d attempts: %w", l.flushBatchRetry, lastErr)
}

func (l *Limiter) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.flushRetryPause):
		return true
	}
}

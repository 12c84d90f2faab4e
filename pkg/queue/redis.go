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

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream    = "atelier:jobs"
	defaultGroup     = "workers"
	defaultBlock     = 5 * time.Second
	defaultClaimIdle = time.Minute

	// bodyField is the stream entry field carrying the encoded message.
	bodyField = "body"
)

// RedisQueue implements Queue on a Redis stream with a consumer group.
// Unacknowledged entries stay in the group's pending list and are
// reclaimed from dead consumers via XAUTOCLAIM, which gives at-least-once
// delivery across worker restarts.
type RedisQueue struct {
	rdb      redis.UniversalClient
	log      *slog.Logger
	stream   string
	group    string
	consumer string

	block     time.Duration
	claimIdle time.Duration
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithStream overrides the stream key.
func WithStream(stream string) RedisQueueOption {
	return func(q *RedisQueue) { q.stream = stream }
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) RedisQueueOption {
	return func(q *RedisQueue) { q.group = group }
}

// WithQueueLogger sets the queue's logger.
func WithQueueLogger(log *slog.Logger) RedisQueueOption {
	return func(q *RedisQueue) { q.log = log }
}

// WithClaimIdle sets how long an entry must sit unacknowledged before
// another consumer may claim it.
func WithClaimIdle(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) { q.claimIdle = d }
}

// NewRedisQueue creates a stream-backed queue. The consumer name must be
// unique per worker process so pending entries can be attributed.
func NewRedisQueue(ctx context.Context, rdb redis.UniversalClient, consumer string, opts ...RedisQueueOption) (*RedisQueue, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer name is required")
	}

	q := &RedisQueue{
		rdb:       rdb,
		log:       slog.Default(),
		stream:    defaultStream,
		group:     defaultGroup,
		consumer:  consumer,
		block:     defaultBlock,
		claimIdle: defaultClaimIdle,
	}
	for _, opt := range opts {
		opt(q)
	}

	err := rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return q, nil
}

func (q *RedisQueue) Publish(ctx context.Context, msg *Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish job message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Reclaim entries abandoned by dead consumers before reading new
		// ones, so a crashed worker's jobs are not stranded.
		if err := q.claimStale(ctx, handler); err != nil && !isRetryable(err) {
			return err
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("queue read failed", "stream", q.stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				q.deliver(ctx, entry, handler)
			}
		}
	}
}

// claimStale transfers long-pending entries from dead consumers to this
// one and processes them.
func (q *RedisQueue) claimStale(ctx context.Context, handler Handler) error {
	entries, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0",
		Count:    8,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to claim stale entries: %w", err)
	}
	for _, entry := range entries {
		q.deliver(ctx, entry, handler)
	}
	return nil
}

// deliver decodes one stream entry and runs the handler. The entry is
// acknowledged on success or on a malformed body; handler errors leave it
// pending for redelivery.
func (q *RedisQueue) deliver(ctx context.Context, entry redis.XMessage, handler Handler) {
	raw, ok := entry.Values[bodyField].(string)
	if !ok {
		q.log.Error("queue entry missing body, dropping", "entry", entry.ID)
		q.ack(ctx, entry.ID)
		return
	}

	msg, err := Decode([]byte(raw))
	if err != nil {
		q.log.Error("queue entry undecodable, dropping", "entry", entry.ID, "error", err)
		q.ack(ctx, entry.ID)
		return
	}

	if err := handler(ctx, msg); err != nil {
		q.log.Warn("job handler failed, leaving entry pending",
			"entry", entry.ID, "task", msg.TaskID, "error", err)
		return
	}
	q.ack(ctx, entry.ID)
}

func (q *RedisQueue) ack(ctx context.Context, entryID string) {
	if err := q.rdb.XAck(ctx, q.stream, q.group, entryID).Err(); err != nil {
		q.log.Error("queue ack failed", "entry", entryID, "error", err)
	}
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func isRetryable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

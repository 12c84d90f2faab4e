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
	"fmt"
	"log/slog"
	"sync"
)

// MemoryQueue is a channel-backed Queue for tests and single-process
// development. It preserves at-least-once semantics: a message whose
// handler fails is re-enqueued.
type MemoryQueue struct {
	ch     chan *Message
	log    *slog.Logger
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue creates a queue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:     make(chan *Message, size),
		log:    slog.Default(),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, msg *Message) error {
	// Round-trip the wire encoding so consumers see what workers on a
	// real broker would see.
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	decoded, err := Decode(body)
	if err != nil {
		return err
	}

	select {
	case <-q.closed:
		return fmt.Errorf("queue is closed")
	default:
	}

	select {
	case <-q.closed:
		return fmt.Errorf("queue is closed")
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- decoded:
		return nil
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case msg := <-q.ch:
			if err := handler(ctx, msg); err != nil {
				q.log.Warn("job handler failed, re-enqueueing",
					"task", msg.TaskID, "error", err)
				q.redeliver(ctx, msg)
			}
		}
	}
}

// redeliver puts a failed message back on the channel. When the buffer
// is full it waits in a goroutine rather than dropping: blocking the
// consumer itself would deadlock a single-consumer queue, and dropping
// would silently break at-least-once delivery.
func (q *MemoryQueue) redeliver(ctx context.Context, msg *Message) {
	select {
	case q.ch <- msg:
		return
	default:
	}
	go func() {
		select {
		case q.ch <- msg:
		case <-ctx.Done():
		case <-q.closed:
		}
	}()
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

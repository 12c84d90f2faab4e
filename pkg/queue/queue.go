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

// Package queue carries job messages from the admission path to workers.
//
// Delivery is at-least-once: a message may be redelivered after a worker
// crash, so consumers must be idempotent. The task id doubles as the
// idempotency key.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is the wire representation of a task's dispatch payload.
type Message struct {
	TaskID      string          `json:"task_id"`
	PrincipalID string          `json:"principal_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return b, nil
}

// Decode deserializes a wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	if m.TaskID == "" {
		return nil, fmt.Errorf("job message missing task id")
	}
	return &m, nil
}

// Handler processes one delivered message. Returning nil acknowledges the
// message; returning an error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Queue is an asynchronous, at-least-once delivery channel for job
// messages.
type Queue interface {
	// Publish enqueues a message.
	Publish(ctx context.Context, msg *Message) error

	// Consume blocks, delivering messages to the handler until the
	// context is cancelled. It is safe to run from multiple goroutines.
	Consume(ctx context.Context, handler Handler) error

	// Close releases resources held by the queue.
	Close() error
}

// Ensure interface compliance at compile time.
var (
	_ Queue = (*RedisQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)

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

package task

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a task id is unknown.
var ErrNotFound = errors.New("task not found")

// ErrDuplicateID is returned when creating a task whose id already exists.
var ErrDuplicateID = errors.New("task id already exists")

// ErrActiveConflict is returned when creating a task for a principal who
// already owns a non-terminal task. Create enforces this atomically so
// that concurrent submissions cannot both slip past the HasActive check.
var ErrActiveConflict = errors.New("principal already has an active task")

// TransitionOption sets fields alongside a status transition.
type TransitionOption func(*transitionUpdate)

type transitionUpdate struct {
	resultRef    *string
	errorMessage *string
}

// WithResultRef records the aggregate result identifier with the
// transition, normally alongside completed.
func WithResultRef(ref string) TransitionOption {
	return func(u *transitionUpdate) { u.resultRef = &ref }
}

// WithErrorMessage records the failure description with the transition,
// normally alongside failed.
func WithErrorMessage(msg string) TransitionOption {
	return func(u *transitionUpdate) { u.errorMessage = &msg }
}

// Store is the durable record of job state.
//
// Implementations must be safe for concurrent use. Transition must be
// atomic compare-and-swap on (id, expected status) so that two workers
// holding the same redelivered message cannot both win the dequeue.
type Store interface {
	// Create inserts a new task row. The task's status must be pending.
	// Returns ErrActiveConflict when the principal already owns a
	// non-terminal task; the insert and the conflict check are atomic.
	Create(ctx context.Context, t *Task) error

	// Get returns the task with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// HasActive reports whether the principal owns a task in a
	// non-terminal status.
	HasActive(ctx context.Context, principalID string) (bool, error)

	// Transition atomically moves a task from the expected status to the
	// next one, applying any options. It returns false with a nil error
	// when the task is not in the expected status (stale CAS); callers
	// treat that as a duplicate-delivery signal, not a failure.
	Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (bool, error)

	// ListStuck returns tasks in the given status not updated for at
	// least olderThan, oldest first. Reconciliation sweeps use this to
	// find pending tasks that were never picked up and processing tasks
	// whose worker died.
	ListStuck(ctx context.Context, status Status, olderThan time.Duration) ([]*Task, error)

	// Close releases resources held by the store.
	Close() error
}

// Ensure interface compliance at compile time.
var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

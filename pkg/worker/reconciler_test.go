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

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/atelierd/atelier/pkg/queue"
	"github.com/atelierd/atelier/pkg/task"
)

func newTestReconciler(t *testing.T) (*Reconciler, task.Store, *queue.MemoryQueue) {
	t.Helper()
	tasks := task.NewMemoryStore()
	jobs := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = jobs.Close() })

	r, err := NewReconciler(tasks, jobs, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	return r, tasks, jobs
}

func TestSweepRepublishesStuckPending(t *testing.T) {
	r, tasks, jobs := newTestReconciler(t)
	ctx := context.Background()

	stale := task.New("alice", "image.generate", []byte(`{"prompt":"p"}`))
	stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := tasks.Create(ctx, stale); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	fresh := task.New("bob", "image.generate", []byte(`{"prompt":"p"}`))
	if err := tasks.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var got []string
	_ = jobs.Consume(consumeCtx, func(ctx context.Context, msg *queue.Message) error {
		got = append(got, msg.TaskID)
		if len(got) == 1 {
			cancel()
		}
		return nil
	})

	if len(got) != 1 || got[0] != stale.ID {
		t.Fatalf("republished tasks = %v, want only %s", got, stale.ID)
	}
}

func TestSweepRepublishesEachTaskOnce(t *testing.T) {
	r, tasks, jobs := newTestReconciler(t)
	ctx := context.Background()

	stale := task.New("alice", "image.generate", nil)
	stale.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := tasks.Create(ctx, stale); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// The first sweep republishes and bumps updated_at; later sweeps must
	// not enqueue the same task again while it waits for a worker.
	for i := 0; i < 3; i++ {
		if err := r.Sweep(ctx); err != nil {
			t.Fatalf("Sweep() error = %v", err)
		}
	}

	got, err := tasks.Get(ctx, stale.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want %s", got.Status, task.StatusPending)
	}
	if time.Since(got.UpdatedAt) > time.Minute {
		t.Fatal("expected republish to bump updated_at")
	}

	consumeCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	var published int
	_ = jobs.Consume(consumeCtx, func(ctx context.Context, msg *queue.Message) error {
		published++
		return nil
	})
	if published != 1 {
		t.Fatalf("republished %d times, want 1", published)
	}
}

func TestSweepFailsAbandonedProcessing(t *testing.T) {
	tasks := task.NewMemoryStore()
	jobs := queue.NewMemoryQueue(16)
	defer jobs.Close()

	r, err := NewReconciler(tasks, jobs, testConfig(), nil,
		WithProcessingAge(time.Millisecond))
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	ctx := context.Background()

	abandoned := task.New("alice", "image.generate", nil)
	if err := tasks.Create(ctx, abandoned); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := tasks.Transition(ctx, abandoned.ID, task.StatusPending, task.StatusProcessing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got, err := tasks.Get(ctx, abandoned.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, task.StatusFailed)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected an abandonment error message")
	}
}

func TestSweepLeavesRecentProcessingAlone(t *testing.T) {
	r, tasks, _ := newTestReconciler(t)
	ctx := context.Background()

	live := task.New("alice", "image.generate", nil)
	if err := tasks.Create(ctx, live); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := tasks.Transition(ctx, live.ID, task.StatusPending, task.StatusProcessing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	got, _ := tasks.Get(ctx, live.ID)
	if got.Status != task.StatusProcessing {
		t.Fatalf("status = %s, want %s (live jobs must not be swept)", got.Status, task.StatusProcessing)
	}
}

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
	"fmt"
	"log/slog"
	"time"

	"github.com/atelierd/atelier/pkg/queue"
	"github.com/atelierd/atelier/pkg/task"
)

const (
	defaultSweepInterval = time.Minute
	defaultPendingAge    = 5 * time.Minute
)

// Reconciler sweeps for tasks the normal delivery path can no longer
// move forward:
//
//   - pending tasks much older than expected queue latency, whose
//     publish was lost; these are republished.
//   - processing tasks older than the execution ceiling, whose worker
//     died mid-job. Redelivery cannot resume them (the dequeue guard
//     sees a non-pending status), so they are failed terminally.
type Reconciler struct {
	tasks    task.Store
	jobs     queue.Queue
	interval time.Duration

	// pendingAge is how long a pending task may sit before its publish
	// is presumed lost.
	pendingAge time.Duration

	// processingAge is how long a processing task may sit before its
	// worker is presumed dead. Must exceed the execution ceiling plus
	// grace, or the sweep would fail live jobs.
	processingAge time.Duration

	log *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithSweepInterval sets how often Run sweeps.
func WithSweepInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

// WithPendingAge sets how long a pending task may sit before republish.
func WithPendingAge(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.pendingAge = d }
}

// WithProcessingAge overrides the derived abandonment threshold.
func WithProcessingAge(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.processingAge = d }
}

// NewReconciler creates a reconciler. The processing age is derived from
// cfg: ceiling plus grace, doubled for clock skew headroom.
func NewReconciler(tasks task.Store, jobs queue.Queue, cfg Config, log *slog.Logger, opts ...ReconcilerOption) (*Reconciler, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	r := &Reconciler{
		tasks:         tasks,
		jobs:          jobs,
		interval:      defaultSweepInterval,
		pendingAge:    defaultPendingAge,
		processingAge: 2 * (cfg.ExecutionCeiling + cfg.GracePeriod),
		log:           log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if err := r.republishPending(ctx); err != nil {
		return err
	}
	return r.failAbandoned(ctx)
}

func (r *Reconciler) republishPending(ctx context.Context) error {
	stuck, err := r.tasks.ListStuck(ctx, task.StatusPending, r.pendingAge)
	if err != nil {
		return fmt.Errorf("failed to list stuck pending tasks: %w", err)
	}
	for _, t := range stuck {
		// Republishing a message that was in fact delivered is harmless:
		// the dequeue guard absorbs the duplicate.
		err := r.jobs.Publish(ctx, &queue.Message{
			TaskID:      t.ID,
			PrincipalID: t.PrincipalID,
			Type:        t.Type,
			Payload:     t.Payload,
		})
		if err != nil {
			return fmt.Errorf("failed to republish task %s: %w", t.ID, err)
		}
		// A pending->pending CAS just bumps updated_at, so the task is
		// not republished again on every sweep while it waits.
		if _, err := r.tasks.Transition(ctx, t.ID, task.StatusPending, task.StatusPending); err != nil {
			return fmt.Errorf("failed to touch republished task %s: %w", t.ID, err)
		}
		r.log.Warn("republished stuck pending task", "task", t.ID,
			"age", time.Since(t.UpdatedAt).Round(time.Second))
	}
	return nil
}

func (r *Reconciler) failAbandoned(ctx context.Context) error {
	stuck, err := r.tasks.ListStuck(ctx, task.StatusProcessing, r.processingAge)
	if err != nil {
		return fmt.Errorf("failed to list stuck processing tasks: %w", err)
	}
	for _, t := range stuck {
		ok, err := r.tasks.Transition(ctx, t.ID, task.StatusProcessing, task.StatusFailed,
			task.WithErrorMessage("worker lost; execution presumed aborted"))
		if err != nil {
			return fmt.Errorf("failed to fail abandoned task %s: %w", t.ID, err)
		}
		if ok {
			r.log.Warn("failed abandoned processing task", "task", t.ID,
				"age", time.Since(t.UpdatedAt).Round(time.Second))
		}
	}
	return nil
}

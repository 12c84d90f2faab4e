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

// Package admission decides whether a request may proceed to asynchronous
// execution.
//
// Submit applies every quota rule bound to the job type, checks that the
// principal has no task already in flight, creates the pending task row,
// and publishes the job message. Quota applied for a request that is then
// rejected is refunded in full, so a rejection never spends the
// principal's limit.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atelierd/atelier/pkg/metrics"
	"github.com/atelierd/atelier/pkg/queue"
	"github.com/atelierd/atelier/pkg/ratelimit"
	"github.com/atelierd/atelier/pkg/task"
)

// Controller orchestrates the admission path.
type Controller struct {
	limiter *ratelimit.Limiter
	tasks   task.Store
	jobs    queue.Queue
	rules   map[string][]ratelimit.Rule
	log     *slog.Logger
}

// Config wires a Controller.
type Config struct {
	Limiter *ratelimit.Limiter
	Tasks   task.Store
	Jobs    queue.Queue

	// Rules binds quota rules per job type. A job type with no binding
	// is not admissible.
	Rules map[string][]ratelimit.Rule

	Logger *slog.Logger
}

// NewController creates an admission controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("at least one job type rule binding is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		limiter: cfg.Limiter,
		tasks:   cfg.Tasks,
		jobs:    cfg.Jobs,
		rules:   cfg.Rules,
		log:     log,
	}, nil
}

// Submit admits a request for asynchronous execution and returns the new
// task id. Rejections come back as *RejectedError; queue delivery
// failures as *PublishError.
//
// The step order is fixed: quota application precedes the conflict check
// so that the conflict reject path has records to refund. Reversing the
// order would make quota consumption depend on an unrelated race.
func (c *Controller) Submit(ctx context.Context, principalID, jobType string, payload json.RawMessage) (string, error) {
	if principalID == "" {
		return "", fmt.Errorf("principal id is required")
	}
	rules, ok := c.rules[jobType]
	if !ok {
		return "", fmt.Errorf("unknown job type: %s", jobType)
	}

	// Step 1: apply every rule bound to the job type.
	applied := make([]*ratelimit.Applied, 0, len(rules))
	for _, rule := range rules {
		rec, err := c.limiter.Apply(ctx, principalID, rule)
		if err != nil {
			c.refund(ctx, applied)
			if lee := ratelimit.AsLimitExceeded(err); lee != nil {
				metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomeRateLimited).Inc()
				return "", &RejectedError{Reason: ReasonRateLimited, Limit: lee}
			}
			metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomeError).Inc()
			return "", fmt.Errorf("rate limit application failed: %w", err)
		}
		applied = append(applied, rec)
	}

	// Step 2: one active task per principal. A request rejected here must
	// not consume quota.
	active, err := c.tasks.HasActive(ctx, principalID)
	if err != nil {
		c.refund(ctx, applied)
		metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return "", fmt.Errorf("active task check failed: %w", err)
	}
	if active {
		c.refund(ctx, applied)
		metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
		return "", &RejectedError{Reason: ReasonConflict}
	}

	// Step 3: create the pending task row. Create re-checks the conflict
	// atomically, closing the race between concurrent submissions that
	// both passed step 2.
	t := task.New(principalID, jobType, payload)
	if err := c.tasks.Create(ctx, t); err != nil {
		c.refund(ctx, applied)
		if errors.Is(err, task.ErrActiveConflict) {
			metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomeConflict).Inc()
			return "", &RejectedError{Reason: ReasonConflict}
		}
		metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return "", fmt.Errorf("task creation failed: %w", err)
	}

	// Step 4: publish the job message. On failure the task stays pending
	// and quota stays applied; the admission decision was correct, only
	// delivery failed. An external reconciliation sweep owns recovery.
	msg := &queue.Message{
		TaskID:      t.ID,
		PrincipalID: principalID,
		Type:        jobType,
		Payload:     payload,
	}
	if err := c.jobs.Publish(ctx, msg); err != nil {
		c.log.Error("job publish failed, task left pending",
			"task", t.ID, "principal", principalID, "error", err)
		metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomePublishFailure).Inc()
		return "", &PublishError{TaskID: t.ID, Err: err}
	}

	metrics.AdmissionsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	c.log.Info("job admitted", "task", t.ID, "principal", principalID, "type", jobType)
	return t.ID, nil
}

func (c *Controller) refund(ctx context.Context, applied []*ratelimit.Applied) {
	if len(applied) == 0 {
		return
	}
	c.limiter.Refund(ctx, applied)
	metrics.QuotaRefundsTotal.Add(float64(len(applied)))
}

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

// Package worker executes admitted jobs under a hard wall-clock budget.
//
// Each dequeued message is guarded by a compare-and-swap transition from
// pending to processing, so at-least-once queue delivery cannot start the
// same job twice. Sub-units run concurrently up to a configured width,
// each with its own timeout and retry budget, all under an overall
// deadline derived from the platform's execution ceiling minus a safety
// margin. A job is always driven to a terminal status; it is never left
// silently processing.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atelierd/atelier/pkg/generate"
	"github.com/atelierd/atelier/pkg/metrics"
	"github.com/atelierd/atelier/pkg/queue"
	"github.com/atelierd/atelier/pkg/task"
)

const (
	defaultMaxInflight      = 4
	defaultMaxVariants      = 8
	defaultSubUnitTimeout   = 60 * time.Second
	defaultExecutionCeiling = 15 * time.Minute
	defaultSafetyMargin     = 0.1
	defaultGracePeriod      = 5 * time.Second
)

// Config tunes the executor.
type Config struct {
	// MaxInflight caps simultaneous in-flight sub-units per job. This is
	// the knob bounding memory and connection pressure while overlapping
	// I/O-bound latency.
	MaxInflight int

	// MaxVariants caps how many sub-units a single job may request.
	MaxVariants int

	// SubUnitTimeout bounds each individual sub-unit attempt.
	SubUnitTimeout time.Duration

	// Retry configures per-sub-unit retries.
	Retry RetryConfig

	// ExecutionCeiling is the platform's hard execution limit for one
	// job. The effective deadline is the ceiling minus SafetyMargin.
	ExecutionCeiling time.Duration

	// SafetyMargin is the fraction of the ceiling reserved for cleanup
	// and the terminal status write (0.0-0.5).
	SafetyMargin float64

	// GracePeriod bounds how long the executor waits for cancelled
	// sub-units to unwind after the deadline.
	GracePeriod time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = defaultMaxInflight
	}
	if c.MaxVariants <= 0 {
		c.MaxVariants = defaultMaxVariants
	}
	if c.SubUnitTimeout <= 0 {
		c.SubUnitTimeout = defaultSubUnitTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.ExecutionCeiling <= 0 {
		c.ExecutionCeiling = defaultExecutionCeiling
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 0.5 {
		c.SafetyMargin = defaultSafetyMargin
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
}

// Budget returns the effective per-job deadline: ceiling minus margin.
func (c *Config) Budget() time.Duration {
	return time.Duration(float64(c.ExecutionCeiling) * (1 - c.SafetyMargin))
}

// jobPayload is the executor's view of a generation job.
type jobPayload struct {
	Prompt   string          `json:"prompt"`
	Variants int             `json:"variants"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// manifest is the aggregate result written to the artifact store when a
// job completes; its ref becomes the task's result_ref.
type manifest struct {
	TaskID string   `json:"task_id"`
	Refs   []string `json:"refs"`
}

// Executor consumes job messages and drives tasks through their state
// machine.
type Executor struct {
	tasks     task.Store
	provider  generate.Provider
	artifacts generate.ArtifactStore
	cfg       Config
	log       *slog.Logger
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(tasks task.Store, provider generate.Provider, artifacts generate.ArtifactStore, cfg Config, log *slog.Logger) (*Executor, error) {
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("generation provider is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		tasks:     tasks,
		provider:  provider,
		artifacts: artifacts,
		cfg:       cfg,
		log:       log,
	}, nil
}

// Run executes one dequeued job message. A nil return acknowledges the
// message; an error leaves it pending for redelivery. Terminal job
// failures return nil: the failure is recorded on the task, not the
// queue.
func (e *Executor) Run(ctx context.Context, msg *queue.Message) error {
	// Idempotency guard: only the delivery that wins this CAS executes.
	ok, err := e.tasks.Transition(ctx, msg.TaskID, task.StatusPending, task.StatusProcessing)
	if err != nil {
		return fmt.Errorf("dequeue transition failed: %w", err)
	}
	if !ok {
		metrics.DuplicateDeliveriesTotal.Inc()
		e.log.Warn("skipping duplicate or stale delivery", "task", msg.TaskID)
		return nil
	}

	start := time.Now()
	status := e.execute(ctx, msg)
	metrics.JobDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	return nil
}

// execute runs the job body and commits a terminal status. The task is
// already processing when this is called.
func (e *Executor) execute(ctx context.Context, msg *queue.Message) task.Status {
	payload, err := e.parsePayload(msg)
	if err != nil {
		return e.fail(ctx, msg.TaskID, fmt.Sprintf("invalid payload: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Budget())
	defer cancel()

	specs := make([]generate.UnitSpec, payload.Variants)
	for i := range specs {
		specs[i] = generate.UnitSpec{
			TaskID:      msg.TaskID,
			PrincipalID: msg.PrincipalID,
			Index:       i,
			Prompt:      payload.Prompt,
			Params:      payload.Params,
		}
	}

	var mu sync.Mutex
	refs := make([]string, len(specs))
	unitErrs := make([]error, len(specs))

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxInflight)
	for i := range specs {
		spec := specs[i]
		g.Go(func() error {
			ref, err := e.runSubUnit(runCtx, spec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				unitErrs[spec.Index] = err
			} else {
				refs[spec.Index] = ref
			}
			return nil
		})
	}

	// Wait for the group, but never past the budget plus the grace
	// period: cancelled sub-units get a bounded window to unwind, then
	// the job is force-marked failed.
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	graceful := true
	select {
	case <-done:
	case <-time.After(time.Until(deadlineOf(runCtx)) + e.cfg.GracePeriod):
		graceful = false
	}

	mu.Lock()
	completed := 0
	var firstErr error
	keptRefs := make([]string, 0, len(refs))
	for i := range refs {
		if refs[i] != "" {
			completed++
			keptRefs = append(keptRefs, refs[i])
			continue
		}
		if firstErr == nil && unitErrs[i] != nil {
			firstErr = unitErrs[i]
		}
	}
	mu.Unlock()

	if !graceful {
		e.log.Error("sub-units did not unwind within grace period",
			"task", msg.TaskID, "completed", completed, "total", len(specs))
	}

	if completed == len(specs) {
		ref, err := e.storeManifest(ctx, msg.TaskID, keptRefs)
		if err != nil {
			return e.fail(ctx, msg.TaskID, fmt.Sprintf("failed to store result manifest: %v", err))
		}
		return e.complete(ctx, msg.TaskID, ref)
	}

	// Partial or total failure. Completed artifact refs are kept in the
	// message so operators can recover them.
	reason := fmt.Sprintf("completed %d of %d sub-units", completed, len(specs))
	if runCtx.Err() == context.DeadlineExceeded {
		reason = "execution budget exceeded: " + reason
	}
	if firstErr != nil {
		reason = fmt.Sprintf("%s; first error: %v", reason, firstErr)
	}
	if len(keptRefs) > 0 {
		reason = fmt.Sprintf("%s; kept refs: %s", reason, strings.Join(keptRefs, ","))
	}
	return e.fail(ctx, msg.TaskID, reason)
}

func (e *Executor) parsePayload(msg *queue.Message) (*jobPayload, error) {
	var p jobPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, err
		}
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if p.Variants <= 0 {
		p.Variants = 1
	}
	if p.Variants > e.cfg.MaxVariants {
		return nil, fmt.Errorf("requested %d variants, maximum is %d", p.Variants, e.cfg.MaxVariants)
	}
	return &p, nil
}

// runSubUnit generates and stores one output variant, retrying transient
// failures within its own timeout per attempt.
func (e *Executor) runSubUnit(ctx context.Context, spec generate.UnitSpec) (string, error) {
	var ref string
	err := withRetry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		unitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubUnitTimeout)
		defer cancel()

		artifact, err := e.provider.Generate(unitCtx, spec)
		if err != nil {
			return fmt.Errorf("generate failed: %w", err)
		}
		r, err := e.artifacts.Store(unitCtx, artifact.Data, artifact.ContentType)
		if err != nil {
			return fmt.Errorf("artifact store failed: %w", err)
		}
		ref = r
		return nil
	})
	if err != nil {
		metrics.SubUnitFailuresTotal.Inc()
		e.log.Warn("sub-unit failed",
			"task", spec.TaskID, "index", spec.Index, "error", err)
		return "", err
	}
	return ref, nil
}

func (e *Executor) storeManifest(ctx context.Context, taskID string, refs []string) (string, error) {
	body, err := json.Marshal(manifest{TaskID: taskID, Refs: refs})
	if err != nil {
		return "", err
	}
	return e.artifacts.Store(ctx, body, "application/json")
}

func (e *Executor) complete(ctx context.Context, taskID, resultRef string) task.Status {
	ok, err := e.tasks.Transition(ctx, taskID, task.StatusProcessing, task.StatusCompleted,
		task.WithResultRef(resultRef))
	if err != nil {
		e.log.Error("failed to commit completed status", "task", taskID, "error", err)
		return task.StatusProcessing
	}
	if !ok {
		e.log.Warn("stale transition to completed ignored", "task", taskID)
		return task.StatusCompleted
	}
	e.log.Info("job completed", "task", taskID, "result_ref", resultRef)
	return task.StatusCompleted
}

func (e *Executor) fail(ctx context.Context, taskID, reason string) task.Status {
	ok, err := e.tasks.Transition(ctx, taskID, task.StatusProcessing, task.StatusFailed,
		task.WithErrorMessage(reason))
	if err != nil {
		e.log.Error("failed to commit failed status", "task", taskID, "error", err)
		return task.StatusProcessing
	}
	if !ok {
		e.log.Warn("stale transition to failed ignored", "task", taskID)
	}
	e.log.Info("job failed", "task", taskID, "reason", reason)
	return task.StatusFailed
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now()
}

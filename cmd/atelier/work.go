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

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atelierd/atelier/pkg/generate"
	"github.com/atelierd/atelier/pkg/queue"
	"github.com/atelierd/atelier/pkg/worker"
)

// WorkCmd starts a worker process consuming the job queue.
type WorkCmd struct {
	Backend     string `help:"Upstream generation endpoint URL." env:"ATELIER_BACKEND_URL"`
	APIKey      string `name:"api-key" help:"Upstream API key." env:"ATELIER_BACKEND_API_KEY"`
	ArtifactDir string `name:"artifact-dir" help:"Directory for stored artifacts." default:".atelier/artifacts" type:"path"`
}

func (c *WorkCmd) Run(cli *CLI) error {
	cfg, log, closer, err := bootstrap(cli.Config)
	if err != nil {
		return err
	}
	defer closer.Close()

	if c.Backend == "" {
		return fmt.Errorf("--backend or ATELIER_BACKEND_URL is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	tasks, db, err := openTaskStore(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	jobs, err := queue.NewRedisQueue(ctx, rdb, consumer,
		queue.WithStream(cfg.Redis.Stream),
		queue.WithGroup(cfg.Redis.Group),
		queue.WithQueueLogger(log),
	)
	if err != nil {
		return err
	}

	provider, err := generate.NewHTTPProvider(c.Backend, c.APIKey, nil)
	if err != nil {
		return err
	}
	artifacts, err := generate.NewDirStore(c.ArtifactDir)
	if err != nil {
		return err
	}

	retry := worker.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Worker.SubUnitRetries

	workerCfg := worker.Config{
		MaxInflight:      cfg.Worker.MaxInflight,
		MaxVariants:      cfg.Worker.MaxVariants,
		SubUnitTimeout:   time.Duration(cfg.Worker.SubUnitTimeoutSeconds) * time.Second,
		Retry:            retry,
		ExecutionCeiling: time.Duration(cfg.Worker.CeilingSeconds) * time.Second,
		SafetyMargin:     cfg.Worker.SafetyMargin,
		GracePeriod:      time.Duration(cfg.Worker.GraceSeconds) * time.Second,
	}
	executor, err := worker.NewExecutor(tasks, provider, artifacts, workerCfg, log)
	if err != nil {
		return err
	}

	pool, err := worker.NewPool(jobs, executor, cfg.Worker.Consumers, log)
	if err != nil {
		return err
	}
	reconciler, err := worker.NewReconciler(tasks, jobs, workerCfg, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })
	return g.Wait()
}

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
	"time"

	"github.com/atelierd/atelier/pkg/admission"
	"github.com/atelierd/atelier/pkg/queue"
	"github.com/atelierd/atelier/pkg/server"
)

// ServeCmd starts the HTTP API server.
type ServeCmd struct {
	Host string `help:"Listen host (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, log, closer, err := bootstrap(cli.Config)
	if err != nil {
		return err
	}
	defer closer.Close()

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := signalContext()
	defer cancel()

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	limiter, err := buildLimiter(ctx, rdb, cfg, log)
	if err != nil {
		return err
	}

	tasks, db, err := openTaskStore(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := queue.NewRedisQueue(ctx, rdb, "api",
		queue.WithStream(cfg.Redis.Stream),
		queue.WithGroup(cfg.Redis.Group),
		queue.WithQueueLogger(log),
	)
	if err != nil {
		return err
	}

	controller, err := admission.NewController(admission.Config{
		Limiter: limiter,
		Tasks:   tasks,
		Jobs:    jobs,
		Rules:   cfg.LimiterRules(),
		Logger:  log,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(controller, tasks, limiter, server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}, log)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

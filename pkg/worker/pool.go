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

	"golang.org/x/sync/errgroup"

	"github.com/atelierd/atelier/pkg/queue"
)

// Pool runs a fixed number of queue consumers, each feeding messages to
// the executor. It exists so a single process can scale dequeue
// throughput independently of per-job sub-unit concurrency.
type Pool struct {
	queue    queue.Queue
	executor *Executor
	size     int
	log      *slog.Logger
}

// NewPool creates a pool of size consumers. Size defaults to 1.
func NewPool(q queue.Queue, executor *Executor, size int, log *slog.Logger) (*Pool, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{queue: q, executor: executor, size: size, log: log}, nil
}

// Run blocks consuming jobs until ctx is cancelled. In-flight jobs are
// allowed to reach a terminal status before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool starting", "consumers", p.size)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		id := i
		g.Go(func() error {
			err := p.queue.Consume(ctx, p.executor.Run)
			if err != nil && ctx.Err() == nil {
				p.log.Error("consumer exited", "consumer", id, "error", err)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	p.log.Info("worker pool stopped")
	return err
}

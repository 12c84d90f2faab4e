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
	"time"
)

// FlushCmd deletes all quota counters. Intended for the calendar rollover
// (e.g. monthly from cron) or manual resets.
type FlushCmd struct{}

func (c *FlushCmd) Run(cli *CLI) error {
	cfg, log, closer, err := bootstrap(cli.Config)
	if err != nil {
		return err
	}
	defer closer.Close()

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

	stats, err := limiter.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush failed after deleting %d keys: %w", stats.KeysDeleted, err)
	}
	fmt.Printf("flushed %d quota keys in %v\n", stats.KeysDeleted, stats.Duration.Round(time.Millisecond))
	return nil
}

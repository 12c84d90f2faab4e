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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "atelier:jobs", cfg.Redis.Stream)
	assert.Equal(t, 900, cfg.Worker.CeilingSeconds)
	assert.Equal(t, 500, cfg.Flush.BatchSize)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
redis:
  addr: redis.internal:6379
database:
  driver: postgres
  dsn: postgres://atelier@db/atelier
logging:
  level: debug
  format: json
rules:
  image.generate:
    limits:
      - id: burst
        max_count: 3
        window_seconds: 60
      - id: daily
        max_count: 100
        window_seconds: 86400
worker:
  consumers: 4
  safety_margin: 0.2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Worker.Consumers)
	assert.Equal(t, 0.2, cfg.Worker.SafetyMargin)

	rules := cfg.LimiterRules()["image.generate"]
	require.Len(t, rules, 2)
	assert.Equal(t, "burst", rules[0].ID)
	assert.Equal(t, int64(3), rules[0].MaxCount)
	assert.Equal(t, time.Minute, rules[0].Window)
	assert.Equal(t, 24*time.Hour, rules[1].Window)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("ATELIER_REDIS_ADDR", "redis-test:6379")
	path := writeConfig(t, `
redis:
  addr: ${ATELIER_REDIS_ADDR}
database:
  dsn: ${ATELIER_DB_DSN:-fallback.db}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis-test:6379", cfg.Redis.Addr)
	assert.Equal(t, "fallback.db", cfg.Database.DSN, "unset var should use the :- fallback")
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad driver", "database:\n  driver: oracle\n  dsn: x\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"rule without limits", "rules:\n  image.generate:\n    limits: []\n"},
		{"zero max_count", "rules:\n  t:\n    limits:\n      - id: a\n        max_count: 0\n        window_seconds: 60\n"},
		{"margin too large", "worker:\n  safety_margin: 0.9\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

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

// Package config defines the service configuration and its YAML loader.
// Configuration is a single YAML document with environment variable
// expansion (${VAR:-default}, ${VAR}, $VAR); every section carries its
// own defaults and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atelierd/atelier/pkg/ratelimit"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig          `yaml:"server,omitempty"`
	Redis    RedisConfig           `yaml:"redis,omitempty"`
	Database DatabaseConfig        `yaml:"database,omitempty"`
	Logging  LoggingConfig         `yaml:"logging,omitempty"`
	Rules    map[string]RuleConfig `yaml:"rules,omitempty"`
	Worker   WorkerConfig          `yaml:"worker,omitempty"`
	Flush    FlushConfig           `yaml:"flush,omitempty"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host            string `yaml:"host,omitempty"`
	Port            int    `yaml:"port,omitempty"`
	ShutdownTimeout int    `yaml:"shutdown_timeout,omitempty"` // seconds
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// RedisConfig configures the shared Redis backing the quota counters and
// the job stream.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Stream   string `yaml:"stream,omitempty"`
	Group    string `yaml:"group,omitempty"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Stream == "" {
		c.Stream = "atelier:jobs"
	}
	if c.Group == "" {
		c.Group = "workers"
	}
}

func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

// DatabaseConfig configures the relational store holding tasks.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // sqlite, postgres, mysql
	DSN    string `yaml:"dsn,omitempty"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = "atelier.db"
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver %q (sqlite, postgres, mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required for driver %q", c.Driver)
	}
	return nil
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text, json
	File   string `yaml:"file,omitempty"`   // empty = stderr
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	return nil
}

// RuleConfig is the set of admission limits for one job type.
type RuleConfig struct {
	Limits []LimitConfig `yaml:"limits"`
}

// LimitConfig is one counting window: at most MaxCount admissions per
// principal per WindowSeconds.
type LimitConfig struct {
	ID            string `yaml:"id"`
	MaxCount      int64  `yaml:"max_count"`
	WindowSeconds int    `yaml:"window_seconds"`
}

func (c *RuleConfig) Validate() error {
	if len(c.Limits) == 0 {
		return fmt.Errorf("at least one limit is required")
	}
	for i, l := range c.Limits {
		if l.ID == "" {
			return fmt.Errorf("limit %d: id is required", i)
		}
		if l.MaxCount < 1 {
			return fmt.Errorf("limit %q: max_count must be positive", l.ID)
		}
		if l.WindowSeconds < 1 {
			return fmt.Errorf("limit %q: window_seconds must be positive", l.ID)
		}
	}
	return nil
}

// WorkerConfig configures job execution.
type WorkerConfig struct {
	Consumers             int     `yaml:"consumers,omitempty"`
	MaxInflight           int     `yaml:"max_inflight,omitempty"`
	MaxVariants           int     `yaml:"max_variants,omitempty"`
	SubUnitTimeoutSeconds int     `yaml:"sub_unit_timeout_seconds,omitempty"`
	SubUnitRetries        int     `yaml:"sub_unit_retries,omitempty"`
	CeilingSeconds        int     `yaml:"ceiling_seconds,omitempty"`
	SafetyMargin          float64 `yaml:"safety_margin,omitempty"`
	GraceSeconds          int     `yaml:"grace_seconds,omitempty"`
}

func (c *WorkerConfig) SetDefaults() {
	if c.Consumers == 0 {
		c.Consumers = 2
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = 4
	}
	if c.MaxVariants == 0 {
		c.MaxVariants = 8
	}
	if c.SubUnitTimeoutSeconds == 0 {
		c.SubUnitTimeoutSeconds = 60
	}
	if c.SubUnitRetries == 0 {
		c.SubUnitRetries = 3
	}
	if c.CeilingSeconds == 0 {
		c.CeilingSeconds = 900
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 0.1
	}
	if c.GraceSeconds == 0 {
		c.GraceSeconds = 5
	}
}

func (c *WorkerConfig) Validate() error {
	if c.Consumers < 1 {
		return fmt.Errorf("consumers must be positive")
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("max_inflight must be positive")
	}
	if c.SafetyMargin <= 0 || c.SafetyMargin > 0.5 {
		return fmt.Errorf("safety_margin must be in (0, 0.5], got %v", c.SafetyMargin)
	}
	if c.CeilingSeconds < 1 {
		return fmt.Errorf("ceiling_seconds must be positive")
	}
	return nil
}

// FlushConfig configures the administrative quota flush.
type FlushConfig struct {
	BatchSize    int `yaml:"batch_size,omitempty"`
	BatchRetries int `yaml:"batch_retries,omitempty"`
}

func (c *FlushConfig) SetDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.BatchRetries == 0 {
		c.BatchRetries = 3
	}
}

func (c *FlushConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Redis.SetDefaults()
	c.Database.SetDefaults()
	c.Logging.SetDefaults()
	c.Worker.SetDefaults()
	c.Flush.SetDefaults()
	if c.Rules == nil {
		c.Rules = make(map[string]RuleConfig)
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	for jobType, rule := range c.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rules[%s]: %w", jobType, err)
		}
	}
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := c.Flush.Validate(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// LimiterRules converts the configured rules into the limiter's form,
// keyed by job type.
func (c *Config) LimiterRules() map[string][]ratelimit.Rule {
	out := make(map[string][]ratelimit.Rule, len(c.Rules))
	for jobType, rule := range c.Rules {
		rules := make([]ratelimit.Rule, 0, len(rule.Limits))
		for _, l := range rule.Limits {
			rules = append(rules, ratelimit.Rule{
				ID:       l.ID,
				MaxCount: l.MaxCount,
				Window:   time.Duration(l.WindowSeconds) * time.Second,
			})
		}
		out[jobType] = rules
	}
	return out
}

// Load reads, expands and validates the configuration at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		expanded := expandEnv(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

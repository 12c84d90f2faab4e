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

package ratelimit

import (
	"fmt"
	"time"
)

// Rule is a single rate limiting rule. Rules are immutable once loaded.
type Rule struct {
	// ID identifies the rule, scoped by endpoint and window,
	// e.g. "generate/month".
	ID string

	// MaxCount is the ceiling a counter may reach before admission is
	// denied.
	MaxCount int64

	// Window is the length of the counting window. Counters expire when
	// the window rolls over.
	Window time.Duration
}

// Validate checks the rule for usable values.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.MaxCount <= 0 {
		return fmt.Errorf("rule %s: max_count must be positive", r.ID)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rule %s: window must be positive", r.ID)
	}
	return nil
}

// Applied records one successful quota increment for a request, kept only
// for the lifetime of that request so it can be refunded.
type Applied struct {
	PrincipalID string
	RuleID      string
	Key         string
	Amount      int64
}

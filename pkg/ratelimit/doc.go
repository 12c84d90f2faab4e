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

// Package ratelimit applies, refunds, and flushes per-principal quota
// counters.
//
// Apply increments a (principal, rule) counter with a hard ceiling and
// returns a record of what was applied. Refund reverses applied records
// best-effort, so a request rejected for unrelated reasons does not spend
// the principal's quota. Flush sweeps all counters in bounded batches;
// its caller owns the schedule.
package ratelimit

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

// Package metrics exports the subsystem's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission outcomes.
const (
	OutcomeAccepted       = "accepted"
	OutcomeRateLimited    = "rate_limited"
	OutcomeConflict       = "conflict"
	OutcomePublishFailure = "publish_failure"
	OutcomeError          = "error"
)

var (
	// AdmissionsTotal counts submit decisions by outcome.
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "admission",
		Name:      "requests_total",
		Help:      "Submit decisions by outcome.",
	}, []string{"outcome"})

	// QuotaRefundsTotal counts refunded quota increments.
	QuotaRefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "quota",
		Name:      "refunds_total",
		Help:      "Quota increments refunded on rejected requests.",
	})

	// FlushKeysDeleted counts keys removed by quota flush runs.
	FlushKeysDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "quota",
		Name:      "flush_keys_deleted_total",
		Help:      "Quota keys deleted by flush runs.",
	})

	// FlushDuration observes quota flush run durations.
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atelier",
		Subsystem: "quota",
		Name:      "flush_duration_seconds",
		Help:      "Duration of quota flush runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// JobDuration observes end-to-end job execution time by final status.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atelier",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Job execution time by final status.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"status"})

	// SubUnitRetriesTotal counts sub-unit retry attempts.
	SubUnitRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "worker",
		Name:      "subunit_retries_total",
		Help:      "Sub-unit executions retried after failure.",
	})

	// SubUnitFailuresTotal counts sub-units that exhausted their retries.
	SubUnitFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "worker",
		Name:      "subunit_failures_total",
		Help:      "Sub-units recorded as failed after retries.",
	})

	// DuplicateDeliveriesTotal counts redelivered messages skipped by the
	// dequeue idempotency guard.
	DuplicateDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Subsystem: "worker",
		Name:      "duplicate_deliveries_total",
		Help:      "Queue redeliveries skipped by the CAS dequeue guard.",
	})
)

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

package admission

import (
	"errors"
	"fmt"

	"github.com/atelierd/atelier/pkg/ratelimit"
)

// Reason classifies why a submission was rejected.
type Reason string

const (
	// ReasonRateLimited means a quota rule denied the request.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonConflict means the principal already has an active task.
	ReasonConflict Reason = "conflict"
)

// ErrRejected is the sentinel for admission rejections.
var ErrRejected = errors.New("submission rejected")

// RejectedError is a recoverable admission rejection. Quota consumed
// while deciding has already been refunded when this error is returned.
type RejectedError struct {
	// Reason classifies the rejection.
	Reason Reason

	// Limit carries rate limit details when Reason is ReasonRateLimited.
	Limit *ratelimit.LimitExceededError
}

// Error returns the error message.
func (e *RejectedError) Error() string {
	switch e.Reason {
	case ReasonRateLimited:
		if e.Limit != nil {
			return e.Limit.Error()
		}
		return "submission rejected: rate limited"
	case ReasonConflict:
		return "submission rejected: principal already has an active task"
	}
	return fmt.Sprintf("submission rejected: %s", e.Reason)
}

// Unwrap returns the underlying sentinel error.
func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// AsRejected extracts the RejectedError from an error chain, or nil.
func AsRejected(err error) *RejectedError {
	var re *RejectedError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// PublishError is an infrastructure failure delivering an admitted job to
// the queue. The admission decision itself was correct, so no quota was
// refunded; the task row remains pending for external reconciliation.
type PublishError struct {
	TaskID string
	Err    error
}

// Error returns the error message.
func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish job for task %s: %v", e.TaskID, e.Err)
}

// Unwrap returns the wrapped error.
func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsPublishError checks if an error is a queue publish failure.
func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}

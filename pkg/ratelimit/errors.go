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
	"errors"
	"fmt"
	"time"
)

// ErrLimitExceeded is returned when a rate limit is exceeded.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitExceededError carries the details of a failed Apply call.
type LimitExceededError struct {
	// RuleID identifies the rule that denied admission.
	RuleID string

	// Limit is the rule's ceiling.
	Limit int64

	// Current is the counter value at denial time.
	Current int64

	// ResetAfter is how long until the window rolls over.
	ResetAfter time.Duration
}

// Error returns the error message.
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for rule %s (%d/%d, resets in %s)",
		e.RuleID, e.Current, e.Limit, e.ResetAfter.Round(time.Second))
}

// Unwrap returns the underlying sentinel error.
func (e *LimitExceededError) Unwrap() error {
	return ErrLimitExceeded
}

// ResetAfterSeconds returns the retry hint in whole seconds, rounded up
// so a client retrying after it never races the window.
func (e *LimitExceededError) ResetAfterSeconds() int64 {
	secs := int64(e.ResetAfter / time.Second)
	if e.ResetAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// IsLimitExceeded checks if an error is a rate limit rejection.
func IsLimitExceeded(err error) bool {
	return errors.Is(err, ErrLimitExceeded)
}

// AsLimitExceeded extracts the LimitExceededError from an error chain.
// Returns nil if the error is not a limit rejection.
func AsLimitExceeded(err error) *LimitExceededError {
	var lee *LimitExceededError
	if errors.As(err, &lee) {
		return lee
	}
	return nil
}

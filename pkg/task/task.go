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

// Package task provides the durable record of job state.
//
// A Task moves through a strict state machine:
//
//	pending --dequeue--> processing --success--> completed
//	                     processing --failure--> failed
//
// completed and failed are terminal. Transitions are compare-and-swap on
// (id, expected status), so redelivered queue messages cannot move a task
// twice. Exactly one principal may own exactly one non-terminal task at a
// time; the admission path enforces this through HasActive.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task has been admitted but not picked up.
	StatusPending Status = "pending"

	// StatusProcessing means a worker is executing the task.
	StatusProcessing Status = "processing"

	// StatusCompleted means the task finished with a result.
	StatusCompleted Status = "completed"

	// StatusFailed means the task failed with an error message.
	StatusFailed Status = "failed"
)

// IsTerminal returns whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is a durable unit of asynchronous work. Tasks are never deleted by
// this subsystem; retention is owned externally.
type Task struct {
	ID           string          `json:"id"`
	PrincipalID  string          `json:"principal_id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	ResultRef    string          `json:"result_ref,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// New creates a pending task for the given principal.
func New(principalID, jobType string, payload json.RawMessage) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Type:        jobType,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

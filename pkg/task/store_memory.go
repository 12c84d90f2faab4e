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

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process
// development. It preserves the SQL store's CAS semantics.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	if t == nil {
		return fmt.Errorf("task is required")
	}
	if t.Status != StatusPending {
		return fmt.Errorf("new task must be pending, got %s", t.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	for _, existing := range s.tasks {
		if existing.PrincipalID == t.PrincipalID && !existing.Status.IsTerminal() {
			return fmt.Errorf("%w: %s", ErrActiveConflict, t.PrincipalID)
		}
	}
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) HasActive(_ context.Context, principalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.PrincipalID == principalID && !t.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, opts ...TransitionOption) (bool, error) {
	if from.IsTerminal() {
		return false, nil
	}

	var u transitionUpdate
	for _, opt := range opts {
		opt(&u)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}

	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if u.resultRef != nil {
		t.ResultRef = *u.resultRef
	}
	if u.errorMessage != nil {
		t.ErrorMessage = *u.errorMessage
	}
	return true, nil
}

func (s *MemoryStore) ListStuck(_ context.Context, status Status, olderThan time.Duration) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var stuck []*Task
	for _, t := range s.tasks {
		if t.Status == status && t.UpdatedAt.Before(cutoff) {
			cp := *t
			stuck = append(stuck, &cp)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt) })
	return stuck, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

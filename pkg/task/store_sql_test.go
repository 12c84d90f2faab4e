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
	"database/sql"
	"errors"
	"testing"
	"time"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	// Each pool connection would get its own in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, "sqlite")
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	return store
}

func TestSQLStore_CreateAndGet(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	created := New("alice", "image.generate", []byte(`{"prompt":"a fox","variants":2}`))
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PrincipalID != "alice" || got.Type != "image.generate" {
		t.Errorf("Get() = %+v, want principal alice, type image.generate", got)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want %s", got.Status, StatusPending)
	}
	if string(got.Payload) != string(created.Payload) {
		t.Errorf("payload = %s, want %s", got.Payload, created.Payload)
	}

	if _, err := store.Get(ctx, "no-such-task"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_CreateRejectsActiveConflict(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	first := New("alice", "image.generate", nil)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	second := New("alice", "image.generate", nil)
	if err := store.Create(ctx, second); !errors.Is(err, ErrActiveConflict) {
		t.Fatalf("Create() with active task error = %v, want ErrActiveConflict", err)
	}

	// Conflict lifts once the first task reaches a terminal status.
	if _, err := store.Transition(ctx, first.ID, StatusPending, StatusFailed,
		WithErrorMessage("gave up")); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("Create() after terminal error = %v", err)
	}
}

func TestSQLStore_CreateRejectsDuplicateID(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	first := New("alice", "image.generate", nil)
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := store.Transition(ctx, first.ID, StatusPending, StatusCompleted); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	dup := New("alice", "image.generate", nil)
	dup.ID = first.ID
	if err := store.Create(ctx, dup); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Create() with reused id error = %v, want ErrDuplicateID", err)
	}
}

func TestSQLStore_TransitionCAS(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	tk := New("alice", "image.generate", nil)
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ok, err := store.Transition(ctx, tk.ID, StatusPending, StatusProcessing)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !ok {
		t.Fatal("expected pending->processing to succeed")
	}

	// Stale CAS: the task is no longer pending.
	ok, err = store.Transition(ctx, tk.ID, StatusPending, StatusProcessing)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if ok {
		t.Fatal("stale pending->processing should report false")
	}

	ok, err = store.Transition(ctx, tk.ID, StatusProcessing, StatusCompleted,
		WithResultRef("file://abc"))
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if !ok {
		t.Fatal("expected processing->completed to succeed")
	}

	// Terminal statuses absorb further transitions.
	ok, err = store.Transition(ctx, tk.ID, StatusCompleted, StatusFailed)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if ok {
		t.Fatal("transition out of a terminal status should report false")
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCompleted || got.ResultRef != "file://abc" {
		t.Errorf("task = %+v, want completed with result ref", got)
	}
}

func TestSQLStore_HasActive(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	active, err := store.HasActive(ctx, "alice")
	if err != nil {
		t.Fatalf("HasActive() error = %v", err)
	}
	if active {
		t.Fatal("empty store should report no active task")
	}

	tk := New("alice", "image.generate", nil)
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	active, err = store.HasActive(ctx, "alice")
	if err != nil {
		t.Fatalf("HasActive() error = %v", err)
	}
	if !active {
		t.Fatal("expected active task while pending")
	}

	if _, err := store.Transition(ctx, tk.ID, StatusPending, StatusProcessing); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	active, err = store.HasActive(ctx, "alice")
	if err != nil {
		t.Fatalf("HasActive() error = %v", err)
	}
	if !active {
		t.Fatal("expected active task while processing")
	}

	if _, err := store.Transition(ctx, tk.ID, StatusProcessing, StatusCompleted); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	active, err = store.HasActive(ctx, "alice")
	if err != nil {
		t.Fatalf("HasActive() error = %v", err)
	}
	if active {
		t.Fatal("completed task should not count as active")
	}
}

func TestSQLStore_ListStuck(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	stale := New("alice", "image.generate", nil)
	stale.CreatedAt = time.Now().UTC().Add(-time.Hour)
	stale.UpdatedAt = stale.CreatedAt
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	fresh := New("bob", "image.generate", nil)
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stuck, err := store.ListStuck(ctx, StatusPending, 10*time.Minute)
	if err != nil {
		t.Fatalf("ListStuck() error = %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != stale.ID {
		t.Fatalf("ListStuck() = %v, want only %s", stuck, stale.ID)
	}

	stuck, err = store.ListStuck(ctx, StatusProcessing, 10*time.Minute)
	if err != nil {
		t.Fatalf("ListStuck() error = %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("ListStuck(processing) = %v, want none", stuck)
	}
}

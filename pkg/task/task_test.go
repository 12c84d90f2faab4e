package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStatus_IsTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s: expected IsTerminal=%v, got %v", status, want, got)
		}
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tk := New("user-1", "generate", json.RawMessage(`{"prompt":"a cat"}`))
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.PrincipalID != "user-1" {
		t.Errorf("expected user-1, got %s", got.PrincipalID)
	}

	if err := store.Create(ctx, tk); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected duplicate id error, got %v", err)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryStore_HasActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	active, err := store.HasActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active {
		t.Error("expected no active task")
	}

	tk := New("user-1", "generate", nil)
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for _, status := range []Status{StatusPending, StatusProcessing} {
		active, err = store.HasActive(ctx, "user-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !active {
			t.Errorf("expected active task in %s", status)
		}
		if status == StatusPending {
			if _, err := store.Transition(ctx, tk.ID, StatusPending, StatusProcessing); err != nil {
				t.Fatalf("transition failed: %v", err)
			}
		}
	}

	if _, err := store.Transition(ctx, tk.ID, StatusProcessing, StatusCompleted, WithResultRef("ref-1")); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	active, err = store.HasActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active {
		t.Error("terminal task must not count as active")
	}
}

func TestMemoryStore_TransitionCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tk := New("user-1", "generate", nil)
	if err := store.Create(ctx, tk); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Only one of K concurrent dequeues may win the pending→processing CAS.
	const k = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Transition(ctx, tk.ID, StatusPending, StatusProcessing)
			if err != nil {
				t.Errorf("transition error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one CAS winner, got %d", wins)
	}

	// Terminal states absorb further transitions.
	ok, err := store.Transition(ctx, tk.ID, StatusProcessing, StatusFailed, WithErrorMessage("boom"))
	if err != nil || !ok {
		t.Fatalf("expected failed transition to apply, ok=%v err=%v", ok, err)
	}
	ok, err = store.Transition(ctx, tk.ID, StatusFailed, StatusProcessing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("transition out of terminal status must not apply")
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "boom" {
		t.Errorf("expected failed/boom, got %s/%q", got.Status, got.ErrorMessage)
	}
}

func TestMemoryStore_ListStuck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := New("user-1", "generate", nil)
	old.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fresh := New("user-2", "generate", nil)
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stuck, err := store.ListStuck(ctx, StatusPending, 10*time.Minute)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != old.ID {
		t.Errorf("expected only the old pending task, got %d", len(stuck))
	}
}

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

package quota

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// MemoryStore is an in-memory Store for tests and single-process
// development. It mirrors the Redis store's semantics exactly, including
// window TTLs and decrement clamping.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	log     *slog.Logger

	// scan is the key snapshot for an in-progress ScanBatch iteration,
	// taken when a scan starts at cursor zero. Deletes during the scan
	// do not disturb cursor positions, matching Redis SCAN guarantees.
	scan []string

	// now is swappable for window-expiry tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		log:     slog.Default(),
		now:     time.Now,
	}
}

func (s *MemoryStore) IncrWithCeiling(_ context.Context, key string, ceiling int64, ttl time.Duration) (IncrResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = &memoryEntry{expiresAt: now.Add(ttl)}
		s.entries[key] = e
	}

	if e.value+1 > ceiling {
		return IncrResult{
			Value:      e.value,
			OK:         false,
			ResetAfter: e.expiresAt.Sub(now),
		}, nil
	}

	e.value++
	return IncrResult{
		Value:      e.value,
		OK:         true,
		ResetAfter: e.expiresAt.Sub(now),
	}, nil
}

func (s *MemoryStore) DecrIfPositive(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return 0, nil
	}
	if e.value <= 0 {
		s.log.Warn("quota decrement clamped at zero", "key", key)
		return 0, nil
	}
	e.value--
	return e.value, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return 0, nil
	}
	return e.value, nil
}

func (s *MemoryStore) ScanBatch(_ context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cursor == 0 {
		prefix := strings.TrimSuffix(pattern, "*")
		now := s.now()

		s.scan = s.scan[:0]
		for k, e := range s.entries {
			if e.expired(now) {
				continue
			}
			if strings.HasPrefix(k, prefix) {
				s.scan = append(s.scan, k)
			}
		}
		sort.Strings(s.scan)
	}

	start := int(cursor)
	if start >= len(s.scan) {
		return nil, 0, nil
	}
	end := start + int(count)
	if end >= len(s.scan) {
		return append([]string(nil), s.scan[start:]...), 0, nil
	}
	return append([]string(nil), s.scan[start:end]...), uint64(end), nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, keys []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, k := range keys {
		if _, ok := s.entries[k]; ok {
			delete(s.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atelierd/atelier/pkg/admission"
	"github.com/atelierd/atelier/pkg/queue"
	"github.com/atelierd/atelier/pkg/quota"
	"github.com/atelierd/atelier/pkg/ratelimit"
	"github.com/atelierd/atelier/pkg/task"
)

func newTestServer(t *testing.T) (*Server, task.Store) {
	t.Helper()

	limiter, err := ratelimit.NewLimiter(quota.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	tasks := task.NewMemoryStore()
	jobs := queue.NewMemoryQueue(64)
	t.Cleanup(func() { _ = jobs.Close() })

	controller, err := admission.NewController(admission.Config{
		Limiter: limiter,
		Tasks:   tasks,
		Jobs:    jobs,
		Rules: map[string][]ratelimit.Rule{
			"image.generate": {
				{ID: "burst", MaxCount: 2, Window: time.Minute},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}

	srv, err := New(controller, tasks, limiter, Config{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, tasks
}

func submit(t *testing.T, handler http.Handler, principal, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", strings.NewReader(body))
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAccepted(t *testing.T) {
	srv, tasks := newTestServer(t)
	handler := srv.Router()

	rec := submit(t, handler, "alice", `{"type":"image.generate","prompt":"a fox"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, http.StatusAccepted, rec.Body)
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID == "" || resp.Status != "pending" {
		t.Fatalf("response = %+v, want a pending task id", resp)
	}

	tk, err := tasks.Get(context.Background(), resp.TaskID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tk.PrincipalID != "alice" {
		t.Errorf("principal = %q, want alice", tk.PrincipalID)
	}
}

func TestSubmitRequiresPrincipal(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := submit(t, srv.Router(), "", `{"type":"image.generate","prompt":"p"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"missing type", `{"prompt":"p"}`},
		{"missing prompt", `{"type":"image.generate"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := submit(t, handler, "alice", tc.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	srv, tasks := newTestServer(t)
	handler := srv.Router()
	body := `{"type":"image.generate","prompt":"p"}`

	// Complete each admitted task so the conflict check never fires and
	// only the rate limit gates the third attempt.
	for i := 0; i < 2; i++ {
		rec := submit(t, handler, "alice", body)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d status = %d, want %d", i, rec.Code, http.StatusAccepted)
		}
		var resp submitResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		ctx := context.Background()
		if _, err := tasks.Transition(ctx, resp.TaskID, task.StatusPending, task.StatusProcessing); err != nil {
			t.Fatal(err)
		}
		if _, err := tasks.Transition(ctx, resp.TaskID, task.StatusProcessing, task.StatusCompleted); err != nil {
			t.Fatal(err)
		}
	}

	rec := submit(t, handler, "alice", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}

	var resp rateLimitedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RuleID != "burst" || resp.Limit != 2 || resp.ResetAfterSeconds <= 0 {
		t.Fatalf("response = %+v, want burst rule details with a reset hint", resp)
	}
}

func TestSubmitConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()
	body := `{"type":"image.generate","prompt":"p"}`

	if rec := submit(t, handler, "alice", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rec.Code)
	}
	rec := submit(t, handler, "alice", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestGetTask(t *testing.T) {
	srv, tasks := newTestServer(t)
	handler := srv.Router()

	tk := task.New("alice", "image.generate", nil)
	if err := tasks.Create(context.Background(), tk); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+tk.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != tk.ID || got.Status != task.StatusPending {
		t.Fatalf("task = %+v, want pending %s", got, tk.ID)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/nope", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestQuotaFlush(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Router()

	if rec := submit(t, handler, "alice", `{"type":"image.generate","prompt":"p"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/quota/flush", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp flushResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.KeysDeleted != 1 {
		t.Fatalf("keys_deleted = %d, want 1", resp.KeysDeleted)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

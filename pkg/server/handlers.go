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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atelierd/atelier/pkg/admission"
	"github.com/atelierd/atelier/pkg/task"
)

// submitRequest is the submission body. Type selects the rule binding;
// everything else travels to the worker as the job payload.
type submitRequest struct {
	Type     string          `json:"type"`
	Prompt   string          `json:"prompt"`
	Variants int             `json:"variants,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type rateLimitedResponse struct {
	Error             string `json:"error"`
	RuleID            string `json:"rule_id,omitempty"`
	Limit             int64  `json:"limit,omitempty"`
	Current           int64  `json:"current,omitempty"`
	ResetAfterSeconds int64  `json:"reset_after_seconds,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principalID := r.Header.Get(PrincipalHeader)
	if principalID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+PrincipalHeader+" header")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"prompt":   req.Prompt,
		"variants": req.Variants,
		"params":   req.Params,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode payload")
		return
	}

	taskID, err := s.controller.Submit(r.Context(), principalID, req.Type, payload)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID, Status: string(task.StatusPending)})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	if rej := admission.AsRejected(err); rej != nil {
		switch rej.Reason {
		case admission.ReasonRateLimited:
			resp := rateLimitedResponse{Error: rej.Error()}
			if lee := rej.Limit; lee != nil {
				resp.RuleID = lee.RuleID
				resp.Limit = lee.Limit
				resp.Current = lee.Current
				resp.ResetAfterSeconds = lee.ResetAfterSeconds()
				w.Header().Set("Retry-After", fmt.Sprintf("%d", lee.ResetAfterSeconds()))
			}
			writeJSON(w, http.StatusTooManyRequests, resp)
		case admission.ReasonConflict:
			writeError(w, http.StatusConflict, rej.Error())
		default:
			writeError(w, http.StatusUnprocessableEntity, rej.Error())
		}
		return
	}

	s.log.Error("submission failed", "error", err)
	writeError(w, http.StatusInternalServerError, "submission failed")
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.log.Error("task lookup failed", "task", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type flushResponse struct {
	KeysScanned int64 `json:"keys_scanned"`
	KeysDeleted int64 `json:"keys_deleted"`
	DurationMS  int64 `json:"duration_ms"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	stats, err := s.limiter.Flush(r.Context())
	if err != nil {
		s.log.Error("quota flush failed", "error", err,
			"keys_deleted", stats.KeysDeleted)
		writeError(w, http.StatusInternalServerError, "quota flush failed")
		return
	}
	writeJSON(w, http.StatusOK, flushResponse{
		KeysScanned: stats.KeysScanned,
		KeysDeleted: stats.KeysDeleted,
		DurationMS:  stats.Duration.Milliseconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

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

// Package server exposes the admission and task APIs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atelierd/atelier/pkg/admission"
	"github.com/atelierd/atelier/pkg/ratelimit"
	"github.com/atelierd/atelier/pkg/task"
)

// PrincipalHeader carries the authenticated principal's identifier.
// Authentication itself happens upstream; this service trusts the
// header.
const PrincipalHeader = "X-Principal-ID"

// Config configures the HTTP server.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end: submission, task status, and the
// administrative quota flush.
type Server struct {
	controller *admission.Controller
	tasks      task.Store
	limiter    *ratelimit.Limiter
	cfg        Config
	log        *slog.Logger

	httpServer *http.Server
}

// New creates a server over the given collaborators.
func New(controller *admission.Controller, tasks task.Store, limiter *ratelimit.Limiter, cfg Config, log *slog.Logger) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("admission controller is required")
	}
	if tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		controller: controller,
		tasks:      tasks,
		limiter:    limiter,
		cfg:        cfg,
		log:        log,
	}, nil
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generations", s.handleSubmit)
		r.Get("/tasks/{taskID}", s.handleGetTask)
	})

	r.Post("/admin/quota/flush", s.handleFlush)

	return r
}

// Start begins serving and blocks until ctx is cancelled, then shuts
// down gracefully within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

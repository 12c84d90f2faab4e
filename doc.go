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

// Package atelier is a request admission and asynchronous job execution
// service for generation APIs.
//
// The API server admits generation requests under per-principal rate
// limits, rejects concurrent submissions from the same principal, and
// enqueues admitted work as durable tasks. Worker processes consume the
// queue with at-least-once delivery, fan each job out into bounded
// concurrent sub-units, and drive every task to a terminal status under
// a hard wall-clock budget.
//
// # Quick start
//
// Install:
//
//	go install github.com/atelierd/atelier/cmd/atelier@latest
//
// Create a configuration:
//
//	redis:
//	  addr: localhost:6379
//	database:
//	  driver: sqlite
//	  dsn: atelier.db
//	rules:
//	  image.generate:
//	    limits:
//	      - id: burst
//	        max_count: 3
//	        window_seconds: 60
//
// Start the API server and a worker:
//
//	atelier serve --config config.yaml
//	atelier work --config config.yaml --backend https://backend.example/generate
//
// Submit a request:
//
//	curl -X POST localhost:8080/v1/generations \
//	  -H 'X-Principal-ID: alice' \
//	  -d '{"type":"image.generate","prompt":"a lighthouse at dusk","variants":2}'
package atelier

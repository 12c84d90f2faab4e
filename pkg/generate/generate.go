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

// Package generate defines the external collaborators the worker drives:
// the generation provider and the artifact store. Both are supplied by
// the embedding application; this subsystem only orchestrates them.
package generate

import (
	"context"
	"encoding/json"
)

// UnitSpec describes one independently executable sub-unit of a job,
// e.g. one output variant among several requested.
type UnitSpec struct {
	// TaskID is the owning task.
	TaskID string

	// PrincipalID is the requesting principal.
	PrincipalID string

	// Index is the sub-unit's position within the job, starting at zero.
	Index int

	// Prompt is the generation prompt shared by all sub-units of a job.
	Prompt string

	// Params carries provider-specific options untouched.
	Params json.RawMessage
}

// Artifact is one generated output.
type Artifact struct {
	Data        []byte
	ContentType string
}

// Provider produces one artifact per sub-unit. Calls may take seconds and
// must honor context cancellation.
type Provider interface {
	Generate(ctx context.Context, spec UnitSpec) (*Artifact, error)
}

// ArtifactStore persists generated artifacts and returns a stable
// reference. It is also used for final result aggregation.
type ArtifactStore interface {
	Store(ctx context.Context, data []byte, contentType string) (ref string, err error)
}

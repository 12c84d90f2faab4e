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

package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/atelierd/atelier/pkg/httpclient"
)

// HTTPProvider calls an upstream generation backend over HTTP. The
// backend receives the prompt and params as JSON and answers with the
// raw artifact bytes; the response Content-Type is carried through.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *httpclient.Client
}

// NewHTTPProvider creates a provider for the given endpoint. A nil
// client gets the default retrying client.
func NewHTTPProvider(endpoint, apiKey string, client *httpclient.Client) (*HTTPProvider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if client == nil {
		client = httpclient.New()
	}
	return &HTTPProvider{endpoint: endpoint, apiKey: apiKey, client: client}, nil
}

var _ Provider = (*HTTPProvider)(nil)

type generateRequest struct {
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
	Seed   int             `json:"seed"`
}

// Generate requests one artifact from the backend. The sub-unit index
// seeds the backend so variants of the same prompt differ.
func (p *HTTPProvider) Generate(ctx context.Context, spec UnitSpec) (*Artifact, error) {
	body, err := json.Marshal(generateRequest{
		Prompt: spec.Prompt,
		Params: spec.Params,
		Seed:   spec.Index,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("backend returned an empty artifact")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Artifact{Data: data, ContentType: contentType}, nil
}

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPModelClient talks to the external page-understanding service. The
// service owns prompting and model selection; this client only ships page
// HTML plus the runtime-built schema and decodes the structured reply.
type HTTPModelClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPModelClient(endpoint, apiKey string) *HTTPModelClient {
	return &HTTPModelClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

type extractPayload struct {
	Instruction string               `json:"instruction"`
	Schema      map[string]FieldSpec `json:"schema"`
	HTML        string               `json:"html"`
}

type extractResponse struct {
	Data  map[string]any `json:"data"`
	Error string         `json:"error,omitempty"`
}

func (c *HTTPModelClient) Extract(ctx context.Context, pageHTML string, req ExtractRequest) (map[string]any, error) {
	var resp extractResponse
	err := c.post(ctx, "/extract", extractPayload{
		Instruction: req.Instruction,
		Schema:      req.Schema,
		HTML:        pageHTML,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model extraction failed: %s", resp.Error)
	}
	return resp.Data, nil
}

type observePayload struct {
	Prompt string `json:"prompt"`
	HTML   string `json:"html"`
}

type observeResponse struct {
	Candidates []Candidate `json:"candidates"`
	Error      string      `json:"error,omitempty"`
}

func (c *HTTPModelClient) Observe(ctx context.Context, pageHTML, prompt string) ([]Candidate, error) {
	var resp observeResponse
	err := c.post(ctx, "/observe", observePayload{Prompt: prompt, HTML: pageHTML}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("observe failed: %s", resp.Error)
	}
	return resp.Candidates, nil
}

func (c *HTTPModelClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model request returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode model response: %w", err)
	}
	return nil
}

// Package rag provides the HTTP client for the retrieval-augmented
// generation backend.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mkravets/cipherchat/internal/domain"
)

// Client talks to the generation backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new generation backend client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// HistoryEntry is one prior turn handed to the backend as plaintext context.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryRequest is the generation request payload.
type QueryRequest struct {
	Query     string         `json:"query"`
	History   []HistoryEntry `json:"history"`
	MaxTokens int            `json:"max_tokens"`
}

// SourceRef is one citation returned by the backend.
type SourceRef struct {
	Metadata struct {
		Source string `json:"source"`
	} `json:"metadata"`
}

// QueryResponse is the generation response payload.
type QueryResponse struct {
	Answer  string      `json:"answer"`
	Sources []SourceRef `json:"sources"`
}

// Generate sends the query plus plaintext history to the backend and returns
// the answer with its source citations. Any transport failure or non-2xx
// status comes back wrapped in domain.ErrUpstreamUnavailable so the pipeline
// can take the fallback path.
func (c *Client) Generate(ctx context.Context, query string, history []HistoryEntry, maxTokens int) (string, []string, error) {
	body, err := json.Marshal(QueryRequest{
		Query:     query,
		History:   history,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshal query request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read response: %v", domain.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil, fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamUnavailable, resp.StatusCode, string(respBody))
	}

	var result QueryResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrUpstreamUnavailable, err)
	}

	sources := make([]string, 0, len(result.Sources))
	for _, src := range result.Sources {
		if src.Metadata.Source != "" {
			sources = append(sources, src.Metadata.Source)
		}
	}
	return result.Answer, sources, nil
}

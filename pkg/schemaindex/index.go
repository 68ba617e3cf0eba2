// Package schemaindex provides access to the external schema text index: a
// similarity-search service over per-table schema descriptions.
package schemaindex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Entry is one table surfaced by similarity search.
type Entry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Index is the consumed interface of the schema text index.
type Index interface {
	// SimilaritySearch returns up to k entries ranked by similarity.
	SimilaritySearch(ctx context.Context, text string, k int) ([]Entry, error)

	// GetByTableName returns the schema description for a table. The second
	// return value is false when the table is not indexed.
	GetByTableName(ctx context.Context, name string) (string, bool, error)
}

// HTTPIndex implements Index against the vector index sidecar's HTTP API.
type HTTPIndex struct {
	baseURL    string
	collection string
	client     *http.Client
}

// NewHTTPIndex creates an HTTP-backed Index for one connection's collection.
func NewHTTPIndex(baseURL, collection string) *HTTPIndex {
	return &HTTPIndex{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		collection: collection,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// SimilaritySearch queries the sidecar's /search endpoint.
func (i *HTTPIndex) SimilaritySearch(ctx context.Context, text string, k int) ([]Entry, error) {
	q := url.Values{}
	q.Set("collection", i.collection)
	q.Set("q", text)
	q.Set("k", strconv.Itoa(k))

	body, err := i.get(ctx, "/search?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []Entry `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return resp.Results, nil
}

// GetByTableName queries the sidecar's /table endpoint.
func (i *HTTPIndex) GetByTableName(ctx context.Context, name string) (string, bool, error) {
	q := url.Values{}
	q.Set("collection", i.collection)
	q.Set("name", name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+"/table?"+q.Encode(), nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("failed to reach schema index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("schema index returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return "", false, fmt.Errorf("failed to parse table response: %w", err)
	}
	return entry.Description, true, nil
}

func (i *HTTPIndex) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach schema index: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schema index returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

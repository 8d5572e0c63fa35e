package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilupskalvis/nestsync/internal/models"
)

// Client talks to a running agent's HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an API client. A bare host:port is treated as http.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// APIError is a non-2xx response from the agent.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, apiErr)
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if respBody != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Status calls GET /v1/status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.doJSON(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &st, nil
}

// Drain calls POST /v1/drain.
func (c *Client) Drain(ctx context.Context) (*models.DrainResult, error) {
	var res models.DrainResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/drain", nil, &res); err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	return &res, nil
}

// Conflicts calls GET /v1/conflicts.
func (c *Client) Conflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	var out []*models.ConflictRecord
	if err := c.doJSON(ctx, http.MethodGet, "/v1/conflicts", nil, &out); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return out, nil
}

// Resolve calls POST /v1/conflicts/{table}/{id}/resolve and returns the
// record as it now stands.
func (c *Client) Resolve(ctx context.Context, table, id string, strategy models.ResolutionStrategy, merged models.Record) (models.Record, error) {
	path := "/v1/conflicts/" + url.PathEscape(table) + "/" + url.PathEscape(id) + "/resolve"
	var rec models.Record
	if err := c.doJSON(ctx, http.MethodPost, path, ResolveRequest{Strategy: strategy, Merged: merged}, &rec); err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", table, id, err)
	}
	return rec, nil
}

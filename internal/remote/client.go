package remote

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

// HTTPStore implements Store against a PostgREST-style REST endpoint
// ({base}/rest/v1/{table}?id=eq.{id}).
type HTTPStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPStore creates an HTTP-backed remote store.
func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPStore) tableURL(table string, recordID string) string {
	u := fmt.Sprintf("%s/rest/v1/%s", s.baseURL, url.PathEscape(table))
	if recordID != "" {
		u += "?id=eq." + url.QueryEscape(recordID)
	}
	return u
}

func (s *HTTPStore) do(ctx context.Context, method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// doRows sends a request and decodes the row array PostgREST returns.
func (s *HTTPStore) doRows(ctx context.Context, method, u string, payload models.Record) ([]models.Record, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := s.do(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var rows []models.Record
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rows, nil
}

// Apply performs the mutation and returns the first returned row.
func (s *HTTPStore) Apply(ctx context.Context, m models.Mutation) (models.Record, error) {
	var (
		rows []models.Record
		err  error
	)

	switch m.Kind {
	case models.OperationInsert:
		rows, err = s.doRows(ctx, http.MethodPost, s.tableURL(m.Table, ""), m.Payload)
	case models.OperationUpdate:
		rows, err = s.doRows(ctx, http.MethodPatch, s.tableURL(m.Table, m.RecordID), m.Payload)
	case models.OperationDelete:
		rows, err = s.doRows(ctx, http.MethodDelete, s.tableURL(m.Table, m.RecordID), nil)
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown operation kind %q", m.Kind))
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s/%s: %w", m.Kind, m.Table, m.RecordID, err)
	}

	if m.Kind == models.OperationUpdate && len(rows) == 0 {
		return nil, &RemoteError{Code: "not_found", Message: "no row matched update", Status: http.StatusNotFound}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Fetch returns the current row or nil if none matches.
func (s *HTTPStore) Fetch(ctx context.Context, table, recordID string) (models.Record, error) {
	rows, err := s.doRows(ctx, http.MethodGet, s.tableURL(table, recordID)+"&select=*", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s: %w", table, recordID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Health returns the URL used for reachability probing.
func (s *HTTPStore) Health() string {
	return s.baseURL + "/rest/v1/"
}

// Verify that *HTTPStore implements Store at compile time
var _ Store = (*HTTPStore)(nil)

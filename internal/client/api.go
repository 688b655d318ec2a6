package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/roach88/turnstile/internal/model"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// APIClient talks to the turnstile HTTP API with a device token.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a client for the server at baseURL.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// SyncUp uploads queued scans.
func (c *APIClient) SyncUp(ctx context.Context, scans []model.ScanRequest) (model.SyncUpResponse, error) {
	var resp model.SyncUpResponse
	if scans == nil {
		scans = []model.ScanRequest{}
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/sync/up", model.SyncUpRequest{Scans: scans}, &resp)
	return resp, err
}

// SyncDown fetches attendees changed after since. A nil since requests a
// full snapshot.
func (c *APIClient) SyncDown(ctx context.Context, since *time.Time) (model.SyncDownResponse, error) {
	path := "/api/v1/sync/down"
	if since != nil {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var resp model.SyncDownResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Occupancy reads the current occupancy of the token's event.
func (c *APIClient) Occupancy(ctx context.Context) (model.Occupancy, error) {
	var occ model.Occupancy
	err := c.do(ctx, http.MethodGet, "/api/v1/occupancy", nil, &occ)
	return occ, err
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e model.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil {
			apiErr.Code, apiErr.Message = e.Code, e.Message
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

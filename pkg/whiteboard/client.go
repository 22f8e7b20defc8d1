// Package whiteboard is a thin client over an external whiteboard service's
// HTTP API: create a shared space per room and export it to PDF (spec.md §4.10).
package whiteboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to one whiteboard service deployment.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &Client{baseURL: baseURL, apiKey: apiKey, http: rc}
}

// CreateSpace provisions a new shared whiteboard and returns its public URL.
func (c *Client) CreateSpace(ctx context.Context, roomID string) (spaceURL string, err error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.post(ctx, "/spaces", map[string]string{"room_id": roomID}, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// ExportPDF renders a space's current content to PDF and returns a reader
// over the rendered bytes, satisfying whiteboard.SpaceClient.
func (c *Client) ExportPDF(ctx context.Context, spaceID string) (io.Reader, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.post(ctx, "/export/pdf", map[string]string{"space_url": spaceID}, &out); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, out.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("whiteboard: build pdf fetch request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whiteboard: fetch rendered pdf: %w", err)
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("whiteboard: marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, data)
	if err != nil {
		return fmt.Errorf("whiteboard: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whiteboard: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("whiteboard: %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

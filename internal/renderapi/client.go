// Package renderapi is the HTTP client for the render service: submit an edit,
// then poll the returned render id until it settles.
package renderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"clipline/internal/timeline"
)

// Render states as reported by the provider.
const (
	StateQueued    = "queued"
	StateRendering = "rendering"
	StateDone      = "done"
	StateFailed    = "failed"
)

// Status is one poll result.
type Status struct {
	State    string `json:"state"`
	Progress int    `json:"progress"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client for the given base URL. The API key comes from
// RENDER_API_KEY.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  os.Getenv("RENDER_API_KEY"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit posts an edit and returns the provider's render id.
func (c *Client) Submit(ctx context.Context, edit timeline.Edit) (string, error) {
	body, err := json.Marshal(edit)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("render api: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", apiErr(resp.StatusCode, data)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse render response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("render api returned no render id")
	}
	return out.ID, nil
}

// RenderStatus fetches the current state of a render.
func (c *Client) RenderStatus(ctx context.Context, renderID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/render/"+renderID, nil)
	if err != nil {
		return Status{}, err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("render api: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, apiErr(resp.StatusCode, data)
	}
	var out Status
	if err := json.Unmarshal(data, &out); err != nil {
		return Status{}, fmt.Errorf("parse render status: %w", err)
	}
	return out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func apiErr(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("render api (status %d): %s", status, e.Error)
	}
	return fmt.Errorf("render api: unexpected status %d", status)
}

// Package storage uploads generated media blobs and returns their public URLs.
package storage

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
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client for the given base URL. The API key comes from
// STORAGE_API_KEY.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  os.Getenv("STORAGE_API_KEY"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload stores data under key and returns the public URL. Keys are
// namespaced by the caller (project id / kind / index).
func (c *Client) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "PUT", c.baseURL+"/v1/objects/"+key, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("storage: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse storage response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("storage returned no public url")
	}
	return out.URL, nil
}

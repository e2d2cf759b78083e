// Package genai is the HTTP client for the text and image generation service.
// Responses arrive as JSON; image responses are raw bytes uploaded to storage
// by the caller.
package genai

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
// GENERATION_API_KEY.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  os.Getenv("GENERATION_API_KEY"),
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// ScriptRequest describes one script generation call.
type ScriptRequest struct {
	Topic         string `json:"topic"`
	Platform      string `json:"platform,omitempty"`
	Brand         string `json:"brand,omitempty"`
	StylePrompt   string `json:"style_prompt,omitempty"`
	LengthSeconds int    `json:"length_seconds,omitempty"`
	HookCount     int    `json:"hook_count,omitempty"`
}

// GeneratedScene mirrors the provider's scene shape.
type GeneratedScene struct {
	Visual       string `json:"visual"`
	Voiceover    string `json:"voiceover"`
	OnScreenText string `json:"on_screen_text,omitempty"`
}

// ScriptResult is the provider's full script payload.
type ScriptResult struct {
	Hooks           []string         `json:"hooks"`
	Scenes          []GeneratedScene `json:"scenes"`
	CTA             string           `json:"cta,omitempty"`
	SuggestedTitles []string         `json:"suggested_titles,omitempty"`
}

// SceneTextRequest asks for replacement text for a single scene.
type SceneTextRequest struct {
	Topic      string `json:"topic"`
	Platform   string `json:"platform,omitempty"`
	SceneIndex int    `json:"scene_index"`
	Field      string `json:"field" enum:"visual,voiceover"`
	Current    string `json:"current,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

// GenerateScript runs one script generation call.
func (c *Client) GenerateScript(ctx context.Context, req ScriptRequest) (*ScriptResult, error) {
	var out ScriptResult
	if err := c.postJSON(ctx, "/v1/script", req, &out); err != nil {
		return nil, err
	}
	if len(out.Scenes) == 0 {
		return nil, fmt.Errorf("generation api returned a script with no scenes")
	}
	return &out, nil
}

// GenerateHooks returns count fresh hook candidates for a topic.
func (c *Client) GenerateHooks(ctx context.Context, topic, platform string, count int) ([]string, error) {
	req := struct {
		Topic    string `json:"topic"`
		Platform string `json:"platform,omitempty"`
		Count    int    `json:"count"`
	}{topic, platform, count}
	var out struct {
		Hooks []string `json:"hooks"`
	}
	if err := c.postJSON(ctx, "/v1/hooks", req, &out); err != nil {
		return nil, err
	}
	if len(out.Hooks) == 0 {
		return nil, fmt.Errorf("generation api returned no hooks")
	}
	return out.Hooks, nil
}

// GenerateSceneText returns replacement text for one scene field.
func (c *Client) GenerateSceneText(ctx context.Context, req SceneTextRequest) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := c.postJSON(ctx, "/v1/scene-text", req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", fmt.Errorf("generation api returned empty scene text")
	}
	return out.Text, nil
}

// GenerateImage returns raw PNG bytes for a prompt at the given size
// ("WIDTHxHEIGHT").
func (c *Client) GenerateImage(ctx context.Context, prompt, size string) ([]byte, error) {
	req := struct {
		Prompt string `json:"prompt"`
		Size   string `json:"size,omitempty"`
	}{prompt, size}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/image", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation api: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, data)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("generation api returned an empty image")
	}
	return data, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("generation api: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse generation response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// statusError surfaces the provider's message so callers can classify
// overloaded and billing failures by text.
func statusError(status int, body []byte) error {
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("generation api (status %d): %s", status, e.Error)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		return fmt.Errorf("generation api (status %d): overloaded", status)
	}
	return fmt.Errorf("generation api: unexpected status %d", status)
}

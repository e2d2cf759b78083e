// Package tts is the HTTP client for the speech synthesis service.
package tts

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
// SPEECH_API_KEY.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  os.Getenv("SPEECH_API_KEY"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Synthesize converts text to speech with the given provider voice id and
// returns the raw MP3 bytes.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	req := struct {
		Text    string `json:"text"`
		VoiceID string `json:"voice_id"`
	}{text, voiceID}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("speech api: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		// The provider puts billing problems ("subscription expired",
		// "payment required") in the message; pass it through verbatim so
		// the pipeline can stop retrying on them.
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("speech api (status %d): %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("speech api: unexpected status %d", resp.StatusCode)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("speech api returned empty audio")
	}
	return data, nil
}

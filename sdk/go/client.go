package cliplinesdk

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
)

// Client is a minimal Clipline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Scene is one beat of a script.
type Scene struct {
	Visual             string `json:"visual"`
	Voiceover          string `json:"voiceover"`
	OnScreenText       string `json:"on_screen_text,omitempty"`
	StoryboardImageURL string `json:"storyboard_image_url,omitempty"`
}

// Script holds the hook candidates, scenes and call to action.
type Script struct {
	Hooks             []string `json:"hooks"`
	SelectedHookIndex *int     `json:"selected_hook_index,omitempty"`
	Scenes            []Scene  `json:"scenes"`
	CTA               string   `json:"cta,omitempty"`
}

// Project represents the API project model (partial).
type Project struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Topic           string            `json:"topic"`
	Platform        string            `json:"platform,omitempty"`
	StyleID         string            `json:"style_id,omitempty"`
	Status          string            `json:"status"`
	WorkflowStep    int               `json:"workflow_step"`
	VideoSize       string            `json:"video_size,omitempty"`
	VoiceID         string            `json:"voice_id,omitempty"`
	Script          *Script           `json:"script,omitempty"`
	Moodboard       []string          `json:"moodboard,omitempty"`
	VoiceoverURLs   map[string]string `json:"voiceover_urls,omitempty"`
	SuggestedTitles []string          `json:"suggested_titles,omitempty"`
	FinalVideoURL   string            `json:"final_video_url,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

// RenderJob represents a submitted render.
type RenderJob struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	RenderID  string `json:"render_id,omitempty"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	VideoURL  string `json:"video_url,omitempty"`
	Attempts  int    `json:"attempts"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// QualityScore is the heuristic score snapshot.
type QualityScore struct {
	Script  int `json:"script"`
	Visual  int `json:"visual"`
	Viral   int `json:"viral"`
	Overall int `json:"overall"`
}

// VoiceoverReport summarizes a synthesis run.
type VoiceoverReport struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	URLs      map[string]string `json:"urls,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps event listings with the next cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project for a topic.
func (c *Client) CreateProject(ctx context.Context, topic string, opts map[string]any) (Project, error) {
	body := map[string]any{"topic": topic}
	for k, v := range opts {
		body[k] = v
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// GenerateBlueprint runs the script generation pipeline.
func (c *Client) GenerateBlueprint(ctx context.Context, projectID string, withMoodboard, withNarrator bool) (Project, error) {
	body := map[string]any{
		"with_moodboard": withMoodboard,
		"with_narrator":  withNarrator,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "blueprint"), body, &resp)
	return resp, err
}

// SelectHook picks a hook by index.
func (c *Client) SelectHook(ctx context.Context, projectID string, index int) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "hook"), map[string]any{"index": index}, &resp)
	return resp, err
}

// SynthesizeVoiceovers runs the voiceover pipeline.
func (c *Client) SynthesizeVoiceovers(ctx context.Context, projectID, voiceID string) (VoiceoverReport, error) {
	body := map[string]any{}
	if voiceID != "" {
		body["voice_id"] = voiceID
	}
	var resp VoiceoverReport
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "voiceovers"), body, &resp)
	return resp, err
}

// SubmitRender queues the project for rendering.
func (c *Client) SubmitRender(ctx context.Context, projectID string) (RenderJob, error) {
	var resp RenderJob
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "renders"), nil, &resp)
	return resp, err
}

// LatestRender returns the most recent render job.
func (c *Client) LatestRender(ctx context.Context, projectID string) (RenderJob, error) {
	var resp RenderJob
	err := c.do(ctx, http.MethodGet, projectPath(projectID, "renders/latest"), nil, &resp)
	return resp, err
}

// Score recomputes and returns the quality scores.
func (c *Client) Score(ctx context.Context, projectID string) (QualityScore, error) {
	var resp QualityScore
	err := c.do(ctx, http.MethodPost, projectPath(projectID, "score"), nil, &resp)
	return resp, err
}

// Events returns recent events, optionally scoped to a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(projectID, p string) string {
	base := fmt.Sprintf("v0/projects/%s", url.PathEscape(projectID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

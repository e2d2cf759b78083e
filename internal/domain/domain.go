package domain

// Scene is one beat of a script. Scenes have no identity of their own;
// they are addressed by index within their script.
type Scene struct {
	Visual             string `json:"visual"`
	Voiceover          string `json:"voiceover"`
	OnScreenText       string `json:"on_screen_text,omitempty"`
	StoryboardImageURL string `json:"storyboard_image_url,omitempty"`
}

// Script holds the hook candidates, scenes and call to action for one project.
type Script struct {
	Hooks             []string `json:"hooks"`
	SelectedHookIndex *int     `json:"selected_hook_index,omitempty"`
	Scenes            []Scene  `json:"scenes"`
	CTA               string   `json:"cta,omitempty"`
}

// SelectedHook returns the currently selected hook, or "" when none is selected.
func (s *Script) SelectedHook() string {
	if s == nil || s.SelectedHookIndex == nil {
		return ""
	}
	i := *s.SelectedHookIndex
	if i < 0 || i >= len(s.Hooks) {
		return ""
	}
	return s.Hooks[i]
}

// ClampHookSelection drops a selected index that no longer points into Hooks.
func (s *Script) ClampHookSelection() {
	if s == nil || s.SelectedHookIndex == nil {
		return
	}
	if *s.SelectedHookIndex < 0 || *s.SelectedHookIndex >= len(s.Hooks) {
		s.SelectedHookIndex = nil
	}
}

// SceneAsset pairs the generated media for one scene key.
type SceneAsset struct {
	VisualURL    string `json:"visual_url,omitempty"`
	VoiceoverURL string `json:"voiceover_url,omitempty"`
}

// Workflow steps, in pipeline order.
const (
	StepBlueprint = 1
	StepScript    = 2
	StepEdit      = 3
	StepAnalysis  = 4
	StepLaunch    = 5
)

type Project struct {
	ID              string                `json:"id"`
	Title           string                `json:"title"`
	Topic           string                `json:"topic"`
	Platform        string                `json:"platform,omitempty"`
	StyleID         string                `json:"style_id,omitempty"`
	Status          string                `json:"status" enum:"draft,generating,editing,rendering,ready,failed"`
	WorkflowStep    int                   `json:"workflow_step" minimum:"1" maximum:"5"`
	VideoSize       string                `json:"video_size,omitempty"`
	VoiceID         string                `json:"voice_id,omitempty"`
	Script          *Script               `json:"script,omitempty"`
	Moodboard       []string              `json:"moodboard,omitempty"`
	VoiceoverURLs   map[string]string     `json:"voiceover_urls,omitempty"`
	Assets          map[string]SceneAsset `json:"assets,omitempty"`
	SuggestedTitles []string              `json:"suggested_titles,omitempty"`
	FinalVideoURL   string                `json:"final_video_url,omitempty"`
	CreatedAt       string                `json:"created_at" format:"date-time"`
	UpdatedAt       string                `json:"updated_at" format:"date-time"`
}

// Render job states.
const (
	RenderSubmitting = "submitting"
	RenderRendering  = "rendering"
	RenderDone       = "done"
	RenderFailed     = "failed"
	RenderTimeout    = "timeout"
)

type RenderJob struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	RenderID  string `json:"render_id,omitempty"`
	Status    string `json:"status" enum:"submitting,rendering,done,failed,timeout"`
	Progress  int    `json:"progress" minimum:"0" maximum:"100"`
	VideoURL  string `json:"video_url,omitempty"`
	Attempts  int    `json:"attempts"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// QualityScore is derived from the project on demand and never authoritative.
type QualityScore struct {
	Script  int `json:"script" minimum:"0" maximum:"10"`
	Visual  int `json:"visual" minimum:"0" maximum:"10"`
	Viral   int `json:"viral" minimum:"0" maximum:"10"`
	Overall int `json:"overall" minimum:"0" maximum:"10"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

package server

import (
	"clipline/internal/domain"
)

type CreateProjectRequest struct {
	Title     string `json:"title,omitempty"`
	Topic     string `json:"topic"`
	Platform  string `json:"platform,omitempty"`
	StyleID   string `json:"style_id,omitempty"`
	VideoSize string `json:"video_size,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
}

type BlueprintRequest struct {
	Brand         string `json:"brand,omitempty"`
	LengthSeconds int    `json:"length_seconds,omitempty" minimum:"0"`
	StyleID       string `json:"style_id,omitempty"`
	VoiceID       string `json:"voice_id,omitempty"`
	WithMoodboard bool   `json:"with_moodboard,omitempty"`
	WithNarrator  bool   `json:"with_narrator,omitempty"`
}

type RegenerateRequest struct {
	Kind       string `json:"kind" enum:"hook,scene,moodboard,visual,voiceover"`
	SceneIndex *int   `json:"scene_index,omitempty" minimum:"0"`
	StyleID    string `json:"style_id,omitempty"`
}

type SceneEditRequest struct {
	Field string `json:"field" enum:"visual,voiceover,on_screen_text"`
	Text  string `json:"text"`
}

// ProjectListResponse carries a page of projects plus the cursor for the next
// one. Cursor fields are empty on the last page.
type ProjectListResponse struct {
	Items           []domain.Project `json:"items"`
	NextCreatedAt   string           `json:"next_created_at,omitempty"`
	NextID          string           `json:"next_id,omitempty"`
}

func projectListResponse(items []domain.Project, limit int) ProjectListResponse {
	res := ProjectListResponse{Items: items}
	if res.Items == nil {
		res.Items = []domain.Project{}
	}
	if len(items) == limit {
		last := items[len(items)-1]
		res.NextCreatedAt = last.CreatedAt
		res.NextID = last.ID
	}
	return res
}

type EventListResponse struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

func eventListResponse(items []domain.Event, limit int) EventListResponse {
	res := EventListResponse{Items: items}
	if res.Items == nil {
		res.Items = []domain.Event{}
	}
	if len(items) == limit {
		res.NextCursor = items[len(items)-1].ID
	}
	return res
}

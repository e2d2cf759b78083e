// Package events appends rows to the append-only event log. Every project
// mutation writes one event in the same transaction as the mutation itself,
// so the log and the aggregate can never disagree.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the engine.
const (
	TypeProjectCreated        = "project.created"
	TypeProjectDeleted        = "project.deleted"
	TypeBlueprintGenerated    = "project.blueprint.generated"
	TypeHookSelected          = "project.hook.selected"
	TypeHooksRegenerated      = "project.hooks.regenerated"
	TypeSceneUpdated          = "project.scene.updated"
	TypeSceneRegenerated      = "project.scene.regenerated"
	TypeMoodboardRegenerated  = "project.moodboard.regenerated"
	TypeVoiceoverSynthesized  = "project.voiceover.synthesized"
	TypeProjectScored         = "project.scored"
	TypeRenderSubmitted       = "render.submitted"
)

// Entity kinds referenced by events.
const (
	KindProject   = "project"
	KindRenderJob = "render_job"
)

// RenderSettledType returns the event type for a render job settling in the
// given terminal status (done, failed or timeout).
func RenderSettledType(status string) string {
	return "render." + status
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

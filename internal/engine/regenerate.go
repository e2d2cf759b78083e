package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/genai"
)

// Regeneration kinds.
const (
	RegenHook      = "hook"
	RegenScene     = "scene"
	RegenMoodboard = "moodboard"
	RegenVisual    = "visual"
	RegenVoiceover = "voiceover"
)

// RegenerateOptions select what to regenerate. SceneIndex is required for
// scene/visual/voiceover and optional for moodboard (nil means all scenes).
type RegenerateOptions struct {
	ProjectID  string
	Kind       string
	SceneIndex *int
	StyleID    string
	ActorID    string
}

// Regenerate re-runs generation for part of a project. Regeneration is not
// idempotent; every call hits the generation API again. For scene kind the
// visual and voiceover calls are independent and partial success is kept.
func (e *Engine) Regenerate(ctx context.Context, opts RegenerateOptions) (domain.Project, error) {
	release, err := e.acquire()
	if err != nil {
		return domain.Project{}, err
	}
	defer release()

	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	if opts.StyleID != "" {
		p.StyleID = opts.StyleID
	}

	log.Printf("[regen] project %s kind=%s", p.ID, opts.Kind)
	switch opts.Kind {
	case RegenHook:
		return e.regenerateHooks(ctx, p, opts.ActorID)
	case RegenMoodboard:
		return e.regenerateMoodboard(ctx, p, opts)
	case RegenScene:
		return e.regenerateScene(ctx, p, opts)
	case RegenVisual, RegenVoiceover:
		return e.regenerateSceneField(ctx, p, opts)
	default:
		return domain.Project{}, fmt.Errorf("unknown regeneration kind %q", opts.Kind)
	}
}

// regenerateHooks replaces the whole hook list and resets the selection to
// the first candidate.
func (e *Engine) regenerateHooks(ctx context.Context, p domain.Project, actorID string) (domain.Project, error) {
	if p.Script == nil {
		return domain.Project{}, errors.New("project has no script")
	}
	hooks, err := e.Gen.GenerateHooks(ctx, p.Topic, p.Platform, hookCount)
	if err != nil {
		return domain.Project{}, fmt.Errorf("generate hooks: %w", err)
	}
	p.Script.Hooks = hooks
	zero := 0
	p.Script.SelectedHookIndex = &zero
	return e.saveProject(ctx, p, events.TypeHooksRegenerated, actorID, events.EventPayload{"count": len(hooks)})
}

func (e *Engine) regenerateMoodboard(ctx context.Context, p domain.Project, opts RegenerateOptions) (domain.Project, error) {
	var only map[int]bool
	if opts.SceneIndex != nil {
		if err := checkSceneIndex(p, *opts.SceneIndex); err != nil {
			return domain.Project{}, err
		}
		only = map[int]bool{*opts.SceneIndex: true}
	}
	if err := e.generateMoodboard(ctx, &p, only); err != nil {
		return domain.Project{}, fmt.Errorf("generate moodboard: %w", err)
	}
	payload := events.EventPayload{"scope": "all"}
	if opts.SceneIndex != nil {
		payload = events.EventPayload{"scope": "scene", "scene_index": *opts.SceneIndex}
	}
	return e.saveProject(ctx, p, events.TypeMoodboardRegenerated, opts.ActorID, payload)
}

// regenerateScene refreshes both text fields of one scene with two
// independent calls. A field that fails keeps its old text; both errors are
// reported together and whatever succeeded is persisted.
func (e *Engine) regenerateScene(ctx context.Context, p domain.Project, opts RegenerateOptions) (domain.Project, error) {
	if opts.SceneIndex == nil {
		return domain.Project{}, errors.New("scene index is required")
	}
	i := *opts.SceneIndex
	if err := checkSceneIndex(p, i); err != nil {
		return domain.Project{}, err
	}
	scene := &p.Script.Scenes[i]

	var visualErr, voErr error
	changed := 0
	if text, err := e.generateField(ctx, p, i, "visual", scene.Visual); err != nil {
		visualErr = err
	} else {
		scene.Visual = text
		changed++
	}
	if text, err := e.generateField(ctx, p, i, "voiceover", scene.Voiceover); err != nil {
		voErr = err
	} else {
		scene.Voiceover = text
		changed++
	}
	genErr := errors.Join(visualErr, voErr)
	if changed == 0 {
		return domain.Project{}, fmt.Errorf("regenerate scene %d: %w", i, genErr)
	}
	p, err := e.saveProject(ctx, p, events.TypeSceneRegenerated, opts.ActorID, events.EventPayload{
		"scene_index": i, "fields_changed": changed,
	})
	if err != nil {
		return domain.Project{}, err
	}
	if genErr != nil {
		return p, fmt.Errorf("regenerate scene %d (partial): %w", i, genErr)
	}
	return p, nil
}

func (e *Engine) regenerateSceneField(ctx context.Context, p domain.Project, opts RegenerateOptions) (domain.Project, error) {
	if opts.SceneIndex == nil {
		return domain.Project{}, errors.New("scene index is required")
	}
	i := *opts.SceneIndex
	if err := checkSceneIndex(p, i); err != nil {
		return domain.Project{}, err
	}
	scene := &p.Script.Scenes[i]
	current := scene.Visual
	if opts.Kind == RegenVoiceover {
		current = scene.Voiceover
	}
	text, err := e.generateField(ctx, p, i, opts.Kind, current)
	if err != nil {
		return domain.Project{}, fmt.Errorf("regenerate %s for scene %d: %w", opts.Kind, i, err)
	}
	if opts.Kind == RegenVoiceover {
		scene.Voiceover = text
	} else {
		scene.Visual = text
	}
	return e.saveProject(ctx, p, events.TypeSceneRegenerated, opts.ActorID, events.EventPayload{
		"scene_index": i, "field": opts.Kind,
	})
}

func (e *Engine) generateField(ctx context.Context, p domain.Project, sceneIndex int, field, current string) (string, error) {
	return e.Gen.GenerateSceneText(ctx, genai.SceneTextRequest{
		Topic:      p.Topic,
		Platform:   p.Platform,
		SceneIndex: sceneIndex,
		Field:      field,
		Current:    current,
	})
}

func checkSceneIndex(p domain.Project, i int) error {
	if p.Script == nil {
		return errors.New("project has no script")
	}
	if i < 0 || i >= len(p.Script.Scenes) {
		return fmt.Errorf("scene index %d out of range [0,%d)", i, len(p.Script.Scenes))
	}
	return nil
}

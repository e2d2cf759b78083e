package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/genai"
	"clipline/internal/retry"
)

const (
	hookCount = 5

	// Script generation retries only on capacity errors, backing off
	// 2s, 4s, 8s before giving up.
	scriptMaxAttempts = 4
	scriptBackoffBase = 2 * time.Second
)

// BlueprintOptions are parameters for generating a project blueprint.
type BlueprintOptions struct {
	ProjectID     string
	Brand         string
	LengthSeconds int
	StyleID       string
	VoiceID       string
	WithMoodboard bool
	WithNarrator  bool
	ActorID       string
}

// GenerateBlueprint runs script generation for a project and optionally the
// moodboard and narrator passes. It holds the generation slot for the whole
// run.
func (e *Engine) GenerateBlueprint(ctx context.Context, opts BlueprintOptions) (domain.Project, error) {
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
	if opts.VoiceID != "" {
		p.VoiceID = opts.VoiceID
	}
	length := opts.LengthSeconds
	if length == 0 {
		length = e.Config.Defaults.LengthSeconds
	}

	log.Printf("[blueprint] generating script for project %s (topic: %s)", p.ID, p.Topic)
	var result *genai.ScriptResult
	policy := retry.Policy{
		MaxAttempts: scriptMaxAttempts,
		Backoff:     retry.Exponential(scriptBackoffBase),
		Retryable:   IsOverloaded,
		Sleep:       e.sleep,
	}
	err = policy.Do(ctx, func() error {
		var genErr error
		result, genErr = e.Gen.GenerateScript(ctx, genai.ScriptRequest{
			Topic:         p.Topic,
			Platform:      p.Platform,
			Brand:         opts.Brand,
			StylePrompt:   e.Config.StylePrompt(p.StyleID),
			LengthSeconds: length,
			HookCount:     hookCount,
		})
		return genErr
	})
	if err != nil {
		return domain.Project{}, fmt.Errorf("generate script: %w", err)
	}

	script := convertScript(result)
	p.Script = script
	p.SuggestedTitles = result.SuggestedTitles
	p.Status = "editing"
	p.WorkflowStep = domain.StepScript

	if opts.WithMoodboard {
		if err := e.generateMoodboard(ctx, &p, nil); err != nil {
			return domain.Project{}, fmt.Errorf("generate moodboard: %w", err)
		}
	}

	p, err = e.saveProject(ctx, p, events.TypeBlueprintGenerated, opts.ActorID, events.EventPayload{
		"scenes": len(script.Scenes), "hooks": len(script.Hooks), "moodboard": opts.WithMoodboard,
	})
	if err != nil {
		return domain.Project{}, err
	}
	log.Printf("[blueprint] project %s: %d scenes, %d hooks", p.ID, len(script.Scenes), len(script.Hooks))

	if opts.WithNarrator {
		report, err := e.synthesizeVoiceovers(ctx, p, p.VoiceID, opts.ActorID)
		if err != nil {
			return domain.Project{}, fmt.Errorf("narrator pass: %w", err)
		}
		log.Printf("[blueprint] narrator pass: %d/%d voiceovers", report.Succeeded, report.Total)
		p, err = e.Repo.GetProject(ctx, p.ID)
		if err != nil {
			return domain.Project{}, err
		}
	}
	return p, nil
}

// convertScript maps the provider payload into the domain script. The first
// hook doubles as the opening narration line, so it is folded into scene 0.
func convertScript(r *genai.ScriptResult) *domain.Script {
	s := &domain.Script{
		Hooks: r.Hooks,
		CTA:   r.CTA,
	}
	for _, sc := range r.Scenes {
		s.Scenes = append(s.Scenes, domain.Scene{
			Visual:       sc.Visual,
			Voiceover:    sc.Voiceover,
			OnScreenText: sc.OnScreenText,
		})
	}
	if len(s.Hooks) > 0 {
		zero := 0
		s.SelectedHookIndex = &zero
		if len(s.Scenes) > 0 {
			first := &s.Scenes[0]
			if !strings.HasPrefix(first.Voiceover, s.Hooks[0]) {
				first.Voiceover = strings.TrimSpace(s.Hooks[0] + " " + first.Voiceover)
			}
		}
	}
	return s
}

// generateMoodboard renders one storyboard image per scene, in parallel, and
// uploads each to storage. With only set, just those scene indexes are
// regenerated; a nil set means all scenes.
func (e *Engine) generateMoodboard(ctx context.Context, p *domain.Project, only map[int]bool) error {
	if p.Script == nil || len(p.Script.Scenes) == 0 {
		return errors.New("project has no scenes")
	}
	stylePrompt := e.Config.StylePrompt(p.StyleID)
	urls := make([]string, len(p.Script.Scenes))
	copy(urls, p.Moodboard)

	g, gctx := errgroup.WithContext(ctx)
	for i, scene := range p.Script.Scenes {
		if only != nil && !only[i] {
			continue
		}
		i, scene := i, scene
		g.Go(func() error {
			prompt := scene.Visual
			if stylePrompt != "" {
				prompt = prompt + ", " + stylePrompt
			}
			img, err := e.Gen.GenerateImage(gctx, prompt, p.VideoSize)
			if err != nil {
				return fmt.Errorf("scene %d image: %w", i, err)
			}
			key := fmt.Sprintf("projects/%s/moodboard/%d.png", p.ID, i)
			url, err := e.Storage.Upload(gctx, key, "image/png", img)
			if err != nil {
				return fmt.Errorf("scene %d upload: %w", i, err)
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.Moodboard = urls
	for i := range p.Script.Scenes {
		if urls[i] != "" {
			p.Script.Scenes[i].StoryboardImageURL = urls[i]
		}
	}
	return nil
}

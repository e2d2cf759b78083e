// Package engine orchestrates project workflows: blueprint generation,
// regeneration, the voiceover pipeline, render submission and polling. All
// state mutations go through SQLite transactions with an event appended in the
// same transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"clipline/internal/config"
	"clipline/internal/domain"
	"clipline/internal/events"
	"clipline/internal/genai"
	"clipline/internal/renderapi"
	"clipline/internal/repo"
	"clipline/internal/storage"
	"clipline/internal/timeline"
	"clipline/internal/tts"
)

// ErrBusy is returned when a generation operation is requested while another
// one is still running. Generation is deliberately non-reentrant; callers
// retry once the running operation finishes.
var ErrBusy = errors.New("another generation operation is already running")

// TextGenerator is the surface of the generation service the engine needs.
type TextGenerator interface {
	GenerateScript(ctx context.Context, req genai.ScriptRequest) (*genai.ScriptResult, error)
	GenerateHooks(ctx context.Context, topic, platform string, count int) ([]string, error)
	GenerateSceneText(ctx context.Context, req genai.SceneTextRequest) (string, error)
	GenerateImage(ctx context.Context, prompt, size string) ([]byte, error)
}

// SpeechSynthesizer converts text to audio bytes.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// RenderService submits edits and reports render progress.
type RenderService interface {
	Submit(ctx context.Context, edit timeline.Edit) (string, error)
	RenderStatus(ctx context.Context, renderID string) (renderapi.Status, error)
}

// BlobStore uploads media and returns public URLs.
type BlobStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Gen     TextGenerator
	Speech  SpeechSynthesizer
	Render  RenderService
	Storage BlobStore

	// Now and Sleep are swappable for tests.
	Now   func() time.Time
	Sleep func(time.Duration)

	busy atomic.Bool
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Gen:     genai.New(cfg.Providers.GenerationURL),
		Speech:  tts.New(cfg.Providers.SpeechURL),
		Render:  renderapi.New(cfg.Providers.RenderURL),
		Storage: storage.New(cfg.Providers.StorageURL),
		Now:     time.Now,
		Sleep:   time.Sleep,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sleep(d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(d)
		return
	}
	time.Sleep(d)
}

// acquire takes the single generation slot. The returned release must be
// called when the operation finishes.
func (e *Engine) acquire() (func(), error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { e.busy.Store(false) }, nil
}

// IsOverloaded reports whether a provider error is transient capacity
// pressure worth retrying. Providers signal it in the message text.
func IsOverloaded(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "capacity")
}

// IsBillingIssue reports whether a provider error is an account problem that
// no amount of retrying will fix.
func IsBillingIssue(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "subscription") || strings.Contains(msg, "payment")
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID        string
	Title     string
	Topic     string
	Platform  string
	StyleID   string
	VideoSize string
	VoiceID   string
	ActorID   string
}

func (e *Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if opts.Topic == "" {
		return domain.Project{}, errors.New("topic is required")
	}
	if opts.Title == "" {
		opts.Title = opts.Topic
	}
	if opts.Platform == "" {
		opts.Platform = e.Config.Project.Platform
	}
	if opts.VideoSize == "" {
		opts.VideoSize = e.Config.Project.VideoSize
	}
	if opts.StyleID == "" {
		opts.StyleID = e.Config.Defaults.Style
	}
	if opts.StyleID != "" {
		if _, ok := e.Config.Styles[opts.StyleID]; !ok {
			return domain.Project{}, fmt.Errorf("style %s not in catalog", opts.StyleID)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:           id,
		Title:        opts.Title,
		Topic:        opts.Topic,
		Platform:     opts.Platform,
		StyleID:      opts.StyleID,
		Status:       "draft",
		WorkflowStep: domain.StepBlueprint,
		VideoSize:    opts.VideoSize,
		VoiceID:      opts.VoiceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, events.KindProject, p.ID, opts.ActorID, events.EventPayload{
		"title": p.Title, "topic": p.Topic, "platform": p.Platform,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DeleteProject removes the project and its render jobs, and records the
// deletion. Events for the project are kept.
func (e *Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectDeleted, projectID, events.KindProject, projectID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SelectHook picks a hook by index. The choice only changes which hook the
// scorer and future renders use; scene text is untouched.
func (e *Engine) SelectHook(ctx context.Context, projectID string, index int, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Script == nil || len(p.Script.Hooks) == 0 {
		return domain.Project{}, errors.New("project has no hooks to select from")
	}
	if index < 0 || index >= len(p.Script.Hooks) {
		return domain.Project{}, fmt.Errorf("hook index %d out of range [0,%d)", index, len(p.Script.Hooks))
	}
	p.Script.SelectedHookIndex = &index
	return e.saveProject(ctx, p, events.TypeHookSelected, actorID, events.EventPayload{
		"index": index, "hook": p.Script.Hooks[index],
	})
}

// SceneEditOptions describe one manual scene text edit.
type SceneEditOptions struct {
	ProjectID  string
	SceneIndex int
	Field      string // visual | voiceover | on_screen_text
	Text       string
	ActorID    string
}

// UpdateSceneText applies a manual edit to one scene field. Last writer wins;
// there is no merge.
func (e *Engine) UpdateSceneText(ctx context.Context, opts SceneEditOptions) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.Script == nil || opts.SceneIndex < 0 || opts.SceneIndex >= len(p.Script.Scenes) {
		return domain.Project{}, fmt.Errorf("scene index %d out of range", opts.SceneIndex)
	}
	scene := &p.Script.Scenes[opts.SceneIndex]
	switch opts.Field {
	case "visual":
		scene.Visual = opts.Text
	case "voiceover":
		scene.Voiceover = opts.Text
	case "on_screen_text":
		scene.OnScreenText = opts.Text
	default:
		return domain.Project{}, fmt.Errorf("unknown scene field %q", opts.Field)
	}
	return e.saveProject(ctx, p, events.TypeSceneUpdated, opts.ActorID, events.EventPayload{
		"scene_index": opts.SceneIndex, "field": opts.Field,
	})
}

// saveProject rewrites the whole aggregate and appends one event in the same
// transaction.
func (e *Engine) saveProject(ctx context.Context, p domain.Project, evtType, actorID string, payload events.EventPayload) (domain.Project, error) {
	p.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, p.ID, events.KindProject, p.ID, actorID, payload); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/genai"
	"clipline/internal/migrate"
	"clipline/internal/renderapi"
	"clipline/internal/timeline"
)

type fakeGen struct {
	scriptFn    func() (*genai.ScriptResult, error)
	hooksFn     func() ([]string, error)
	sceneTextFn func(req genai.SceneTextRequest) (string, error)
	imageFn     func(prompt string) ([]byte, error)
	scriptCalls int
}

func (f *fakeGen) GenerateScript(ctx context.Context, req genai.ScriptRequest) (*genai.ScriptResult, error) {
	f.scriptCalls++
	if f.scriptFn != nil {
		return f.scriptFn()
	}
	return defaultScript(), nil
}

func (f *fakeGen) GenerateHooks(ctx context.Context, topic, platform string, count int) ([]string, error) {
	if f.hooksFn != nil {
		return f.hooksFn()
	}
	hooks := make([]string, count)
	for i := range hooks {
		hooks[i] = fmt.Sprintf("fresh hook %d", i)
	}
	return hooks, nil
}

func (f *fakeGen) GenerateSceneText(ctx context.Context, req genai.SceneTextRequest) (string, error) {
	if f.sceneTextFn != nil {
		return f.sceneTextFn(req)
	}
	return fmt.Sprintf("new %s for scene %d", req.Field, req.SceneIndex), nil
}

func (f *fakeGen) GenerateImage(ctx context.Context, prompt, size string) ([]byte, error) {
	if f.imageFn != nil {
		return f.imageFn(prompt)
	}
	return []byte("png"), nil
}

func defaultScript() *genai.ScriptResult {
	return &genai.ScriptResult{
		Hooks: []string{"Stop scrolling, this changes everything", "hook b", "hook c", "hook d", "hook e"},
		Scenes: []genai.GeneratedScene{
			{Visual: "city skyline at dawn", Voiceover: "It all started here."},
			{Visual: "close-up of hands typing", Voiceover: "Nobody noticed at first."},
			{Visual: "crowd cheering", Voiceover: "Then everything changed."},
		},
		CTA:             "Follow for part two",
		SuggestedTitles: []string{"The quiet revolution"},
	}
}

type fakeSpeech struct {
	fn    func(text, voiceID string) ([]byte, error)
	texts []string
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	f.texts = append(f.texts, text)
	if f.fn != nil {
		return f.fn(text, voiceID)
	}
	return []byte("mp3"), nil
}

type fakeRender struct {
	statuses []renderapi.Status
	err      error
	polls    int
}

func (f *fakeRender) Submit(ctx context.Context, edit timeline.Edit) (string, error) {
	return "r-1", nil
}

func (f *fakeRender) RenderStatus(ctx context.Context, renderID string) (renderapi.Status, error) {
	f.polls++
	if f.err != nil {
		return renderapi.Status{}, f.err
	}
	i := f.polls - 1
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

type fakeStorage struct{}

func (fakeStorage) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	return "https://cdn.test/" + key, nil
}

type testEnv struct {
	Engine *engine.Engine
	Gen    *fakeGen
	Speech *fakeSpeech
	Render *fakeRender
	Sleeps []time.Duration
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Gen:    &fakeGen{},
		Speech: &fakeSpeech{},
		Render: &fakeRender{statuses: []renderapi.Status{{State: renderapi.StateRendering, Progress: 10}}},
		Ctx:    context.Background(),
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Sleep = func(d time.Duration) { env.Sleeps = append(env.Sleeps, d) }
	eng.Gen = env.Gen
	eng.Speech = env.Speech
	eng.Render = env.Render
	eng.Storage = fakeStorage{}
	env.Engine = eng
	if _, err := eng.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		ID: "p-1", Topic: "the rise of urban beekeeping", ActorID: "tester",
	}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env
}

func (env *testEnv) mustBlueprint(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.GenerateBlueprint(env.Ctx, engine.BlueprintOptions{ProjectID: "p-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("blueprint: %v", err)
	}
	env.Sleeps = nil
	return p
}

func TestGenerateBlueprintRetriesOnOverload(t *testing.T) {
	env := newTestEnv(t)
	fails := 2
	env.Gen.scriptFn = func() (*genai.ScriptResult, error) {
		if fails > 0 {
			fails--
			return nil, errors.New("generation api (status 503): overloaded")
		}
		return defaultScript(), nil
	}
	p, err := env.Engine.GenerateBlueprint(env.Ctx, engine.BlueprintOptions{ProjectID: "p-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("blueprint: %v", err)
	}
	if env.Gen.scriptCalls != 3 {
		t.Fatalf("expected 3 generation calls, got %d", env.Gen.scriptCalls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(env.Sleeps) != 2 || env.Sleeps[0] != want[0] || env.Sleeps[1] != want[1] {
		t.Fatalf("expected backoff %v, got %v", want, env.Sleeps)
	}
	if p.Script == nil || len(p.Script.Scenes) != 3 {
		t.Fatalf("script not persisted: %+v", p.Script)
	}
	if p.WorkflowStep != domain.StepScript {
		t.Fatalf("expected workflow step %d, got %d", domain.StepScript, p.WorkflowStep)
	}
	// the first hook is folded into the opening narration
	if !strings.HasPrefix(p.Script.Scenes[0].Voiceover, "Stop scrolling") {
		t.Fatalf("hook not merged into scene 0: %q", p.Script.Scenes[0].Voiceover)
	}
	if p.Script.SelectedHookIndex == nil || *p.Script.SelectedHookIndex != 0 {
		t.Fatalf("expected hook 0 selected")
	}
}

func TestGenerateBlueprintExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.scriptFn = func() (*genai.ScriptResult, error) {
		return nil, errors.New("generation api (status 503): overloaded")
	}
	_, err := env.Engine.GenerateBlueprint(env.Ctx, engine.BlueprintOptions{ProjectID: "p-1", ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if env.Gen.scriptCalls != 4 {
		t.Fatalf("expected 4 attempts, got %d", env.Gen.scriptCalls)
	}
}

func TestGenerateBlueprintDoesNotRetryOtherErrors(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.scriptFn = func() (*genai.ScriptResult, error) {
		return nil, errors.New("generation api (status 401): invalid api key")
	}
	_, err := env.Engine.GenerateBlueprint(env.Ctx, engine.BlueprintOptions{ProjectID: "p-1", ActorID: "tester"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if env.Gen.scriptCalls != 1 {
		t.Fatalf("expected single attempt, got %d", env.Gen.scriptCalls)
	}
	if len(env.Sleeps) != 0 {
		t.Fatalf("expected no backoff, got %v", env.Sleeps)
	}
}

func TestBlueprintWithMoodboardSetsStoryboardURLs(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.GenerateBlueprint(env.Ctx, engine.BlueprintOptions{
		ProjectID: "p-1", WithMoodboard: true, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("blueprint: %v", err)
	}
	if len(p.Moodboard) != 3 {
		t.Fatalf("expected 3 moodboard urls, got %v", p.Moodboard)
	}
	for i, sc := range p.Script.Scenes {
		if sc.StoryboardImageURL == "" {
			t.Fatalf("scene %d missing storyboard url", i)
		}
		if sc.StoryboardImageURL != p.Moodboard[i] {
			t.Fatalf("scene %d url mismatch", i)
		}
	}
}

func TestVoiceoverPipelineSkipsShortTextAndPersists(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	// blank out the middle scene's narration
	if _, err := env.Engine.UpdateSceneText(env.Ctx, engine.SceneEditOptions{
		ProjectID: "p-1", SceneIndex: 1, Field: "voiceover", Text: "**", ActorID: "tester",
	}); err != nil {
		t.Fatalf("edit scene: %v", err)
	}
	report, err := env.Engine.SynthesizeVoiceovers(env.Ctx, "p-1", "narrator-m", "tester")
	if err != nil {
		t.Fatalf("voiceover: %v", err)
	}
	if report.Total != 3 || report.Succeeded != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(env.Speech.texts) != 2 {
		t.Fatalf("expected 2 synthesis calls, got %d", len(env.Speech.texts))
	}
	// one pause between each consecutive scene pair
	pauses := 0
	for _, d := range env.Sleeps {
		if d == 3*time.Second {
			pauses++
		}
	}
	if pauses != 2 {
		t.Fatalf("expected 2 inter-scene pauses, got %d (%v)", pauses, env.Sleeps)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.VoiceID != "narrator-m" {
		t.Fatalf("voice id not persisted: %q", p.VoiceID)
	}
	if len(p.VoiceoverURLs) != 2 || p.VoiceoverURLs["0"] == "" || p.VoiceoverURLs["2"] == "" {
		t.Fatalf("unexpected voiceover urls: %v", p.VoiceoverURLs)
	}
	if _, ok := p.VoiceoverURLs["1"]; ok {
		t.Fatalf("skipped scene must not have a url")
	}
}

func TestVoiceoverRetriesOnceWithFixedDelay(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	calls := 0
	env.Speech.fn = func(text, voiceID string) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("speech api: unexpected status 500")
		}
		return []byte("mp3"), nil
	}
	report, err := env.Engine.SynthesizeVoiceovers(env.Ctx, "p-1", "", "tester")
	if err != nil {
		t.Fatalf("voiceover: %v", err)
	}
	if report.Succeeded != 3 {
		t.Fatalf("expected 3 successes, got %+v", report)
	}
	retries := 0
	for _, d := range env.Sleeps {
		if d == 2*time.Second {
			retries++
		}
	}
	if retries != 1 {
		t.Fatalf("expected one 2s retry delay, got %v", env.Sleeps)
	}
}

func TestVoiceoverBillingErrorStopsRetryForScene(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	calls := 0
	env.Speech.fn = func(text, voiceID string) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("speech api (status 402): subscription expired")
		}
		return []byte("mp3"), nil
	}
	report, err := env.Engine.SynthesizeVoiceovers(env.Ctx, "p-1", "", "tester")
	if err != nil {
		t.Fatalf("voiceover: %v", err)
	}
	// scene 0 fails without a retry, scenes 1 and 2 succeed
	if calls != 3 {
		t.Fatalf("expected 3 synthesis calls, got %d", calls)
	}
	if report.Succeeded != 2 {
		t.Fatalf("expected 2 successes, got %+v", report)
	}
}

func TestVoiceoverTotalFailureStillPersistsVoice(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	env.Speech.fn = func(text, voiceID string) ([]byte, error) {
		return nil, errors.New("speech api (status 402): payment required")
	}
	report, err := env.Engine.SynthesizeVoiceovers(env.Ctx, "p-1", "upbeat", "tester")
	if err == nil {
		t.Fatalf("expected error when every scene fails")
	}
	if report.Succeeded != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "p-1")
	if p.VoiceID != "upbeat" {
		t.Fatalf("voice id must survive a failed run, got %q", p.VoiceID)
	}
	if len(p.VoiceoverURLs) != 0 {
		t.Fatalf("no urls expected, got %v", p.VoiceoverURLs)
	}
}

func TestGenerationIsNotReentrant(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once bool
	env.Speech.fn = func(text, voiceID string) ([]byte, error) {
		if !once {
			once = true
			close(started)
			<-proceed
		}
		return []byte("mp3"), nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.SynthesizeVoiceovers(env.Ctx, "p-1", "", "tester")
		done <- err
	}()
	<-started
	_, err := env.Engine.Regenerate(env.Ctx, engine.RegenerateOptions{ProjectID: "p-1", Kind: engine.RegenHook, ActorID: "tester"})
	if !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("voiceover: %v", err)
	}
	// slot is free again
	if _, err := env.Engine.Regenerate(env.Ctx, engine.RegenerateOptions{ProjectID: "p-1", Kind: engine.RegenHook, ActorID: "tester"}); err != nil {
		t.Fatalf("regen after release: %v", err)
	}
}

func TestRegenerateHooksReplacesAndResetsSelection(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	if _, err := env.Engine.SelectHook(env.Ctx, "p-1", 2, "tester"); err != nil {
		t.Fatalf("select hook: %v", err)
	}
	p, err := env.Engine.Regenerate(env.Ctx, engine.RegenerateOptions{ProjectID: "p-1", Kind: engine.RegenHook, ActorID: "tester"})
	if err != nil {
		t.Fatalf("regen: %v", err)
	}
	if len(p.Script.Hooks) != 5 || p.Script.Hooks[0] != "fresh hook 0" {
		t.Fatalf("hooks not replaced: %v", p.Script.Hooks)
	}
	if p.Script.SelectedHookIndex == nil || *p.Script.SelectedHookIndex != 0 {
		t.Fatalf("selection must reset to 0")
	}
}

func TestRegenerateScenePartialSuccessIsKept(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	env.Gen.sceneTextFn = func(req genai.SceneTextRequest) (string, error) {
		if req.Field == "voiceover" {
			return "", errors.New("generation api: unexpected status 500")
		}
		return "replacement visual", nil
	}
	idx := 1
	_, err := env.Engine.Regenerate(env.Ctx, engine.RegenerateOptions{
		ProjectID: "p-1", Kind: engine.RegenScene, SceneIndex: &idx, ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected partial failure error")
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "p-1")
	if p.Script.Scenes[1].Visual != "replacement visual" {
		t.Fatalf("successful field must be persisted: %q", p.Script.Scenes[1].Visual)
	}
	if p.Script.Scenes[1].Voiceover != "Nobody noticed at first." {
		t.Fatalf("failed field must keep old text: %q", p.Script.Scenes[1].Voiceover)
	}
}

func TestSelectHookValidatesRange(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	if _, err := env.Engine.SelectHook(env.Ctx, "p-1", 9, "tester"); err == nil {
		t.Fatalf("expected out of range error")
	}
	p, err := env.Engine.SelectHook(env.Ctx, "p-1", 3, "tester")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.Script.SelectedHook() != "hook d" {
		t.Fatalf("unexpected selection: %q", p.Script.SelectedHook())
	}
}

func TestSubmitAndPollRender(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	env.Render.statuses = []renderapi.Status{
		{State: renderapi.StateRendering, Progress: 40},
		{State: renderapi.StateDone, Progress: 100, URL: "https://cdn.test/final.mp4"},
	}
	job, err := env.Engine.SubmitRender(env.Ctx, "p-1", "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != domain.RenderRendering || job.RenderID != "r-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	job, err = env.Engine.PollRenderJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if job.Status != domain.RenderRendering || job.Progress != 40 {
		t.Fatalf("unexpected job after poll 1: %+v", job)
	}
	job, err = env.Engine.PollRenderJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if job.Status != domain.RenderDone || job.VideoURL != "https://cdn.test/final.mp4" {
		t.Fatalf("unexpected job after poll 2: %+v", job)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "p-1")
	if p.FinalVideoURL != "https://cdn.test/final.mp4" || p.Status != "ready" || p.WorkflowStep != domain.StepLaunch {
		t.Fatalf("project not finalized: %+v", p)
	}
}

func TestRenderTimesOutAfterMaxPolls(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	job, err := env.Engine.SubmitRender(env.Ctx, "p-1", "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < engine.MaxPollAttempts; i++ {
		job, err = env.Engine.PollRenderJob(env.Ctx, job.ID)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}
	if job.Status != domain.RenderTimeout {
		t.Fatalf("expected timeout, got %s", job.Status)
	}
	// settled jobs are left alone
	again, err := env.Engine.PollRenderJob(env.Ctx, job.ID)
	if err != nil || again.Attempts != job.Attempts {
		t.Fatalf("settled job must not be polled again: %+v %v", again, err)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "p-1")
	if p.Status != "failed" {
		t.Fatalf("expected failed project, got %s", p.Status)
	}
}

func TestRenderPollErrorFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	job, err := env.Engine.SubmitRender(env.Ctx, "p-1", "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.Render.err = errors.New("dial tcp: connection refused")
	job, err = env.Engine.PollRenderJob(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.Status != domain.RenderFailed {
		t.Fatalf("fetch error must settle the job as failed, got %s", job.Status)
	}
	if env.Render.polls != 1 {
		t.Fatalf("polling must stop after the failed fetch, got %d calls", env.Render.polls)
	}
	again, err := env.Engine.PollRenderJob(env.Ctx, job.ID)
	if err != nil || again.Status != domain.RenderFailed || env.Render.polls != 1 {
		t.Fatalf("settled job must not be polled again: %+v %v (calls %d)", again, err, env.Render.polls)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, "p-1")
	if p.Status != "failed" {
		t.Fatalf("expected failed project, got %s", p.Status)
	}
}

func TestScoreProjectPersistsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	q, err := env.Engine.ScoreProject(env.Ctx, "p-1", "tester")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if q.Overall == 0 {
		t.Fatalf("expected non-zero overall for a full blueprint: %+v", q)
	}
	stored, ok, err := env.Engine.Repo.GetQuality(env.Ctx, "p-1")
	if err != nil || !ok {
		t.Fatalf("quality not stored: %v", err)
	}
	if stored != q {
		t.Fatalf("stored %+v, expected %+v", stored, q)
	}
}

func TestEventsAppendedOnMutations(t *testing.T) {
	env := newTestEnv(t)
	env.mustBlueprint(t)
	if _, err := env.Engine.SynthesizeVoiceovers(env.Ctx, "p-1", "", "tester"); err != nil {
		t.Fatalf("voiceover: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE project_id=?`, "p-1")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		rows.Scan(&typ)
		types[typ] = true
	}
	for _, want := range []string{"project.created", "project.blueprint.generated", "project.voiceover.synthesized"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

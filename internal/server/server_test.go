package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
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

type stubGen struct {
	scriptErr error
}

func (s *stubGen) GenerateScript(ctx context.Context, req genai.ScriptRequest) (*genai.ScriptResult, error) {
	if s.scriptErr != nil {
		return nil, s.scriptErr
	}
	return &genai.ScriptResult{
		Hooks: []string{"Here is why nobody talks about this", "b", "c"},
		Scenes: []genai.GeneratedScene{
			{Visual: "drone shot over rooftops", Voiceover: "Every city hides something."},
			{Visual: "macro shot of honeycomb", Voiceover: "This is where it happens."},
		},
		CTA: "Follow for more",
	}, nil
}

func (s *stubGen) GenerateHooks(ctx context.Context, topic, platform string, count int) ([]string, error) {
	return []string{"h0", "h1", "h2", "h3", "h4"}, nil
}

func (s *stubGen) GenerateSceneText(ctx context.Context, req genai.SceneTextRequest) (string, error) {
	return "replacement text", nil
}

func (s *stubGen) GenerateImage(ctx context.Context, prompt, size string) ([]byte, error) {
	return []byte("png"), nil
}

type stubSpeech struct{ err error }

func (s *stubSpeech) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte("mp3"), nil
}

type stubRender struct{ state renderapi.Status }

func (s *stubRender) Submit(ctx context.Context, edit timeline.Edit) (string, error) {
	return "r-1", nil
}

func (s *stubRender) RenderStatus(ctx context.Context, renderID string) (renderapi.Status, error) {
	return s.state, nil
}

type stubStorage struct{}

func (stubStorage) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	return "https://cdn.test/" + key, nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	Gen    *stubGen
	Speech *stubSpeech
	Render *stubRender
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Sleep = func(time.Duration) {}
	gen := &stubGen{}
	speech := &stubSpeech{}
	render := &stubRender{state: renderapi.Status{State: renderapi.StateRendering, Progress: 10}}
	e.Gen = gen
	e.Speech = speech
	e.Render = render
	e.Storage = stubStorage{}

	handler, err := New(Config{Engine: e, BasePath: "/v0", DisablePoller: true})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Gen:    gen,
		Speech: speech,
		Render: render,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createProject(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"topic": "urban beekeeping",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func TestProjectLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	p := createProject(t, srv)
	if p.Status != "draft" || p.WorkflowStep != domain.StepBlueprint {
		t.Fatalf("unexpected new project: %+v", p)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/blueprint", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blueprint: %d %s", res.StatusCode, string(data))
	}
	var after domain.Project
	if err := json.Unmarshal(data, &after); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if after.Script == nil || len(after.Script.Scenes) != 2 {
		t.Fatalf("script missing: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/timeline", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline: %d %s", res.StatusCode, string(data))
	}
	var edit timeline.Edit
	if err := json.Unmarshal(data, &edit); err != nil {
		t.Fatalf("unmarshal edit: %v", err)
	}
	if len(edit.Timeline.Tracks) != 2 {
		t.Fatalf("expected 2 text tracks, got %d", len(edit.Timeline.Tracks))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/"+p.ID, nil)
	if res.StatusCode >= 300 {
		t.Fatalf("delete: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestCreateProjectRequiresTopic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{"title": "no topic"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
}

func TestOverloadedProviderMaps503(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv)
	srv.Gen.scriptErr = errors.New("generation api (status 503): overloaded")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/blueprint", map[string]any{})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "provider_overloaded" {
		t.Fatalf("unexpected code %q: %s", envelope.Error.Code, string(data))
	}
}

func TestBillingErrorMaps402(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/blueprint", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("blueprint: %d %s", res.StatusCode, string(data))
	}
	srv.Speech.err = errors.New("speech api (status 402): subscription expired")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/voiceovers", map[string]any{})
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", res.StatusCode, string(data))
	}
}

func TestRenderSubmitAndLatest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv)
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/blueprint", map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("blueprint: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/renders", nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var job domain.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Status != domain.RenderRendering {
		t.Fatalf("unexpected job: %+v", job)
	}

	// the poller settles the job once the provider reports done
	srv.Render.state = renderapi.Status{State: renderapi.StateDone, Progress: 100, URL: "https://cdn.test/final.mp4"}
	if _, err := srv.Engine.PollRenderJob(context.Background(), job.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/renders/latest", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latest: %d %s", res.StatusCode, string(data))
	}
	var latest domain.RenderJob
	_ = json.Unmarshal(data, &latest)
	if latest.Status != domain.RenderDone || latest.VideoURL == "" {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}

func TestScoreEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/score", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before scoring, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/score", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/score", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get score: %d %s", res.StatusCode, string(data))
	}
	var q domain.QualityScore
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("unmarshal score: %v", err)
	}
	if q.Overall < 0 || q.Overall > 10 {
		t.Fatalf("overall out of range: %+v", q)
	}
}

func TestEventsListWithCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv)
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/blueprint", map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("blueprint: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=1&project_id="+p.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page EventListResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == 0 {
		t.Fatalf("unexpected first page: %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=10&project_id="+p.ID+"&cursor="+strconv.FormatInt(page.NextCursor, 10), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var page2 EventListResponse
	_ = json.Unmarshal(data, &page2)
	for _, evt := range page2.Items {
		if evt.ID >= page.NextCursor {
			t.Fatalf("cursor not applied: %+v", evt)
		}
	}
}

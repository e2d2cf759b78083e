// Package server exposes the HTTP API over huma/chi with a uniform error
// envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/repo"
	"clipline/internal/timeline"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	// DisablePoller turns the background render poller off, for tests that
	// drive polling themselves.
	DisablePoller bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"provider_overloaded"`
	Message string         `json:"message" example:"generation api (status 503): overloaded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Clipline API and starts the render
// poller unless disabled.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Clipline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerScript(group, cfg.Engine)
	registerVoiceovers(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerRenders(group, cfg.Engine)
	registerQuality(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if !cfg.DisablePoller {
		startRenderPoller(cfg.Engine)
	}
	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine and provider failures onto the envelope. Provider
// errors are classified by message text since they arrive as plain errors.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrBusy) {
		return newAPIError(http.StatusConflict, "busy", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if engine.IsBillingIssue(err) {
		return newAPIError(http.StatusPaymentRequired, "payment_required", err.Error(), nil)
	}
	if engine.IsOverloaded(err) {
		return newAPIError(http.StatusServiceUnavailable, "provider_overloaded", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "out of range"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "no hooks"),
		strings.Contains(lowered, "no scenes"),
		strings.Contains(lowered, "no script"),
		strings.Contains(lowered, "not in catalog"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "payment_required"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "provider_overloaded"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Clipline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ActorID string               `header:"X-Actor-Id"`
		Body    CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if input.Body.Topic == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "topic is required", nil)
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Title:     input.Body.Title,
			Topic:     input.Body.Topic,
			Platform:  input.Body.Platform,
			StyleID:   input.Body.StyleID,
			VideoSize: input.Body.VideoSize,
			VoiceID:   input.Body.VoiceID,
			ActorID:   actorID(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status"`
		Limit           int    `query:"limit" minimum:"1" maximum:"200"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
			Status:          input.Status,
			Limit:           limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: projectListResponse(items, limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActorID   string `header:"X-Actor-Id"`
	}) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.ProjectID, actorID(input.ActorID)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerScript(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-blueprint",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/blueprint",
		Summary:     "Generate the project blueprint",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		ActorID   string           `header:"X-Actor-Id"`
		Body      BlueprintRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.GenerateBlueprint(ctx, engine.BlueprintOptions{
			ProjectID:     input.ProjectID,
			Brand:         input.Body.Brand,
			LengthSeconds: input.Body.LengthSeconds,
			StyleID:       input.Body.StyleID,
			VoiceID:       input.Body.VoiceID,
			WithMoodboard: input.Body.WithMoodboard,
			WithNarrator:  input.Body.WithNarrator,
			ActorID:       actorID(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/regenerate",
		Summary:     "Regenerate hooks, scenes or assets",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ActorID   string            `header:"X-Actor-Id"`
		Body      RegenerateRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Regenerate(ctx, engine.RegenerateOptions{
			ProjectID:  input.ProjectID,
			Kind:       input.Body.Kind,
			SceneIndex: input.Body.SceneIndex,
			StyleID:    input.Body.StyleID,
			ActorID:    actorID(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-hook",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/hook",
		Summary:     "Select a hook",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActorID   string `header:"X-Actor-Id"`
		Body      struct {
			Index int `json:"index" minimum:"0"`
		} `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.SelectHook(ctx, input.ProjectID, input.Body.Index, actorID(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-scene",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/scenes/{scene_index}",
		Summary:     "Edit scene text",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string           `path:"project_id"`
		SceneIndex int              `path:"scene_index"`
		ActorID    string           `header:"X-Actor-Id"`
		Body       SceneEditRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.UpdateSceneText(ctx, engine.SceneEditOptions{
			ProjectID:  input.ProjectID,
			SceneIndex: input.SceneIndex,
			Field:      input.Body.Field,
			Text:       input.Body.Text,
			ActorID:    actorID(input.ActorID),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerVoiceovers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "synthesize-voiceovers",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/voiceovers",
		Summary:     "Synthesize scene voiceovers",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActorID   string `header:"X-Actor-Id"`
		Body      struct {
			VoiceID string `json:"voice_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body engine.VoiceoverReport `json:"body"`
	}, error) {
		report, err := e.SynthesizeVoiceovers(ctx, input.ProjectID, input.Body.VoiceID, actorID(input.ActorID))
		if err != nil && report.Succeeded == 0 {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VoiceoverReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerTimeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/timeline",
		Summary:     "Build the project's edit timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body timeline.Edit `json:"body"`
	}, error) {
		edit, err := e.BuildTimeline(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body timeline.Edit `json:"body"`
		}{Body: edit}, nil
	})
}

func registerRenders(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-render",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/renders",
		Summary:       "Submit the project for rendering",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActorID   string `header:"X-Actor-Id"`
	}) (*struct {
		Body domain.RenderJob `json:"body"`
	}, error) {
		job, err := e.SubmitRender(ctx, input.ProjectID, actorID(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RenderJob `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-render",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/renders/latest",
		Summary:     "Latest render job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.RenderJob `json:"body"`
	}, error) {
		job, err := e.Repo.LatestRenderJob(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RenderJob `json:"body"`
		}{Body: job}, nil
	})
}

func registerQuality(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "score-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/score",
		Summary:     "Recompute quality scores",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActorID   string `header:"X-Actor-Id"`
	}) (*struct {
		Body domain.QualityScore `json:"body"`
	}, error) {
		q, err := e.ScoreProject(ctx, input.ProjectID, actorID(input.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QualityScore `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-score",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/score",
		Summary:     "Stored quality scores",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.QualityScore `json:"body"`
	}, error) {
		q, ok, err := e.Repo.GetQuality(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "project has no stored score", nil)
		}
		return &struct {
			Body domain.QualityScore `json:"body"`
		}{Body: q}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ProjectID, input.Type, input.EntityKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: eventListResponse(items, limit)}, nil
	})
}

func actorID(header string) string {
	if header == "" {
		return "anonymous"
	}
	return header
}

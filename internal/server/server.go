package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"surveyline/internal/domain"
	"surveyline/internal/engine"
	"surveyline/internal/ingest"
	"surveyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_admitted"`
	Message string         `json:"message" example:"project already admitted: p1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the surveyline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("surveyline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerPlan(group, cfg.Engine)
	registerProcesses(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDocs(router, api, basePath, !cfg.Auth.Disabled)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyAdmitted):
		return newAPIError(http.StatusConflict, "already_admitted", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidProject):
		return newAPIError(http.StatusBadRequest, "invalid_project", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	}
	return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
}

// registerDocs serves the OpenAPI document and a Swagger UI page for it.
// The document is built on first request, after every operation exists.
func registerDocs(r chi.Router, api huma.API, basePath string, auth bool) {
	specPath := path.Join(basePath, "openapi.json")
	var (
		once sync.Once
		spec []byte
		err  error
	)
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, basePath, auth)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	page := fmt.Sprintf(swaggerPage, specPath)
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// decorateSpec points every operation's default response at the error
// envelope and, with auth on, marks all but health as bearer-protected.
func decorateSpec(oas *huma.OpenAPI, basePath string, auth bool) {
	if oas == nil {
		return
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	if auth {
		if oas.Components == nil {
			oas.Components = &huma.Components{}
		}
		if oas.Components.SecuritySchemes == nil {
			oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
		}
		oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
		oas.Security = security
	}
	healthPath := path.Join("/", basePath, "health")
	errorResponse := &huma.Response{
		Description: "Error",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			switch {
			case !auth:
			case route == healthPath:
				op.Security = []map[string][]string{}
			default:
				op.Security = security
			}
		}
	}
}

const swaggerPage = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>surveyline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});
    </script>
  </body>
</html>`

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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "admit-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Admit a project and start its survey process",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body AdmitProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectDetailResponse `json:"body"`
	}, error) {
		req := input.Body
		p := domain.Project{
			ID:           strings.TrimSpace(stringOrEmpty(req.ID)),
			Name:         strings.TrimSpace(req.Name),
			ContactName:  stringOrEmpty(req.ContactName),
			ContactEmail: stringOrEmpty(req.ContactEmail),
			Categories:   req.Categories,
			StartAt:      req.StartAt,
			EndAt:        req.EndAt,
		}
		if p.ContactEmail != "" && !strings.Contains(p.ContactEmail, "@") {
			return nil, newAPIError(http.StatusBadRequest, "invalid_project", "invalid contact email", map[string]any{"contact_email": p.ContactEmail})
		}
		if p.ID == "" && p.Name != "" {
			p.ID = ingest.DeriveID(p.Name, p.StartAt)
		}
		var processStart time.Time
		if req.ProcessStart != nil {
			processStart = *req.ProcessStart
		}
		if _, err := e.AdmitAs(ctx, p, processStart, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		detail, err := loadDetail(ctx, e, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects with their process phase",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectSummaryResponse `json:"body"`
	}, error) {
		projects, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		procs, err := e.Repo.ListProcesses(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		phases := make(map[string]domain.Phase, len(procs))
		for _, proc := range procs {
			phases[proc.ProjectID] = proc.Phase
		}
		res := make([]ProjectSummaryResponse, 0, len(projects))
		for _, p := range projects {
			res = append(res, ProjectSummaryResponse{Project: p, Phase: phases[p.ID]})
		}
		return &struct {
			Body []ProjectSummaryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project with its process and activity ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectDetailResponse `json:"body"`
	}, error) {
		detail, err := loadDetail(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectDetailResponse `json:"body"`
		}{Body: detail}, nil
	})
}

func loadDetail(ctx context.Context, e *engine.Engine, projectID string) (ProjectDetailResponse, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ProjectDetailResponse{}, err
	}
	var proc *domain.Process
	got, err := e.Repo.GetProcess(ctx, projectID)
	switch {
	case err == nil:
		proc = &got
	case !errors.Is(err, repo.ErrNotFound):
		return ProjectDetailResponse{}, err
	}
	ledger, err := e.Repo.ListActivities(ctx, projectID)
	if err != nil {
		return ProjectDetailResponse{}, err
	}
	return projectDetail(p, proc, ledger), nil
}

func registerPlan(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Evaluated process definition with ledger state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		proc, err := e.Repo.GetProcess(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		ledger, err := e.Repo.ListActivities(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		steps := e.Plan(p, proc.ProcessStart)
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p.ID, proc.ProcessStart, steps, ledger)}, nil
	})
}

func registerProcesses(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List processes, optionally by phase",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Phase string `query:"phase" enum:"ACTIVE,FINISHED,FAILED"`
	}) (*struct {
		Body []domain.Process `json:"body"`
	}, error) {
		procs, err := e.Repo.ListProcesses(ctx, domain.Phase(input.Phase))
		if err != nil {
			return nil, handleError(err)
		}
		if procs == nil {
			procs = []domain.Process{}
		}
		return &struct {
			Body []domain.Process `json:"body"`
		}{Body: procs}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events in id order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After     string `query:"after"`
		ProjectID string `query:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.After != "" {
			parsed, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			cursor = parsed
		}
		items, err := e.Repo.EventsAfter(ctx, limit+1, cursor, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/form"
	"handoff/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Cfg      *config.Config
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"position: Relieving Controller is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the hand-off console API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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

	sessions := newSessionManager(cfg.Repo, cfg.Cfg)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Handoff API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerMe(group, sessions)
	registerAssignments(group, cfg, sessions)
	registerSession(group, sessions)
	registerTemplates(group, cfg.Repo)
	registerEvents(group, cfg.Repo)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrAssignmentLimit) {
		return newAPIError(http.StatusConflict, "assignment_limit", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not resolved"), strings.Contains(lowered, "no template"):
		return newAPIError(http.StatusConflict, "template_unresolved", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func sessionFor(ctx context.Context, sessions *sessionManager) (*engine.Controller, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return nil, authErr
	}
	ctrl, err := sessions.Session(ctx, principal.Username)
	if err != nil {
		return nil, handleError(err)
	}
	return ctrl, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Handoff API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
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

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		username := strings.TrimSpace(input.Body.Username)
		if username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, username)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API, sessions *sessionManager) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		u := ctrl.User()
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			ID:           u.ID,
			Username:     u.Username,
			DisplayName:  u.DisplayName,
			SignatureURL: u.SignatureURL,
		}}, nil
	})
}

func registerAssignments(api huma.API, cfg Config, sessions *sessionManager) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List open assignments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AssignmentListResponse `json:"body"`
	}, error) {
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		items := []AssignmentResponse{}
		for _, a := range ctrl.Assignments() {
			items = append(items, assignmentResponse(a))
		}
		return &struct {
			Body AssignmentListResponse `json:"body"`
		}{Body: AssignmentListResponse{Items: items, ActiveID: ctrl.ActiveID()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Start an assignment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.PositionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "position_id is required", nil)
		}
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		id := uuid.New().String()
		if input.Body.ID != nil && *input.Body.ID != "" {
			id = *input.Body.ID
		}
		position := input.Body.Position
		if position == "" {
			position = input.Body.PositionID
		}
		a := domain.Assignment{
			ID:         id,
			PositionID: input.Body.PositionID,
			FacilityID: cfg.Cfg.Facility.ID,
			Position:   position,
		}
		started, err := cfg.Repo.StartAssignment(ctx, ctrl.User().ID, a, cfg.Cfg.Session.MaxAssignments)
		if err != nil {
			return nil, handleError(err)
		}
		if err := ctrl.SyncAssignments(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(started)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/end",
		Summary:     "End an assignment",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
	}) (*struct {
		Body AssignmentListResponse `json:"body"`
	}, error) {
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		if err := ctrl.EndAssignment(ctx, input.AssignmentID); err != nil {
			return nil, handleError(err)
		}
		items := []AssignmentResponse{}
		for _, a := range ctrl.Assignments() {
			items = append(items, assignmentResponse(a))
		}
		return &struct {
			Body AssignmentListResponse `json:"body"`
		}{Body: AssignmentListResponse{Items: items, ActiveID: ctrl.ActiveID()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignment-step-values",
		Method:      http.MethodGet,
		Path:        "/assignments/{assignment_id}/steps/{step}",
		Summary:     "Step values and validation state",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
		Step         int    `path:"step"`
	}) (*struct {
		Body StepValuesResponse `json:"body"`
	}, error) {
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		values := ctrl.StepValuesFor(input.AssignmentID, input.Step)
		if values == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no values for assignment step", nil)
		}
		return &struct {
			Body StepValuesResponse `json:"body"`
		}{Body: StepValuesResponse{
			AssignmentID: input.AssignmentID,
			Step:         input.Step,
			Values:       stepValuesResponse(values),
			Errors:       stepErrorsResponse(ctrl.ValidateStep(input.AssignmentID, input.Step)),
			CanSave:      ctrl.CanSave(input.AssignmentID),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{assignment_id}/save",
		Summary:     "Terminal save of the hand-off form",
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
	}) (*struct {
		Body SaveResponse `json:"body"`
	}, error) {
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		res, err := ctrl.Save(ctx, input.AssignmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SaveResponse `json:"body"`
		}{Body: SaveResponse{
			Saved:              len(res.ValidationMessages) == 0,
			ValidationMessages: nonNilSlice(res.ValidationMessages),
		}}, nil
	})
}

func registerSession(api huma.API, sessions *sessionManager) {
	huma.Register(api, huma.Operation{
		OperationID: "session-state",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Current session state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SessionStateResponse `json:"body"`
	}, error) {
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		steps := map[string][]StepStatusResponse{}
		for _, a := range ctrl.Assignments() {
			steps[a.ID] = stepStatusResponses(ctrl.StepStatuses(a.ID))
		}
		return &struct {
			Body SessionStateResponse `json:"body"`
		}{Body: SessionStateResponse{
			ActiveID:   ctrl.ActiveID(),
			Step:       ctrl.CurrentStep(),
			ShowErrors: ctrl.ShowErrors(),
			Statuses:   ctrl.StatusMatrix(),
			Steps:      steps,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-active-assignment",
		Method:      http.MethodPut,
		Path:        "/session/active",
		Summary:     "Switch the active assignment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SetActiveRequest `json:"body"`
	}) (*struct {
		Body SessionStateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AssignmentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assignment_id is required", nil)
		}
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		if err := ctrl.SwitchEntity(ctx, input.Body.AssignmentID); err != nil {
			return nil, handleError(err)
		}
		if err := sessions.repo.SetActiveAssignment(ctx, ctrl.User().ID, input.Body.AssignmentID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionStateResponse `json:"body"`
		}{Body: SessionStateResponse{
			ActiveID:   ctrl.ActiveID(),
			Step:       ctrl.CurrentStep(),
			ShowErrors: ctrl.ShowErrors(),
			Statuses:   ctrl.StatusMatrix(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-step",
		Method:      http.MethodPut,
		Path:        "/session/step",
		Summary:     "Move the active assignment to a step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SetStepRequest `json:"body"`
	}) (*struct {
		Body SessionStateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		if err := ctrl.SetStep(ctx, input.Body.Step); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionStateResponse `json:"body"`
		}{Body: SessionStateResponse{
			ActiveID:   ctrl.ActiveID(),
			Step:       ctrl.CurrentStep(),
			ShowErrors: ctrl.ShowErrors(),
			Statuses:   ctrl.StatusMatrix(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-value",
		Method:      http.MethodPatch,
		Path:        "/session/values",
		Summary:     "Record a field edit on the active assignment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SetValueRequest `json:"body"`
	}) (*struct {
		Body StepValuesResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Field == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "field is required", nil)
		}
		ctrl, authErr := sessionFor(ctx, sessions)
		if authErr != nil {
			return nil, authErr
		}
		key := input.Body.Key
		if key == "" {
			key = form.ValueKey
		}
		if err := ctrl.SetValue(ctx, input.Body.Field, key, input.Body.Value); err != nil {
			return nil, handleError(err)
		}
		id := ctrl.ActiveID()
		step := ctrl.CurrentStep()
		return &struct {
			Body StepValuesResponse `json:"body"`
		}{Body: StepValuesResponse{
			AssignmentID: id,
			Step:         step,
			Values:       stepValuesResponse(ctrl.StepValuesFor(id, step)),
			Errors:       stepErrorsResponse(ctrl.ValidateStep(id, step)),
			CanSave:      ctrl.CanSave(id),
		}}, nil
	})
}

func registerTemplates(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{position_id}",
		Summary:     "Hand-off template for a position",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		PositionID string `path:"position_id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		tpl, err := r.Template(ctx, input.PositionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List template position ids",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		ids, err := r.ListTemplateIDs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(ids)}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `query:"assignment_id"`
		Type         string `query:"type"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := r.LatestEvents(ctx, normalizeLimit(input.Limit), input.AssignmentID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []EventResponse{}
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

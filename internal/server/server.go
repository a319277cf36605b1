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
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/engine/auth"
	"caseline/internal/events"
	"caseline/internal/repo"
	"caseline/internal/storage"
)

// Catalog manages the service catalog. It is optional; without it the
// /services operations are not registered.
type Catalog interface {
	DefineService(ctx context.Context, actor domain.Actor, s domain.Service) error
	Services(ctx context.Context) ([]domain.Service, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Catalog  Catalog
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cancelled -> in_progress is not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"status\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the case API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errorStrings(errs)}
		}
		return newAPIError(status, "", msg, details)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request schema failures are the client's malformed input.
			status = http.StatusBadRequest
		}
		return huma.NewError(status, msg, errs...)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Caseline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerMe(group)
	registerCases(group, e)
	registerCaseWork(group, e)
	registerTimeline(group, e)
	registerDocuments(group, e)
	registerTemplates(group, e)
	registerSLA(group, e)
	if cfg.Catalog != nil {
		registerServices(group, cfg.Catalog)
	}
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

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}

// handleError maps the engine's error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": fe.Action})
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"entity": nf.Entity, "id": nf.ID})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		status := http.StatusUnprocessableEntity
		if ve.Code == engine.CodeInvalidTransition {
			status = http.StatusConflict
		}
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(status, ve.Code, ve.Reason, details)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var de engine.DependencyError
	if errors.As(err, &de) {
		return newAPIError(http.StatusBadGateway, "dependency_failed", de.Op+" failed", map[string]any{"error": err.Error()})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "cancelled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
						Schema: &huma.Schema{
							Type: huma.TypeObject,
							Properties: map[string]*huma.Schema{
								"error": {
									Type: huma.TypeObject,
									Properties: map[string]*huma.Schema{
										"code":    {Type: huma.TypeString},
										"message": {Type: huma.TypeString},
										"details": {Type: huma.TypeObject},
									},
								},
							},
						},
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Caseline API Docs</title>
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
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
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := domain.Actor{
			UserID: strings.TrimSpace(input.Body.UserID),
			Name:   strings.TrimSpace(input.Body.Name),
			Role:   domain.Role(input.Body.Role),
		}
		if actor.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if !authCfg.mayMint(actor) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "user is not an administrator", map[string]any{"user_id": actor.UserID})
		}
		token, err := SignToken(authCfg.JWTSecret, actor, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserID: actor.UserID, Name: actor.Name, Role: string(actor.Role)}}, nil
	})
}

type caseOutput struct {
	Body CaseResponse `json:"body"`
}

func caseOut(e *engine.Engine, c domain.Case) *caseOutput {
	return &caseOutput{Body: caseResponse(c, e.Cases.LiveSLA(c))}
}

func registerCases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cases.CreateCase(ctx, actor, engine.NewCase{
			UserID:     input.Body.UserID,
			ServiceID:  input.Body.ServiceID,
			PaymentRef: input.Body.PaymentRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return caseOut(e, c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		UserID     string `query:"user_id"`
		AssigneeID string `query:"assignee_id"`
		ServiceID  string `query:"service_id"`
		Status     string `query:"status" enum:"new,in_progress,completed,cancelled"`
		SLAStatus  string `query:"sla_status" enum:"not_set,on_time,at_risk,breached"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body PaginatedCases `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := parseCompositeCursor(input.Cursor); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Cases.ListCases(ctx, actor, repo.CaseFilter{
			UserID:     input.UserID,
			AssigneeID: input.AssigneeID,
			ServiceID:  input.ServiceID,
			Status:     domain.CaseStatus(input.Status),
			SLAStatus:  domain.SLAStatus(input.SLAStatus),
			Limit:      limit + 1,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := PaginatedCases{Items: []CaseResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = repo.CaseCursor(items[limit-1])
		}
		for _, c := range items {
			resp.Items = append(resp.Items, caseResponse(c, e.Cases.LiveSLA(c)))
		}
		return &struct {
			Body PaginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cases.GetCase(ctx, actor, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return caseOut(e, c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-employee",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/assignee",
		Summary:     "Assign an employee",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   AssignEmployeeRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cases.AssignEmployee(ctx, actor, input.CaseID, input.Body.EmployeeID)
		if err != nil {
			return nil, handleError(err)
		}
		return caseOut(e, c), nil
	})
}

func registerCaseWork(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-case-status",
		Method:      http.MethodPatch,
		Path:        "/cases/{case_id}/status",
		Summary:     "Change status or advance the current step",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string              `path:"case_id"`
		Body   UpdateStatusRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cases.UpdateStatus(ctx, actor, input.CaseID, engine.StatusUpdate{
			Status:      domain.CaseStatus(input.Body.Status),
			CurrentStep: input.Body.CurrentStep,
			Reason:      input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return caseOut(e, c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/reopen",
		Summary:     "Reopen a completed case",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string        `path:"case_id"`
		Body   ReopenRequest `json:"body" required:"false"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cases.Reopen(ctx, actor, input.CaseID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return caseOut(e, c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-checklist",
		Method:      http.MethodPut,
		Path:        "/cases/{case_id}/checklist/{step_id}/{item_id}",
		Summary:     "Mark a checklist item done or not done",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string           `path:"case_id"`
		StepID string           `path:"step_id"`
		ItemID string           `path:"item_id"`
		Body   ChecklistRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cases.UpdateChecklistProgress(ctx, actor, input.CaseID, input.StepID, input.ItemID, input.Body.IsCompleted)
		if err != nil {
			return nil, handleError(err)
		}
		return caseOut(e, c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-workflow",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/workflow",
		Summary:     "Assign a workflow template and start the SLA clock",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   AssignWorkflowRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Cases.AssignWorkflow(ctx, actor, input.CaseID, input.Body.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return caseOut(e, c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-internal-note",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/notes",
		Summary:       "Add a staff-only note",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string      `path:"case_id"`
		Body   NoteRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := e.Cases.AddInternalNote(ctx, actor, input.CaseID, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(evt)}, nil
	})
}

type timelineInput struct {
	CaseID string `path:"case_id"`
	Type   string `query:"type"`
	Limit  int    `query:"limit" default:"50"`
	Cursor string `query:"cursor"`
}

type timelineOutput struct {
	Body PaginatedEvents `json:"body"`
}

type timelineReader func(ctx context.Context, actor domain.Actor, caseID string, f events.Filter) ([]domain.TimelineEvent, error)

func readTimeline(ctx context.Context, input *timelineInput, read timelineReader) (*timelineOutput, error) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	// The recorder serves at most 200 rows and one is spent on the lookahead.
	limit := min(normalizeLimit(input.Limit), 199)
	f := events.Filter{Type: domain.EventType(input.Type), Limit: limit + 1}
	if input.Cursor != "" {
		parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f.Cursor = parsed
	}
	items, err := read(ctx, actor, input.CaseID, f)
	if err != nil {
		return nil, handleError(err)
	}
	resp := PaginatedEvents{Items: []EventResponse{}}
	if len(items) > limit {
		items = items[:limit]
		resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
	}
	for _, evt := range items {
		resp.Items = append(resp.Items, eventResponse(evt))
	}
	return &timelineOutput{Body: resp}, nil
}

func registerTimeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "user-timeline",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/timeline",
		Summary:     "Timeline as shown to the customer",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *timelineInput) (*timelineOutput, error) {
		return readTimeline(ctx, input, e.Timeline.UserTimeline)
	})

	huma.Register(api, huma.Operation{
		OperationID: "internal-timeline",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/timeline/internal",
		Summary:     "Full timeline including internal events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *timelineInput) (*timelineOutput, error) {
		return readTimeline(ctx, input, e.Timeline.InternalTimeline)
	})
}

type versionOutput struct {
	Body domain.DocumentVersion `json:"body"`
}

func registerDocuments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-document",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/documents",
		Summary:       "Upload a new document version",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   UploadDocumentRequest `json:"body"`
	}) (*versionOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		var (
			v   domain.DocumentVersion
			err error
		)
		switch {
		case len(b.Content) > 0:
			v, err = e.Documents.UploadFile(ctx, actor, input.CaseID, b.DocumentType, storage.Upload{
				Name:     b.OriginalName,
				MimeType: b.MimeType,
				Size:     int64(len(b.Content)),
				Body:     bytes.NewReader(b.Content),
			})
		case b.File != nil:
			v, err = e.Documents.Upload(ctx, actor, input.CaseID, engine.UploadInput{
				DocumentType: b.DocumentType,
				File:         *b.File,
				Meta:         domain.FileMeta{OriginalName: b.OriginalName, MimeType: b.MimeType, SizeBytes: b.SizeBytes},
			})
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "file or content is required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &versionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-document-versions",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/documents",
		Summary:     "List document versions",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID       string `path:"case_id"`
		DocumentType string `query:"document_type"`
	}) (*struct {
		Body DocumentVersionsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Documents.ListVersions(ctx, actor, input.CaseID, input.DocumentType)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.DocumentVersion{}
		}
		return &struct {
			Body DocumentVersionsResponse `json:"body"`
		}{Body: DocumentVersionsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/documents/status",
		Summary:     "Required-document status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID   string   `path:"case_id"`
		Required []string `query:"required"`
	}) (*struct {
		Body engine.DocumentStatus `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.Documents.GetDocumentStatus(ctx, actor, input.CaseID, input.Required)
		if err != nil {
			return nil, handleError(err)
		}
		if st.Documents == nil {
			st.Documents = []engine.DocumentTypeStatus{}
		}
		return &struct {
			Body engine.DocumentStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-document",
		Method:      http.MethodPost,
		Path:        "/documents/{version_id}/verify",
		Summary:     "Verify or reject the active version",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		VersionID string                `path:"version_id"`
		Body      VerifyDocumentRequest `json:"body"`
	}) (*versionOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Documents.Verify(ctx, actor, input.VersionID, domain.VerificationStatus(input.Body.Status), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &versionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "restore-document",
		Method:        http.MethodPost,
		Path:          "/documents/{version_id}/restore",
		Summary:       "Restore an older version as a new active version",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*versionOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Documents.Restore(ctx, actor, input.VersionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &versionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-document",
		Method:        http.MethodDelete,
		Path:          "/documents/{version_id}",
		Summary:       "Soft-delete a version",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		VersionID string `path:"version_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Documents.Delete(ctx, actor, input.VersionID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

type templateOutput struct {
	Body domain.WorkflowTemplate `json:"body"`
}

func registerTemplates(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body engine.TemplateInput `json:"body"`
	}) (*templateOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Workflows.Create(ctx, actor, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List workflow templates",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		IncludeArchived bool `query:"include_archived"`
	}) (*struct {
		Body TemplatesResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireStaff(actor, "list templates"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Workflows.List(ctx, input.IncludeArchived)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkflowTemplate{}
		}
		return &struct {
			Body TemplatesResponse `json:"body"`
		}{Body: TemplatesResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get workflow template",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*templateOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireStaff(actor, "read template"); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Workflows.Resolve(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPut,
		Path:        "/templates/{template_id}",
		Summary:     "Replace workflow template content",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TemplateID string               `path:"template_id"`
		Body       engine.TemplateInput `json:"body"`
	}) (*templateOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Workflows.Update(ctx, actor, input.TemplateID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-template",
		Method:        http.MethodDelete,
		Path:          "/templates/{template_id}",
		Summary:       "Delete workflow template",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Workflows.Delete(ctx, actor, input.TemplateID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-template",
		Method:      http.MethodPost,
		Path:        "/templates/{template_id}/archive",
		Summary:     "Archive workflow template",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*templateOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Workflows.Archive(ctx, actor, input.TemplateID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Workflows.Resolve(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clone-template",
		Method:        http.MethodPost,
		Path:          "/templates/{template_id}/clone",
		Summary:       "Deep-copy a workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TemplateID string               `path:"template_id"`
		Body       CloneTemplateRequest `json:"body" required:"false"`
	}) (*templateOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Workflows.Clone(ctx, actor, input.TemplateID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &templateOutput{Body: t}, nil
	})
}

func registerSLA(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sla-sweep",
		Method:      http.MethodPost,
		Path:        "/sla/sweep",
		Summary:     "Run one SLA sweep now",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireAdmin(actor, "run sla sweep"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepResult `json:"body"`
		}{Body: e.SLA.Sweep(ctx)}, nil
	})
}

func registerServices(api huma.API, catalog Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/services",
		Summary:     "List purchasable services",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ServicesResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := catalog.Services(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Service{}
		}
		return &struct {
			Body ServicesResponse `json:"body"`
		}{Body: ServicesResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "define-service",
		Method:      http.MethodPut,
		Path:        "/services/{service_id}",
		Summary:     "Create or replace a service",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ServiceID string `path:"service_id"`
		Body      struct {
			Name              string   `json:"name"`
			DocumentsRequired []string `json:"documents_required"`
		} `json:"body"`
	}) (*struct {
		Body domain.Service `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s := domain.Service{ID: input.ServiceID, Name: input.Body.Name, DocumentsRequired: input.Body.DocumentsRequired}
		if err := catalog.DefineService(ctx, actor, s); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Service `json:"body"`
		}{Body: s}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

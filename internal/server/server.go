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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustloop/internal/admission"
	"trustloop/internal/deps"
	"trustloop/internal/domain"
	"trustloop/internal/engine"
	"trustloop/internal/guardrail"
	"trustloop/internal/notify"
	"trustloop/internal/repo"
	"trustloop/internal/runner"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Dispatcher defaults to the engine's notifier when that is a notify.Dispatcher.
	Dispatcher *notify.Dispatcher
	BasePath   string
	Auth       AuthConfig
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"queued_will_retry"`
	Message string         `json:"message" example:"agent at capacity (2/2 running)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"capacity\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T
}

func ok[T any](v T) (*response[T], error) {
	return &response[T]{Body: v}, nil
}

type server struct {
	e      engine.Engine
	d      *notify.Dispatcher
	logger *slog.Logger
}

// New returns an HTTP handler exposing the trustloop API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	d := cfg.Dispatcher
	if d == nil {
		if nd, ok := cfg.Engine.Notifier.(notify.Dispatcher); ok {
			d = &nd
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := server{e: cfg.Engine, d: d, logger: logger}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("trustloop API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	s.registerConfig(group)
	s.registerAgents(group)
	s.registerTasks(group)
	s.registerExecutions(group)
	s.registerNotifications(group)
	s.registerEvents(group)
	s.registerAdmin(group)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if ae, ok := engine.AsAdmission(err); ok {
		details := map[string]any{"kind": ae.Kind, "task_id": ae.TaskID, "agent_id": ae.AgentID}
		switch {
		case ae.Retryable():
			return newAPIError(http.StatusConflict, "queued_will_retry", ae.Reason, details)
		case ae.Kind == admission.KindAlreadyExecuting:
			return newAPIError(http.StatusConflict, "already_executing", ae.Reason, details)
		default:
			return newAPIError(http.StatusLocked, "agent_unavailable", ae.Reason, details)
		}
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrBlocked):
		return newAPIError(http.StatusConflict, "task_blocked", msg, nil)
	case errors.Is(err, deps.ErrCycle):
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, runner.ErrNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, "runner_unavailable", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "must"),
		strings.Contains(lowered, "different account"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>trustloop API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, docURL)
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return ok(map[string]string{"status": "ok"})
	})
}

type accountPath struct {
	AccountID string `path:"account_id"`
}

func (s server) registerConfig(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/config",
		Summary:     "Guardrail and trust configuration",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *accountPath) (*response[domain.OrchestratorConfig], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		cfg, err := s.e.Guardrails.Ensure(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(cfg)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPatch,
		Path:        "/accounts/{account_id}/config",
		Summary:     "Update trust levels and orchestrator settings",
		Description: "Every changed trust level gets an audit entry. audit_gaps counts entries that could not be written.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string              `path:"account_id"`
		Body      UpdateConfigRequest `json:"body"`
	}) (*response[guardrail.UpdateResult], error) {
		actorID, authErr := requireAccount(ctx, input.AccountID)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.e.Guardrails.Ensure(ctx, input.AccountID); err != nil {
			return nil, handleError(err)
		}
		res, err := s.e.Guardrails.Update(ctx, input.AccountID, guardrail.Patch{
			Trust:               input.Body.Trust,
			OrchestratorAgentID: input.Body.OrchestratorAgentID,
			DryRunDefault:       input.Body.DryRunDefault,
			AutoRouteRootTasks:  input.Body.AutoRouteRootTasks,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		res.Changes = nonNilSlice(res.Changes)
		res.Audit = nonNilSlice(res.Audit)
		return ok(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/audit",
		Summary:     "Guardrail audit log, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		Category  string `query:"category"`
		Decision  string `query:"decision" enum:"approved,escalated,rejected"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*response[guardrail.AuditPage], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		page, err := s.e.Guardrails.ListAudit(ctx, guardrail.AuditQuery{
			AccountID: input.AccountID,
			Category:  input.Category,
			Decision:  input.Decision,
			Limit:     input.Limit,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(page)
	})
}

// agentForCaller loads an agent and checks the caller may see its account.
func (s server) agentForCaller(ctx context.Context, agentID string) (domain.Agent, string, error) {
	a, err := s.e.Repo.GetAgent(ctx, nil, agentID)
	if err != nil {
		return a, "", handleError(err)
	}
	actorID, authErr := requireAccount(ctx, a.AccountID)
	if authErr != nil {
		return a, "", authErr
	}
	return a, actorID, nil
}

func (s server) registerAgents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/agents",
		Summary:       "Create agent",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string             `path:"account_id"`
		Body      CreateAgentRequest `json:"body"`
	}) (*response[domain.Agent], error) {
		actorID, authErr := requireAccount(ctx, input.AccountID)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		a, err := s.e.CreateAgent(ctx, engine.AgentCreateOptions{
			ID:                         deref(b.ID),
			AccountID:                  input.AccountID,
			Name:                       b.Name,
			Role:                       b.Role,
			Capabilities:               b.Capabilities,
			Restrictions:               b.Restrictions,
			AutonomyLevel:              b.AutonomyLevel,
			RequiresApprovalCategories: b.RequiresApprovalCategories,
			MaxConsecutiveFailures:     b.MaxConsecutiveFailures,
			MaxActionsPerHour:          b.MaxActionsPerHour,
			MaxConcurrentTasks:         b.MaxConcurrentTasks,
			MaxCostPerAction:           b.MaxCostPerAction,
			ActorID:                    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/agents",
		Summary:     "List agents",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *accountPath) (*response[[]domain.Agent], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		items, err := s.e.Repo.ListAgents(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*response[domain.Agent], error) {
		a, _, err := s.agentForCaller(ctx, input.AgentID)
		if err != nil {
			return nil, err
		}
		return ok(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/reset",
		Summary:     "Clear a tripped circuit breaker",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*response[domain.Agent], error) {
		_, actorID, err := s.agentForCaller(ctx, input.AgentID)
		if err != nil {
			return nil, err
		}
		a, rerr := s.e.ResetAgent(ctx, input.AgentID, actorID)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return ok(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-active",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/active",
		Summary:     "Pause or resume an agent",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgentID string                `path:"agent_id"`
		Body    SetAgentActiveRequest `json:"body"`
	}) (*response[domain.Agent], error) {
		if _, _, err := s.agentForCaller(ctx, input.AgentID); err != nil {
			return nil, err
		}
		a, err := s.e.SetAgentActive(ctx, input.AgentID, input.Body.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-admission",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/admission",
		Summary:     "Whether the agent can take another task now",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*response[AdmissionResponse], error) {
		a, _, err := s.agentForCaller(ctx, input.AgentID)
		if err != nil {
			return nil, err
		}
		lim := admission.LimitsFor(a, s.e.Config.Admission.DefaultMaxConcurrent)
		dec, derr := s.e.Admission.CanAccept(ctx, a.ID, lim)
		if derr != nil {
			return nil, handleError(derr)
		}
		st, serr := s.e.Admission.Stats(ctx, a.ID)
		if serr != nil {
			return nil, handleError(serr)
		}
		return ok(AdmissionResponse{
			AgentID:        a.ID,
			Allowed:        dec.Allowed,
			Kind:           string(dec.Kind),
			Reason:         dec.Reason,
			RunningCount:   st.RunningCount,
			RunningTaskIDs: nonNilSlice(st.RunningTaskIDs),
			HourlyCount:    st.HourlyCount,
			WindowStart:    st.WindowStart.UTC().Format(time.RFC3339),
		})
	})
}

// taskForCaller loads a live task and checks the caller may act on it.
func (s server) taskForCaller(ctx context.Context, taskID string) (domain.Task, string, error) {
	t, err := s.e.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return t, "", handleError(err)
	}
	actorID, authErr := requireAccount(ctx, t.AccountID)
	if authErr != nil {
		return t, "", authErr
	}
	return t, actorID, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s server) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string            `path:"account_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*response[TaskResponse], error) {
		actorID, authErr := requireAccount(ctx, input.AccountID)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		t, err := s.e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:             deref(b.ID),
			AccountID:      input.AccountID,
			ParentID:       deref(b.ParentID),
			Title:          b.Title,
			Description:    b.Description,
			Category:       b.Category,
			Priority:       b.Priority,
			AssignedTo:     deref(b.AssignedTo),
			AssignedToType: b.AssignedToType,
			Draft:          b.Draft,
			DependsOn:      b.DependsOn,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(taskResponse(t))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/tasks",
		Summary:     "List tasks",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID      string `path:"account_id"`
		Status         string `query:"status" doc:"Comma separated statuses"`
		ParentID       string `query:"parent_id"`
		AssignedTo     string `query:"assigned_to"`
		IncludeDeleted bool   `query:"include_deleted"`
		Limit          int    `query:"limit" default:"50"`
	}) (*response[[]TaskResponse], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		items, err := s.e.Repo.ListTasks(ctx, repo.TaskFilters{
			AccountID:      input.AccountID,
			Statuses:       splitList(input.Status),
			ParentID:       input.ParentID,
			AssignedTo:     input.AssignedTo,
			IncludeDeleted: input.IncludeDeleted,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TaskResponse, 0, len(items))
		for _, t := range items {
			out = append(out, taskResponse(t))
		}
		return ok(out)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task with status history",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*response[TaskResponse], error) {
		t, _, err := s.taskForCaller(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		history, herr := s.e.Repo.ListStatusHistory(ctx, nil, t.ID)
		if herr != nil {
			return nil, handleError(herr)
		}
		t.StatusHistory = history
		return ok(taskResponse(t))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Change task status",
		Errors:      append(commonErrors, http.StatusUnprocessableEntity),
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   SetTaskStatusRequest `json:"body"`
	}) (*response[TaskResponse], error) {
		_, actorID, err := s.taskForCaller(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		t, uerr := s.e.UpdateTaskStatus(ctx, input.TaskID, input.Body.Status, actorID)
		if uerr != nil {
			return nil, handleError(uerr)
		}
		return ok(taskResponse(t))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Soft delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		_, actorID, err := s.taskForCaller(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		if derr := s.e.SoftDeleteTask(ctx, input.TaskID, actorID); derr != nil {
			return nil, handleError(derr)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-dependency",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/dependencies",
		Summary:       "Add a prerequisite",
		DefaultStatus: http.StatusCreated,
		Errors:        append(commonErrors, http.StatusUnprocessableEntity),
	}, func(ctx context.Context, input *struct {
		TaskID string               `path:"task_id"`
		Body   AddDependencyRequest `json:"body"`
	}) (*response[domain.TaskDependency], error) {
		_, actorID, err := s.taskForCaller(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		d, derr := s.e.AddDependency(ctx, input.TaskID, input.Body.DependsOn, input.Body.Type, input.Body.LagDays, actorID)
		if derr != nil {
			return nil, handleError(derr)
		}
		return ok(d)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-dependency",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}/dependencies/{depends_on}",
		Summary:       "Remove a prerequisite",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID    string `path:"task_id"`
		DependsOn string `path:"depends_on"`
	}) (*struct{}, error) {
		_, actorID, err := s.taskForCaller(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		if derr := s.e.RemoveDependency(ctx, input.TaskID, input.DependsOn, actorID); derr != nil {
			return nil, handleError(derr)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/run",
		Summary:     "Execute a task with its agent",
		Description: "Blocks until the runner returns. A capacity, rate or dependency denial answers 409 queued_will_retry; an unavailable agent answers 423.",
		Errors:      append(commonErrors, http.StatusLocked, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		TaskID string         `path:"task_id"`
		Body   RunTaskRequest `json:"body" required:"false"`
	}) (*response[domain.Execution], error) {
		_, actorID, err := s.taskForCaller(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		exec, rerr := s.e.Run(ctx, engine.RunOptions{
			TaskID:            input.TaskID,
			AgentID:           input.Body.AgentID,
			SkillID:           input.Body.SkillID,
			UserID:            actorID,
			AdditionalContext: input.Body.AdditionalContext,
			DryRun:            input.Body.DryRun,
			PatternKey:        input.Body.PatternKey,
		})
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return ok(exec)
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task and its running execution",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*response[TaskResponse], error) {
		_, actorID, err := s.taskForCaller(ctx, input.TaskID)
		if err != nil {
			return nil, err
		}
		t, cerr := s.e.Cancel(ctx, input.TaskID, actorID)
		if cerr != nil {
			return nil, handleError(cerr)
		}
		return ok(taskResponse(t))
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-ready",
		Method:      http.MethodPost,
		Path:        "/accounts/{account_id}/run-ready",
		Summary:     "Run every pending or queued task",
		Errors:      append(commonErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		AccountID string          `path:"account_id"`
		Body      RunReadyRequest `json:"body" required:"false"`
	}) (*response[engine.ReadyReport], error) {
		actorID, authErr := requireAccount(ctx, input.AccountID)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := s.e.RunReady(ctx, input.AccountID, actorID, input.Body.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		rep.Items = nonNilSlice(rep.Items)
		return ok(rep)
	})
}

// execForCaller loads an execution and checks the caller may act on it.
func (s server) execForCaller(ctx context.Context, execID string) (domain.Execution, string, error) {
	ex, err := s.e.Repo.GetExecution(ctx, nil, execID)
	if err != nil {
		return ex, "", handleError(err)
	}
	actorID, authErr := requireAccount(ctx, ex.AccountID)
	if authErr != nil {
		return ex, "", authErr
	}
	return ex, actorID, nil
}

func (s server) registerExecutions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/executions",
		Summary:     "List executions",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		TaskID    string `query:"task_id"`
		AgentID   string `query:"agent_id"`
		Status    string `query:"status" doc:"Comma separated statuses"`
		Limit     int    `query:"limit" default:"50"`
	}) (*response[[]domain.Execution], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		items, err := s.e.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			AccountID: input.AccountID,
			TaskID:    input.TaskID,
			AgentID:   input.AgentID,
			Statuses:  splitList(input.Status),
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get execution with attachments",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*response[ExecutionResponse], error) {
		ex, _, err := s.execForCaller(ctx, input.ExecutionID)
		if err != nil {
			return nil, err
		}
		atts, aerr := s.e.Repo.ListAttachments(ctx, ex.ID)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return ok(ExecutionResponse{Execution: ex, Attachments: nonNilSlice(atts)})
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/approve",
		Summary:     "Approve an execution held for review",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*response[domain.Execution], error) {
		_, actorID, err := s.execForCaller(ctx, input.ExecutionID)
		if err != nil {
			return nil, err
		}
		ex, aerr := s.e.Approve(ctx, input.ExecutionID, actorID)
		if aerr != nil {
			return nil, handleError(aerr)
		}
		return ok(ex)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/reject",
		Summary:     "Reject an execution held for review",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ExecutionID string        `path:"execution_id"`
		Body        RejectRequest `json:"body" required:"false"`
	}) (*response[domain.Execution], error) {
		_, actorID, err := s.execForCaller(ctx, input.ExecutionID)
		if err != nil {
			return nil, err
		}
		ex, rerr := s.e.Reject(ctx, input.ExecutionID, actorID, input.Body.Reason)
		if rerr != nil {
			return nil, handleError(rerr)
		}
		return ok(ex)
	})
}

func (s server) dispatcher() (*notify.Dispatcher, huma.StatusError) {
	if s.d == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "dispatcher_unavailable", "notification dispatcher not configured", nil)
	}
	return s.d, nil
}

func (s server) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-channel",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/channels",
		Summary:       "Register a notification channel",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string               `path:"account_id"`
		Body      CreateChannelRequest `json:"body"`
	}) (*response[domain.NotificationChannel], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		d, derr := s.dispatcher()
		if derr != nil {
			return nil, derr
		}
		raw := ""
		if len(input.Body.Config) > 0 {
			data, err := json.Marshal(input.Body.Config)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid channel config", nil)
			}
			raw = string(data)
		}
		enabled := input.Body.Enabled == nil || *input.Body.Enabled
		ch, err := d.AddChannel(ctx, domain.NotificationChannel{
			ID:         deref(input.Body.ID),
			AccountID:  input.AccountID,
			Type:       input.Body.Type,
			Name:       input.Body.Name,
			ConfigJSON: raw,
			Events:     input.Body.Events,
			Enabled:    enabled,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ch)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-channels",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/channels",
		Summary:     "List notification channels",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *accountPath) (*response[[]domain.NotificationChannel], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		items, err := s.e.Repo.ListChannels(ctx, input.AccountID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/notifications",
		Summary:     "List queued and delivered notifications",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		Status    string `query:"status" enum:"pending,sending,sent,failed"`
		Limit     int    `query:"limit" default:"50"`
	}) (*response[[]domain.Notification], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		items, err := s.e.Repo.ListNotifications(ctx, repo.NotificationFilters{AccountID: input.AccountID, Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inbox",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/inbox",
		Summary:     "In-app notifications",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		Unread    bool   `query:"unread"`
		Limit     int    `query:"limit" default:"50"`
	}) (*response[[]domain.InboxMessage], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		items, err := s.e.Repo.ListInbox(ctx, input.AccountID, input.Unread, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(nonNilSlice(items))
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-notifications",
		Method:      http.MethodPost,
		Path:        "/notifications/dispatch",
		Summary:     "Deliver one batch of due notifications",
		Errors:      append(commonErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, _ *struct{}) (*response[notify.BatchResult], error) {
		if err := requireGlobal(ctx); err != nil {
			return nil, err
		}
		d, derr := s.dispatcher()
		if derr != nil {
			return nil, derr
		}
		res, err := d.ProcessBatch(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(res)
	})
}

func (s server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/events",
		Summary:     "List recent events",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AccountID  string `path:"account_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		if _, err := requireAccount(ctx, input.AccountID); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := s.e.Repo.ListEvents(ctx, repo.EventFilters{
			AccountID:  input.AccountID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return ok(resp)
	})
}

// requireGlobal admits callers that are not scoped to particular accounts.
func requireGlobal(ctx context.Context) huma.StatusError {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if len(p.Accounts) > 0 {
		return newAPIError(http.StatusForbidden, "forbidden", "operation requires an unscoped credential", nil)
	}
	return nil
}

func (s server) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "active-runs",
		Method:      http.MethodGet,
		Path:        "/runs/active",
		Summary:     "Executions this process is waiting on",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*response[[]engine.ActiveRun], error) {
		if err := requireGlobal(ctx); err != nil {
			return nil, err
		}
		return ok(nonNilSlice(s.e.ActiveRuns()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/admission/reconcile",
		Summary:     "Rebuild admission state from running executions",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*response[engine.ReconcileReport], error) {
		if err := requireGlobal(ctx); err != nil {
			return nil, err
		}
		rep, err := s.e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(rep)
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

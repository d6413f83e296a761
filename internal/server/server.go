package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentline/internal/app"
	"agentline/internal/dialogue"
	"agentline/internal/domain"
	"agentline/internal/ledger"
	"agentline/internal/registry"
	"agentline/internal/waiter"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	// MaxWait caps client-requested long-poll timeouts.
	MaxWait time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"task is pending, expected running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const defaultMaxWait = 5 * time.Minute

// New returns an HTTP handler exposing the agentline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Agentline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.App)
	registerTasks(group, cfg.App)
	registerEvents(group, cfg.App)
	registerWait(group, cfg.App, cfg.MaxWait)
	registerDialogues(group, cfg.App)
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
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, dialogue.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidSpec):
		return newAPIError(http.StatusBadRequest, "invalid_spec", err.Error(), nil)
	case errors.Is(err, registry.ErrInvalidTransition), errors.Is(err, dialogue.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, registry.ErrRetriesExhausted):
		return newAPIError(http.StatusConflict, "retries_exhausted", err.Error(), nil)
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusRequestTimeout, "request_cancelled", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown event type") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusServiceUnavailable:
		return "ledger_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerStatus(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Coordination status summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		active, err := a.Dialogues.Active(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			ActiveEpic:         a.Ledger.ActiveEpic(),
			TaskCounts:         a.Registry.CountByStatus(),
			ActiveIntents:      a.Ledger.ActiveIntents(),
			PendingCheckpoints: a.Ledger.PendingCheckpoints(),
			ActiveDialogue:     active,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshot",
		Summary:     "Rendered ledger snapshot document",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		active, err := a.Dialogues.Active(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: SnapshotResponse{Markdown: a.Ledger.Snapshot(active).Render()}}, nil
	})
}

func registerTasks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Register a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RegisterTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		agent := input.Body.Agent
		if agent == "" {
			principal, authErr := agentFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			agent = principal
		}
		timeoutMs := a.Config.Tasks.DefaultTimeoutMs
		if input.Body.TimeoutMs != nil {
			timeoutMs = *input.Body.TimeoutMs
		}
		maxRetries := a.Config.Tasks.DefaultMaxRetries
		if input.Body.MaxRetries != nil {
			maxRetries = *input.Body.MaxRetries
		}
		t, err := a.Registry.Register(ctx, registry.RegisterOptions{
			Agent:      agent,
			Prompt:     input.Body.Prompt,
			TimeoutMs:  timeoutMs,
			MaxRetries: maxRetries,
			SessionID:  input.Body.SessionID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		var tasks []domain.Task
		if input.SessionID != "" {
			tasks = a.Registry.SessionTasks(input.SessionID)
		} else {
			tasks = a.Registry.List()
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Registry.Get(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	type taskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/start",
		Summary:     "Mark task running",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Registry.MarkRunning(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/heartbeat",
		Summary:     "Record task heartbeat",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Registry.Heartbeat(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Registry.Complete(ctx, input.TaskID, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/fail",
		Summary:     "Fail task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   FailTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Registry.Fail(ctx, input.TaskID, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/retry",
		Summary:     "Requeue a failed or timed-out task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Registry.Retry(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/sweep",
		Summary:     "Run a liveness evaluation pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body registry.SweepResult `json:"body"`
	}, error) {
		res, err := a.Registry.Sweep(ctx, registry.SweepOptions{
			StuckThreshold: a.Config.StuckThreshold(),
			AutoRetry:      a.Config.Tasks.AutoRetry,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body registry.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event history in append order",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		events, err := a.Ledger.EventHistory(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Append an event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body AppendEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		actor, authErr := agentFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := a.Ledger.Append(ctx, input.Body.Type, actor, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "Active task intents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Intent `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Intent `json:"body"`
		}{Body: a.Ledger.ActiveIntents()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/checkpoints",
		Summary:     "Pending approval checkpoints",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: a.Ledger.PendingCheckpoints()}, nil
	})
}

func registerWait(api huma.API, a *app.App, maxWait time.Duration) {
	huma.Register(api, huma.Operation{
		OperationID: "wait",
		Method:      http.MethodPost,
		Path:        "/wait",
		Summary:     "Block until a matching event or timeout",
		Description: "Long-poll built on the ledger subscription; a timeout resolves the wait without cancelling the underlying work.",
	}, func(ctx context.Context, input *struct {
		Body WaitRequest `json:"body"`
	}) (*struct {
		Body WaitResponse `json:"body"`
	}, error) {
		timeout := a.Config.WaitTimeout()
		if input.Body.TimeoutMs > 0 {
			timeout = time.Duration(input.Body.TimeoutMs) * time.Millisecond
		}
		if timeout > maxWait {
			timeout = maxWait
		}
		ev, err := a.Waiter.WaitFor(ctx, waiter.Filter{
			TaskID: input.Body.TaskID,
			Agent:  input.Body.Agent,
			Types:  input.Body.Types,
		}, timeout)
		if errors.Is(err, waiter.ErrWaitTimeout) {
			return &struct {
				Body WaitResponse `json:"body"`
			}{Body: WaitResponse{TimedOut: true}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WaitResponse `json:"body"`
		}{Body: WaitResponse{Event: &ev}}, nil
	})
}

func registerDialogues(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "set-dialogue",
		Method:        http.MethodPut,
		Path:          "/dialogues",
		Summary:       "Open a dialogue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SetDialogueRequest `json:"body"`
	}) (*struct {
		Body domain.Dialogue `json:"body"`
	}, error) {
		d, err := a.Dialogues.Set(ctx, input.Body.Agent, input.Body.Command, input.Body.SessionID, input.Body.PendingQuestions)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dialogue `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-dialogue",
		Method:      http.MethodPatch,
		Path:        "/dialogues",
		Summary:     "Merge a turn into the open dialogue",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body UpdateDialogueRequest `json:"body"`
	}) (*struct {
		Body domain.Dialogue `json:"body"`
	}, error) {
		opts := dialogue.UpdateOptions{
			AdvanceTurn:      input.Body.AdvanceTurn,
			Goals:            input.Body.Goals,
			Constraints:      input.Body.Constraints,
			Preferences:      input.Body.Preferences,
			Decisions:        input.Body.Decisions,
			PendingQuestions: input.Body.PendingQuestions,
			LastPollMessage:  input.Body.LastPollMessage,
		}
		if input.Body.Status != nil {
			st := domain.DialogueStatus(*input.Body.Status)
			opts.Status = &st
		}
		d, err := a.Dialogues.Update(ctx, input.Body.Agent, input.Body.Command, input.Body.SessionID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dialogue `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-dialogue",
		Method:      http.MethodDelete,
		Path:        "/dialogues",
		Summary:     "Clear the open dialogue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Agent     string `query:"agent"`
		Command   string `query:"command"`
		SessionID string `query:"session_id"`
	}) (*struct{}, error) {
		if err := a.Dialogues.Clear(ctx, input.Agent, input.Command, input.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "continue-dialogue",
		Method:      http.MethodPost,
		Path:        "/dialogues/continue",
		Summary:     "Route a reply into the open dialogue",
		Description: "A reply with no matching dialogue is returned as a fresh request, not an error.",
	}, func(ctx context.Context, input *struct {
		Body ContinueDialogueRequest `json:"body"`
	}) (*struct {
		Body dialogue.Continuation `json:"body"`
	}, error) {
		cont, err := a.Dialogues.Continue(ctx, input.Body.Agent, input.Body.Command, input.Body.SessionID, input.Body.Reply)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dialogue.Continuation `json:"body"`
		}{Body: cont}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-dialogue",
		Method:      http.MethodGet,
		Path:        "/dialogues/active",
		Summary:     "Most recently updated open dialogue",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *domain.Dialogue `json:"body"`
	}, error) {
		d, err := a.Dialogues.Active(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *domain.Dialogue `json:"body"`
		}{Body: d}, nil
	})
}

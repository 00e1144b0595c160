// Package server exposes the approval workflow over HTTP. Routing is
// chi, operations and OpenAPI come from huma, errors use a single
// {code, message, details} envelope.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"thesisline/internal/docstore"
	"thesisline/internal/domain"
	"thesisline/internal/engine"
	"thesisline/internal/phase"
	"thesisline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"action finalize not allowed in phase CANCELLED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Thesisline API.
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
	router.Use(metricsMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Thesisline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerMetrics(router)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerFormReview(group, cfg.Engine)
	registerProposal(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerReads(group, cfg.Engine)

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

// handleError maps engine and state machine errors onto the HTTP error
// taxonomy.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var unauth engine.UnauthorizedError
	if errors.As(err, &unauth) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, docstore.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var illegal phase.IllegalTransitionError
	if errors.As(err, &illegal) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"phase":  string(illegal.From),
			"action": illegal.Action,
		})
	}
	var limit phase.AttemptLimitError
	if errors.As(err, &limit) {
		return newAPIError(http.StatusUnprocessableEntity, "attempt_limit_reached", err.Error(), map[string]any{
			"attempts": limit.Attempts,
			"limit":    limit.Limit,
		})
	}
	var dup engine.DuplicateAssignmentError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "duplicate_assignment", err.Error(), map[string]any{"document_id": dup.DocumentID})
	}
	var decided engine.AlreadyDecidedError
	if errors.As(err, &decided) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), map[string]any{"assignment_id": decided.AssignmentID})
	}
	var invalid engine.ValidationError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": invalid.Field})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-form",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Submit thesis proposal form",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitFormRequest `json:"body"`
	}) (*struct {
		Body SubmitFormResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, doc, err := e.SubmitForm(ctx, engine.SubmitFormOptions{
			ProjectID:     input.Body.ID,
			Title:         input.Body.Title,
			StudentID:     input.Body.StudentID,
			DirectorEmail: input.Body.DirectorEmail,
			StudentEmails: input.Body.StudentEmails,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitFormResponse `json:"body"`
		}{Body: SubmitFormResponse{Project: projectResponse(project), Document: doc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Phase     string `query:"phase"`
		StudentID string `query:"student_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
			Phase:     input.Phase,
			StudentID: input.StudentID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
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
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/finalize",
		Summary:     "Finalize accepted project",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Finalize(ctx, engine.FinalizeOptions{ProjectID: input.ProjectID, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerFormReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "review-form",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/form/review",
		Summary:     "Record coordinator decision on the form",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      ReviewFormRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReviewForm(ctx, engine.ReviewFormOptions{
			ProjectID: input.ProjectID,
			Decision:  input.Body.Decision,
			Remarks:   input.Body.Remarks,
			Actor:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-form",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/form/resubmit",
		Summary:     "Resubmit a rejected or needs-correction form",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      ResubmitFormRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ResubmitForm(ctx, engine.ResubmitFormOptions{
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			Actor:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerProposal(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/proposal",
		Summary:       "Submit pre-project document",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      SubmitProposalRequest `json:"body"`
	}) (*struct {
		Body SubmitFormResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		project, doc, err := e.SubmitProposal(ctx, engine.SubmitProposalOptions{
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			Actor:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitFormResponse `json:"body"`
		}{Body: SubmitFormResponse{Project: projectResponse(project), Document: doc}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-evaluators",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/proposal/assignment",
		Summary:       "Assign two evaluators to the pre-project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      AssignEvaluatorsRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assignment, err := e.AssignEvaluators(ctx, engine.AssignEvaluatorsOptions{
			ProjectID:  input.ProjectID,
			EvaluatorA: input.Body.EvaluatorA,
			EvaluatorB: input.Body.EvaluatorB,
			Actor:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: assignment}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get evaluator assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		a, err := e.Repo.GetAssignment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-decision",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/decisions",
		Summary:     "Record an evaluator vote",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body RecordDecisionRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordDecision(ctx, engine.RecordDecisionOptions{
			AssignmentID: input.ID,
			Decision:     input.Body.Decision,
			Remarks:      input.Body.Remarks,
			Actor:        actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(res)}, nil
	})
}

func registerReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents",
		Summary:     "List project documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		docs, err := e.Repo.ListDocuments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if docs == nil {
			docs = []domain.Document{}
		}
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: docs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evaluations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/evaluations",
		Summary:     "List review audit records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `path:"project_id"`
		DocumentType string `query:"document_type"`
		EvaluatorID  string `query:"evaluator_id"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Evaluation `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		evals, err := e.Repo.ListEvaluations(ctx, repo.EvaluationFilters{
			ProjectID:    input.ProjectID,
			DocumentType: input.DocumentType,
			EvaluatorID:  input.EvaluatorID,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if evals == nil {
			evals = []domain.Evaluation{}
		}
		return &struct {
			Body []domain.Evaluation `json:"body"`
		}{Body: evals}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func reviewResponse(res engine.ReviewResult) ReviewResponse {
	return ReviewResponse{
		EvaluationID: res.EvaluationID,
		Phase:        string(res.Phase),
		Notified:     res.Notified,
		Cancelled:    res.Cancelled,
		Assignment:   res.Assignment,
	}
}

package engine

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"thesisline/internal/docstore"
	"thesisline/internal/domain"
	"thesisline/internal/events"
	"thesisline/internal/notify"
	"thesisline/internal/phase"
)

// reviewRequest carries one review action through the orchestration
// steps.
type reviewRequest struct {
	ProjectID    string
	DocumentID   string
	AssignmentID string
	Decision     string
	Remarks      string
	Actor        Actor
}

// ReviewResult reports the outcome of a review action.
type ReviewResult struct {
	EvaluationID string             `json:"evaluation_id"`
	Phase        phase.Phase        `json:"phase"`
	Notified     bool               `json:"notified"`
	Cancelled    bool               `json:"cancelled"`
	Assignment   *domain.Assignment `json:"assignment,omitempty"`
}

// reviewOutcome is what a policy produces inside the transaction.
type reviewOutcome struct {
	Phase        phase.Phase
	Attempts     int
	Cancelled    bool
	Messages     []notify.Message
	Assignment   *domain.Assignment
	EventType    string
	EventPayload events.EventPayload
}

// reviewPolicy is the variation point of the review orchestration: one
// policy per document type. Steps shared by every review (role check,
// metadata fetch, audit record, event log, notification dispatch) live
// in runReview.
type reviewPolicy interface {
	name() string
	requiredRole() string
	// apply validates the action against the current phase and performs
	// the type-specific writes inside tx.
	apply(ctx context.Context, tx *sql.Tx, req reviewRequest, doc docstore.Metadata, project domain.Project) (reviewOutcome, error)
}

// runReview executes one review action end to end: authorize, fetch
// the document through the port, run the policy and the audit insert
// in one transaction, then propagate the new document state and send
// notifications. Failures before commit roll everything back and
// surface as typed errors; failures after commit are logged only.
func (e Engine) runReview(ctx context.Context, p reviewPolicy, req reviewRequest) (ReviewResult, error) {
	if err := e.requireRole(req.Actor, p.requiredRole()); err != nil {
		return ReviewResult{}, err
	}

	doc, err := e.Docs.Get(ctx, req.DocumentID)
	if err != nil {
		e.Log.Error().Err(err).Str("review", p.name()).Str("document_id", req.DocumentID).Msg("document fetch failed")
		return ReviewResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReviewResult{}, err
	}
	defer tx.Rollback()

	project, err := e.Repo.GetProjectTx(ctx, tx, doc.ProjectID)
	if err != nil {
		return ReviewResult{}, err
	}
	out, err := p.apply(ctx, tx, req, doc, project)
	if err != nil {
		e.Log.Warn().Err(err).Str("review", p.name()).Str("project_id", project.ID).Msg("review rejected")
		return ReviewResult{}, err
	}

	ts := e.timestamp()
	eval := domain.Evaluation{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		DocumentType: doc.Type,
		DocumentID:   doc.ID,
		Decision:     req.Decision,
		Remarks:      req.Remarks,
		EvaluatorID:  req.Actor.ID,
		Role:         req.Actor.Role,
		CreatedAt:    ts,
	}
	if err := e.Repo.InsertEvaluationTx(ctx, tx, eval); err != nil {
		return ReviewResult{}, err
	}
	if err := e.Repo.UpdateProjectPhaseTx(ctx, tx, project.ID, string(out.Phase), out.Attempts, ts); err != nil {
		return ReviewResult{}, err
	}
	if err := e.Events.Append(ctx, tx, out.EventType, project.ID, "document", doc.ID, req.Actor.ID, out.EventPayload); err != nil {
		return ReviewResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReviewResult{}, err
	}

	e.propagateDocumentState(ctx, doc.ID, out.Phase, req.Remarks)
	notified := false
	if len(out.Messages) > 0 {
		notified = e.publish(ctx, out.Messages)
	}
	return ReviewResult{
		EvaluationID: eval.ID,
		Phase:        out.Phase,
		Notified:     notified,
		Cancelled:    out.Cancelled,
		Assignment:   out.Assignment,
	}, nil
}

// --- form review ---

type formReviewPolicy struct {
	engine Engine
}

func (p formReviewPolicy) name() string         { return "form" }
func (p formReviewPolicy) requiredRole() string { return p.engine.Config.Roles.FormReview }

func (p formReviewPolicy) apply(_ context.Context, _ *sql.Tx, req reviewRequest, doc docstore.Metadata, project domain.Project) (reviewOutcome, error) {
	res, err := p.engine.Machine.EvaluateForm(phase.Phase(project.Phase), project.FormAttempts, req.Decision)
	if err != nil {
		return reviewOutcome{}, err
	}
	msgs := []notify.Message{{
		Type:       notify.TypeFormReviewed,
		Recipients: doc.Recipients(),
		Context: map[string]any{
			"project_id": project.ID,
			"phase":      string(res.Phase),
			"decision":   req.Decision,
			"remarks":    req.Remarks,
			"attempts":   res.Attempts,
		},
	}}
	if res.Cancelled {
		// The rejection that exhausts the attempt limit carries a
		// second, unambiguous message on top of the phase change.
		msgs = append(msgs, notify.Message{
			Type:       notify.TypeDefinitiveRejection,
			Recipients: doc.Recipients(),
			Context: map[string]any{
				"project_id": project.ID,
				"attempts":   res.Attempts,
				"remarks":    req.Remarks,
			},
		})
	}
	return reviewOutcome{
		Phase:     res.Phase,
		Attempts:  res.Attempts,
		Cancelled: res.Cancelled,
		Messages:  msgs,
		EventType: "form.reviewed",
		EventPayload: events.EventPayload{
			"decision": req.Decision,
			"phase":    string(res.Phase),
			"attempts": res.Attempts,
		},
	}, nil
}

type ReviewFormOptions struct {
	ProjectID string
	Decision  string
	Remarks   string
	Actor     Actor
}

// ReviewForm records the coordinator decision on the thesis proposal
// form.
func (e Engine) ReviewForm(ctx context.Context, opts ReviewFormOptions) (ReviewResult, error) {
	switch opts.Decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionNeedsCorrection:
	default:
		return ReviewResult{}, invalid("decision", "must be APPROVED, REJECTED or NEEDS_CORRECTION")
	}
	doc, err := e.latestDocument(ctx, opts.ProjectID, domain.DocTypeForm)
	if err != nil {
		return ReviewResult{}, err
	}
	return e.runReview(ctx, formReviewPolicy{engine: e}, reviewRequest{
		ProjectID:  opts.ProjectID,
		DocumentID: doc.ID,
		Decision:   opts.Decision,
		Remarks:    opts.Remarks,
		Actor:      opts.Actor,
	})
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"thesisline/internal/docstore"
	"thesisline/internal/domain"
	"thesisline/internal/events"
	"thesisline/internal/notify"
	"thesisline/internal/phase"
	"thesisline/internal/repo"
)

type AssignEvaluatorsOptions struct {
	ProjectID  string
	EvaluatorA string
	EvaluatorB string
	Actor      Actor
}

// AssignEvaluators binds exactly two evaluators to the pre-project
// document. A document holds at most one assignment, ever.
func (e Engine) AssignEvaluators(ctx context.Context, opts AssignEvaluatorsOptions) (domain.Assignment, error) {
	if err := e.requireRole(opts.Actor, e.Config.Roles.ProposalAssign); err != nil {
		return domain.Assignment{}, err
	}
	a := strings.TrimSpace(opts.EvaluatorA)
	b := strings.TrimSpace(opts.EvaluatorB)
	if a == "" || b == "" {
		return domain.Assignment{}, invalid("evaluators", "two evaluator ids required")
	}
	if a == b {
		return domain.Assignment{}, invalid("evaluators", "evaluators must be distinct")
	}
	doc, err := e.latestDocument(ctx, opts.ProjectID, domain.DocTypePreproject)
	if err != nil {
		return domain.Assignment{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	project, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if _, err := e.Repo.GetAssignmentByDocumentTx(ctx, tx, doc.ID); err == nil {
		return domain.Assignment{}, DuplicateAssignmentError{DocumentID: doc.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, err
	}
	next, err := e.Machine.AssignEvaluators(phase.Phase(project.Phase))
	if err != nil {
		return domain.Assignment{}, err
	}
	ts := e.timestamp()
	assignment := domain.Assignment{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		ProjectID:  project.ID,
		EvaluatorA: a,
		EvaluatorB: b,
		State:      domain.AssignmentPending,
		AssignedAt: ts,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, assignment); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Repo.UpdateProjectPhaseTx(ctx, tx, project.ID, string(next), project.FormAttempts, ts); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "evaluators.assigned", project.ID, "assignment", assignment.ID, opts.Actor.ID, events.EventPayload{
		"document_id": doc.ID,
		"evaluator_a": a,
		"evaluator_b": b,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}

	e.propagateDocumentState(ctx, doc.ID, next, doc.Remarks)
	e.publish(ctx, []notify.Message{{
		Type:       notify.TypeEvaluatorsAssigned,
		Recipients: []string{a, b},
		Context: map[string]any{
			"project_id":    project.ID,
			"document_id":   doc.ID,
			"assignment_id": assignment.ID,
			"title":         doc.Title,
		},
	}})
	return assignment, nil
}

type RecordDecisionOptions struct {
	AssignmentID string
	Decision     string
	Remarks      string
	Actor        Actor
}

// RecordDecision stores one evaluator vote on an assignment. The first
// vote moves the review in progress silently; the vote that fills the
// second slot computes the consensus, moves the project to its
// accepted or rejected phase and sends the single consolidated
// notification carrying both evaluators' remarks.
func (e Engine) RecordDecision(ctx context.Context, opts RecordDecisionOptions) (ReviewResult, error) {
	switch opts.Decision {
	case domain.DecisionApproved, domain.DecisionRejected:
	default:
		return ReviewResult{}, invalid("decision", "must be APPROVED or REJECTED")
	}
	assignment, err := e.Repo.GetAssignment(ctx, opts.AssignmentID)
	if err != nil {
		return ReviewResult{}, err
	}
	return e.runReview(ctx, proposalVotePolicy{engine: e}, reviewRequest{
		ProjectID:    assignment.ProjectID,
		DocumentID:   assignment.DocumentID,
		AssignmentID: assignment.ID,
		Decision:     opts.Decision,
		Remarks:      opts.Remarks,
		Actor:        opts.Actor,
	})
}

type proposalVotePolicy struct {
	engine Engine
}

func (p proposalVotePolicy) name() string         { return "proposal" }
func (p proposalVotePolicy) requiredRole() string { return p.engine.Config.Roles.ProposalReview }

// apply re-reads the assignment inside the transaction so the
// double-vote guard and the completion check observe decision slots no
// concurrent vote can change underneath them. With both writers
// serialized, exactly one of two concurrent votes fills the second
// slot and completes the consensus.
func (p proposalVotePolicy) apply(ctx context.Context, tx *sql.Tx, req reviewRequest, doc docstore.Metadata, project domain.Project) (reviewOutcome, error) {
	e := p.engine
	assignment, err := e.Repo.GetAssignmentTx(ctx, tx, req.AssignmentID)
	if err != nil {
		return reviewOutcome{}, err
	}
	if !assignment.HasEvaluator(req.Actor.ID) {
		return reviewOutcome{}, UnauthorizedError{ActorID: req.Actor.ID, Reason: "not an assigned evaluator"}
	}
	switch req.Actor.ID {
	case assignment.EvaluatorA:
		if assignment.DecisionA != nil {
			return reviewOutcome{}, AlreadyDecidedError{AssignmentID: assignment.ID, EvaluatorID: req.Actor.ID}
		}
		assignment.DecisionA = &req.Decision
		assignment.RemarksA = &req.Remarks
	case assignment.EvaluatorB:
		if assignment.DecisionB != nil {
			return reviewOutcome{}, AlreadyDecidedError{AssignmentID: assignment.ID, EvaluatorID: req.Actor.ID}
		}
		assignment.DecisionB = &req.Decision
		assignment.RemarksB = &req.Remarks
	}

	out := reviewOutcome{
		Attempts:  project.FormAttempts,
		EventType: "decision.recorded",
		EventPayload: events.EventPayload{
			"assignment_id": assignment.ID,
			"decision":      req.Decision,
		},
	}
	if assignment.Completed() {
		final := consensus(*assignment.DecisionA, *assignment.DecisionB)
		next, err := e.Machine.EvaluateProposal(phase.Phase(project.Phase), final)
		if err != nil {
			return reviewOutcome{}, err
		}
		ts := e.timestamp()
		assignment.State = domain.AssignmentCompleted
		assignment.FinalDecision = &final
		assignment.CompletedAt = &ts
		out.Phase = next
		out.EventType = "consensus.completed"
		out.EventPayload["final_decision"] = final
		// The consolidated completion message is the only notification
		// of the whole review; the first vote stays silent.
		out.Messages = []notify.Message{{
			Type:       notify.TypeConsensusReached,
			Recipients: doc.Recipients(),
			Context: map[string]any{
				"project_id":     project.ID,
				"assignment_id":  assignment.ID,
				"phase":          string(next),
				"final_decision": final,
				"decision_a":     *assignment.DecisionA,
				"remarks_a":      stringOrEmpty(assignment.RemarksA),
				"decision_b":     *assignment.DecisionB,
				"remarks_b":      stringOrEmpty(assignment.RemarksB),
			},
		}}
	} else {
		next, err := e.Machine.StartProposalReview(phase.Phase(project.Phase))
		if err != nil {
			return reviewOutcome{}, err
		}
		assignment.State = domain.AssignmentInReview
		out.Phase = next
	}
	if err := e.Repo.UpdateAssignmentTx(ctx, tx, assignment); err != nil {
		return reviewOutcome{}, err
	}
	out.Assignment = &assignment
	return out, nil
}

// consensus reduces the two votes: acceptance requires both evaluators
// to approve; any rejection rejects.
func consensus(a, b string) string {
	if a == domain.DecisionApproved && b == domain.DecisionApproved {
		return domain.DecisionApproved
	}
	return domain.DecisionRejected
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Package phase implements the document lifecycle state machine for a
// thesis proposal project. A single Phase enum plus per-action
// transition functions replaces the per-state class hierarchy the
// workflow is usually described with; the full table is small enough to
// check exhaustively in tests.
package phase

import (
	"fmt"

	"thesisline/internal/domain"
)

// Phase is the current position of a project in the lifecycle.
type Phase string

const (
	FormSubmitted       Phase = "FORM_SUBMITTED"
	FormInReview        Phase = "FORM_IN_REVIEW"
	FormAccepted        Phase = "FORM_ACCEPTED"
	FormRejected        Phase = "FORM_REJECTED"
	FormNeedsCorrection Phase = "FORM_NEEDS_CORRECTION"
	PreprojectSubmitted Phase = "PREPROJECT_SUBMITTED"
	PreprojectAssigned  Phase = "PREPROJECT_ASSIGNED"
	PreprojectInReview  Phase = "PREPROJECT_IN_REVIEW"
	PreprojectAccepted  Phase = "PREPROJECT_ACCEPTED"
	PreprojectRejected  Phase = "PREPROJECT_REJECTED"
	Finalized           Phase = "FINALIZED"
	Cancelled           Phase = "CANCELLED"
)

// Initial is the phase a project starts in when the form is first
// submitted.
const Initial = FormSubmitted

// DefaultMaxFormAttempts is the number of form rejections after which
// the project is cancelled.
const DefaultMaxFormAttempts = 3

// All lists every phase, for exhaustive checks.
var All = []Phase{
	FormSubmitted, FormInReview, FormAccepted, FormRejected,
	FormNeedsCorrection, PreprojectSubmitted, PreprojectAssigned,
	PreprojectInReview, PreprojectAccepted, PreprojectRejected,
	Finalized, Cancelled,
}

// Valid reports whether p is a known phase.
func Valid(p Phase) bool {
	for _, q := range All {
		if p == q {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are legal from p.
func Terminal(p Phase) bool {
	return p == Finalized || p == Cancelled
}

// IllegalTransitionError is returned when an action is not legal in the
// current phase. Operations fail loudly instead of no-op-ing.
type IllegalTransitionError struct {
	From   Phase
	Action string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("action %s not allowed in phase %s", e.Action, e.From)
}

// AttemptLimitError is returned when a form resubmission is requested
// after the rejection limit was reached.
type AttemptLimitError struct {
	Attempts int
	Limit    int
}

func (e AttemptLimitError) Error() string {
	return fmt.Sprintf("form rejected %d times, limit is %d", e.Attempts, e.Limit)
}

func illegal(p Phase, action string) error {
	return IllegalTransitionError{From: p, Action: action}
}

// Machine evaluates lifecycle transitions. The zero value uses
// DefaultMaxFormAttempts.
type Machine struct {
	MaxFormAttempts int
}

func (m Machine) limit() int {
	if m.MaxFormAttempts > 0 {
		return m.MaxFormAttempts
	}
	return DefaultMaxFormAttempts
}

// FormEvaluation is the outcome of a coordinator decision on the form.
type FormEvaluation struct {
	Phase     Phase
	Attempts  int
	Cancelled bool
}

// EvaluateForm applies a coordinator decision to the initial form.
// A rejection increments the attempt counter; the rejection that
// reaches the limit cancels the project outright, so later submission
// attempts fail on the terminal phase.
func (m Machine) EvaluateForm(p Phase, attempts int, decision string) (FormEvaluation, error) {
	if p != FormSubmitted && p != FormInReview {
		return FormEvaluation{}, illegal(p, "evaluate_form")
	}
	switch decision {
	case domain.DecisionApproved:
		return FormEvaluation{Phase: FormAccepted, Attempts: attempts}, nil
	case domain.DecisionNeedsCorrection:
		return FormEvaluation{Phase: FormNeedsCorrection, Attempts: attempts}, nil
	case domain.DecisionRejected:
		attempts++
		if attempts >= m.limit() {
			return FormEvaluation{Phase: Cancelled, Attempts: attempts, Cancelled: true}, nil
		}
		return FormEvaluation{Phase: FormRejected, Attempts: attempts}, nil
	default:
		return FormEvaluation{}, fmt.Errorf("unknown form decision %q", decision)
	}
}

// ResubmitForm moves a rejected or needs-correction form back into
// review. Resubmission from any other phase, terminal phases included,
// is an illegal transition.
func (m Machine) ResubmitForm(p Phase, attempts int) (Phase, error) {
	switch p {
	case FormRejected:
		if attempts >= m.limit() {
			return p, AttemptLimitError{Attempts: attempts, Limit: m.limit()}
		}
		return FormInReview, nil
	case FormNeedsCorrection:
		return FormInReview, nil
	default:
		return p, illegal(p, "resubmit_form")
	}
}

// CanResubmitForm reports whether a form resubmission would be accepted.
func (m Machine) CanResubmitForm(p Phase, attempts int) bool {
	_, err := m.ResubmitForm(p, attempts)
	return err == nil
}

// SubmitProposal accepts the pre-project document. Legal only once the
// form has been accepted.
func (m Machine) SubmitProposal(p Phase) (Phase, error) {
	if p != FormAccepted {
		return p, illegal(p, "submit_proposal")
	}
	return PreprojectSubmitted, nil
}

// CanSubmitProposal reports whether the pre-project may be submitted.
func (m Machine) CanSubmitProposal(p Phase) bool {
	_, err := m.SubmitProposal(p)
	return err == nil
}

// AssignEvaluators records that two evaluators were bound to the
// pre-project document.
func (m Machine) AssignEvaluators(p Phase) (Phase, error) {
	if p != PreprojectSubmitted {
		return p, illegal(p, "assign_evaluators")
	}
	return PreprojectAssigned, nil
}

// StartProposalReview marks the first evaluator vote. Idempotent for a
// review already in progress so the second voter needs no transition.
func (m Machine) StartProposalReview(p Phase) (Phase, error) {
	switch p {
	case PreprojectAssigned:
		return PreprojectInReview, nil
	case PreprojectInReview:
		return PreprojectInReview, nil
	default:
		return p, illegal(p, "start_proposal_review")
	}
}

// EvaluateProposal applies the terminal consensus decision supplied by
// the evaluator consensus engine.
func (m Machine) EvaluateProposal(p Phase, decision string) (Phase, error) {
	if p != PreprojectAssigned && p != PreprojectInReview {
		return p, illegal(p, "evaluate_proposal")
	}
	switch decision {
	case domain.DecisionApproved:
		return PreprojectAccepted, nil
	case domain.DecisionRejected:
		return PreprojectRejected, nil
	default:
		return p, fmt.Errorf("unknown proposal decision %q", decision)
	}
}

// Finalize closes an accepted project.
func (m Machine) Finalize(p Phase) (Phase, error) {
	if p != PreprojectAccepted {
		return p, illegal(p, "finalize")
	}
	return Finalized, nil
}

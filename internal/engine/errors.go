package engine

import "fmt"

// UnauthorizedError is returned when the acting principal does not
// hold the role an action requires, or is not a member of the
// evaluator pair it tries to vote on.
type UnauthorizedError struct {
	ActorID  string
	Role     string
	Required string
	Reason   string
}

func (e UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("actor %s not authorized: %s", e.ActorID, e.Reason)
	}
	return fmt.Sprintf("actor %s has role %q, action requires %q", e.ActorID, e.Role, e.Required)
}

// DuplicateAssignmentError is returned when a second evaluator pair is
// assigned to a document that already has one.
type DuplicateAssignmentError struct {
	DocumentID string
}

func (e DuplicateAssignmentError) Error() string {
	return fmt.Sprintf("document %s already has an evaluator assignment", e.DocumentID)
}

// AlreadyDecidedError is returned when an evaluator tries to vote a
// second time on the same assignment.
type AlreadyDecidedError struct {
	AssignmentID string
	EvaluatorID  string
}

func (e AlreadyDecidedError) Error() string {
	return fmt.Sprintf("evaluator %s already recorded a decision on assignment %s", e.EvaluatorID, e.AssignmentID)
}

// ValidationError is returned for malformed input before any state is
// touched.
type ValidationError struct {
	Field  string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

func invalid(field, detail string) error {
	return ValidationError{Field: field, Detail: detail}
}

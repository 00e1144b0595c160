package domain

// Decision values recorded by reviewers.
const (
	DecisionApproved        = "APPROVED"
	DecisionRejected        = "REJECTED"
	DecisionNeedsCorrection = "NEEDS_CORRECTION"
)

// Document types accepted by the workflow.
const (
	DocTypeForm       = "form"
	DocTypePreproject = "preproject"
)

// Assignment states.
const (
	AssignmentPending   = "pending"
	AssignmentInReview  = "in_review"
	AssignmentCompleted = "completed"
)

// Project is the aggregate root of the approval workflow. It is never
// physically deleted; terminal phases are final.
type Project struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	StudentID    string `json:"student_id"`
	Phase        string `json:"phase"`
	FormAttempts int    `json:"form_attempts"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Document is the persisted record behind the document-store port.
type Document struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Type          string   `json:"type" enum:"form,preproject"`
	Title         string   `json:"title"`
	State         string   `json:"state"`
	DirectorEmail string   `json:"director_email,omitempty"`
	StudentEmails []string `json:"student_emails,omitempty"`
	Remarks       string   `json:"remarks,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// Assignment binds a pre-project document to exactly two evaluators.
// At most one assignment exists per document. Once completed the row is
// immutable.
type Assignment struct {
	ID            string  `json:"id"`
	DocumentID    string  `json:"document_id"`
	ProjectID     string  `json:"project_id"`
	EvaluatorA    string  `json:"evaluator_a"`
	EvaluatorB    string  `json:"evaluator_b"`
	DecisionA     *string `json:"decision_a,omitempty" enum:"APPROVED,REJECTED"`
	RemarksA      *string `json:"remarks_a,omitempty"`
	DecisionB     *string `json:"decision_b,omitempty" enum:"APPROVED,REJECTED"`
	RemarksB      *string `json:"remarks_b,omitempty"`
	State         string  `json:"state" enum:"pending,in_review,completed"`
	FinalDecision *string `json:"final_decision,omitempty" enum:"APPROVED,REJECTED"`
	AssignedAt    string  `json:"assigned_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// Completed reports whether both decision slots are populated.
func (a Assignment) Completed() bool {
	return a.DecisionA != nil && a.DecisionB != nil
}

// HasEvaluator reports whether the given id is one of the two assigned
// evaluators.
func (a Assignment) HasEvaluator(id string) bool {
	return id == a.EvaluatorA || id == a.EvaluatorB
}

// Evaluation is an append-only audit record, one row per review action.
type Evaluation struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	DocumentType string `json:"document_type" enum:"form,preproject"`
	DocumentID   string `json:"document_id"`
	Decision     string `json:"decision" enum:"APPROVED,REJECTED,NEEDS_CORRECTION"`
	Remarks      string `json:"remarks,omitempty"`
	EvaluatorID  string `json:"evaluator_id"`
	Role         string `json:"role"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is a row of the internal append-only event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey maps a hashed key to an actor and its workflow role.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

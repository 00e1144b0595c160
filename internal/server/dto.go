package server

import (
	"thesisline/internal/domain"
)

type SubmitFormRequest struct {
	ID            string   `json:"id,omitempty"`
	Title         string   `json:"title"`
	StudentID     string   `json:"student_id"`
	DirectorEmail string   `json:"director_email,omitempty" format:"email"`
	StudentEmails []string `json:"student_emails,omitempty"`
}

type ReviewFormRequest struct {
	Decision string `json:"decision" enum:"APPROVED,REJECTED,NEEDS_CORRECTION"`
	Remarks  string `json:"remarks,omitempty"`
}

type ResubmitFormRequest struct {
	Title string `json:"title,omitempty"`
}

type SubmitProposalRequest struct {
	Title string `json:"title,omitempty"`
}

type AssignEvaluatorsRequest struct {
	EvaluatorA string `json:"evaluator_a"`
	EvaluatorB string `json:"evaluator_b"`
}

type RecordDecisionRequest struct {
	Decision string `json:"decision" enum:"APPROVED,REJECTED"`
	Remarks  string `json:"remarks,omitempty"`
}

type ProjectResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	StudentID    string `json:"student_id"`
	Phase        string `json:"phase"`
	FormAttempts int    `json:"form_attempts"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type SubmitFormResponse struct {
	Project  ProjectResponse `json:"project"`
	Document domain.Document `json:"document"`
}

type ReviewResponse struct {
	EvaluationID string             `json:"evaluation_id"`
	Phase        string             `json:"phase"`
	Notified     bool               `json:"notified"`
	Cancelled    bool               `json:"cancelled,omitempty"`
	Assignment   *domain.Assignment `json:"assignment,omitempty"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:           p.ID,
		Title:        p.Title,
		StudentID:    p.StudentID,
		Phase:        p.Phase,
		FormAttempts: p.FormAttempts,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

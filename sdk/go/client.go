// Package thesislinesdk is a minimal HTTP client for the Thesisline
// approval workflow API.
package thesislinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a Thesisline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project is the API project model.
type Project struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	StudentID    string `json:"student_id"`
	Phase        string `json:"phase"`
	FormAttempts int    `json:"form_attempts"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Document is the API document model.
type Document struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	State         string   `json:"state"`
	DirectorEmail string   `json:"director_email,omitempty"`
	StudentEmails []string `json:"student_emails,omitempty"`
	Remarks       string   `json:"remarks,omitempty"`
}

// Assignment is the API evaluator assignment model.
type Assignment struct {
	ID            string  `json:"id"`
	DocumentID    string  `json:"document_id"`
	ProjectID     string  `json:"project_id"`
	EvaluatorA    string  `json:"evaluator_a"`
	EvaluatorB    string  `json:"evaluator_b"`
	DecisionA     *string `json:"decision_a,omitempty"`
	DecisionB     *string `json:"decision_b,omitempty"`
	State         string  `json:"state"`
	FinalDecision *string `json:"final_decision,omitempty"`
}

// ReviewResult reports the outcome of a review action.
type ReviewResult struct {
	EvaluationID string      `json:"evaluation_id"`
	Phase        string      `json:"phase"`
	Notified     bool        `json:"notified"`
	Cancelled    bool        `json:"cancelled,omitempty"`
	Assignment   *Assignment `json:"assignment,omitempty"`
}

// SubmitFormResult pairs the created project with its form document.
type SubmitFormResult struct {
	Project  Project  `json:"project"`
	Document Document `json:"document"`
}

// Event is a row of the event log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitForm creates a project by submitting the thesis proposal form.
func (c *Client) SubmitForm(ctx context.Context, title, studentID, directorEmail string, studentEmails []string) (SubmitFormResult, error) {
	body := map[string]any{
		"title":          title,
		"student_id":     studentID,
		"director_email": directorEmail,
		"student_emails": studentEmails,
	}
	var resp SubmitFormResult
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProjects returns projects, optionally filtered by phase.
func (c *Client) ListProjects(ctx context.Context, phase string) ([]Project, error) {
	endpoint := "v0/projects"
	if phase != "" {
		endpoint += "?phase=" + url.QueryEscape(phase)
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReviewForm records the coordinator decision on the form.
func (c *Client) ReviewForm(ctx context.Context, projectID, decision, remarks string) (ReviewResult, error) {
	body := map[string]any{"decision": decision, "remarks": remarks}
	var resp ReviewResult
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(projectID)+"/form/review", body, &resp)
	return resp, err
}

// ResubmitForm moves a rejected or needs-correction form back into
// review.
func (c *Client) ResubmitForm(ctx context.Context, projectID, title string) (Project, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(projectID)+"/form/resubmit", body, &resp)
	return resp, err
}

// SubmitProposal registers the pre-project document.
func (c *Client) SubmitProposal(ctx context.Context, projectID, title string) (SubmitFormResult, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}
	var resp SubmitFormResult
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(projectID)+"/proposal", body, &resp)
	return resp, err
}

// AssignEvaluators binds two evaluators to the pre-project document.
func (c *Client) AssignEvaluators(ctx context.Context, projectID, evaluatorA, evaluatorB string) (Assignment, error) {
	body := map[string]any{"evaluator_a": evaluatorA, "evaluator_b": evaluatorB}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(projectID)+"/proposal/assignment", body, &resp)
	return resp, err
}

// RecordDecision stores one evaluator vote.
func (c *Client) RecordDecision(ctx context.Context, assignmentID, decision, remarks string) (ReviewResult, error) {
	body := map[string]any{"decision": decision, "remarks": remarks}
	var resp ReviewResult
	err := c.do(ctx, http.MethodPost, "v0/assignments/"+url.PathEscape(assignmentID)+"/decisions", body, &resp)
	return resp, err
}

// GetAssignment fetches an evaluator assignment.
func (c *Client) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, "v0/assignments/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Finalize closes an accepted project.
func (c *Client) Finalize(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects/"+url.PathEscape(projectID)+"/finalize", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if projectID != "" {
		params.Set("project_id", projectID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

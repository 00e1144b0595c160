// Package engine implements the thesis proposal approval workflow: the
// lifecycle transitions of a project, the dual-evaluator consensus on
// the pre-project document, and the orchestration around each review
// action. All writes of one operation share a single transaction; the
// event log row is appended inside that transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"thesisline/internal/config"
	"thesisline/internal/docstore"
	"thesisline/internal/domain"
	"thesisline/internal/events"
	"thesisline/internal/notify"
	"thesisline/internal/phase"
	"thesisline/internal/repo"
)

// Actor is the authenticated principal performing an operation.
type Actor struct {
	ID   string
	Role string
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Docs     docstore.Store
	Notifier notify.Publisher
	Config   *config.Config
	Machine  phase.Machine
	Log      zerolog.Logger
	Now      func() time.Time
}

// New wires an Engine over an open database. Docs and Notifier default
// to the local SQL document store and the log publisher.
func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Docs:     docstore.Retrying{Next: docstore.SQLStore{Repo: r}},
		Notifier: notify.LogPublisher{Log: log},
		Config:   cfg,
		Machine:  cfg.Machine(),
		Log:      log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e Engine) timestamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) requireRole(actor Actor, required string) error {
	if strings.TrimSpace(actor.ID) == "" {
		return UnauthorizedError{Reason: "missing actor"}
	}
	if required != "" && actor.Role != required {
		return UnauthorizedError{ActorID: actor.ID, Role: actor.Role, Required: required}
	}
	return nil
}

// publish delivers notifications after the transaction committed.
// Delivery failures are logged and swallowed; the workflow state has
// already moved on.
func (e Engine) publish(ctx context.Context, msgs []notify.Message) bool {
	sent := false
	for _, msg := range msgs {
		if err := e.Notifier.Publish(ctx, msg); err != nil {
			e.Log.Error().Err(err).Str("type", msg.Type).Msg("notification publish failed")
			continue
		}
		sent = true
	}
	return sent
}

// propagateDocumentState pushes the new state to the document store
// after commit. The port retries internally; a final failure is logged
// and does not undo the committed transition.
func (e Engine) propagateDocumentState(ctx context.Context, docID string, p phase.Phase, remarks string) {
	if err := e.Docs.UpdateState(ctx, docID, string(p), remarks); err != nil {
		e.Log.Error().Err(err).Str("document_id", docID).Str("state", string(p)).Msg("document state propagation failed")
	}
}

type SubmitFormOptions struct {
	ProjectID     string
	Title         string
	StudentID     string
	DirectorEmail string
	StudentEmails []string
	Actor         Actor
}

// SubmitForm creates a project in the initial phase together with its
// thesis proposal form document.
func (e Engine) SubmitForm(ctx context.Context, opts SubmitFormOptions) (domain.Project, domain.Document, error) {
	if err := e.requireRole(opts.Actor, e.Config.Roles.Submit); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Project{}, domain.Document{}, invalid("title", "required")
	}
	if strings.TrimSpace(opts.StudentID) == "" {
		return domain.Project{}, domain.Document{}, invalid("student_id", "required")
	}
	if opts.ProjectID == "" {
		opts.ProjectID = uuid.NewString()
	}
	ts := e.timestamp()
	project := domain.Project{
		ID:           opts.ProjectID,
		Title:        opts.Title,
		StudentID:    opts.StudentID,
		Phase:        string(phase.Initial),
		FormAttempts: 0,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	doc := domain.Document{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		Type:          domain.DocTypeForm,
		Title:         opts.Title,
		State:         string(phase.Initial),
		DirectorEmail: opts.DirectorEmail,
		StudentEmails: opts.StudentEmails,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, project); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	if err := e.Repo.InsertDocumentTx(ctx, tx, doc); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	if err := e.Events.Append(ctx, tx, "form.submitted", project.ID, "project", project.ID, opts.Actor.ID, events.EventPayload{
		"title":       project.Title,
		"document_id": doc.ID,
	}); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.Document{}, err
	}

	e.publish(ctx, []notify.Message{{
		Type:       notify.TypeFormSubmitted,
		Recipients: recipients(doc.DirectorEmail, doc.StudentEmails),
		Context: map[string]any{
			"project_id": project.ID,
			"phase":      project.Phase,
			"title":      project.Title,
		},
	}})
	return project, doc, nil
}

type ResubmitFormOptions struct {
	ProjectID string
	Title     string
	Actor     Actor
}

// ResubmitForm moves a rejected or needs-correction form back into
// review, optionally replacing the title.
func (e Engine) ResubmitForm(ctx context.Context, opts ResubmitFormOptions) (domain.Project, error) {
	if err := e.requireRole(opts.Actor, e.Config.Roles.Submit); err != nil {
		return domain.Project{}, err
	}
	doc, err := e.latestDocument(ctx, opts.ProjectID, domain.DocTypeForm)
	if err != nil {
		return domain.Project{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	project, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	next, err := e.Machine.ResubmitForm(phase.Phase(project.Phase), project.FormAttempts)
	if err != nil {
		return domain.Project{}, err
	}
	ts := e.timestamp()
	if err := e.Repo.UpdateProjectPhaseTx(ctx, tx, project.ID, string(next), project.FormAttempts, ts); err != nil {
		return domain.Project{}, err
	}
	if strings.TrimSpace(opts.Title) != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET title=?, updated_at=? WHERE id=?`, opts.Title, ts, doc.ID); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.Repo.UpdateDocumentStateTx(ctx, tx, doc.ID, string(next), "", ts); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "form.resubmitted", project.ID, "document", doc.ID, opts.Actor.ID, events.EventPayload{
		"phase":    string(next),
		"attempts": project.FormAttempts,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}

	project.Phase = string(next)
	project.UpdatedAt = ts
	e.publish(ctx, []notify.Message{{
		Type:       notify.TypeFormResubmitted,
		Recipients: recipients(doc.DirectorEmail, doc.StudentEmails),
		Context: map[string]any{
			"project_id": project.ID,
			"phase":      project.Phase,
			"attempts":   project.FormAttempts,
		},
	}})
	return project, nil
}

type SubmitProposalOptions struct {
	ProjectID string
	Title     string
	Actor     Actor
}

// SubmitProposal registers the pre-project document once the form has
// been accepted. Director and student contacts carry over from the
// form.
func (e Engine) SubmitProposal(ctx context.Context, opts SubmitProposalOptions) (domain.Project, domain.Document, error) {
	if err := e.requireRole(opts.Actor, e.Config.Roles.Submit); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	form, err := e.latestDocument(ctx, opts.ProjectID, domain.DocTypeForm)
	if err != nil {
		return domain.Project{}, domain.Document{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	defer tx.Rollback()
	project, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	next, err := e.Machine.SubmitProposal(phase.Phase(project.Phase))
	if err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	ts := e.timestamp()
	title := opts.Title
	if strings.TrimSpace(title) == "" {
		title = project.Title
	}
	doc := domain.Document{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		Type:          domain.DocTypePreproject,
		Title:         title,
		State:         string(next),
		DirectorEmail: form.DirectorEmail,
		StudentEmails: form.StudentEmails,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := e.Repo.InsertDocumentTx(ctx, tx, doc); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	if err := e.Repo.UpdateProjectPhaseTx(ctx, tx, project.ID, string(next), project.FormAttempts, ts); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.submitted", project.ID, "document", doc.ID, opts.Actor.ID, events.EventPayload{
		"phase": string(next),
		"title": doc.Title,
	}); err != nil {
		return domain.Project{}, domain.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.Document{}, err
	}

	project.Phase = string(next)
	project.UpdatedAt = ts
	e.publish(ctx, []notify.Message{{
		Type:       notify.TypeProposalSubmitted,
		Recipients: recipients(doc.DirectorEmail, doc.StudentEmails),
		Context: map[string]any{
			"project_id":  project.ID,
			"phase":       project.Phase,
			"document_id": doc.ID,
		},
	}})
	return project, doc, nil
}

type FinalizeOptions struct {
	ProjectID string
	Actor     Actor
}

// Finalize closes an accepted project.
func (e Engine) Finalize(ctx context.Context, opts FinalizeOptions) (domain.Project, error) {
	if err := e.requireRole(opts.Actor, e.Config.Roles.Finalize); err != nil {
		return domain.Project{}, err
	}
	doc, err := e.latestDocument(ctx, opts.ProjectID, domain.DocTypePreproject)
	if err != nil {
		return domain.Project{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	project, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	next, err := e.Machine.Finalize(phase.Phase(project.Phase))
	if err != nil {
		return domain.Project{}, err
	}
	ts := e.timestamp()
	if err := e.Repo.UpdateProjectPhaseTx(ctx, tx, project.ID, string(next), project.FormAttempts, ts); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.finalized", project.ID, "project", project.ID, opts.Actor.ID, nil); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}

	project.Phase = string(next)
	project.UpdatedAt = ts
	e.propagateDocumentState(ctx, doc.ID, next, doc.Remarks)
	e.publish(ctx, []notify.Message{{
		Type:       notify.TypeProjectFinalized,
		Recipients: recipients(doc.DirectorEmail, doc.StudentEmails),
		Context: map[string]any{
			"project_id": project.ID,
			"phase":      project.Phase,
		},
	}})
	return project, nil
}

func (e Engine) latestDocument(ctx context.Context, projectID, docType string) (domain.Document, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.Document{}, invalid("project_id", "required")
	}
	doc, err := e.Repo.LatestDocument(ctx, projectID, docType)
	if errors.Is(err, repo.ErrNotFound) {
		// Distinguish a missing project from a missing document.
		if _, perr := e.Repo.GetProject(ctx, projectID); perr != nil {
			return domain.Document{}, perr
		}
		return domain.Document{}, repo.ErrNotFound
	}
	return doc, err
}

func recipients(director string, students []string) []string {
	out := make([]string, 0, len(students)+1)
	if director != "" {
		out = append(out, director)
	}
	return append(out, students...)
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"thesisline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- projects ---

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,title,student_id,phase,form_attempts,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.StudentID, p.Phase, p.FormAttempts, p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	err := scan(&p.ID, &p.Title, &p.StudentID, &p.Phase, &p.FormAttempts, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const projectCols = `id,title,student_id,phase,form_attempts,created_at,updated_at`

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

// UpdateProjectPhaseTx writes the phase and attempt counter produced by
// a lifecycle transition.
func (r Repo) UpdateProjectPhaseTx(ctx context.Context, tx *sql.Tx, id, phase string, attempts int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET phase=?, form_attempts=?, updated_at=? WHERE id=?`,
		phase, attempts, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProjectFilters struct {
	Phase     string
	StudentID string
	Limit     int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.StudentID != "" {
		clauses = append(clauses, "student_id=?")
		args = append(args, f.StudentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectCols + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Title, &p.StudentID, &p.Phase, &p.FormAttempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- documents ---

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	emails, err := marshalStringSlice(d.StudentEmails)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO documents(id,project_id,doc_type,title,state,director_email,student_emails,remarks,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.Type, d.Title, d.State, nullable(d.DirectorEmail), nullableStringPtr(emails), nullable(d.Remarks), d.CreatedAt, d.UpdatedAt)
	return err
}

const documentCols = `id,project_id,doc_type,title,state,director_email,student_emails,remarks,created_at,updated_at`

func scanDocument(scan func(...any) error) (domain.Document, error) {
	var d domain.Document
	var director, emails, remarks sql.NullString
	err := scan(&d.ID, &d.ProjectID, &d.Type, &d.Title, &d.State, &director, &emails, &remarks, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if director.Valid {
		d.DirectorEmail = director.String
	}
	if remarks.Valid {
		d.Remarks = remarks.String
	}
	if emails.Valid && emails.String != "" {
		if err := json.Unmarshal([]byte(emails.String), &d.StudentEmails); err != nil {
			return d, err
		}
	}
	return d, nil
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE id=?`, id)
	return scanDocument(row.Scan)
}

// LatestDocument returns the most recent document of the given type for
// a project.
func (r Repo) LatestDocument(ctx context.Context, projectID, docType string) (domain.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+documentCols+` FROM documents WHERE project_id=? AND doc_type=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID, docType)
	return scanDocument(row.Scan)
}

func (r Repo) ListDocuments(ctx context.Context, projectID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentCols+` FROM documents WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		var director, emails, remarks sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Type, &d.Title, &d.State, &director, &emails, &remarks, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if director.Valid {
			d.DirectorEmail = director.String
		}
		if remarks.Valid {
			d.Remarks = remarks.String
		}
		if emails.Valid && emails.String != "" {
			if err := json.Unmarshal([]byte(emails.String), &d.StudentEmails); err != nil {
				return nil, err
			}
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDocumentState(ctx context.Context, id, state, remarks, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE documents SET state=?, remarks=?, updated_at=? WHERE id=?`,
		state, nullable(remarks), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateDocumentStateTx(ctx context.Context, tx *sql.Tx, id, state, remarks, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET state=?, remarks=?, updated_at=? WHERE id=?`,
		state, nullable(remarks), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

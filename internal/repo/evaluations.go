package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"thesisline/internal/domain"
)

const evaluationCols = `id,project_id,document_type,document_id,decision,remarks,evaluator_id,role,created_at`

// InsertEvaluationTx appends an audit record. Evaluations are never
// updated or deleted.
func (r Repo) InsertEvaluationTx(ctx context.Context, tx *sql.Tx, e domain.Evaluation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evaluations(`+evaluationCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.DocumentType, e.DocumentID, e.Decision, nullable(e.Remarks), e.EvaluatorID, e.Role, e.CreatedAt)
	return err
}

type EvaluationFilters struct {
	ProjectID    string
	DocumentID   string
	DocumentType string
	EvaluatorID  string
	Limit        int
}

func (r Repo) ListEvaluations(ctx context.Context, f EvaluationFilters) ([]domain.Evaluation, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.DocumentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, f.DocumentID)
	}
	if f.DocumentType != "" {
		clauses = append(clauses, "document_type=?")
		args = append(args, f.DocumentType)
	}
	if f.EvaluatorID != "" {
		clauses = append(clauses, "evaluator_id=?")
		args = append(args, f.EvaluatorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + evaluationCols + ` FROM evaluations ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evaluation
	for rows.Next() {
		var e domain.Evaluation
		var remarks sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.DocumentType, &e.DocumentID, &e.Decision, &remarks, &e.EvaluatorID, &e.Role, &e.CreatedAt); err != nil {
			return nil, err
		}
		if remarks.Valid {
			e.Remarks = remarks.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- event log reads ---

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in
// ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID, optionally scoped to
// a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

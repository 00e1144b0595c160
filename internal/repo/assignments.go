package repo

import (
	"context"
	"database/sql"

	"thesisline/internal/domain"
)

const assignmentCols = `id,document_id,project_id,evaluator_a,evaluator_b,decision_a,remarks_a,decision_b,remarks_b,state,final_decision,assigned_at,completed_at`

func scanAssignment(scan func(...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var decA, remA, decB, remB, final, completed sql.NullString
	err := scan(&a.ID, &a.DocumentID, &a.ProjectID, &a.EvaluatorA, &a.EvaluatorB,
		&decA, &remA, &decB, &remB, &a.State, &final, &a.AssignedAt, &completed)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if decA.Valid {
		a.DecisionA = &decA.String
	}
	if remA.Valid {
		a.RemarksA = &remA.String
	}
	if decB.Valid {
		a.DecisionB = &decB.String
	}
	if remB.Valid {
		a.RemarksB = &remB.String
	}
	if final.Valid {
		a.FinalDecision = &final.String
	}
	if completed.Valid {
		a.CompletedAt = &completed.String
	}
	return a, nil
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.DocumentID, a.ProjectID, a.EvaluatorA, a.EvaluatorB,
		nullableStringPtr(a.DecisionA), nullableStringPtr(a.RemarksA),
		nullableStringPtr(a.DecisionB), nullableStringPtr(a.RemarksB),
		a.State, nullableStringPtr(a.FinalDecision), a.AssignedAt, nullableStringPtr(a.CompletedAt))
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

// GetAssignmentTx reads the assignment inside the caller's transaction.
// RecordDecision must observe the decision slots under the same
// transaction that writes them, so the double-vote guard and the
// both-populated check cannot race a concurrent vote.
func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentByDocument(ctx context.Context, documentID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE document_id=?`, documentID)
	return scanAssignment(row.Scan)
}

func (r Repo) GetAssignmentByDocumentTx(ctx context.Context, tx *sql.Tx, documentID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE document_id=?`, documentID)
	return scanAssignment(row.Scan)
}

func (r Repo) UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET decision_a=?, remarks_a=?, decision_b=?, remarks_b=?, state=?, final_decision=?, completed_at=? WHERE id=?`,
		nullableStringPtr(a.DecisionA), nullableStringPtr(a.RemarksA),
		nullableStringPtr(a.DecisionB), nullableStringPtr(a.RemarksB),
		a.State, nullableStringPtr(a.FinalDecision), nullableStringPtr(a.CompletedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListAssignments(ctx context.Context, projectID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE project_id=? ORDER BY assigned_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowgate/internal/domain"
)

// InsertTask verifies the gating transition exists before writing. Tasks may
// later outlive their transition (deletions leave them dangling for the
// diagnostics pass), but they are never born dangling.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM transitions WHERE id=?`, t.TransitionID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transition %s: %w", t.TransitionID, ErrNotFound)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,name,description,assigned_user_id,deadline,is_required,is_completed,completed_at,completed_by,transition_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, nullable(t.Description), t.AssignedUserID, nullableStringPtr(t.Deadline), t.IsRequired, t.IsCompleted,
		nullableStringPtr(t.CompletedAt), completedByArg(t.CompletedBy), t.TransitionID, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET name=?, description=?, assigned_user_id=?, deadline=?, is_required=?, is_completed=?, completed_at=?, completed_by=?, transition_id=?, updated_at=? WHERE id=?`,
		t.Name, nullable(t.Description), t.AssignedUserID, nullableStringPtr(t.Deadline), t.IsRequired, t.IsCompleted,
		nullableStringPtr(t.CompletedAt), completedByArg(t.CompletedBy), t.TransitionID, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT id,name,description,assigned_user_id,deadline,is_required,is_completed,completed_at,completed_by,transition_id,created_at,updated_at FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id domain.TaskID) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT id,name,description,assigned_user_id,deadline,is_required,is_completed,completed_at,completed_by,transition_id,created_at,updated_at FROM tasks WHERE id=?`, id))
}

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var description, deadline, completedAt, completedBy sql.NullString
	err := row.Scan(&t.ID, &t.Name, &description, &t.AssignedUserID, &deadline, &t.IsRequired, &t.IsCompleted, &completedAt, &completedBy, &t.TransitionID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	applyTaskNulls(&t, description, deadline, completedAt, completedBy)
	return t, nil
}

func applyTaskNulls(t *domain.Task, description, deadline, completedAt, completedBy sql.NullString) {
	if description.Valid {
		t.Description = description.String
	}
	if deadline.Valid {
		t.Deadline = &deadline.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		id := domain.UserID(completedBy.String)
		t.CompletedBy = &id
	}
}

type TaskFilters struct {
	TransitionID    string
	AssignedUserID  string
	Required        *bool
	Completed       *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, tx, f)
}

func listTasks(ctx context.Context, q querier, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.TransitionID != "" {
		clauses = append(clauses, "transition_id=?")
		args = append(args, f.TransitionID)
	}
	if f.AssignedUserID != "" {
		clauses = append(clauses, "assigned_user_id=?")
		args = append(args, f.AssignedUserID)
	}
	if f.Required != nil {
		clauses = append(clauses, "is_required=?")
		args = append(args, *f.Required)
	}
	if f.Completed != nil {
		clauses = append(clauses, "is_completed=?")
		args = append(args, *f.Completed)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,name,description,assigned_user_id,deadline,is_required,is_completed,completed_at,completed_by,transition_id,created_at,updated_at FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var description, deadline, completedAt, completedBy sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &description, &t.AssignedUserID, &deadline, &t.IsRequired, &t.IsCompleted, &completedAt, &completedBy, &t.TransitionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		applyTaskNulls(&t, description, deadline, completedAt, completedBy)
		res = append(res, t)
	}
	return res, nil
}

// IncompleteTasksByTransition groups every incomplete task under its gating
// transition id, in creation order. Engine callers use it to back the
// resolver's task source from one consistent read.
func (r Repo) IncompleteTasksByTransition(ctx context.Context, tx *sql.Tx) (map[domain.TransitionID][]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id,name,description,assigned_user_id,deadline,is_required,is_completed,completed_at,completed_by,transition_id,created_at,updated_at FROM tasks WHERE is_completed=0 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TransitionID][]domain.Task{}
	for rows.Next() {
		var t domain.Task
		var description, deadline, completedAt, completedBy sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &description, &t.AssignedUserID, &deadline, &t.IsRequired, &t.IsCompleted, &completedAt, &completedBy, &t.TransitionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		applyTaskNulls(&t, description, deadline, completedAt, completedBy)
		res[t.TransitionID] = append(res[t.TransitionID], t)
	}
	return res, nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id domain.TaskID) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func completedByArg(id *domain.UserID) any {
	if id == nil || *id == "" {
		return nil
	}
	return string(*id)
}

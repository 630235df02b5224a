package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowgate/internal/domain"
)

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.EntityType, &p.WorkflowID, &p.CurrentStatusID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,entity_type,workflow_id,current_status_id,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.EntityType, p.WorkflowID, p.CurrentStatusID, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id domain.ProjectID) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,entity_type,workflow_id,current_status_id,version,created_at,updated_at FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id domain.ProjectID) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT id,name,entity_type,workflow_id,current_status_id,version,created_at,updated_at FROM projects WHERE id=?`, id))
}

type ProjectFilters struct {
	EntityType      string
	WorkflowID      string
	StatusID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.StatusID != "" {
		clauses = append(clauses, "current_status_id=?")
		args = append(args, f.StatusID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,name,entity_type,workflow_id,current_status_id,version,created_at,updated_at FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
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
		if err := rows.Scan(&p.ID, &p.Name, &p.EntityType, &p.WorkflowID, &p.CurrentStatusID, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, id domain.ProjectID, name *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectState persists a post-transition project. The row must still
// carry the version the update was computed from (p.Version-1); a zero row
// count with the project present means another writer won the race.
func (r Repo) UpdateProjectState(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET current_status_id=?, version=?, updated_at=? WHERE id=? AND version=?`,
		p.CurrentStatusID, p.Version, p.UpdatedAt, p.ID, p.Version-1)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetProjectTx(ctx, tx, p.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id domain.ProjectID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM status_history WHERE project_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertHistory(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_history(project_id,transition_id,from_status_id,to_status_id,actor_id,approver_id,comment,ts) VALUES (?,?,?,?,?,?,?,?)`,
		h.ProjectID, h.TransitionID, h.FromStatusID, h.ToStatusID, h.ActorID, approverArg(h.ApproverID), nullable(h.Comment), h.TS)
	return err
}

// ListHistory returns a project's log in chronological order, optionally
// starting after a row id.
func (r Repo) ListHistory(ctx context.Context, projectID domain.ProjectID, limit int, after int64) ([]domain.HistoryEntry, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if after > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, after)
	}
	query := `SELECT id,project_id,transition_id,from_status_id,to_status_id,actor_id,approver_id,comment,ts FROM status_history WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var approver, comment sql.NullString
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.TransitionID, &h.FromStatusID, &h.ToStatusID, &h.ActorID, &approver, &comment, &h.TS); err != nil {
			return nil, err
		}
		if approver.Valid {
			id := domain.UserID(approver.String)
			h.ApproverID = &id
		}
		if comment.Valid {
			h.Comment = comment.String
		}
		res = append(res, h)
	}
	return res, nil
}

func approverArg(id *domain.UserID) any {
	if id == nil || *id == "" {
		return nil
	}
	return string(*id)
}

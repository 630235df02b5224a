package repo

import (
	"context"
	"database/sql"
	"fmt"

	"flowgate/internal/domain"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,name,entity_type,is_default,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		wf.ID, wf.Name, wf.EntityType, wf.IsDefault, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return err
	}
	if err := replaceWorkflowStatuses(ctx, tx, wf.ID, wf.StatusIDs); err != nil {
		return err
	}
	for i, t := range wf.Transitions {
		if err := insertTransitionAt(ctx, tx, wf.ID, t, i); err != nil {
			return err
		}
	}
	return nil
}

// UpsertWorkflow replaces the stored workflow wholesale, memberships and
// transitions included. Seeding owns its workflows; created_at survives.
func (r Repo) UpsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,name,entity_type,is_default,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, entity_type=excluded.entity_type, is_default=excluded.is_default, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, wf.EntityType, wf.IsDefault, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return err
	}
	if err := replaceWorkflowStatuses(ctx, tx, wf.ID, wf.StatusIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE workflow_id=?`, wf.ID); err != nil {
		return err
	}
	for i, t := range wf.Transitions {
		if err := insertTransitionAt(ctx, tx, wf.ID, t, i); err != nil {
			return err
		}
	}
	return nil
}

// UpdateWorkflow rewrites the workflow row and its ordered status list.
// Transitions are edited through their own operations; removing a status here
// can leave transitions dangling, which the resolver filters and the
// diagnostics pass reports.
func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET name=?, entity_type=?, updated_at=? WHERE id=?`,
		wf.Name, wf.EntityType, wf.UpdatedAt, wf.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return replaceWorkflowStatuses(ctx, tx, wf.ID, wf.StatusIDs)
}

func replaceWorkflowStatuses(ctx context.Context, tx *sql.Tx, id domain.WorkflowID, statusIDs []domain.StatusID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_statuses WHERE workflow_id=?`, id); err != nil {
		return err
	}
	for i, sid := range statusIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO workflow_statuses(workflow_id,status_id,position) VALUES (?,?,?)`, id, sid, i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, id domain.WorkflowID) (domain.Workflow, error) {
	return getWorkflow(ctx, r.DB, id)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id domain.WorkflowID) (domain.Workflow, error) {
	return getWorkflow(ctx, tx, id)
}

func getWorkflow(ctx context.Context, q querier, id domain.WorkflowID) (domain.Workflow, error) {
	var wf domain.Workflow
	err := q.QueryRowContext(ctx, `SELECT id,name,entity_type,is_default,created_at,updated_at FROM workflows WHERE id=?`, id).
		Scan(&wf.ID, &wf.Name, &wf.EntityType, &wf.IsDefault, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	wf.StatusIDs, err = workflowStatusIDs(ctx, q, id)
	if err != nil {
		return wf, err
	}
	wf.Transitions, err = workflowTransitions(ctx, q, id)
	return wf, err
}

func workflowStatusIDs(ctx context.Context, q querier, id domain.WorkflowID) ([]domain.StatusID, error) {
	rows, err := q.QueryContext(ctx, `SELECT status_id FROM workflow_statuses WHERE workflow_id=? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusID
	for rows.Next() {
		var sid domain.StatusID
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		res = append(res, sid)
	}
	return res, nil
}

func workflowTransitions(ctx context.Context, q querier, id domain.WorkflowID) ([]domain.Transition, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,from_status_id,to_status_id,requires_approval,approver_roles_json,approver_user_ids_json,conditions_json FROM transitions WHERE workflow_id=? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var roles, userIDs, conditions sql.NullString
		if err := rows.Scan(&t.ID, &t.FromStatusID, &t.ToStatusID, &t.RequiresApproval, &roles, &userIDs, &conditions); err != nil {
			return nil, err
		}
		t.ApproverRoles = decodeStrings(roles)
		t.ApproverUserIDs = decodeUserIDs(userIDs)
		if conditions.Valid {
			t.ConditionsJSON = &conditions.String
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) ListWorkflows(ctx context.Context, entityType string) ([]domain.Workflow, error) {
	query := `SELECT id FROM workflows ORDER BY created_at ASC, id ASC`
	var args []any
	if entityType != "" {
		query = `SELECT id FROM workflows WHERE entity_type=? ORDER BY created_at ASC, id ASC`
		args = append(args, entityType)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []domain.WorkflowID
	for rows.Next() {
		var id domain.WorkflowID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	var res []domain.Workflow
	for _, id := range ids {
		wf, err := getWorkflow(ctx, r.DB, id)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, nil
}

func (r Repo) DeleteWorkflow(ctx context.Context, tx *sql.Tx, id domain.WorkflowID) error {
	var inUse int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM projects WHERE workflow_id=?`, id).Scan(&inUse); err != nil {
		return err
	}
	if inUse > 0 {
		return fmt.Errorf("workflow %s is used by %d project(s)", id, inUse)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE workflow_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_statuses WHERE workflow_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DefaultWorkflow(ctx context.Context, entityType string) (domain.Workflow, error) {
	var id domain.WorkflowID
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM workflows WHERE entity_type=? AND is_default=1`, entityType).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Workflow{}, ErrNotFound
	}
	if err != nil {
		return domain.Workflow{}, err
	}
	return getWorkflow(ctx, r.DB, id)
}

// SetDefaultWorkflow clears the previous default for the workflow's entity
// type and marks the new one inside the caller's transaction.
func (r Repo) SetDefaultWorkflow(ctx context.Context, tx *sql.Tx, id domain.WorkflowID) error {
	var entityType string
	err := tx.QueryRowContext(ctx, `SELECT entity_type FROM workflows WHERE id=?`, id).Scan(&entityType)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE workflows SET is_default=0 WHERE entity_type=? AND is_default=1`, entityType); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE workflows SET is_default=1 WHERE id=?`, id)
	return err
}

func (r Repo) InsertTransition(ctx context.Context, tx *sql.Tx, workflowID domain.WorkflowID, t domain.Transition) error {
	var pos int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position)+1,0) FROM transitions WHERE workflow_id=?`, workflowID).Scan(&pos); err != nil {
		return err
	}
	return insertTransitionAt(ctx, tx, workflowID, t, pos)
}

func insertTransitionAt(ctx context.Context, tx *sql.Tx, workflowID domain.WorkflowID, t domain.Transition, pos int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(id,workflow_id,from_status_id,to_status_id,requires_approval,approver_roles_json,approver_user_ids_json,conditions_json,position) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, workflowID, t.FromStatusID, t.ToStatusID, t.RequiresApproval, marshalStrings(t.ApproverRoles), marshalUserIDs(t.ApproverUserIDs), nullableStringPtr(t.ConditionsJSON), pos)
	return err
}

// UpdateTransition keeps the stored position so the workflow's transition
// order survives edits.
func (r Repo) UpdateTransition(ctx context.Context, tx *sql.Tx, workflowID domain.WorkflowID, t domain.Transition) error {
	res, err := tx.ExecContext(ctx, `UPDATE transitions SET from_status_id=?, to_status_id=?, requires_approval=?, approver_roles_json=?, approver_user_ids_json=?, conditions_json=? WHERE id=? AND workflow_id=?`,
		t.FromStatusID, t.ToStatusID, t.RequiresApproval, marshalStrings(t.ApproverRoles), marshalUserIDs(t.ApproverUserIDs), nullableStringPtr(t.ConditionsJSON), t.ID, workflowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTransition(ctx context.Context, tx *sql.Tx, workflowID domain.WorkflowID, id domain.TransitionID) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE id=? AND workflow_id=?`, id, workflowID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowgate/internal/domain"
	"flowgate/internal/events"
	"flowgate/internal/repo"
	"flowgate/internal/rules"
)

// WorkflowCreateOptions are parameters for creating a workflow.
type WorkflowCreateOptions struct {
	ID         string
	Name       string
	EntityType string
	StatusIDs  []string
	IsDefault  bool
	ActorID    string
}

func (e Engine) CreateWorkflow(ctx context.Context, opts WorkflowCreateOptions) (domain.Workflow, error) {
	if e.Config == nil {
		return domain.Workflow{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Workflow{}, errors.New("name is required")
	}
	if !e.entityTypeKnown(opts.EntityType) {
		return domain.Workflow{}, fmt.Errorf("unknown entity type %q", opts.EntityType)
	}
	if len(opts.StatusIDs) == 0 {
		return domain.Workflow{}, errors.New("a workflow needs at least one status")
	}
	seen := map[string]bool{}
	statusIDs := make([]domain.StatusID, 0, len(opts.StatusIDs))
	for _, sid := range opts.StatusIDs {
		if seen[sid] {
			return domain.Workflow{}, fmt.Errorf("status %s listed twice", sid)
		}
		seen[sid] = true
		if _, err := e.Repo.GetStatus(ctx, domain.StatusID(sid)); err != nil {
			return domain.Workflow{}, fmt.Errorf("status %s: %w", sid, err)
		}
		statusIDs = append(statusIDs, domain.StatusID(sid))
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.timestamp()
	wf := domain.Workflow{
		ID:         domain.WorkflowID(id),
		Name:       opts.Name,
		EntityType: opts.EntityType,
		StatusIDs:  statusIDs,
		IsDefault:  opts.IsDefault,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	if wf.IsDefault {
		if err := e.Repo.SetDefaultWorkflow(ctx, tx, wf.ID); err != nil {
			return domain.Workflow{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "workflow.created", "", "workflow", string(wf.ID), opts.ActorID, events.EventPayload{
		"name":        wf.Name,
		"entity_type": wf.EntityType,
	}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

// WorkflowUpdateOptions carry the fields to change. The entity type is fixed
// at creation. A non-nil StatusIDs replaces the ordered status list; removed
// statuses can leave transitions dangling, which Diagnose reports.
type WorkflowUpdateOptions struct {
	ID        string
	Name      *string
	StatusIDs []string
	IsDefault *bool
	ActorID   string
}

func (e Engine) UpdateWorkflow(ctx context.Context, opts WorkflowUpdateOptions) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflow(ctx, domain.WorkflowID(opts.ID))
	if err != nil {
		return wf, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return wf, errors.New("name cannot be empty")
		}
		wf.Name = *opts.Name
	}
	if opts.StatusIDs != nil {
		if len(opts.StatusIDs) == 0 {
			return wf, errors.New("a workflow needs at least one status")
		}
		seen := map[string]bool{}
		statusIDs := make([]domain.StatusID, 0, len(opts.StatusIDs))
		for _, sid := range opts.StatusIDs {
			if seen[sid] {
				return wf, fmt.Errorf("status %s listed twice", sid)
			}
			seen[sid] = true
			if _, err := e.Repo.GetStatus(ctx, domain.StatusID(sid)); err != nil {
				return wf, fmt.Errorf("status %s: %w", sid, err)
			}
			statusIDs = append(statusIDs, domain.StatusID(sid))
		}
		wf.StatusIDs = statusIDs
	}
	wf.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wf, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateWorkflow(ctx, tx, wf); err != nil {
		return wf, err
	}
	if opts.IsDefault != nil {
		if *opts.IsDefault {
			if err := e.Repo.SetDefaultWorkflow(ctx, tx, wf.ID); err != nil {
				return wf, err
			}
		} else if wf.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE workflows SET is_default=0 WHERE id=?`, wf.ID); err != nil {
				return wf, err
			}
		}
		wf.IsDefault = *opts.IsDefault
	}
	if err := e.Events.Append(ctx, tx, "workflow.updated", "", "workflow", string(wf.ID), opts.ActorID, events.EventPayload{"name": wf.Name}); err != nil {
		return wf, err
	}
	if err := tx.Commit(); err != nil {
		return wf, err
	}
	return wf, nil
}

func (e Engine) DeleteWorkflow(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteWorkflow(ctx, tx, domain.WorkflowID(id)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "workflow.deleted", "", "workflow", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return e.Repo.GetWorkflow(ctx, domain.WorkflowID(id))
}

func (e Engine) ListWorkflows(ctx context.Context, entityType string) ([]domain.Workflow, error) {
	return e.Repo.ListWorkflows(ctx, entityType)
}

// SetDefaultWorkflow makes the workflow the default for its entity type,
// displacing the previous default.
func (e Engine) SetDefaultWorkflow(ctx context.Context, id, actorID string) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflow(ctx, domain.WorkflowID(id))
	if err != nil {
		return wf, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wf, err
	}
	defer tx.Rollback()

	if err := e.Repo.SetDefaultWorkflow(ctx, tx, wf.ID); err != nil {
		return wf, err
	}
	if err := e.Events.Append(ctx, tx, "workflow.default_set", "", "workflow", string(wf.ID), actorID, events.EventPayload{"entity_type": wf.EntityType}); err != nil {
		return wf, err
	}
	if err := tx.Commit(); err != nil {
		return wf, err
	}
	wf.IsDefault = true
	return wf, nil
}

// TransitionCreateOptions are parameters for adding a transition to a
// workflow.
type TransitionCreateOptions struct {
	ID               string
	WorkflowID       string
	FromStatusID     string
	ToStatusID       string
	RequiresApproval bool
	ApproverRoles    []string
	ApproverUserIDs  []string
	ConditionsJSON   string
	ActorID          string
}

func (o TransitionCreateOptions) transition() domain.Transition {
	t := domain.Transition{
		ID:               domain.TransitionID(o.ID),
		FromStatusID:     domain.StatusID(o.FromStatusID),
		ToStatusID:       domain.StatusID(o.ToStatusID),
		RequiresApproval: o.RequiresApproval,
		ApproverRoles:    o.ApproverRoles,
	}
	for _, id := range o.ApproverUserIDs {
		t.ApproverUserIDs = append(t.ApproverUserIDs, domain.UserID(id))
	}
	if o.ConditionsJSON != "" {
		cond := o.ConditionsJSON
		t.ConditionsJSON = &cond
	}
	return t
}

// AddTransition validates the candidate against the workflow graph and
// rejects it with a ValidationError listing every violation.
func (e Engine) AddTransition(ctx context.Context, opts TransitionCreateOptions) (domain.Transition, error) {
	wf, err := e.Repo.GetWorkflow(ctx, domain.WorkflowID(opts.WorkflowID))
	if err != nil {
		return domain.Transition{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.ConditionsJSON != "" {
		if err := validateJSON(opts.ConditionsJSON); err != nil {
			return domain.Transition{}, fmt.Errorf("conditions JSON: %w", err)
		}
	}
	for _, role := range opts.ApproverRoles {
		if role != domain.RoleAdmin && role != domain.RoleUser {
			return domain.Transition{}, fmt.Errorf("invalid approver role %q", role)
		}
	}
	candidate := opts.transition()
	if res := rules.ValidateTransition(wf.StatusIDs, wf.Transitions, candidate, ""); !res.Valid {
		return domain.Transition{}, ValidationError{Violations: res.Violations}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTransition(ctx, tx, wf.ID, candidate); err != nil {
		return domain.Transition{}, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "transition.created", "", "transition", string(candidate.ID), opts.ActorID, events.EventPayload{
		"workflow_id": string(wf.ID),
		"from":        string(candidate.FromStatusID),
		"to":          string(candidate.ToStatusID),
	}); err != nil {
		return domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, err
	}
	return candidate, nil
}

// TransitionUpdateOptions carry the fields to change. A non-nil empty
// ConditionsJSON clears the stored conditions.
type TransitionUpdateOptions struct {
	ID               string
	WorkflowID       string
	FromStatusID     *string
	ToStatusID       *string
	RequiresApproval *bool
	ApproverRoles    []string
	ApproverUserIDs  []string
	ConditionsJSON   *string
	ActorID          string
}

func (e Engine) UpdateTransition(ctx context.Context, opts TransitionUpdateOptions) (domain.Transition, error) {
	wf, err := e.Repo.GetWorkflow(ctx, domain.WorkflowID(opts.WorkflowID))
	if err != nil {
		return domain.Transition{}, err
	}
	var candidate domain.Transition
	found := false
	for _, t := range wf.Transitions {
		if t.ID == domain.TransitionID(opts.ID) {
			candidate = t
			found = true
			break
		}
	}
	if !found {
		return domain.Transition{}, fmt.Errorf("transition %s: %w", opts.ID, repo.ErrNotFound)
	}
	if opts.FromStatusID != nil {
		candidate.FromStatusID = domain.StatusID(*opts.FromStatusID)
	}
	if opts.ToStatusID != nil {
		candidate.ToStatusID = domain.StatusID(*opts.ToStatusID)
	}
	if opts.RequiresApproval != nil {
		candidate.RequiresApproval = *opts.RequiresApproval
	}
	if opts.ApproverRoles != nil {
		for _, role := range opts.ApproverRoles {
			if role != domain.RoleAdmin && role != domain.RoleUser {
				return domain.Transition{}, fmt.Errorf("invalid approver role %q", role)
			}
		}
		candidate.ApproverRoles = opts.ApproverRoles
	}
	if opts.ApproverUserIDs != nil {
		ids := make([]domain.UserID, 0, len(opts.ApproverUserIDs))
		for _, id := range opts.ApproverUserIDs {
			ids = append(ids, domain.UserID(id))
		}
		candidate.ApproverUserIDs = ids
	}
	if opts.ConditionsJSON != nil {
		if *opts.ConditionsJSON == "" {
			candidate.ConditionsJSON = nil
		} else {
			if err := validateJSON(*opts.ConditionsJSON); err != nil {
				return domain.Transition{}, fmt.Errorf("conditions JSON: %w", err)
			}
			candidate.ConditionsJSON = opts.ConditionsJSON
		}
	}
	if res := rules.ValidateTransition(wf.StatusIDs, wf.Transitions, candidate, candidate.ID); !res.Valid {
		return domain.Transition{}, ValidationError{Violations: res.Violations}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTransition(ctx, tx, wf.ID, candidate); err != nil {
		return domain.Transition{}, err
	}
	if err := e.Events.Append(ctx, tx, "transition.updated", "", "transition", string(candidate.ID), opts.ActorID, events.EventPayload{
		"workflow_id": string(wf.ID),
		"from":        string(candidate.FromStatusID),
		"to":          string(candidate.ToStatusID),
	}); err != nil {
		return domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, err
	}
	return candidate, nil
}

// DeleteTransition removes the transition without touching its tasks; they
// become dangling and Diagnose reports them.
func (e Engine) DeleteTransition(ctx context.Context, workflowID, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteTransition(ctx, tx, domain.WorkflowID(workflowID), domain.TransitionID(id)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "transition.deleted", "", "transition", id, actorID, events.EventPayload{"workflow_id": workflowID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckTransition is the dry-run form of AddTransition and UpdateTransition:
// same validation, no write. editingID is empty for a would-be new
// transition.
func (e Engine) CheckTransition(ctx context.Context, workflowID string, opts TransitionCreateOptions, editingID string) (rules.Result, error) {
	wf, err := e.Repo.GetWorkflow(ctx, domain.WorkflowID(workflowID))
	if err != nil {
		return rules.Result{}, err
	}
	return rules.ValidateTransition(wf.StatusIDs, wf.Transitions, opts.transition(), domain.TransitionID(editingID)), nil
}

// DiagnoseWorkflow reports every integrity problem the live resolver
// tolerates silently. Tasks attached to other workflows' transitions are left
// out; tasks whose transition no longer exists anywhere are included so the
// dangling reference gets reported.
func (e Engine) DiagnoseWorkflow(ctx context.Context, id string) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wf, err := e.Repo.GetWorkflowTx(ctx, tx, domain.WorkflowID(id))
	if err != nil {
		return nil, err
	}
	statuses, err := e.Repo.ListStatusesTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	known := map[domain.TransitionID]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM transitions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tid domain.TransitionID
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		known[tid] = true
	}
	member := map[domain.TransitionID]bool{}
	for _, t := range wf.Transitions {
		member[t.ID] = true
	}
	all, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{})
	if err != nil {
		return nil, err
	}
	var tasks []domain.Task
	for _, t := range all {
		if member[t.TransitionID] || !known[t.TransitionID] {
			tasks = append(tasks, t)
		}
	}
	return rules.Diagnose(&wf, statuses, tasks), nil
}

func validateJSON(in string) error {
	var tmp any
	if err := json.Unmarshal([]byte(in), &tmp); err != nil {
		return err
	}
	return nil
}

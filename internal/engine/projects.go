package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowgate/internal/domain"
	"flowgate/internal/events"
	"flowgate/internal/repo"
	"flowgate/internal/rules"
)

// ProjectCreateOptions are parameters for creating a project. An empty
// WorkflowID picks the default workflow for the entity type.
type ProjectCreateOptions struct {
	ID         string
	Name       string
	EntityType string
	WorkflowID string
	ActorID    string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if !e.entityTypeKnown(opts.EntityType) {
		return domain.Project{}, fmt.Errorf("unknown entity type %q", opts.EntityType)
	}
	var wf domain.Workflow
	var err error
	if opts.WorkflowID == "" {
		wf, err = e.Repo.DefaultWorkflow(ctx, opts.EntityType)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("no default workflow for entity type %s", opts.EntityType)
		}
	} else {
		wf, err = e.Repo.GetWorkflow(ctx, domain.WorkflowID(opts.WorkflowID))
	}
	if err != nil {
		return domain.Project{}, err
	}
	if wf.EntityType != opts.EntityType {
		return domain.Project{}, fmt.Errorf("workflow %s is for entity type %s, not %s", wf.ID, wf.EntityType, opts.EntityType)
	}
	if len(wf.StatusIDs) == 0 {
		return domain.Project{}, fmt.Errorf("workflow %s has no statuses", wf.ID)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.timestamp()
	p := domain.Project{
		ID:              domain.ProjectID(id),
		Name:            opts.Name,
		EntityType:      opts.EntityType,
		WorkflowID:      wf.ID,
		CurrentStatusID: wf.StatusIDs[0],
		Version:         0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", string(p.ID), "project", string(p.ID), opts.ActorID, events.EventPayload{
		"name":   p.Name,
		"status": string(p.CurrentStatusID),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, domain.ProjectID(id))
}

func (e Engine) ListProjects(ctx context.Context, f repo.ProjectFilters) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, f)
}

// RenameProject changes the display name; workflow and status are only ever
// moved through transitions.
func (e Engine) RenameProject(ctx context.Context, id, name, actorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateProject(ctx, tx, domain.ProjectID(id), &name); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, domain.ProjectID(id))
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", id, "project", id, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteProject(ctx, tx, domain.ProjectID(id)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "project.deleted", id, "project", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

type taskIndex map[domain.TransitionID][]domain.Task

func (x taskIndex) IncompleteByTransition(id domain.TransitionID) []domain.Task {
	return x[id]
}

// NextTransitions resolves the project's outgoing transitions from one
// consistent snapshot, annotated with target statuses and task gates.
func (e Engine) NextTransitions(ctx context.Context, projectID string) ([]rules.Option, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, domain.ProjectID(projectID))
	if err != nil {
		return nil, err
	}
	wf, err := e.Repo.GetWorkflowTx(ctx, tx, p.WorkflowID)
	if err != nil {
		return nil, err
	}
	statuses, err := e.Repo.ListStatusesTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	incomplete, err := e.Repo.IncompleteTasksByTransition(ctx, tx)
	if err != nil {
		return nil, err
	}
	return rules.NextTransitions(&wf, p.CurrentStatusID, statuses, taskIndex(incomplete)), nil
}

// TransitionRequirements describes a transition's approval needs with
// approver user ids resolved to names where possible.
func (e Engine) TransitionRequirements(ctx context.Context, workflowID, transitionID string) (rules.Requirements, error) {
	wf, err := e.Repo.GetWorkflow(ctx, domain.WorkflowID(workflowID))
	if err != nil {
		return rules.Requirements{}, err
	}
	for _, t := range wf.Transitions {
		if t.ID == domain.TransitionID(transitionID) {
			users, err := e.Repo.ListUsers(ctx)
			if err != nil {
				return rules.Requirements{}, err
			}
			names := make(map[domain.UserID]string, len(users))
			for _, u := range users {
				names[u.ID] = u.Name
			}
			lookup := func(id domain.UserID) (string, bool) {
				name, ok := names[id]
				return name, ok
			}
			return rules.DescribeRequirements(t, lookup), nil
		}
	}
	return rules.Requirements{}, fmt.Errorf("transition %s: %w", transitionID, repo.ErrNotFound)
}

// ExecuteOptions are parameters for executing a transition. A nil
// ExpectedVersion skips the caller-side version check; the storage guard
// still applies.
type ExecuteOptions struct {
	ProjectID       string
	TransitionID    string
	ActorID         string
	Comment         string
	ExpectedVersion *int64
}

// ExecuteTransition moves the project through the transition, or leaves it
// untouched: the status change, version bump and history entry commit
// together or not at all.
func (e Engine) ExecuteTransition(ctx context.Context, opts ExecuteOptions) (domain.Project, domain.HistoryEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, domain.HistoryEntry{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, domain.ProjectID(opts.ProjectID))
	if err != nil {
		return domain.Project{}, domain.HistoryEntry{}, err
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != p.Version {
		return domain.Project{}, domain.HistoryEntry{}, VersionConflictError{ProjectID: p.ID, Expected: *opts.ExpectedVersion, Actual: p.Version}
	}
	wf, err := e.Repo.GetWorkflowTx(ctx, tx, p.WorkflowID)
	if err != nil {
		return domain.Project{}, domain.HistoryEntry{}, err
	}
	var t domain.Transition
	found := false
	for _, cand := range wf.Transitions {
		if cand.ID == domain.TransitionID(opts.TransitionID) {
			t = cand
			found = true
			break
		}
	}
	if !found {
		return domain.Project{}, domain.HistoryEntry{}, fmt.Errorf("transition %s: %w", opts.TransitionID, repo.ErrNotFound)
	}
	if t.FromStatusID != p.CurrentStatusID {
		return domain.Project{}, domain.HistoryEntry{}, fmt.Errorf("transition %s departs from status %s but project %s is in %s", t.ID, t.FromStatusID, p.ID, p.CurrentStatusID)
	}
	inWorkflow := false
	for _, sid := range wf.StatusIDs {
		if sid == t.ToStatusID {
			inWorkflow = true
			break
		}
	}
	if !inWorkflow {
		return domain.Project{}, domain.HistoryEntry{}, fmt.Errorf("transition %s targets status %s which is not in workflow %s", t.ID, t.ToStatusID, wf.ID)
	}
	actor, err := e.Repo.GetUserTx(ctx, tx, domain.UserID(opts.ActorID))
	if err != nil {
		return domain.Project{}, domain.HistoryEntry{}, fmt.Errorf("actor %s: %w", opts.ActorID, err)
	}
	required := true
	completed := false
	gating, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{
		TransitionID: string(t.ID),
		Required:     &required,
		Completed:    &completed,
	})
	if err != nil {
		return domain.Project{}, domain.HistoryEntry{}, err
	}
	decision := rules.CanTransition(actor, t, len(gating) > 0)
	if !decision.Allowed {
		return domain.Project{}, domain.HistoryEntry{}, PermissionDeniedError{Reason: decision.Reason}
	}
	updated, entry := rules.Apply(p, t, actor, opts.Comment, e.now())
	if err := e.Repo.UpdateProjectState(ctx, tx, updated); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			current, gerr := e.Repo.GetProjectTx(ctx, tx, p.ID)
			if gerr != nil {
				return domain.Project{}, domain.HistoryEntry{}, gerr
			}
			return domain.Project{}, domain.HistoryEntry{}, VersionConflictError{ProjectID: p.ID, Expected: p.Version, Actual: current.Version}
		}
		return domain.Project{}, domain.HistoryEntry{}, err
	}
	if err := e.Repo.InsertHistory(ctx, tx, entry); err != nil {
		return domain.Project{}, domain.HistoryEntry{}, fmt.Errorf("insert history: %w", err)
	}
	payload := events.EventPayload{
		"from":          string(entry.FromStatusID),
		"to":            string(entry.ToStatusID),
		"transition_id": string(t.ID),
		"version":       updated.Version,
	}
	if entry.ApproverID != nil {
		payload["approver_id"] = string(*entry.ApproverID)
	}
	if err := e.Events.Append(ctx, tx, "project.transitioned", string(p.ID), "project", string(p.ID), opts.ActorID, payload); err != nil {
		return domain.Project{}, domain.HistoryEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, domain.HistoryEntry{}, err
	}
	return updated, entry, nil
}

// History returns the project's transition log in chronological order.
func (e Engine) History(ctx context.Context, projectID string, limit int, after int64) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetProject(ctx, domain.ProjectID(projectID)); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, domain.ProjectID(projectID), limit, after)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowgate/internal/domain"
	"flowgate/internal/events"
	"flowgate/internal/repo"
)

// TaskCreateOptions are parameters for creating a task attached to a
// transition.
type TaskCreateOptions struct {
	ID             string
	Name           string
	Description    string
	AssignedUserID string
	Deadline       string
	IsRequired     bool
	TransitionID   string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Name == "" {
		return domain.Task{}, errors.New("name is required")
	}
	if opts.TransitionID == "" {
		return domain.Task{}, errors.New("transition is required")
	}
	if opts.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, opts.Deadline); err != nil {
			return domain.Task{}, fmt.Errorf("deadline: %w", err)
		}
	}
	if opts.AssignedUserID != "" {
		if _, err := e.Repo.GetUser(ctx, domain.UserID(opts.AssignedUserID)); err != nil {
			return domain.Task{}, fmt.Errorf("assigned user %s: %w", opts.AssignedUserID, err)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.timestamp()
	t := domain.Task{
		ID:             domain.TaskID(id),
		Name:           opts.Name,
		Description:    opts.Description,
		AssignedUserID: domain.UserID(opts.AssignedUserID),
		IsRequired:     opts.IsRequired,
		TransitionID:   domain.TransitionID(opts.TransitionID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.Deadline != "" {
		dl := opts.Deadline
		t.Deadline = &dl
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "", "task", string(t.ID), opts.ActorID, events.EventPayload{
		"name":          t.Name,
		"transition_id": string(t.TransitionID),
		"is_required":   t.IsRequired,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskUpdateOptions carry the fields to change; nil pointers leave the stored
// value alone. An empty AssignedUserID or Deadline clears it. Completion
// state only moves through CompleteTask and ReopenTask.
type TaskUpdateOptions struct {
	ID             string
	Name           *string
	Description    *string
	AssignedUserID *string
	Deadline       *string
	IsRequired     *bool
	ActorID        string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, domain.TaskID(opts.ID))
	if err != nil {
		return t, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return t, errors.New("name cannot be empty")
		}
		t.Name = *opts.Name
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.AssignedUserID != nil {
		if *opts.AssignedUserID == "" {
			t.AssignedUserID = ""
		} else {
			if _, err := e.Repo.GetUser(ctx, domain.UserID(*opts.AssignedUserID)); err != nil {
				return t, fmt.Errorf("assigned user %s: %w", *opts.AssignedUserID, err)
			}
			t.AssignedUserID = domain.UserID(*opts.AssignedUserID)
		}
	}
	if opts.Deadline != nil {
		if *opts.Deadline == "" {
			t.Deadline = nil
		} else {
			if _, err := time.Parse(time.RFC3339, *opts.Deadline); err != nil {
				return t, fmt.Errorf("deadline: %w", err)
			}
			t.Deadline = opts.Deadline
		}
	}
	if opts.IsRequired != nil {
		t.IsRequired = *opts.IsRequired
	}
	t.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "", "task", string(t.ID), opts.ActorID, events.EventPayload{"name": t.Name}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CompleteTask marks the task done and stamps who and when. Completing an
// already completed task refreshes both stamps.
func (e Engine) CompleteTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	actor, err := e.Repo.GetUser(ctx, domain.UserID(actorID))
	if err != nil {
		return domain.Task{}, fmt.Errorf("actor %s: %w", actorID, err)
	}
	t, err := e.Repo.GetTask(ctx, domain.TaskID(taskID))
	if err != nil {
		return t, err
	}
	now := e.timestamp()
	t.IsCompleted = true
	t.CompletedAt = &now
	completedBy := actor.ID
	t.CompletedBy = &completedBy
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", "", "task", string(t.ID), actorID, events.EventPayload{
		"transition_id": string(t.TransitionID),
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ReopenTask clears the completion flag and both stamps together, so a
// reopened task never carries a stale completed_at or completed_by.
func (e Engine) ReopenTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, domain.TaskID(taskID))
	if err != nil {
		return t, err
	}
	t.IsCompleted = false
	t.CompletedAt = nil
	t.CompletedBy = nil
	t.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.reopened", "", "task", string(t.ID), actorID, events.EventPayload{
		"transition_id": string(t.TransitionID),
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, domain.TaskID(id))
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteTask(ctx, tx, domain.TaskID(id)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", "", "task", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

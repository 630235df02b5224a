package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"flowgate/internal/domain"
	"flowgate/internal/events"
)

// StatusCreateOptions are parameters for creating a status.
type StatusCreateOptions struct {
	ID          string
	Name        string
	Color       string
	Description string
	EntityTypes []string
	ActorID     string
}

func (e Engine) CreateStatus(ctx context.Context, opts StatusCreateOptions) (domain.Status, error) {
	if e.Config == nil {
		return domain.Status{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Status{}, errors.New("name is required")
	}
	if opts.Color != "" && !isHexColor(opts.Color) {
		return domain.Status{}, fmt.Errorf("color %q is not a hex color like #10b981", opts.Color)
	}
	for _, et := range opts.EntityTypes {
		if !e.entityTypeKnown(et) {
			return domain.Status{}, fmt.Errorf("unknown entity type %s", et)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.timestamp()
	s := domain.Status{
		ID:          domain.StatusID(id),
		Name:        opts.Name,
		Color:       opts.Color,
		Description: opts.Description,
		EntityTypes: opts.EntityTypes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Status{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertStatus(ctx, tx, s); err != nil {
		return domain.Status{}, fmt.Errorf("insert status: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "status.created", "", "status", string(s.ID), opts.ActorID, events.EventPayload{"name": s.Name}); err != nil {
		return domain.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Status{}, err
	}
	return s, nil
}

// StatusUpdateOptions carry the fields to change; nil pointers leave the
// stored value alone. A non-nil empty EntityTypes clears the restriction.
type StatusUpdateOptions struct {
	ID          string
	Name        *string
	Color       *string
	Description *string
	EntityTypes []string
	ActorID     string
}

func (e Engine) UpdateStatus(ctx context.Context, opts StatusUpdateOptions) (domain.Status, error) {
	if e.Config == nil {
		return domain.Status{}, errors.New("config not loaded")
	}
	s, err := e.Repo.GetStatus(ctx, domain.StatusID(opts.ID))
	if err != nil {
		return s, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return s, errors.New("name cannot be empty")
		}
		s.Name = *opts.Name
	}
	if opts.Color != nil {
		if *opts.Color != "" && !isHexColor(*opts.Color) {
			return s, fmt.Errorf("color %q is not a hex color like #10b981", *opts.Color)
		}
		s.Color = *opts.Color
	}
	if opts.Description != nil {
		s.Description = *opts.Description
	}
	if opts.EntityTypes != nil {
		for _, et := range opts.EntityTypes {
			if !e.entityTypeKnown(et) {
				return s, fmt.Errorf("unknown entity type %s", et)
			}
		}
		s.EntityTypes = opts.EntityTypes
	}
	s.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateStatus(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "status.updated", "", "status", string(s.ID), opts.ActorID, events.EventPayload{"name": s.Name}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// DeleteStatus refuses while the status is referenced anywhere; the error
// names the referents.
func (e Engine) DeleteStatus(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteStatus(ctx, tx, domain.StatusID(id)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "status.deleted", "", "status", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetStatus(ctx context.Context, id string) (domain.Status, error) {
	return e.Repo.GetStatus(ctx, domain.StatusID(id))
}

// ListStatuses returns all statuses, optionally narrowed to one entity type.
// A status with no entity type restriction matches every filter.
func (e Engine) ListStatuses(ctx context.Context, entityType string) ([]domain.Status, error) {
	statuses, err := e.Repo.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	if entityType == "" {
		return statuses, nil
	}
	filtered := make([]domain.Status, 0, len(statuses))
	for _, s := range statuses {
		if len(s.EntityTypes) == 0 {
			filtered = append(filtered, s)
			continue
		}
		for _, et := range s.EntityTypes {
			if et == entityType {
				filtered = append(filtered, s)
				break
			}
		}
	}
	return filtered, nil
}

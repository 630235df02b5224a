// Package app wires workspace startup: it applies the config seed to storage
// exactly once per seed version.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowgate/internal/domain"
	"flowgate/internal/engine"
	"flowgate/internal/events"
	"flowgate/internal/repo"
)

const seedVersionKey = "seed_version"

// EnsureSeeded upserts the config's seed statuses, users and workflows when
// the stored seed version differs from the config's. Seeding owns only the
// rows the config names; everything created through the API or CLI is left
// alone. Reapplying the same version is a no-op.
func EnsureSeeded(ctx context.Context, eng engine.Engine) error {
	cfg := eng.Config
	if cfg == nil {
		return nil
	}
	if len(cfg.Seed.Statuses) == 0 && len(cfg.Seed.Workflows) == 0 && len(cfg.Seed.Users) == 0 {
		return nil
	}
	applied, err := eng.Repo.GetMeta(ctx, seedVersionKey)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if applied == cfg.Seed.Version {
		return nil
	}

	now := time.Now
	if eng.Now != nil {
		now = eng.Now
	}
	ts := now().UTC().Format(time.RFC3339)

	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range cfg.Seed.Statuses {
		st := domain.Status{
			ID:          domain.StatusID(s.ID),
			Name:        s.Name,
			Color:       s.Color,
			Description: s.Description,
			EntityTypes: s.EntityTypes,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if err := eng.Repo.UpsertStatus(ctx, tx, st); err != nil {
			return fmt.Errorf("seed status %s: %w", s.ID, err)
		}
	}
	for _, u := range cfg.Seed.Users {
		user := domain.User{
			ID:        domain.UserID(u.ID),
			Name:      u.Name,
			Email:     u.Email,
			Role:      u.Role,
			CreatedAt: ts,
		}
		if err := eng.Repo.UpsertUser(ctx, tx, user); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, w := range cfg.Seed.Workflows {
		wf := domain.Workflow{
			ID:         domain.WorkflowID(w.ID),
			Name:       w.Name,
			EntityType: w.EntityType,
			IsDefault:  w.Default,
			CreatedAt:  ts,
			UpdatedAt:  ts,
		}
		for _, sid := range w.Statuses {
			wf.StatusIDs = append(wf.StatusIDs, domain.StatusID(sid))
		}
		for _, t := range w.Transitions {
			tr := domain.Transition{
				ID:               domain.TransitionID(t.ID),
				FromStatusID:     domain.StatusID(t.From),
				ToStatusID:       domain.StatusID(t.To),
				RequiresApproval: t.RequiresApproval,
				ApproverRoles:    t.ApproverRoles,
			}
			for _, uid := range t.ApproverUserIDs {
				tr.ApproverUserIDs = append(tr.ApproverUserIDs, domain.UserID(uid))
			}
			wf.Transitions = append(wf.Transitions, tr)
		}
		if err := eng.Repo.UpsertWorkflow(ctx, tx, wf); err != nil {
			return fmt.Errorf("seed workflow %s: %w", w.ID, err)
		}
	}
	if err := eng.Repo.SetMeta(ctx, tx, seedVersionKey, cfg.Seed.Version); err != nil {
		return fmt.Errorf("record seed version: %w", err)
	}
	if err := eng.Events.Append(ctx, tx, "seed.applied", "", "config", cfg.Seed.Version, "system", events.EventPayload{
		"statuses":  len(cfg.Seed.Statuses),
		"users":     len(cfg.Seed.Users),
		"workflows": len(cfg.Seed.Workflows),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

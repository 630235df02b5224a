package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"flowgate/internal/db"
	"flowgate/internal/domain"
	"flowgate/internal/migrate"
	"flowgate/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return nil
}

func seedStatus(t *testing.T, r repo.Repo, ctx context.Context, id string) {
	t.Helper()
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertStatus(ctx, tx, domain.Status{
			ID:        domain.StatusID(id),
			Name:      id,
			CreatedAt: "2024-01-01T00:00:00Z",
			UpdatedAt: "2024-01-01T00:00:00Z",
		})
	})
	if err != nil {
		t.Fatalf("insert status %s: %v", id, err)
	}
}

func TestDeleteStatusRefusesWhileReferenced(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedStatus(t, r, ctx, "draft")
	seedStatus(t, r, ctx, "done")
	seedStatus(t, r, ctx, "spare")

	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertWorkflow(ctx, tx, domain.Workflow{
			ID:         "wf1",
			Name:       "Flow",
			EntityType: "project",
			StatusIDs:  []domain.StatusID{"draft", "done"},
			Transitions: []domain.Transition{
				{ID: "t1", FromStatusID: "draft", ToStatusID: "done"},
			},
			CreatedAt: "2024-01-01T00:00:00Z",
			UpdatedAt: "2024-01-01T00:00:00Z",
		})
	})
	if err != nil {
		t.Fatalf("insert workflow: %v", err)
	}

	err = inTx(t, r, func(tx *sql.Tx) error {
		return r.DeleteStatus(ctx, tx, "draft")
	})
	var inUse repo.StatusInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("expected StatusInUseError, got %v", err)
	}
	if inUse.StatusID != "draft" || len(inUse.Referents) < 2 {
		t.Fatalf("expected workflow and transition referents, got %+v", inUse)
	}

	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.DeleteStatus(ctx, tx, "spare")
	}); err != nil {
		t.Fatalf("delete unreferenced status: %v", err)
	}
	if _, err := r.GetStatus(ctx, "spare"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestWorkflowRoundTripPreservesOrder(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, id := range []string{"c", "a", "b"} {
		seedStatus(t, r, ctx, id)
	}
	conds := `{"min_score":5}`
	wf := domain.Workflow{
		ID:         "wf1",
		Name:       "Ordered",
		EntityType: "project",
		StatusIDs:  []domain.StatusID{"c", "a", "b"},
		Transitions: []domain.Transition{
			{ID: "t2", FromStatusID: "a", ToStatusID: "b", RequiresApproval: true, ApproverRoles: []string{"admin"}, ConditionsJSON: &conds},
			{ID: "t1", FromStatusID: "c", ToStatusID: "a"},
		},
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertWorkflow(ctx, tx, wf)
	}); err != nil {
		t.Fatalf("insert workflow: %v", err)
	}

	got, err := r.GetWorkflow(ctx, "wf1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if len(got.StatusIDs) != 3 || got.StatusIDs[0] != "c" || got.StatusIDs[1] != "a" || got.StatusIDs[2] != "b" {
		t.Fatalf("status order lost: %v", got.StatusIDs)
	}
	if len(got.Transitions) != 2 || got.Transitions[0].ID != "t2" || got.Transitions[1].ID != "t1" {
		t.Fatalf("transition order lost: %+v", got.Transitions)
	}
	if got.Transitions[0].ConditionsJSON == nil || *got.Transitions[0].ConditionsJSON != conds {
		t.Fatalf("conditions did not round-trip: %+v", got.Transitions[0].ConditionsJSON)
	}
	if len(got.Transitions[0].ApproverRoles) != 1 || got.Transitions[0].ApproverRoles[0] != "admin" {
		t.Fatalf("approver roles lost: %+v", got.Transitions[0])
	}
}

func TestSetDefaultWorkflowIsExclusive(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedStatus(t, r, ctx, "a")
	for _, id := range []string{"wf1", "wf2"} {
		wf := domain.Workflow{
			ID:         domain.WorkflowID(id),
			Name:       id,
			EntityType: "project",
			StatusIDs:  []domain.StatusID{"a"},
			CreatedAt:  "2024-01-01T00:00:00Z",
			UpdatedAt:  "2024-01-01T00:00:00Z",
		}
		if err := inTx(t, r, func(tx *sql.Tx) error {
			return r.InsertWorkflow(ctx, tx, wf)
		}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.SetDefaultWorkflow(ctx, tx, "wf1")
	}); err != nil {
		t.Fatalf("set default wf1: %v", err)
	}
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.SetDefaultWorkflow(ctx, tx, "wf2")
	}); err != nil {
		t.Fatalf("set default wf2: %v", err)
	}

	def, err := r.DefaultWorkflow(ctx, "project")
	if err != nil {
		t.Fatalf("default workflow: %v", err)
	}
	if def.ID != "wf2" {
		t.Fatalf("expected wf2 as default, got %s", def.ID)
	}
	wf1, err := r.GetWorkflow(ctx, "wf1")
	if err != nil || wf1.IsDefault {
		t.Fatalf("previous default not cleared: %+v err=%v", wf1, err)
	}
}

package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"flowgate/internal/app"
	"flowgate/internal/config"
	"flowgate/internal/db"
	"flowgate/internal/domain"
	"flowgate/internal/engine"
	"flowgate/internal/engine/auth"
	"flowgate/internal/migrate"
	"flowgate/internal/repo"
	"flowgate/internal/rules"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := app.EnsureSeeded(ctx, eng); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newProject(t *testing.T, env testEnv) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:       "Website relaunch",
		EntityType: "project",
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestCreateProjectUsesDefaultWorkflow(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	if p.WorkflowID != "wf-project-approval" {
		t.Fatalf("expected default workflow, got %s", p.WorkflowID)
	}
	if p.CurrentStatusID != "planning" {
		t.Fatalf("expected initial status planning, got %s", p.CurrentStatusID)
	}
	if p.Version != 0 {
		t.Fatalf("expected version 0, got %d", p.Version)
	}

	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:       "Bad",
		EntityType: "invoice",
		ActorID:    "admin",
	})
	if err == nil || !strings.Contains(err.Error(), "unknown entity type") {
		t.Fatalf("expected unknown entity type error, got %v", err)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)

	options, err := env.Engine.NextTransitions(env.Ctx, string(p.ID))
	if err != nil {
		t.Fatalf("next transitions: %v", err)
	}
	if len(options) != 1 || options[0].Transition.ID != "tr-submit" {
		t.Fatalf("expected single tr-submit option, got %+v", options)
	}
	if options[0].ToStatus == nil || options[0].ToStatus.Name != "In Review" {
		t.Fatalf("expected resolved target status, got %+v", options[0].ToStatus)
	}

	// a regular user can submit, the transition needs no approval
	p2, entry, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID:    string(p.ID),
		TransitionID: "tr-submit",
		ActorID:      "demo",
		Comment:      "ready for review",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if p2.CurrentStatusID != "in-review" || p2.Version != 1 {
		t.Fatalf("after submit: %+v", p2)
	}
	if entry.FromStatusID != "planning" || entry.ToStatusID != "in-review" || entry.ApproverID != nil {
		t.Fatalf("unexpected history entry: %+v", entry)
	}

	// approval transition denies the regular user
	_, _, err = env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID:    string(p.ID),
		TransitionID: "tr-approve",
		ActorID:      "demo",
	})
	var denied engine.PermissionDeniedError
	if !errors.As(err, &denied) || denied.Reason != rules.ReasonNotApprover {
		t.Fatalf("expected approver denial, got %v", err)
	}

	p3, entry, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID:    string(p.ID),
		TransitionID: "tr-approve",
		ActorID:      "admin",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if p3.CurrentStatusID != "approved" || p3.Version != 2 {
		t.Fatalf("after approve: %+v", p3)
	}
	if entry.ApproverID == nil || *entry.ApproverID != "admin" {
		t.Fatalf("expected approver stamp, got %+v", entry.ApproverID)
	}

	history, err := env.Engine.History(env.Ctx, string(p.ID), 0, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ToStatusID != "in-review" || history[1].ToStatusID != "approved" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRequiredTaskBlocksEvenAdmin(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	if _, _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: string(p.ID), TransitionID: "tr-submit", ActorID: "demo",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:         "Legal sign-off",
		TransitionID: "tr-approve",
		IsRequired:   true,
		ActorID:      "admin",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	_, _, err = env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: string(p.ID), TransitionID: "tr-approve", ActorID: "admin",
	})
	var denied engine.PermissionDeniedError
	if !errors.As(err, &denied) || denied.Reason != rules.ReasonBlockedByTasks {
		t.Fatalf("expected task gate denial, got %v", err)
	}

	options, err := env.Engine.NextTransitions(env.Ctx, string(p.ID))
	if err != nil {
		t.Fatalf("next transitions: %v", err)
	}
	if len(options) != 1 || !options[0].BlockedByTasks || len(options[0].IncompleteTasks) != 1 {
		t.Fatalf("expected blocked option, got %+v", options)
	}

	if _, err := env.Engine.CompleteTask(env.Ctx, string(task.ID), "demo"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if _, _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: string(p.ID), TransitionID: "tr-approve", ActorID: "admin",
	}); err != nil {
		t.Fatalf("approve after gate cleared: %v", err)
	}
}

func TestCompleteReopenStamps(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:         "Collect assets",
		TransitionID: "tr-submit",
		ActorID:      "admin",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err = env.Engine.CompleteTask(env.Ctx, string(task.ID), "demo")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !task.IsCompleted || task.CompletedAt == nil || *task.CompletedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("completion stamp missing: %+v", task)
	}
	if task.CompletedBy == nil || *task.CompletedBy != "demo" {
		t.Fatalf("completed_by missing: %+v", task)
	}

	task, err = env.Engine.ReopenTask(env.Ctx, string(task.ID), "admin")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if task.IsCompleted || task.CompletedAt != nil || task.CompletedBy != nil {
		t.Fatalf("reopen left stamps behind: %+v", task)
	}

	// a second completion gets fresh stamps, not the old ones
	env.Engine.Now = func() time.Time { return time.Date(2024, 2, 2, 12, 0, 0, 0, time.UTC) }
	task, err = env.Engine.CompleteTask(env.Ctx, string(task.ID), "admin")
	if err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if task.CompletedAt == nil || *task.CompletedAt != "2024-02-02T12:00:00Z" {
		t.Fatalf("expected fresh stamp, got %+v", task.CompletedAt)
	}
	if task.CompletedBy == nil || *task.CompletedBy != "admin" {
		t.Fatalf("expected fresh completed_by, got %+v", task.CompletedBy)
	}
}

func TestExecuteTransitionVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	if _, _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: string(p.ID), TransitionID: "tr-submit", ActorID: "demo",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	stale := int64(0)
	_, _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID:       string(p.ID),
		TransitionID:    "tr-approve",
		ActorID:         "admin",
		ExpectedVersion: &stale,
	})
	var conflict engine.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("unexpected conflict detail: %+v", conflict)
	}

	// the project is untouched by the failed attempt
	fresh, err := env.Engine.GetProject(env.Ctx, string(p.ID))
	if err != nil || fresh.CurrentStatusID != "in-review" || fresh.Version != 1 {
		t.Fatalf("project changed after conflict: %+v err=%v", fresh, err)
	}
}

func TestExecuteTransitionFromWrongStatus(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)
	_, _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: string(p.ID), TransitionID: "tr-approve", ActorID: "admin",
	})
	if err == nil || !strings.Contains(err.Error(), "departs from status") {
		t.Fatalf("expected wrong-status error, got %v", err)
	}
}

func TestAddTransitionRejectsBadGraphs(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.AddTransition(env.Ctx, engine.TransitionCreateOptions{
		WorkflowID:   "wf-project-approval",
		FromStatusID: "planning",
		ToStatusID:   "in-review",
		ActorID:      "admin",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for duplicate edge, got %v", err)
	}
	if len(verr.Violations) == 0 || !strings.Contains(verr.Violations[0], "already exists") {
		t.Fatalf("unexpected violations: %v", verr.Violations)
	}

	_, err = env.Engine.AddTransition(env.Ctx, engine.TransitionCreateOptions{
		WorkflowID:   "wf-project-approval",
		FromStatusID: "approved",
		ToStatusID:   "planning",
		ActorID:      "admin",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for cycle, got %v", err)
	}
	joined := strings.Join(verr.Violations, "; ")
	if !strings.Contains(joined, "cycle") {
		t.Fatalf("expected cycle violation, got %v", verr.Violations)
	}

	// dry-run reports the same violations without writing
	res, err := env.Engine.CheckTransition(env.Ctx, "wf-project-approval", engine.TransitionCreateOptions{
		FromStatusID: "approved",
		ToStatusID:   "planning",
	}, "")
	if err != nil {
		t.Fatalf("check transition: %v", err)
	}
	if res.Valid || len(res.Violations) == 0 {
		t.Fatalf("expected check to fail, got %+v", res)
	}
	wf, err := env.Engine.GetWorkflow(env.Ctx, "wf-project-approval")
	if err != nil || len(wf.Transitions) != 2 {
		t.Fatalf("workflow changed by rejected transitions: %+v err=%v", wf.Transitions, err)
	}
}

func TestAddTransitionRequiresApprovers(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AddTransition(env.Ctx, engine.TransitionCreateOptions{
		WorkflowID:       "wf-project-approval",
		FromStatusID:     "in-review",
		ToStatusID:       "planning",
		RequiresApproval: true,
		ActorID:          "admin",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) || !strings.Contains(strings.Join(verr.Violations, " "), "approver") {
		t.Fatalf("expected approver violation, got %v", err)
	}

	tr, err := env.Engine.AddTransition(env.Ctx, engine.TransitionCreateOptions{
		ID:               "tr-reject",
		WorkflowID:       "wf-project-approval",
		FromStatusID:     "in-review",
		ToStatusID:       "planning",
		RequiresApproval: true,
		ApproverRoles:    []string{"admin"},
		ActorID:          "admin",
	})
	if err != nil {
		t.Fatalf("add transition: %v", err)
	}
	if tr.ID != "tr-reject" {
		t.Fatalf("unexpected transition: %+v", tr)
	}

	req, err := env.Engine.TransitionRequirements(env.Ctx, "wf-project-approval", "tr-reject")
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if !req.RequiresApproval || len(req.ApproverRoles) != 1 || req.ApproverRoles[0] != "admin" {
		t.Fatalf("unexpected requirements: %+v", req)
	}
}

func TestStatusDeleteGuard(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.DeleteStatus(env.Ctx, "planning", "admin")
	var inUse repo.StatusInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("expected status-in-use error, got %v", err)
	}
	if inUse.StatusID != "planning" || len(inUse.Referents) == 0 {
		t.Fatalf("unexpected referents: %+v", inUse)
	}

	s, err := env.Engine.CreateStatus(env.Ctx, engine.StatusCreateOptions{
		Name:    "Scratch",
		ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("create status: %v", err)
	}
	if err := env.Engine.DeleteStatus(env.Ctx, string(s.ID), "admin"); err != nil {
		t.Fatalf("delete unused status: %v", err)
	}
}

func TestSetDefaultWorkflowDisplacesPrevious(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowCreateOptions{
		Name:       "Fast track",
		EntityType: "project",
		StatusIDs:  []string{"planning", "approved"},
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := env.Engine.SetDefaultWorkflow(env.Ctx, string(wf.ID), "admin"); err != nil {
		t.Fatalf("set default: %v", err)
	}

	old, err := env.Engine.GetWorkflow(env.Ctx, "wf-project-approval")
	if err != nil || old.IsDefault {
		t.Fatalf("previous default not displaced: %+v err=%v", old, err)
	}
	p := newProject(t, env)
	if p.WorkflowID != wf.ID {
		t.Fatalf("new project not on new default: %+v", p)
	}
}

func TestDiagnoseReportsWhatResolverHides(t *testing.T) {
	env := newTestEnv(t)
	p := newProject(t, env)

	// drop the approved status from the workflow; tr-approve now dangles
	if _, err := env.Engine.UpdateWorkflow(env.Ctx, engine.WorkflowUpdateOptions{
		ID:        "wf-project-approval",
		StatusIDs: []string{"planning", "in-review"},
		ActorID:   "admin",
	}); err != nil {
		t.Fatalf("update workflow: %v", err)
	}
	if _, _, err := env.Engine.ExecuteTransition(env.Ctx, engine.ExecuteOptions{
		ProjectID: string(p.ID), TransitionID: "tr-submit", ActorID: "demo",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	options, err := env.Engine.NextTransitions(env.Ctx, string(p.ID))
	if err != nil {
		t.Fatalf("next transitions: %v", err)
	}
	if len(options) != 0 {
		t.Fatalf("resolver should drop the dangling transition, got %+v", options)
	}

	findings, err := env.Engine.DiagnoseWorkflow(env.Ctx, "wf-project-approval")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	joined := strings.Join(findings, "\n")
	if !strings.Contains(joined, "tr-approve") || !strings.Contains(joined, "not in the workflow") {
		t.Fatalf("expected dangling transition finding, got %v", findings)
	}
}

func TestAPIKeyAndTokenRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "demo", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if !strings.HasPrefix(secret, "fg_") || key.KeyHash != repo.HashAPIKey(secret) {
		t.Fatalf("unexpected key material: %+v %s", key, secret)
	}
	u, err := env.Engine.ResolveAPIKey(env.Ctx, secret)
	if err != nil || u.ID != "demo" {
		t.Fatalf("resolve api key: %+v err=%v", u, err)
	}
	if _, err := env.Engine.ResolveAPIKey(env.Ctx, "fg_bogus"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for bogus key, got %v", err)
	}

	token, err := env.Engine.IssueToken(env.Ctx, "admin", "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	claims, err := auth.ParseToken("test-secret", token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "admin" || claims.Role != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := auth.ParseToken("wrong-secret", token); err == nil {
		t.Fatalf("expected signature failure with wrong secret")
	}
}

func TestTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:         "Orphan",
		TransitionID: "tr-missing",
		ActorID:      "admin",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for missing transition, got %v", err)
	}

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:         "Bad deadline",
		TransitionID: "tr-submit",
		Deadline:     "tomorrow",
		ActorID:      "admin",
	})
	if err == nil || !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("expected deadline error, got %v", err)
	}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:           "Review copy",
		TransitionID:   "tr-submit",
		AssignedUserID: "demo",
		Deadline:       "2024-03-01T00:00:00Z",
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	cleared := ""
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID:             string(task.ID),
		AssignedUserID: &cleared,
		Deadline:       &cleared,
		ActorID:        "admin",
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if task.AssignedUserID != "" || task.Deadline != nil {
		t.Fatalf("expected cleared fields: %+v", task)
	}
}

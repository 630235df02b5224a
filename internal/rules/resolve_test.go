package rules_test

import (
	"testing"

	"flowgate/internal/domain"
	"flowgate/internal/rules"
)

type taskMap map[domain.TransitionID][]domain.Task

func (m taskMap) IncompleteByTransition(id domain.TransitionID) []domain.Task {
	return m[id]
}

func TestNextTransitionsNilWorkflow(t *testing.T) {
	got := rules.NextTransitions(nil, "a", nil, nil)
	if len(got) != 0 {
		t.Fatalf("expected no options without a workflow, got %d", len(got))
	}
}

func TestNextTransitionsFiltersOutOfWorkflowTargets(t *testing.T) {
	wf := &domain.Workflow{
		ID:        "w1",
		StatusIDs: []domain.StatusID{"a", "b"},
		Transitions: []domain.Transition{
			{ID: "t1", FromStatusID: "a", ToStatusID: "c"},
		},
	}
	got := rules.NextTransitions(wf, "a", nil, nil)
	if len(got) != 0 {
		t.Fatalf("expected the dangling transition to be dropped, got %d options", len(got))
	}
}

func TestNextTransitionsAnnotatesBlocking(t *testing.T) {
	wf := &domain.Workflow{
		ID:        "w1",
		StatusIDs: []domain.StatusID{"a", "b", "c"},
		Transitions: []domain.Transition{
			{ID: "t1", FromStatusID: "a", ToStatusID: "b"},
			{ID: "t2", FromStatusID: "a", ToStatusID: "c"},
		},
	}
	statuses := []domain.Status{
		{ID: "a", Name: "Draft"},
		{ID: "b", Name: "Review"},
		{ID: "c", Name: "Done"},
	}
	tasks := taskMap{
		"t1": {
			{ID: "task1", TransitionID: "t1", IsRequired: true},
			{ID: "task2", TransitionID: "t1", IsRequired: false},
		},
	}

	got := rules.NextTransitions(wf, "a", statuses, tasks)
	if len(got) != 2 {
		t.Fatalf("expected 2 options, got %d", len(got))
	}
	if got[0].Transition.ID != "t1" || got[1].Transition.ID != "t2" {
		t.Fatalf("options must preserve workflow order, got %s then %s", got[0].Transition.ID, got[1].Transition.ID)
	}
	if !got[0].BlockedByTasks {
		t.Fatalf("t1 should be blocked by its required task")
	}
	if len(got[0].IncompleteTasks) != 1 || got[0].IncompleteTasks[0].ID != "task1" {
		t.Fatalf("optional tasks must not block, got %v", got[0].IncompleteTasks)
	}
	if got[1].BlockedByTasks || len(got[1].IncompleteTasks) != 0 {
		t.Fatalf("t2 has no gating tasks")
	}
	if got[0].ToStatus == nil || got[0].ToStatus.Name != "Review" {
		t.Fatalf("destination status not resolved: %+v", got[0].ToStatus)
	}
}

func TestNextTransitionsUnknownDestinationStatus(t *testing.T) {
	wf := &domain.Workflow{
		ID:        "w1",
		StatusIDs: []domain.StatusID{"a", "b"},
		Transitions: []domain.Transition{
			{ID: "t1", FromStatusID: "a", ToStatusID: "b"},
		},
	}
	// status list does not carry b
	got := rules.NextTransitions(wf, "a", []domain.Status{{ID: "a"}}, nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 option, got %d", len(got))
	}
	if got[0].ToStatus != nil {
		t.Fatalf("unresolvable destination must be nil, got %+v", got[0].ToStatus)
	}
}

func TestNextTransitionsTerminalStatus(t *testing.T) {
	wf := &domain.Workflow{
		ID:        "w1",
		StatusIDs: []domain.StatusID{"a", "b"},
		Transitions: []domain.Transition{
			{ID: "t1", FromStatusID: "a", ToStatusID: "b"},
		},
	}
	got := rules.NextTransitions(wf, "b", nil, nil)
	if len(got) != 0 {
		t.Fatalf("terminal status must yield no options, got %d", len(got))
	}
}

func TestDescribeRequirements(t *testing.T) {
	tr := domain.Transition{
		ID:               "t1",
		FromStatusID:     "a",
		ToStatusID:       "b",
		RequiresApproval: true,
		ApproverRoles:    []string{"admin"},
		ApproverUserIDs:  []domain.UserID{"u1", "u2"},
	}
	names := map[domain.UserID]string{"u1": "Dana"}
	req := rules.DescribeRequirements(tr, func(id domain.UserID) (string, bool) {
		name, ok := names[id]
		return name, ok
	})
	if !req.RequiresApproval {
		t.Fatalf("expected requires_approval to carry through")
	}
	if len(req.ApproverRoles) != 1 || req.ApproverRoles[0] != "admin" {
		t.Fatalf("unexpected roles: %v", req.ApproverRoles)
	}
	if len(req.ApproverUsers) != 2 || req.ApproverUsers[0] != "Dana" || req.ApproverUsers[1] != "u2" {
		t.Fatalf("expected resolved name then raw id fallback, got %v", req.ApproverUsers)
	}

	// nil lookup keeps raw ids
	req = rules.DescribeRequirements(tr, nil)
	if req.ApproverUsers[0] != "u1" {
		t.Fatalf("nil lookup should fall back to ids, got %v", req.ApproverUsers)
	}
}

func TestPlanningReviewApprovedScenario(t *testing.T) {
	statuses := []domain.Status{
		{ID: "planning", Name: "Planning"},
		{ID: "review", Name: "Review"},
		{ID: "approved", Name: "Approved"},
	}
	toReview := domain.Transition{ID: "t1", FromStatusID: "planning", ToStatusID: "review"}
	toApproved := domain.Transition{
		ID:               "t2",
		FromStatusID:     "review",
		ToStatusID:       "approved",
		RequiresApproval: true,
		ApproverRoles:    []string{"admin"},
	}
	wf := &domain.Workflow{
		ID:          "w1",
		StatusIDs:   []domain.StatusID{"planning", "review", "approved"},
		Transitions: []domain.Transition{toReview, toApproved},
	}
	gate := domain.Task{ID: "task1", TransitionID: "t2", IsRequired: true}
	tasks := taskMap{"t2": {gate}}
	admin := domain.User{ID: "u1", Name: "Admin", Role: domain.RoleAdmin}

	options := rules.NextTransitions(wf, "review", statuses, tasks)
	if len(options) != 1 {
		t.Fatalf("expected 1 option from review, got %d", len(options))
	}
	if !options[0].BlockedByTasks || len(options[0].IncompleteTasks) != 1 || options[0].IncompleteTasks[0].ID != "task1" {
		t.Fatalf("expected the gate task to block, got %+v", options[0])
	}

	// the task gate overrides the admin role
	if d := rules.CanTransition(admin, toApproved, true); d.Allowed || d.Reason != rules.ReasonBlockedByTasks {
		t.Fatalf("blocked transition must deny even admins, got %+v", d)
	}

	// complete the task and resolve again
	options = rules.NextTransitions(wf, "review", statuses, taskMap{})
	if options[0].BlockedByTasks {
		t.Fatalf("completing the task should unblock the transition")
	}
	d := rules.CanTransition(admin, toApproved, false)
	if !d.Allowed {
		t.Fatalf("admin should pass once unblocked, got %+v", d)
	}
}

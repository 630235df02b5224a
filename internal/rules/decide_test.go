package rules_test

import (
	"testing"
	"time"

	"flowgate/internal/domain"
	"flowgate/internal/rules"
)

func TestCanTransitionPrecedence(t *testing.T) {
	gated := domain.Transition{
		ID:               "t1",
		FromStatusID:     "a",
		ToStatusID:       "b",
		RequiresApproval: true,
		ApproverRoles:    []string{"admin"},
	}
	open := domain.Transition{ID: "t2", FromStatusID: "a", ToStatusID: "b"}
	admin := domain.User{ID: "u1", Role: domain.RoleAdmin}
	regular := domain.User{ID: "u2", Role: domain.RoleUser}
	approver := domain.User{ID: "u3", Role: domain.RoleUser}
	byUser := domain.Transition{
		ID:               "t3",
		FromStatusID:     "a",
		ToStatusID:       "b",
		RequiresApproval: true,
		ApproverUserIDs:  []domain.UserID{"u3"},
	}

	cases := []struct {
		name    string
		user    domain.User
		tr      domain.Transition
		blocked bool
		allowed bool
		reason  string
	}{
		{"blocked denies admin", admin, gated, true, false, rules.ReasonBlockedByTasks},
		{"blocked denies regular", regular, open, true, false, rules.ReasonBlockedByTasks},
		{"admin bypasses approvers", admin, gated, false, true, ""},
		{"no approval needed", regular, open, false, true, ""},
		{"non-approver denied", regular, gated, false, false, rules.ReasonNotApprover},
		{"approver by user id", approver, byUser, false, true, ""},
	}
	for _, tc := range cases {
		d := rules.CanTransition(tc.user, tc.tr, tc.blocked)
		if d.Allowed != tc.allowed || d.Reason != tc.reason {
			t.Fatalf("%s: got %+v", tc.name, d)
		}
	}
}

func TestCanTransitionApproverRole(t *testing.T) {
	tr := domain.Transition{
		ID:               "t1",
		FromStatusID:     "a",
		ToStatusID:       "b",
		RequiresApproval: true,
		ApproverRoles:    []string{"user"},
	}
	d := rules.CanTransition(domain.User{ID: "u1", Role: domain.RoleUser}, tr, false)
	if !d.Allowed {
		t.Fatalf("matching approver role should allow, got %+v", d)
	}
}

func TestApply(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	project := domain.Project{
		ID:              "p1",
		WorkflowID:      "w1",
		CurrentStatusID: "review",
		Version:         3,
	}
	tr := domain.Transition{
		ID:               "t2",
		FromStatusID:     "review",
		ToStatusID:       "approved",
		RequiresApproval: true,
		ApproverRoles:    []string{"admin"},
	}
	actor := domain.User{ID: "u1", Name: "Admin", Role: domain.RoleAdmin}

	updated, entry := rules.Apply(project, tr, actor, "ship it", now)

	if updated.CurrentStatusID != "approved" {
		t.Fatalf("status not moved: %s", updated.CurrentStatusID)
	}
	if updated.Version != 4 {
		t.Fatalf("version not bumped: %d", updated.Version)
	}
	if updated.UpdatedAt != "2024-01-02T03:04:05Z" {
		t.Fatalf("unexpected updated_at: %s", updated.UpdatedAt)
	}
	if project.CurrentStatusID != "review" || project.Version != 3 {
		t.Fatalf("input project must stay untouched")
	}

	if entry.ProjectID != "p1" || entry.TransitionID != "t2" {
		t.Fatalf("entry identity wrong: %+v", entry)
	}
	if entry.FromStatusID != "review" || entry.ToStatusID != "approved" {
		t.Fatalf("entry endpoints wrong: %+v", entry)
	}
	if entry.ActorID != "u1" || entry.Comment != "ship it" || entry.TS != "2024-01-02T03:04:05Z" {
		t.Fatalf("entry metadata wrong: %+v", entry)
	}
	if entry.ApproverID == nil || *entry.ApproverID != "u1" {
		t.Fatalf("approval-required transition must stamp the approver, got %v", entry.ApproverID)
	}
}

func TestApplyWithoutApproval(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	project := domain.Project{ID: "p1", CurrentStatusID: "planning"}
	tr := domain.Transition{ID: "t1", FromStatusID: "planning", ToStatusID: "review"}

	_, entry := rules.Apply(project, tr, domain.User{ID: "u2", Role: domain.RoleUser}, "", now)
	if entry.ApproverID != nil {
		t.Fatalf("no approver expected without an approval requirement, got %v", *entry.ApproverID)
	}
	if entry.Comment != "" {
		t.Fatalf("unexpected comment: %q", entry.Comment)
	}
}

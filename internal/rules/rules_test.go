package rules_test

import (
	"strings"
	"testing"

	"flowgate/internal/domain"
	"flowgate/internal/rules"
)

func hasViolation(violations []string, substr string) bool {
	for _, v := range violations {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}

func TestValidateTransitionCycleRejection(t *testing.T) {
	statusIDs := []domain.StatusID{"a", "b", "c"}
	existing := []domain.Transition{
		{ID: "t1", FromStatusID: "a", ToStatusID: "b"},
		{ID: "t2", FromStatusID: "b", ToStatusID: "c"},
	}
	candidate := domain.Transition{ID: "t3", FromStatusID: "c", ToStatusID: "a"}

	res := rules.ValidateTransition(statusIDs, existing, candidate, "")
	if res.Valid {
		t.Fatalf("expected cycle to be rejected")
	}
	if !hasViolation(res.Violations, "cycle") {
		t.Fatalf("expected a cycle violation, got %v", res.Violations)
	}
}

func TestValidateTransitionDuplicateEdge(t *testing.T) {
	statusIDs := []domain.StatusID{"a", "b"}
	existing := []domain.Transition{
		{ID: "t1", FromStatusID: "a", ToStatusID: "b"},
	}

	// same edge under a new id
	dup := domain.Transition{ID: "t2", FromStatusID: "a", ToStatusID: "b"}
	res := rules.ValidateTransition(statusIDs, existing, dup, "")
	if res.Valid {
		t.Fatalf("expected duplicate edge to be rejected")
	}
	if !hasViolation(res.Violations, "already exists") {
		t.Fatalf("expected a duplicate violation, got %v", res.Violations)
	}

	// editing the existing transition must not collide with itself
	edited := domain.Transition{ID: "t1", FromStatusID: "a", ToStatusID: "b", RequiresApproval: true, ApproverRoles: []string{"admin"}}
	res = rules.ValidateTransition(statusIDs, existing, edited, "t1")
	if !res.Valid {
		t.Fatalf("editing the same id should not self-reject, got %v", res.Violations)
	}
}

func TestValidateTransitionStartEnd(t *testing.T) {
	// two statuses, one edge: a is the start, b is the end
	res := rules.ValidateTransition(
		[]domain.StatusID{"a", "b"},
		nil,
		domain.Transition{ID: "t1", FromStatusID: "a", ToStatusID: "b"},
		"",
	)
	if !res.Valid {
		t.Fatalf("expected a->b over {a,b} to pass, got %v", res.Violations)
	}

	// a<->b leaves no status with in-degree 0 and none with out-degree 0
	statusIDs := []domain.StatusID{"a", "b", "c"}
	existing := []domain.Transition{{ID: "t1", FromStatusID: "a", ToStatusID: "b"}}
	back := domain.Transition{ID: "t2", FromStatusID: "b", ToStatusID: "a"}
	res = rules.ValidateTransition(statusIDs, existing, back, "")
	if res.Valid {
		t.Fatalf("expected start/end violations")
	}
	if !hasViolation(res.Violations, "no start status") {
		t.Fatalf("expected a missing-start violation, got %v", res.Violations)
	}
	if !hasViolation(res.Violations, "no end status") {
		t.Fatalf("expected a missing-end violation, got %v", res.Violations)
	}
}

func TestValidateTransitionSingleStatusSkipsStartEnd(t *testing.T) {
	res := rules.ValidateTransition(
		[]domain.StatusID{"a"},
		nil,
		domain.Transition{ID: "t1", FromStatusID: "a", ToStatusID: "b"},
		"",
	)
	if hasViolation(res.Violations, "start status") || hasViolation(res.Violations, "end status") {
		t.Fatalf("start/end check must be skipped for a single status, got %v", res.Violations)
	}
}

func TestValidateTransitionApproverRequirement(t *testing.T) {
	statusIDs := []domain.StatusID{"a", "b"}
	missing := domain.Transition{ID: "t1", FromStatusID: "a", ToStatusID: "b", RequiresApproval: true}
	res := rules.ValidateTransition(statusIDs, nil, missing, "")
	if res.Valid {
		t.Fatalf("expected approver violation")
	}
	if !hasViolation(res.Violations, "approver") {
		t.Fatalf("expected an approver violation, got %v", res.Violations)
	}

	withUser := domain.Transition{ID: "t1", FromStatusID: "a", ToStatusID: "b", RequiresApproval: true, ApproverUserIDs: []domain.UserID{"u1"}}
	if res := rules.ValidateTransition(statusIDs, nil, withUser, ""); !res.Valid {
		t.Fatalf("approver user should satisfy the requirement, got %v", res.Violations)
	}
}

func TestValidateTransitionCollectsAllViolations(t *testing.T) {
	statusIDs := []domain.StatusID{"a", "b"}
	existing := []domain.Transition{{ID: "t1", FromStatusID: "a", ToStatusID: "b"}}
	candidate := domain.Transition{ID: "t2", FromStatusID: "a", ToStatusID: "b", RequiresApproval: true}

	res := rules.ValidateTransition(statusIDs, existing, candidate, "")
	if len(res.Violations) < 2 {
		t.Fatalf("expected duplicate and approver violations together, got %v", res.Violations)
	}
	if !hasViolation(res.Violations, "already exists") || !hasViolation(res.Violations, "approver") {
		t.Fatalf("missing expected violations: %v", res.Violations)
	}
}

func TestValidateTransitionEmptyInputs(t *testing.T) {
	res := rules.ValidateTransition(nil, nil, domain.Transition{ID: "t1", FromStatusID: "a", ToStatusID: "b"}, "")
	if !res.Valid {
		t.Fatalf("empty status set should validate, got %v", res.Violations)
	}
}

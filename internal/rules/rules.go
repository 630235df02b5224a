// Package rules holds the pure decision core: graph validation, transition
// resolution, permission evaluation and transition application. Functions in
// this package never touch storage, never log and never panic on well-typed
// input; violations and denials are returned as values.
package rules

import (
	"fmt"

	"flowgate/internal/domain"
)

type Result struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// ValidateTransition checks a candidate transition against a workflow's status
// set and stored transitions. When editingID is non-empty the stored transition
// with that id is treated as replaced by the candidate. All checks run and all
// violations are collected.
func ValidateTransition(statusIDs []domain.StatusID, transitions []domain.Transition, candidate domain.Transition, editingID domain.TransitionID) Result {
	var violations []string

	for _, t := range transitions {
		if editingID != "" && t.ID == editingID {
			continue
		}
		if t.FromStatusID == candidate.FromStatusID && t.ToStatusID == candidate.ToStatusID {
			violations = append(violations, fmt.Sprintf("a transition from %q to %q already exists", candidate.FromStatusID, candidate.ToStatusID))
			break
		}
	}

	proposed := make([]domain.Transition, 0, len(transitions)+1)
	for _, t := range transitions {
		if editingID != "" && t.ID == editingID {
			continue
		}
		proposed = append(proposed, t)
	}
	proposed = append(proposed, candidate)

	if hasCycle(statusIDs, proposed) {
		violations = append(violations, "the proposed transitions create a cycle in the workflow graph")
	}

	if len(statusIDs) > 1 {
		hasStart, hasEnd := startEnd(statusIDs, proposed)
		if !hasStart {
			violations = append(violations, "the workflow has no start status (no incoming transitions, at least one outgoing)")
		}
		if !hasEnd {
			violations = append(violations, "the workflow has no end status (no outgoing transitions, at least one incoming)")
		}
	}

	if candidate.RequiresApproval && len(candidate.ApproverRoles) == 0 && len(candidate.ApproverUserIDs) == 0 {
		violations = append(violations, "approval-required transitions need at least one approver role or approver user")
	}

	return Result{Valid: len(violations) == 0, Violations: violations}
}

type color int

const (
	unvisited color = iota
	inProgress
	done
)

// hasCycle runs a depth-first traversal over the transition graph restricted
// to the given status set. A back-edge to an in-progress node anywhere means
// the whole graph is cyclic.
func hasCycle(statusIDs []domain.StatusID, transitions []domain.Transition) bool {
	members := make(map[domain.StatusID]bool, len(statusIDs))
	for _, id := range statusIDs {
		members[id] = true
	}
	adjacency := make(map[domain.StatusID][]domain.StatusID, len(statusIDs))
	for _, t := range transitions {
		if members[t.FromStatusID] && members[t.ToStatusID] {
			adjacency[t.FromStatusID] = append(adjacency[t.FromStatusID], t.ToStatusID)
		}
	}

	colors := make(map[domain.StatusID]color, len(statusIDs))
	var visit func(domain.StatusID) bool
	visit = func(id domain.StatusID) bool {
		switch colors[id] {
		case inProgress:
			return true
		case done:
			return false
		}
		colors[id] = inProgress
		for _, next := range adjacency[id] {
			if visit(next) {
				return true
			}
		}
		colors[id] = done
		return false
	}

	for _, id := range statusIDs {
		if colors[id] == unvisited && visit(id) {
			return true
		}
	}
	return false
}

// startEnd reports whether the graph has at least one status with in-degree 0
// and out-degree > 0, and at least one with out-degree 0 and in-degree > 0.
func startEnd(statusIDs []domain.StatusID, transitions []domain.Transition) (hasStart, hasEnd bool) {
	members := make(map[domain.StatusID]bool, len(statusIDs))
	for _, id := range statusIDs {
		members[id] = true
	}
	in := make(map[domain.StatusID]int, len(statusIDs))
	out := make(map[domain.StatusID]int, len(statusIDs))
	for _, t := range transitions {
		if !members[t.FromStatusID] || !members[t.ToStatusID] {
			continue
		}
		out[t.FromStatusID]++
		in[t.ToStatusID]++
	}
	for _, id := range statusIDs {
		if in[id] == 0 && out[id] > 0 {
			hasStart = true
		}
		if out[id] == 0 && in[id] > 0 {
			hasEnd = true
		}
	}
	return hasStart, hasEnd
}

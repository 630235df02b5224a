package rules

import (
	"fmt"

	"flowgate/internal/domain"
)

type edge struct {
	from domain.StatusID
	to   domain.StatusID
}

// Diagnose is the integrity pass behind the resolver's silent filtering: it
// reports every problem the live path tolerates, without changing what the
// resolver does. Callers run it on demand, never on the hot path.
func Diagnose(wf *domain.Workflow, statuses []domain.Status, tasks []domain.Task) []string {
	if wf == nil {
		return nil
	}
	var findings []string

	members := make(map[domain.StatusID]bool, len(wf.StatusIDs))
	for _, id := range wf.StatusIDs {
		members[id] = true
	}
	known := make(map[domain.StatusID]bool, len(statuses))
	for _, s := range statuses {
		known[s.ID] = true
	}

	seen := make(map[edge]domain.TransitionID, len(wf.Transitions))
	ids := make(map[domain.TransitionID]bool, len(wf.Transitions))
	for _, t := range wf.Transitions {
		ids[t.ID] = true
		if t.FromStatusID == t.ToStatusID {
			findings = append(findings, fmt.Sprintf("transition %s is a self-loop on status %s", t.ID, t.FromStatusID))
		}
		if !members[t.FromStatusID] {
			findings = append(findings, fmt.Sprintf("transition %s departs from status %s which is not in the workflow", t.ID, t.FromStatusID))
		}
		if !members[t.ToStatusID] {
			findings = append(findings, fmt.Sprintf("transition %s targets status %s which is not in the workflow", t.ID, t.ToStatusID))
		}
		if !known[t.FromStatusID] {
			findings = append(findings, fmt.Sprintf("transition %s references status %s which does not exist", t.ID, t.FromStatusID))
		}
		if !known[t.ToStatusID] {
			findings = append(findings, fmt.Sprintf("transition %s references status %s which does not exist", t.ID, t.ToStatusID))
		}
		pair := edge{from: t.FromStatusID, to: t.ToStatusID}
		if prev, dup := seen[pair]; dup {
			findings = append(findings, fmt.Sprintf("transition %s duplicates transition %s (%s to %s)", t.ID, prev, t.FromStatusID, t.ToStatusID))
		} else {
			seen[pair] = t.ID
		}
		if t.RequiresApproval && len(t.ApproverRoles) == 0 && len(t.ApproverUserIDs) == 0 {
			findings = append(findings, fmt.Sprintf("transition %s requires approval but has no approvers", t.ID))
		}
	}

	if hasCycle(wf.StatusIDs, wf.Transitions) {
		findings = append(findings, "the transition graph contains a cycle")
	}
	if len(wf.StatusIDs) > 1 {
		hasStart, hasEnd := startEnd(wf.StatusIDs, wf.Transitions)
		if !hasStart {
			findings = append(findings, "no start status: every status has incoming transitions or no outgoing ones")
		}
		if !hasEnd {
			findings = append(findings, "no end status: every status has outgoing transitions or no incoming ones")
		}
	}

	for _, task := range tasks {
		if !ids[task.TransitionID] {
			findings = append(findings, fmt.Sprintf("task %s references transition %s which is not in the workflow", task.ID, task.TransitionID))
		}
	}
	return findings
}

package rules

import "flowgate/internal/domain"

// TaskSource is the read-only task query the resolver depends on. Engine
// callers back it with storage; tests back it with in-memory fixtures.
type TaskSource interface {
	IncompleteByTransition(id domain.TransitionID) []domain.Task
}

type Option struct {
	Transition      domain.Transition `json:"transition"`
	ToStatus        *domain.Status    `json:"to_status,omitempty"`
	IncompleteTasks []domain.Task     `json:"incomplete_tasks,omitempty"`
	BlockedByTasks  bool              `json:"blocked_by_tasks"`
}

// NextTransitions computes the legal transitions out of the current status.
// Transitions whose target is no longer a member of the workflow's status set
// are dropped silently; Diagnose surfaces them. The returned options preserve
// the workflow's transition order. A nil workflow yields an empty list, as
// does a terminal status; distinguishing the two is the caller's business.
func NextTransitions(wf *domain.Workflow, current domain.StatusID, statuses []domain.Status, tasks TaskSource) []Option {
	options := []Option{}
	if wf == nil {
		return options
	}
	members := make(map[domain.StatusID]bool, len(wf.StatusIDs))
	for _, id := range wf.StatusIDs {
		members[id] = true
	}
	for _, t := range wf.Transitions {
		if t.FromStatusID != current {
			continue
		}
		if !members[t.ToStatusID] {
			continue
		}
		var required []domain.Task
		if tasks != nil {
			for _, task := range tasks.IncompleteByTransition(t.ID) {
				if task.IsRequired {
					required = append(required, task)
				}
			}
		}
		options = append(options, Option{
			Transition:      t,
			ToStatus:        statusByID(statuses, t.ToStatusID),
			IncompleteTasks: required,
			BlockedByTasks:  len(required) > 0,
		})
	}
	return options
}

type Requirements struct {
	RequiresApproval bool     `json:"requires_approval"`
	ApproverRoles    []string `json:"approver_roles"`
	ApproverUsers    []string `json:"approver_users"`
}

// DescribeRequirements formats a transition's approval metadata for display.
// Approver user ids are resolved to names through lookup, falling back to the
// raw id when the lookup misses or is nil.
func DescribeRequirements(t domain.Transition, lookup func(domain.UserID) (string, bool)) Requirements {
	req := Requirements{
		RequiresApproval: t.RequiresApproval,
		ApproverRoles:    append([]string{}, t.ApproverRoles...),
		ApproverUsers:    []string{},
	}
	for _, id := range t.ApproverUserIDs {
		name := string(id)
		if lookup != nil {
			if resolved, ok := lookup(id); ok {
				name = resolved
			}
		}
		req.ApproverUsers = append(req.ApproverUsers, name)
	}
	return req
}

func statusByID(statuses []domain.Status, id domain.StatusID) *domain.Status {
	for i := range statuses {
		if statuses[i].ID == id {
			return &statuses[i]
		}
	}
	return nil
}

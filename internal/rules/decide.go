package rules

import (
	"time"

	"flowgate/internal/domain"
)

const (
	ReasonBlockedByTasks = "Required tasks are incomplete for this transition."
	ReasonNotApprover    = "You do not have permission to execute this approval-required transition."
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CanTransition decides whether a user may execute a transition right now.
// Incomplete required tasks block everyone, admins included. Admins bypass
// the approver checks, everyone else needs either no approval requirement or
// a matching approver role or user id.
func CanTransition(user domain.User, t domain.Transition, blockedByTasks bool) Decision {
	if blockedByTasks {
		return Decision{Reason: ReasonBlockedByTasks}
	}
	if user.Role == domain.RoleAdmin {
		return Decision{Allowed: true}
	}
	if !t.RequiresApproval {
		return Decision{Allowed: true}
	}
	for _, role := range t.ApproverRoles {
		if role == user.Role {
			return Decision{Allowed: true}
		}
	}
	for _, id := range t.ApproverUserIDs {
		if id == user.ID {
			return Decision{Allowed: true}
		}
	}
	return Decision{Reason: ReasonNotApprover}
}

// Apply produces the post-transition project and its audit entry together, so
// a caller cannot persist one without the other. It does not authorize; run
// CanTransition first. The approver stamp is the acting user whenever the
// transition required approval.
func Apply(p domain.Project, t domain.Transition, actor domain.User, comment string, now time.Time) (domain.Project, domain.HistoryEntry) {
	ts := now.UTC().Format(time.RFC3339)
	entry := domain.HistoryEntry{
		ProjectID:    p.ID,
		TransitionID: t.ID,
		FromStatusID: p.CurrentStatusID,
		ToStatusID:   t.ToStatusID,
		ActorID:      actor.ID,
		Comment:      comment,
		TS:           ts,
	}
	if t.RequiresApproval {
		approver := actor.ID
		entry.ApproverID = &approver
	}
	p.CurrentStatusID = t.ToStatusID
	p.Version++
	p.UpdatedAt = ts
	return p, entry
}

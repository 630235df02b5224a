package server

import (
	"encoding/json"

	"flowgate/internal/domain"
	"flowgate/internal/rules"
)

// Request payloads

type CreateStatusRequest struct {
	ID          *string  `json:"id,omitempty"`
	Name        string   `json:"name"`
	Color       *string  `json:"color,omitempty"`
	Description *string  `json:"description,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

type UpdateStatusRequest struct {
	Name        *string  `json:"name,omitempty"`
	Color       *string  `json:"color,omitempty"`
	Description *string  `json:"description,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

type CreateWorkflowRequest struct {
	ID         *string  `json:"id,omitempty"`
	Name       string   `json:"name"`
	EntityType string   `json:"entity_type"`
	StatusIDs  []string `json:"status_ids"`
	IsDefault  bool     `json:"is_default,omitempty"`
}

type UpdateWorkflowRequest struct {
	Name      *string  `json:"name,omitempty"`
	StatusIDs []string `json:"status_ids,omitempty"`
	IsDefault *bool    `json:"is_default,omitempty"`
}

type AddTransitionRequest struct {
	ID               *string        `json:"id,omitempty"`
	FromStatusID     string         `json:"from_status_id"`
	ToStatusID       string         `json:"to_status_id"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	ApproverRoles    []string       `json:"approver_roles,omitempty"`
	ApproverUserIDs  []string       `json:"approver_user_ids,omitempty"`
	Conditions       map[string]any `json:"conditions,omitempty"`
}

type UpdateTransitionRequest struct {
	FromStatusID     *string        `json:"from_status_id,omitempty"`
	ToStatusID       *string        `json:"to_status_id,omitempty"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
	ApproverRoles    []string       `json:"approver_roles,omitempty"`
	ApproverUserIDs  []string       `json:"approver_user_ids,omitempty"`
	Conditions       map[string]any `json:"conditions,omitempty"`
}

type CreateProjectRequest struct {
	ID         *string `json:"id,omitempty"`
	Name       string  `json:"name"`
	EntityType string  `json:"entity_type"`
	WorkflowID *string `json:"workflow_id,omitempty"`
}

type RenameProjectRequest struct {
	Name string `json:"name"`
}

type ExecuteTransitionRequest struct {
	TransitionID    string `json:"transition_id"`
	Comment         string `json:"comment,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type CreateTaskRequest struct {
	ID             *string `json:"id,omitempty"`
	Name           string  `json:"name"`
	Description    *string `json:"description,omitempty"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	Deadline       *string `json:"deadline,omitempty" format:"date-time"`
	IsRequired     bool    `json:"is_required,omitempty"`
	TransitionID   string  `json:"transition_id"`
}

type UpdateTaskRequest struct {
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	AssignedUserID *string `json:"assigned_user_id,omitempty"`
	Deadline       *string `json:"deadline,omitempty" format:"date-time"`
	IsRequired     *bool   `json:"is_required,omitempty"`
}

type CreateUserRequest struct {
	ID    *string `json:"id,omitempty"`
	Name  string  `json:"name"`
	Email *string `json:"email,omitempty"`
	Role  *string `json:"role,omitempty" enum:"admin,user"`
}

type UpdateUserRequest struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
	Role  *string `json:"role,omitempty" enum:"admin,user"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type StatusResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Color       string   `json:"color,omitempty"`
	Description string   `json:"description,omitempty"`
	EntityTypes []string `json:"entity_types"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	ID               string         `json:"id"`
	FromStatusID     string         `json:"from_status_id"`
	ToStatusID       string         `json:"to_status_id"`
	RequiresApproval bool           `json:"requires_approval"`
	ApproverRoles    []string       `json:"approver_roles"`
	ApproverUserIDs  []string       `json:"approver_user_ids"`
	Conditions       map[string]any `json:"conditions,omitempty"`
}

type WorkflowResponse struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	EntityType  string               `json:"entity_type"`
	StatusIDs   []string             `json:"status_ids"`
	Transitions []TransitionResponse `json:"transitions"`
	IsDefault   bool                 `json:"is_default"`
	CreatedAt   string               `json:"created_at" format:"date-time"`
	UpdatedAt   string               `json:"updated_at" format:"date-time"`
}

type ProjectResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	EntityType      string `json:"entity_type"`
	WorkflowID      string `json:"workflow_id"`
	CurrentStatusID string `json:"current_status_id"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	AssignedUserID string  `json:"assigned_user_id,omitempty"`
	Deadline       *string `json:"deadline,omitempty" format:"date-time"`
	IsRequired     bool    `json:"is_required"`
	IsCompleted    bool    `json:"is_completed"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy    *string `json:"completed_by,omitempty"`
	TransitionID   string  `json:"transition_id"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type UserResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,user"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// APIKeyCreatedResponse carries the plaintext secret. It is shown exactly
// once; only the hash is stored.
type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Secret    string `json:"secret"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type HistoryEntryResponse struct {
	ID           int64   `json:"id"`
	ProjectID    string  `json:"project_id"`
	TransitionID string  `json:"transition_id"`
	FromStatusID string  `json:"from_status_id"`
	ToStatusID   string  `json:"to_status_id"`
	ActorID      string  `json:"actor_id"`
	ApproverID   *string `json:"approver_id,omitempty"`
	Comment      string  `json:"comment,omitempty"`
	TS           string  `json:"ts" format:"date-time"`
}

type TransitionOptionResponse struct {
	Transition      TransitionResponse `json:"transition"`
	ToStatus        *StatusResponse    `json:"to_status,omitempty"`
	IncompleteTasks []TaskResponse     `json:"incomplete_tasks"`
	BlockedByTasks  bool               `json:"blocked_by_tasks"`
}

type TransitionCheckResponse struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations"`
}

type TransitionRequirementsResponse struct {
	RequiresApproval bool     `json:"requires_approval"`
	ApproverRoles    []string `json:"approver_roles"`
	ApproverUsers    []string `json:"approver_users"`
}

type WorkflowDiagnosticsResponse struct {
	Findings []string `json:"findings"`
}

type ExecuteTransitionResponse struct {
	Project ProjectResponse      `json:"project"`
	History HistoryEntryResponse `json:"history"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	Source string `json:"source"`
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func statusResponse(s domain.Status) StatusResponse {
	return StatusResponse{
		ID:          string(s.ID),
		Name:        s.Name,
		Color:       s.Color,
		Description: s.Description,
		EntityTypes: nonNilSlice(s.EntityTypes),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func transitionResponse(t domain.Transition) TransitionResponse {
	return TransitionResponse{
		ID:               string(t.ID),
		FromStatusID:     string(t.FromStatusID),
		ToStatusID:       string(t.ToStatusID),
		RequiresApproval: t.RequiresApproval,
		ApproverRoles:    nonNilSlice(t.ApproverRoles),
		ApproverUserIDs:  userIDStrings(t.ApproverUserIDs),
		Conditions:       decodeJSONMap(t.ConditionsJSON),
	}
}

func workflowResponse(wf domain.Workflow) WorkflowResponse {
	transitions := make([]TransitionResponse, 0, len(wf.Transitions))
	for _, t := range wf.Transitions {
		transitions = append(transitions, transitionResponse(t))
	}
	return WorkflowResponse{
		ID:          string(wf.ID),
		Name:        wf.Name,
		EntityType:  wf.EntityType,
		StatusIDs:   statusIDStrings(wf.StatusIDs),
		Transitions: transitions,
		IsDefault:   wf.IsDefault,
		CreatedAt:   wf.CreatedAt,
		UpdatedAt:   wf.UpdatedAt,
	}
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:              string(p.ID),
		Name:            p.Name,
		EntityType:      p.EntityType,
		WorkflowID:      string(p.WorkflowID),
		CurrentStatusID: string(p.CurrentStatusID),
		Version:         p.Version,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	var completedBy *string
	if t.CompletedBy != nil {
		s := string(*t.CompletedBy)
		completedBy = &s
	}
	return TaskResponse{
		ID:             string(t.ID),
		Name:           t.Name,
		Description:    t.Description,
		AssignedUserID: string(t.AssignedUserID),
		Deadline:       t.Deadline,
		IsRequired:     t.IsRequired,
		IsCompleted:    t.IsCompleted,
		CompletedAt:    t.CompletedAt,
		CompletedBy:    completedBy,
		TransitionID:   string(t.TransitionID),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:        string(u.ID),
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		UserID:    string(k.UserID),
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func historyResponse(h domain.HistoryEntry) HistoryEntryResponse {
	var approver *string
	if h.ApproverID != nil {
		s := string(*h.ApproverID)
		approver = &s
	}
	return HistoryEntryResponse{
		ID:           h.ID,
		ProjectID:    string(h.ProjectID),
		TransitionID: string(h.TransitionID),
		FromStatusID: string(h.FromStatusID),
		ToStatusID:   string(h.ToStatusID),
		ActorID:      string(h.ActorID),
		ApproverID:   approver,
		Comment:      h.Comment,
		TS:           h.TS,
	}
}

func optionResponse(o rules.Option) TransitionOptionResponse {
	res := TransitionOptionResponse{
		Transition:      transitionResponse(o.Transition),
		IncompleteTasks: mapTasks(o.IncompleteTasks),
		BlockedByTasks:  o.BlockedByTasks,
	}
	if o.ToStatus != nil {
		s := statusResponse(*o.ToStatus)
		res.ToStatus = &s
	}
	return res
}

func requirementsResponse(r rules.Requirements) TransitionRequirementsResponse {
	return TransitionRequirementsResponse{
		RequiresApproval: r.RequiresApproval,
		ApproverRoles:    nonNilSlice(r.ApproverRoles),
		ApproverUsers:    nonNilSlice(r.ApproverUsers),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(&e.Payload),
	}
}

func mapStatuses(items []domain.Status) []StatusResponse {
	res := make([]StatusResponse, 0, len(items))
	for _, s := range items {
		res = append(res, statusResponse(s))
	}
	return res
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	res := make([]WorkflowResponse, 0, len(items))
	for _, wf := range items {
		res = append(res, workflowResponse(wf))
	}
	return res
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

func mapOptions(items []rules.Option) []TransitionOptionResponse {
	res := make([]TransitionOptionResponse, 0, len(items))
	for _, o := range items {
		res = append(res, optionResponse(o))
	}
	return res
}

func mapHistory(items []domain.HistoryEntry) []HistoryEntryResponse {
	res := make([]HistoryEntryResponse, 0, len(items))
	for _, h := range items {
		res = append(res, historyResponse(h))
	}
	return res
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, apiKeyResponse(k))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func statusIDStrings(ids []domain.StatusID) []string {
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		res = append(res, string(id))
	}
	return res
}

func userIDStrings(ids []domain.UserID) []string {
	res := make([]string, 0, len(ids))
	for _, id := range ids {
		res = append(res, string(id))
	}
	return res
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

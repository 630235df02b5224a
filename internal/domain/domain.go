package domain

type StatusID string

type TransitionID string

type WorkflowID string

type TaskID string

type ProjectID string

type UserID string

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type Status struct {
	ID          StatusID `json:"id"`
	Name        string   `json:"name"`
	Color       string   `json:"color,omitempty"`
	Description string   `json:"description,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Transition struct {
	ID               TransitionID `json:"id"`
	FromStatusID     StatusID     `json:"from_status_id"`
	ToStatusID       StatusID     `json:"to_status_id"`
	RequiresApproval bool         `json:"requires_approval"`
	ApproverRoles    []string     `json:"approver_roles,omitempty"`
	ApproverUserIDs  []UserID     `json:"approver_user_ids,omitempty"`
	ConditionsJSON   *string      `json:"conditions_json,omitempty"`
}

type Workflow struct {
	ID          WorkflowID   `json:"id"`
	Name        string       `json:"name"`
	EntityType  string       `json:"entity_type"`
	StatusIDs   []StatusID   `json:"status_ids"`
	Transitions []Transition `json:"transitions"`
	IsDefault   bool         `json:"is_default"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             TaskID       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	AssignedUserID UserID       `json:"assigned_user_id"`
	Deadline       *string      `json:"deadline,omitempty" format:"date-time"`
	IsRequired     bool         `json:"is_required"`
	IsCompleted    bool         `json:"is_completed"`
	CompletedAt    *string      `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy    *UserID      `json:"completed_by,omitempty"`
	TransitionID   TransitionID `json:"transition_id"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
}

type Project struct {
	ID              ProjectID  `json:"id"`
	Name            string     `json:"name"`
	EntityType      string     `json:"entity_type"`
	WorkflowID      WorkflowID `json:"workflow_id"`
	CurrentStatusID StatusID   `json:"current_status_id"`
	Version         int64      `json:"version"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
}

type HistoryEntry struct {
	ID           int64        `json:"id"`
	ProjectID    ProjectID    `json:"project_id"`
	TransitionID TransitionID `json:"transition_id"`
	FromStatusID StatusID     `json:"from_status_id"`
	ToStatusID   StatusID     `json:"to_status_id"`
	ActorID      UserID       `json:"actor_id"`
	ApproverID   *UserID      `json:"approver_id,omitempty"`
	Comment      string       `json:"comment,omitempty"`
	TS           string       `json:"ts" format:"date-time"`
}

type User struct {
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role" enum:"admin,user"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    UserID `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

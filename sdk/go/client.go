package flowgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Flowgate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Status represents a workflow status.
type Status struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Color       string   `json:"color,omitempty"`
	Description string   `json:"description,omitempty"`
	EntityTypes []string `json:"entity_types"`
}

// Transition represents an edge between statuses.
type Transition struct {
	ID               string   `json:"id"`
	FromStatusID     string   `json:"from_status_id"`
	ToStatusID       string   `json:"to_status_id"`
	RequiresApproval bool     `json:"requires_approval"`
	ApproverRoles    []string `json:"approver_roles"`
	ApproverUserIDs  []string `json:"approver_user_ids"`
}

// Workflow represents a status graph for one entity type.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	EntityType  string       `json:"entity_type"`
	StatusIDs   []string     `json:"status_ids"`
	Transitions []Transition `json:"transitions"`
	IsDefault   bool         `json:"is_default"`
}

// Project represents a tracked item moving through a workflow.
type Project struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	EntityType      string `json:"entity_type"`
	WorkflowID      string `json:"workflow_id"`
	CurrentStatusID string `json:"current_status_id"`
	Version         int64  `json:"version"`
}

// Task represents a gating task attached to a transition.
type Task struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TransitionID string `json:"transition_id"`
	IsRequired   bool   `json:"is_required"`
	IsCompleted  bool   `json:"is_completed"`
}

// HistoryEntry represents one executed transition.
type HistoryEntry struct {
	ID           int64  `json:"id"`
	ProjectID    string `json:"project_id"`
	TransitionID string `json:"transition_id"`
	FromStatusID string `json:"from_status_id"`
	ToStatusID   string `json:"to_status_id"`
	ActorID      string `json:"actor_id"`
	Comment      string `json:"comment,omitempty"`
	TS           string `json:"ts"`
}

// TransitionOption is a legal move out of a project's current status.
type TransitionOption struct {
	Transition      Transition `json:"transition"`
	ToStatus        *Status    `json:"to_status,omitempty"`
	IncompleteTasks []Task     `json:"incomplete_tasks"`
	BlockedByTasks  bool       `json:"blocked_by_tasks"`
}

// ExecuteResult is returned by ExecuteTransition.
type ExecuteResult struct {
	Project Project      `json:"project"`
	History HistoryEntry `json:"history"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project. An empty workflowID picks the entity
// type's default workflow.
func (c *Client) CreateProject(ctx context.Context, id, name, entityType, workflowID string) (Project, error) {
	body := map[string]any{
		"name":        name,
		"entity_type": entityType,
	}
	if id != "" {
		body["id"] = id
	}
	if workflowID != "" {
		body["workflow_id"] = workflowID
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.apiPath("projects"), body, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.apiPath("projects/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// NextTransitions lists the legal moves out of the project's current status.
func (c *Client) NextTransitions(ctx context.Context, projectID string) ([]TransitionOption, error) {
	var resp []TransitionOption
	endpoint := c.apiPath(fmt.Sprintf("projects/%s/next-transitions", url.PathEscape(projectID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExecuteTransition performs a transition. A non-nil expectedVersion makes
// the call fail with 409 unless the project is at that version.
func (c *Client) ExecuteTransition(ctx context.Context, projectID, transitionID, comment string, expectedVersion *int64) (ExecuteResult, error) {
	body := map[string]any{
		"transition_id": transitionID,
	}
	if comment != "" {
		body["comment"] = comment
	}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	var resp ExecuteResult
	endpoint := c.apiPath(fmt.Sprintf("projects/%s/transitions", url.PathEscape(projectID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// History returns the project's transition log in chronological order.
func (c *Client) History(ctx context.Context, projectID string, limit int) ([]HistoryEntry, error) {
	endpoint := c.apiPath(fmt.Sprintf("projects/%s/history", url.PathEscape(projectID)))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListStatuses lists statuses, optionally filtered by entity type.
func (c *Client) ListStatuses(ctx context.Context, entityType string) ([]Status, error) {
	endpoint := c.apiPath("statuses")
	if entityType != "" {
		endpoint = fmt.Sprintf("%s?entity_type=%s", endpoint, url.QueryEscape(entityType))
	}
	var resp []Status
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListWorkflows lists workflows, optionally filtered by entity type.
func (c *Client) ListWorkflows(ctx context.Context, entityType string) ([]Workflow, error) {
	endpoint := c.apiPath("workflows")
	if entityType != "" {
		endpoint = fmt.Sprintf("%s?entity_type=%s", endpoint, url.QueryEscape(entityType))
	}
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetWorkflow fetches a workflow with its transitions.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, c.apiPath("workflows/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CreateTask creates a gating task on a transition.
func (c *Client) CreateTask(ctx context.Context, name, transitionID string, required bool) (Task, error) {
	body := map[string]any{
		"name":          name,
		"transition_id": transitionID,
		"is_required":   required,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("tasks"), body, &resp)
	return resp, err
}

// CompleteTask stamps a task complete.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := c.apiPath(fmt.Sprintf("tasks/%s/complete", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReopenTask clears a task's completion stamp.
func (c *Client) ReopenTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := c.apiPath(fmt.Sprintf("tasks/%s/reopen", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	return "v1/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"

	"flowgate/internal/app"
	"flowgate/internal/config"
	"flowgate/internal/db"
	"flowgate/internal/engine"
	"flowgate/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := app.EnsureSeeded(context.Background(), e); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			EnableDevLogin:         true,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asAdmin() map[string]string { return map[string]string{"X-Actor-Id": "admin"} }
func asDemo() map[string]string  { return map[string]string{"X-Actor-Id": "demo"} }

type errEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestProjectApprovalLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"id":          "launch",
		"name":        "Launch",
		"entity_type": "project",
	}, asDemo())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.CurrentStatusID != "planning" || created.WorkflowID != "wf-project-approval" {
		t.Fatalf("unexpected initial project: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/launch/next-transitions", nil, asDemo())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next transitions: %d %s", res.StatusCode, string(data))
	}
	var options []TransitionOptionResponse
	if err := json.Unmarshal(data, &options); err != nil {
		t.Fatalf("unmarshal options: %v", err)
	}
	if len(options) != 1 || options[0].Transition.ID != "tr-submit" {
		t.Fatalf("expected tr-submit as only option, got %+v", options)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/launch/transitions", map[string]any{
		"transition_id": "tr-submit",
	}, asDemo())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var submitted ExecuteTransitionResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.Project.CurrentStatusID != "in-review" || submitted.Project.Version != 1 {
		t.Fatalf("unexpected project after submit: %+v", submitted.Project)
	}
	if submitted.History.FromStatusID != "planning" || submitted.History.ToStatusID != "in-review" {
		t.Fatalf("unexpected history entry: %+v", submitted.History)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/launch/transitions", map[string]any{
		"transition_id": "tr-approve",
	}, asDemo())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-approver, got %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Message != "You do not have permission to execute this approval-required transition." {
		t.Fatalf("unexpected denial reason: %q", apiErr.Message)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/launch/transitions", map[string]any{
		"transition_id": "tr-approve",
		"comment":       "lgtm",
	}, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved ExecuteTransitionResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approve: %v", err)
	}
	if approved.Project.CurrentStatusID != "approved" || approved.Project.Version != 2 {
		t.Fatalf("unexpected project after approve: %+v", approved.Project)
	}
	if approved.History.Comment != "lgtm" {
		t.Fatalf("expected comment on history entry: %+v", approved.History)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/launch/history", nil, asDemo())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var entries []HistoryEntryResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(entries) != 2 || entries[0].TransitionID != "tr-submit" || entries[1].TransitionID != "tr-approve" {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestRequiredTaskBlocksTransition(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"name":          "Write brief",
		"transition_id": "tr-submit",
		"is_required":   true,
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"id":          "gated",
		"name":        "Gated",
		"entity_type": "project",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/gated/transitions", map[string]any{
		"transition_id": "tr-submit",
	}, asAdmin())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 while task open, got %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Message != "Required tasks are incomplete for this transition." {
		t.Fatalf("unexpected block reason: %q", apiErr.Message)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/gated/next-transitions", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next transitions: %d %s", res.StatusCode, string(data))
	}
	var options []TransitionOptionResponse
	if err := json.Unmarshal(data, &options); err != nil {
		t.Fatalf("unmarshal options: %v", err)
	}
	if len(options) != 1 || !options[0].BlockedByTasks || len(options[0].IncompleteTasks) != 1 {
		t.Fatalf("expected blocked option with one incomplete task, got %+v", options)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", nil, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete task: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/gated/transitions", map[string]any{
		"transition_id": "tr-submit",
	}, asAdmin())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit after completing task: %d %s", res.StatusCode, string(data))
	}
}

func TestExecuteVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"id":          "racy",
		"name":        "Racy",
		"entity_type": "project",
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/racy/transitions", map[string]any{
		"transition_id":    "tr-submit",
		"expected_version": 99,
	}, asAdmin())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "conflict" {
		t.Fatalf("unexpected error code: %q", apiErr.Code)
	}
	if apiErr.Details["expected"] == nil || apiErr.Details["actual"] == nil {
		t.Fatalf("expected version details, got %+v", apiErr.Details)
	}
}

func TestAdminGateOnConfiguration(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/statuses", map[string]any{
		"id":   "done",
		"name": "Done",
	}, asDemo())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for regular user, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/statuses", map[string]any{
		"id":           "done",
		"name":         "Done",
		"color":        "#22c55e",
		"entity_types": []string{"project"},
	}, asAdmin())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status as admin: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/statuses", nil, asDemo())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list statuses as regular user: %d %s", res.StatusCode, string(data))
	}
	var statuses []StatusResponse
	if err := json.Unmarshal(data, &statuses); err != nil {
		t.Fatalf("unmarshal statuses: %v", err)
	}
	if len(statuses) != 4 {
		t.Fatalf("expected 4 statuses after create, got %d", len(statuses))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Code != "unauthorized" {
		t.Fatalf("unexpected error code: %q", apiErr.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open: %d %s", res.StatusCode, string(data))
	}
}

func TestTransitionCheckReportsViolations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/wf-project-approval/transitions/check", map[string]any{
		"from_status_id": "planning",
		"to_status_id":   "in-review",
	}, asDemo())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	var check TransitionCheckResponse
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.Valid || len(check.Violations) == 0 {
		t.Fatalf("expected duplicate edge to be invalid, got %+v", check)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/workflows/wf-project-approval/transitions/check", map[string]any{
		"from_status_id": "approved",
		"to_status_id":   "planning",
	}, asDemo())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if !check.Valid || len(check.Violations) != 0 {
		t.Fatalf("expected reopen edge to be valid, got %+v", check)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "demo",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "demo" || me.Role != "user" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "nobody",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/users/admin/api-keys", map[string]any{
		"name": "ci",
	}, asDemo())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 creating a key for another user, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/users/demo/api-keys", map[string]any{
		"name": "ci",
	}, asDemo())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create own key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyCreatedResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if !strings.HasPrefix(key.Secret, "fg_") {
		t.Fatalf("expected fg_ secret prefix, got %q", key.Secret)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": key.Secret,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "demo" || me.Source != "api_key" {
		t.Fatalf("unexpected principal via api key: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+key.ID, nil, map[string]string{
		"X-Api-Key": key.Secret,
	})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke own key: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"X-Api-Key": key.Secret,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked key to fail, got %d %s", res.StatusCode, string(data))
	}
}

func TestStatusDeleteConflictWhenReferenced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v1/statuses/planning", nil, asAdmin())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 deleting referenced status, got %d %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Code != "status_in_use" {
		t.Fatalf("unexpected error code: %q", apiErr.Code)
	}
}

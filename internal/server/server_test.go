package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustloop/internal/config"
	"trustloop/internal/db"
	"trustloop/internal/domain"
	"trustloop/internal/engine"
	"trustloop/internal/migrate"
	"trustloop/internal/repo"
	"trustloop/internal/runner"
)

const (
	testAccount = "acct-1"
	testSecret  = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
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
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	run := runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		return runner.Result{Success: true, Content: "done: " + req.Task.Title}, nil
	})
	e := engine.New(conn, config.Default(), run)
	if _, err := e.Guardrails.Ensure(context.Background(), testAccount); err != nil {
		t.Fatalf("ensure guardrails: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, AllowActorHeader: true}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func createAgent(t *testing.T, srv *testServer, body map[string]any) domain.Agent {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/accounts/"+testAccount+"/agents", body, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status %d: %s", res.StatusCode, string(data))
	}
	return decode[domain.Agent](t, data)
}

func createTask(t *testing.T, srv *testServer, body map[string]any) TaskResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/accounts/"+testAccount+"/tasks", body, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	return decode[TaskResponse](t, data)
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/accounts/"+testAccount+"/agents", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error envelope %s", string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/accounts/"+testAccount+"/agents", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestRunSubtaskCompletes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	agent := createAgent(t, srv, map[string]any{"name": "writer"})
	parent := createTask(t, srv, map[string]any{"title": "launch"})
	child := createTask(t, srv, map[string]any{"title": "draft copy", "parent_id": parent.ID, "assigned_to": agent.ID})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+child.ID+"/run", map[string]any{}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, string(data))
	}
	exec := decode[domain.Execution](t, data)
	if exec.Status != domain.ExecCompleted {
		t.Fatalf("expected completed execution, got %s", exec.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+child.ID, nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	task := decode[TaskResponse](t, data)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s", task.Status)
	}
	if task.Output["content"] != "done: draft copy" {
		t.Fatalf("unexpected task output %+v", task.Output)
	}
	if len(task.StatusHistory) == 0 {
		t.Fatalf("expected status history")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/executions/"+exec.ID, nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get execution status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[ExecutionResponse](t, data); got.Execution.ID != exec.ID || got.Attachments == nil {
		t.Fatalf("unexpected execution response %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/accounts/"+testAccount+"/events?entity_kind=execution&limit=1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one event and a cursor, got %s", string(data))
	}
}

func TestApprovalEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	agent := createAgent(t, srv, map[string]any{"name": "publisher", "requires_approval_categories": []string{domain.CategoryTaskExecution}})
	parent := createTask(t, srv, map[string]any{"title": "campaign"})
	child := createTask(t, srv, map[string]any{"title": "post", "parent_id": parent.ID, "assigned_to": agent.ID})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+child.ID+"/run", map[string]any{}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, string(data))
	}
	exec := decode[domain.Execution](t, data)
	if exec.Status != domain.ExecAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", exec.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/executions/"+exec.ID+"/approve", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.Execution](t, data); got.Status != domain.ExecCompleted {
		t.Fatalf("expected completed after approval, got %s", got.Status)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/executions/"+exec.ID+"/approve", nil, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second approval should conflict, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/accounts/"+testAccount+"/audit?decision=approved", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), exec.ID) {
		t.Fatalf("expected approval audit for %s, got %s", exec.ID, string(data))
	}
}

func TestBlockedRunAnswersQueuedWillRetry(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	agent := createAgent(t, srv, map[string]any{"name": "builder"})
	first := createTask(t, srv, map[string]any{"title": "design"})
	second := createTask(t, srv, map[string]any{"title": "build", "assigned_to": agent.ID, "depends_on": []string{first.ID}})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+second.ID+"/run", map[string]any{}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "queued_will_retry" || env.Error.Details["kind"] != "blocked" {
		t.Fatalf("unexpected error %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+second.ID, nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d", res.StatusCode)
	}
	if got := decode[TaskResponse](t, data); got.Status != domain.TaskQueued {
		t.Fatalf("expected queued task, got %s", got.Status)
	}
}

func TestConfigPatchWritesAudit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/accounts/"+testAccount+"/config", map[string]any{
		"trust": map[string]int{domain.CategorySpending: 3},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch config status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Config  domain.OrchestratorConfig `json:"config"`
		Changes []map[string]any          `json:"changes"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Config.Trust.Level(domain.CategorySpending) != 3 || len(out.Changes) != 1 {
		t.Fatalf("unexpected update result %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/accounts/"+testAccount+"/config", map[string]any{
		"trust": map[string]int{"not_a_category": 1},
	}, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown category, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAccountScope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      "alice",
		"accounts": []string{"acct-2"},
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + signed}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/accounts/acct-2/agents", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected access to own account, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/accounts/"+testAccount+"/agents", nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notifications/dispatch", nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("scoped token should not dispatch, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		ActorID:   "ops",
		KeyHash:   repo.HashAPIKey("secret-key"),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/notifications/dispatch", nil, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/accounts/"+testAccount+"/agents", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	agent := createAgent(t, srv, map[string]any{"name": "worker"})
	parent := createTask(t, srv, map[string]any{"title": "root"})
	child := createTask(t, srv, map[string]any{"title": "leaf", "parent_id": parent.ID, "assigned_to": agent.ID})
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+child.ID+"/run", map[string]any{}, asTester); res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "trustloop_executions_total") {
		t.Fatalf("expected execution counter in metrics output")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "/tasks/{task_id}/run") {
		t.Fatalf("openapi document missing run operation")
	}
}

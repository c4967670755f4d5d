package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/llm"
	"stageline/internal/migrate"
	"stageline/internal/registry"
)

const briefOutput = "## Problem Statement\n\nx\n\n## Target Users\n\nx\n\n## Success Criteria\n\nx\n"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg, err := registry.New("")
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	cfg := config.Default()
	cfg.Engine.InitialBackoff = time.Millisecond
	cfg.Engine.MaxBackoff = 5 * time.Millisecond
	fake := &llm.Fake{Respond: func(llm.Request) (llm.Result, error) {
		return llm.Result{Text: briefOutput, TokensIn: 1, TokensOut: 1}, nil
	}}
	e := engine.New(conn, reg, fake, cfg, nil)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	e.Start(workerCtx, 1)

	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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
			stopWorkers()
			e.Wait()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

func createProject(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"id":   "proj-1",
		"name": "test",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	return "proj-1"
}

func TestExecutionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	projectID := createProject(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/projects/"+projectID+"/agents/1/executions", map[string]any{
			"message": "build a todo app",
		})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted ExecutionResponse
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if submitted.Status != domain.ExecQueued {
		t.Fatalf("expected queued, got %s", submitted.Status)
	}

	var fetched ExecutionResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+submitted.ID, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get execution: %d %s", res.StatusCode, string(data))
		}
		_ = json.Unmarshal(data, &fetched)
		if fetched.Status == domain.ExecCompleted || fetched.Status == domain.ExecFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution stuck in %s", fetched.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if fetched.Status != domain.ExecCompleted {
		t.Fatalf("expected completed, got %s (%v)", fetched.Status, fetched.ErrorDetail)
	}

	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/projects/"+projectID+"/artifacts/problem-brief/current", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("current artifact: %d %s", res.StatusCode, string(data))
	}
	var art ArtifactResponse
	_ = json.Unmarshal(data, &art)
	if art.Version != 1 || art.Status != domain.ArtifactDraft {
		t.Fatalf("unexpected artifact %+v", art)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/"+art.ID+"/lock", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lock artifact: %d %s", res.StatusCode, string(data))
	}
	// Locking again is a no-op.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/artifacts/"+art.ID+"/lock", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("relock artifact: %d %s", res.StatusCode, string(data))
	}

	// Cancel after completion conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+submitted.ID+"/cancel", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 cancelling terminal execution, got %d %s", res.StatusCode, string(data))
	}
}

func TestSubmitDependencyConflict(t *testing.T) {
	srv := newTestServer(t)
	projectID := createProject(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+projectID+"/agents/2/executions", map[string]any{
			"message": "scan the market",
		})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "gate_blocked" {
		t.Fatalf("expected gate_blocked, got %q", envelope.Error.Code)
	}
}

func TestSubmitUnknownAgent(t *testing.T) {
	srv := newTestServer(t)
	projectID := createProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+projectID+"/agents/99/executions", map[string]any{
			"message": "hello",
		})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestGateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	projectID := createProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/gate", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("gate status: %d %s", res.StatusCode, string(data))
	}
	var status engine.GateStatus
	_ = json.Unmarshal(data, &status)
	if status.Allowed {
		t.Fatalf("expected blocked gate, got %+v", status)
	}
	if status.From != domain.StageDiscover || status.To != domain.StageDesign {
		t.Fatalf("unexpected gate transition %+v", status)
	}

	// Forced advance skips the gate.
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+projectID+"/stage/advance", map[string]any{"force": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced advance: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	_ = json.Unmarshal(data, &p)
	if p.Stage != domain.StageDesign {
		t.Fatalf("expected design, got %s", p.Stage)
	}
}

func TestListAgents(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/agents?stage=discover", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list agents: %d %s", res.StatusCode, string(data))
	}
	var agents []AgentResponse
	if err := json.Unmarshal(data, &agents); err != nil {
		t.Fatalf("unmarshal agents: %v", err)
	}
	if len(agents) == 0 {
		t.Fatal("expected discover agents")
	}
	for _, a := range agents {
		if a.Stage != domain.StageDiscover {
			t.Fatalf("unexpected stage %s", a.Stage)
		}
	}
}

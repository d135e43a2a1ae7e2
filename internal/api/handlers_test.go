package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/config"
	"github.com/ashthecoder05/snapclaw-platform/internal/locks"
	"github.com/ashthecoder05/snapclaw-platform/internal/manifest"
	"github.com/ashthecoder05/snapclaw-platform/internal/orchestrator"
	"github.com/ashthecoder05/snapclaw-platform/internal/routes"
	"github.com/ashthecoder05/snapclaw-platform/internal/validator"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

func newTestServer(t *testing.T) (*Server, agentstore.Store) {
	t.Helper()

	store := agentstore.NewMemoryStore()
	fake := cluster.NewFake()
	table := routes.NewMemoryTable()
	builder := manifest.New(&manifest.Config{Namespace: "snapclaw-agents", AgentImage: "snapclaw/agent-runtime:test"})
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	orch := orchestrator.New(store, fake, table, builder, v, locks.NewRegistry(), &orchestrator.Config{
		DeployDeadline: 30 * time.Second,
		RetryAttempts:  2,
		RetryBackoff:   time.Millisecond,
	}, logger)

	cfg := config.Load()
	h := NewHandlers(orch, store, table, cfg, logger)
	return NewServer(h), store
}

func deployBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"owner_id": "alice",
		"platform": "telegram",
		"model":    "gpt-4o",
		"credentials": map[string]string{
			"bot_token":      "tg-token",
			"openai_api_key": "sk-test",
		},
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewBuffer(body)
}

func doDeploy(t *testing.T, s *Server) DeployResponse {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/agents", deployBody(t))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("deploy status = %d, body %s", rr.Code, rr.Body.String())
	}
	var resp DeployResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode deploy response: %v", err)
	}
	return resp
}

func TestDeployEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	resp := doDeploy(t, s)
	if resp.AgentID == "" {
		t.Fatal("empty agent id")
	}
	if resp.State != types.StateRunning {
		t.Errorf("state = %s, want running", resp.State)
	}
	if !strings.Contains(resp.RoutePath, resp.AgentID) {
		t.Errorf("route path %q does not carry agent id", resp.RoutePath)
	}
	if resp.WebhookURL == "" {
		t.Error("webhook URL missing")
	}
}

func TestDeployRejectsInvalidRequest(t *testing.T) {
	s, store := newTestServer(t)

	body := bytes.NewBufferString(`{"owner_id":"alice","platform":"carrier-pigeon","model":"gpt-4o","credentials":{"bot_token":"x","openai_api_key":"y"}}`)
	req := httptest.NewRequest("POST", "/api/v1/agents", body)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error != ErrCodeBadRequest {
		t.Errorf("error code = %s", errResp.Error)
	}

	agents, _ := store.List(req.Context())
	if len(agents) != 0 {
		t.Errorf("rejected request left %d records", len(agents))
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/agents/agent-nobody-000000", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetAgentAfterDeploy(t *testing.T) {
	s, _ := newTestServer(t)
	deployed := doDeploy(t, s)

	req := httptest.NewRequest("GET", "/api/v1/agents/"+deployed.AgentID, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var agent types.Agent
	if err := json.Unmarshal(rr.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.ID != deployed.AgentID || agent.State != types.StateRunning {
		t.Errorf("agent = %+v", agent)
	}
}

func TestTeardownEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	deployed := doDeploy(t, s)

	req := httptest.NewRequest("DELETE", "/api/v1/agents/"+deployed.AgentID, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	agent, err := store.Get(req.Context(), deployed.AgentID)
	if err != nil {
		t.Fatalf("Get after teardown: %v", err)
	}
	if agent.State != types.StateDeleted {
		t.Errorf("state = %s, want deleted", agent.State)
	}

	// second teardown reports not found
	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/v1/agents/"+deployed.AgentID, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second teardown status = %d, want 404", rr.Code)
	}
}

func TestListAgentsByOwner(t *testing.T) {
	s, _ := newTestServer(t)
	doDeploy(t, s)

	req := httptest.NewRequest("GET", "/api/v1/agents?owner=alice", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Agents []*types.Agent `json:"agents"`
		Count  int            `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if resp.Count != 1 || len(resp.Agents) != 1 {
		t.Fatalf("count = %d", resp.Count)
	}
	if resp.Agents[0].OwnerID != "alice" {
		t.Errorf("owner = %s", resp.Agents[0].OwnerID)
	}

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/agents?owner=bob", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if resp.Count != 0 {
		t.Errorf("bob count = %d, want 0", resp.Count)
	}
}

func TestRouteSnapshotEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	deployed := doDeploy(t, s)

	req := httptest.NewRequest("GET", "/api/v1/routes", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Routes []routes.Binding `json:"routes"`
		Count  int              `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Routes[0].AgentID != deployed.AgentID || resp.Routes[0].RoutePath != deployed.RoutePath {
		t.Errorf("binding = %+v", resp.Routes[0])
	}
}

func TestRouteSnapshotRequiresGatewayToken(t *testing.T) {
	store := agentstore.NewMemoryStore()
	table := routes.NewMemoryTable()
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))

	cfg := config.Load()
	cfg.GatewaySecret = "s3cret"
	h := NewHandlers(nil, store, table, cfg, logger)
	s := NewServer(h)

	req := httptest.NewRequest("GET", "/api/v1/routes", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without token", rr.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	doDeploy(t, s)

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Total   int            `json:"total"`
		Active  int            `json:"active"`
		ByState map[string]int `json:"byState"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.Total != 1 || resp.Active != 1 {
		t.Errorf("stats = %+v", resp)
	}
	if resp.ByState["running"] != 1 {
		t.Errorf("byState = %v", resp.ByState)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rr.Code)
		}
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/agents", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/v1/agents", "/api/v1/agents"},
		{"/api/v1/agents/agent-alice-x1y2z3", "/api/v1/agents/{id}"},
		{"/api/v1/agents/agent-alice-x1y2z3/restart", "/api/v1/agents/{id}/restart"},
		{"/api/v1/agents/3f1b0a9c-8a7d-4a6e-9b1c-0d2e3f4a5b6c", "/api/v1/agents/{id}"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

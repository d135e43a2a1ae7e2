package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/locks"
	"github.com/ashthecoder05/snapclaw-platform/internal/manifest"
	"github.com/ashthecoder05/snapclaw-platform/internal/routes"
	"github.com/ashthecoder05/snapclaw-platform/internal/validator"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

type fixture struct {
	orch  *Orchestrator
	store agentstore.Store
	fake  *cluster.Fake
	table routes.Table
}

func newFixture(t *testing.T, table routes.Table) *fixture {
	t.Helper()

	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}

	store := agentstore.NewMemoryStore()
	fake := cluster.NewFake()
	if table == nil {
		table = routes.NewMemoryTable()
	}

	cfg := &Config{
		DeployDeadline: 5 * time.Second,
		RetryAttempts:  3,
		RetryBackoff:   time.Millisecond,
	}
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))

	orch := New(store, fake, table, manifest.New(nil), v, locks.NewRegistry(), cfg, logger)
	return &fixture{orch: orch, store: store, fake: fake, table: table}
}

func deployRequest() *types.DeployRequest {
	return &types.DeployRequest{
		OwnerID:  "alice",
		Platform: "telegram",
		ModelRef: "gpt-4o",
		Credentials: map[string]string{
			"bot_token":      "tok",
			"openai_api_key": "key",
		},
	}
}

func transientErr() error {
	return &cluster.Error{Class: cluster.ClassTransient, Op: "test", Err: errors.New("connection reset")}
}

func conflictErr() error {
	return &cluster.Error{Class: cluster.ClassConflict, Op: "test", Err: errors.New("already exists")}
}

func quotaErr() error {
	return &cluster.Error{
		Class: cluster.ClassPermanent,
		Op:    "test",
		Err:   apierrors.NewForbidden(schema.GroupResource{Resource: "services"}, "svc", errors.New("exceeded quota")),
	}
}

func TestDeployLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	agent, err := f.orch.Deploy(ctx, deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if agent.State != types.StateRunning {
		t.Errorf("state = %s, want running", agent.State)
	}
	if !strings.Contains(agent.RoutePath, agent.ID) {
		t.Errorf("route path %q does not contain agent id %q", agent.RoutePath, agent.ID)
	}
	if agent.Handles.Credential == "" || agent.Handles.Workload == "" || agent.Handles.Endpoint == "" {
		t.Errorf("incomplete handles after running: %+v", agent.Handles)
	}

	if !f.fake.HasSecret(agent.Handles.Credential) || !f.fake.HasDeployment(agent.ID) || !f.fake.HasService(agent.ID) {
		t.Error("cluster resources missing after deploy")
	}

	binding, err := f.table.Lookup(ctx, agent.RoutePath)
	if err != nil {
		t.Fatalf("route lookup: %v", err)
	}
	if binding.Endpoint != agent.Handles.Endpoint {
		t.Errorf("binding endpoint = %q, want %q", binding.Endpoint, agent.Handles.Endpoint)
	}

	// status query sees the same record
	status, err := f.orch.Status(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != types.StateRunning || status.RoutePath != agent.RoutePath {
		t.Errorf("Status = %+v", status)
	}
}

func TestDeployValidationError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := deployRequest()
	req.Platform = "pager"

	_, err := f.orch.Deploy(ctx, req)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Deploy err = %v, want ValidationError", err)
	}

	// no record created, no cluster call made
	agents, _ := f.store.List(ctx)
	if len(agents) != 0 {
		t.Errorf("validation failure created %d records", len(agents))
	}
	if len(f.fake.CallLog()) != 0 {
		t.Errorf("validation failure touched the cluster: %v", f.fake.CallLog())
	}
}

func TestDeployQuotaRollback(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.fake.FailNext("CreateEndpoint", quotaErr(), 1)

	_, err := f.orch.Deploy(ctx, deployRequest())
	if err == nil {
		t.Fatal("Deploy succeeded despite endpoint quota failure")
	}

	agents, _ := f.store.List(ctx)
	if len(agents) != 1 {
		t.Fatalf("got %d records, want 1", len(agents))
	}
	agent := agents[0]

	if agent.State != types.StateFailed {
		t.Errorf("state = %s, want failed", agent.State)
	}
	if agent.Reason != types.ReasonQuotaExceeded {
		t.Errorf("reason = %s, want quota_exceeded", agent.Reason)
	}
	if !agent.Handles.Empty() {
		t.Errorf("handles not cleaned up: %+v", agent.Handles)
	}
	if f.fake.HasSecret(manifest.CredentialName(agent.ID)) || f.fake.HasDeployment(agent.ID) {
		t.Error("rollback left cluster resources behind")
	}
	if _, err := f.table.Lookup(ctx, agent.RoutePath); !errors.Is(err, routes.ErrRouteNotFound) {
		t.Error("route published for failed agent")
	}
}

func TestDeployRetriesTransient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.fake.FailNext("CreateWorkload", transientErr(), 1)

	agent, err := f.orch.Deploy(ctx, deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if agent.State != types.StateRunning {
		t.Errorf("state = %s, want running", agent.State)
	}
	if got := f.fake.CallCount("CreateWorkload"); got != 2 {
		t.Errorf("CreateWorkload called %d times, want 2", got)
	}
}

func TestDeployWithZeroRetryAttempts(t *testing.T) {
	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	store := agentstore.NewMemoryStore()
	fake := cluster.NewFake()
	table := routes.NewMemoryTable()
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))

	// Misconfigured attempts clamp to one real call per step.
	orch := New(store, fake, table, manifest.New(nil), v, locks.NewRegistry(), &Config{
		DeployDeadline: 5 * time.Second,
		RetryAttempts:  0,
		RetryBackoff:   time.Millisecond,
	}, logger)

	agent, err := orch.Deploy(context.Background(), deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if agent.Handles.Credential == "" || agent.Handles.Workload == "" || agent.Handles.Endpoint == "" {
		t.Errorf("incomplete handles: %+v", agent.Handles)
	}
	if !fake.HasDeployment(agent.ID) {
		t.Error("workload was never created")
	}
}

func TestDeployAdoptsExistingResources(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.fake.FailNext("CreateCredential", conflictErr(), 1)
	f.fake.FailNext("CreateWorkload", conflictErr(), 1)

	agent, err := f.orch.Deploy(ctx, deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if agent.State != types.StateRunning {
		t.Errorf("state = %s, want running", agent.State)
	}
	if agent.Handles.Credential != manifest.CredentialName(agent.ID) || agent.Handles.Workload != agent.ID {
		t.Errorf("adopted handles wrong: %+v", agent.Handles)
	}
}

// orderCheckTable fails the test if the route is still published when the
// first delete call reaches the cluster.
type orderCheckTable struct {
	routes.Table
	t    *testing.T
	fake *cluster.Fake
}

func (o *orderCheckTable) Unpublish(ctx context.Context, agentID string) error {
	if n := o.fake.CallCount("DeleteEndpoint") + o.fake.CallCount("DeleteWorkload") + o.fake.CallCount("DeleteCredential"); n > 0 {
		o.t.Error("route unpublished after resource deletion started")
	}
	return o.Table.Unpublish(ctx, agentID)
}

func TestTeardown(t *testing.T) {
	inner := routes.NewMemoryTable()
	f := newFixture(t, inner)
	f.orch.routes = &orderCheckTable{Table: inner, t: t, fake: f.fake}

	ctx := context.Background()
	agent, err := f.orch.Deploy(ctx, deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := f.orch.Teardown(ctx, agent.ID); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	got, err := f.orch.Status(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.State != types.StateDeleted {
		t.Errorf("state = %s, want deleted", got.State)
	}
	if !got.Handles.Empty() {
		t.Errorf("handles remain after teardown: %+v", got.Handles)
	}
	if got.RoutePath != "" {
		t.Errorf("route path remains: %q", got.RoutePath)
	}
	if f.fake.HasService(agent.ID) || f.fake.HasDeployment(agent.ID) || f.fake.HasSecret(manifest.CredentialName(agent.ID)) {
		t.Error("cluster resources remain after teardown")
	}

	// second teardown is a not-found, not a half-failure
	if err := f.orch.Teardown(ctx, agent.ID); !errors.Is(err, agentstore.ErrAgentNotFound) {
		t.Errorf("second Teardown err = %v, want ErrAgentNotFound", err)
	}
}

func TestTeardownPartialFailureThenRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	agent, err := f.orch.Deploy(ctx, deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	f.fake.FailNext("DeleteWorkload", quotaErr(), 1)

	err = f.orch.Teardown(ctx, agent.ID)
	if !errors.Is(err, ErrTeardownIncomplete) {
		t.Fatalf("Teardown err = %v, want ErrTeardownIncomplete", err)
	}

	got, _ := f.orch.Status(ctx, agent.ID)
	if got.State != types.StateDeleting {
		t.Errorf("state = %s, want deleting", got.State)
	}
	if got.Handles.Workload == "" {
		t.Error("failed workload deletion cleared its handle")
	}
	if got.Handles.Endpoint != "" || got.Handles.Credential != "" {
		t.Errorf("confirmed deletions not cleared: %+v", got.Handles)
	}

	// retried teardown finishes the job
	if err := f.orch.Teardown(ctx, agent.ID); err != nil {
		t.Fatalf("retried Teardown: %v", err)
	}
	got, _ = f.orch.Status(ctx, agent.ID)
	if got.State != types.StateDeleted {
		t.Errorf("state = %s, want deleted", got.State)
	}
}

func TestDeployIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := deployRequest()
	req.RequestID = "req-42"

	var wg sync.WaitGroup
	results := make([]*types.Agent, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent, err := f.orch.Deploy(ctx, req)
			if err != nil {
				t.Errorf("Deploy: %v", err)
				return
			}
			results[i] = agent
		}(i)
	}
	wg.Wait()

	if results[0] == nil || results[1] == nil {
		t.Fatal("a deploy failed")
	}
	if results[0].ID != results[1].ID {
		t.Errorf("duplicate request produced two agents: %s vs %s", results[0].ID, results[1].ID)
	}
	if got := f.fake.CallCount("CreateWorkload"); got != 1 {
		t.Errorf("CreateWorkload called %d times, want 1", got)
	}
}

func TestRestart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	agent, err := f.orch.Deploy(ctx, deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	restarted, err := f.orch.Restart(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if restarted.ID != agent.ID {
		t.Errorf("restart changed agent id: %s -> %s", agent.ID, restarted.ID)
	}
	if restarted.State != types.StateRunning {
		t.Errorf("state = %s, want running", restarted.State)
	}
	if got := f.fake.CallCount("CreateWorkload"); got != 2 {
		t.Errorf("CreateWorkload called %d times, want 2", got)
	}
	if !f.fake.HasSecret(manifest.CredentialName(agent.ID)) {
		t.Error("credential object missing after restart")
	}
}

func TestRebuildRoutes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	agent, err := f.orch.Deploy(ctx, deployRequest())
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	// simulate gateway-side loss of the whole table
	if err := f.table.Resync(ctx, nil); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	if err := f.orch.RebuildRoutes(ctx); err != nil {
		t.Fatalf("RebuildRoutes: %v", err)
	}

	binding, err := f.table.Lookup(ctx, agent.RoutePath)
	if err != nil {
		t.Fatalf("Lookup after rebuild: %v", err)
	}
	if binding.AgentID != agent.ID {
		t.Errorf("rebuilt binding = %+v", binding)
	}
}

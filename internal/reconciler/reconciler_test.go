package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/locks"
	"github.com/ashthecoder05/snapclaw-platform/internal/routes"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// stubRemover clears the ledger and reports completion, standing in for
// the orchestrator's resource deletion.
type stubRemover struct {
	store agentstore.Store
}

func (s *stubRemover) DeleteRemaining(ctx context.Context, agentID string) (bool, error) {
	_, err := s.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.Handles = types.ResourceHandles{}
		return nil
	})
	return err == nil, err
}

type fixture struct {
	rec   *Reconciler
	store agentstore.Store
	fake  *cluster.Fake
	table routes.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := agentstore.NewMemoryStore()
	fake := cluster.NewFake()
	table := routes.NewMemoryTable()

	cfg := &Config{
		Interval:      time.Minute,
		Parallelism:   4,
		DegradedAfter: 2 * time.Minute,
		FailedAfter:   10 * time.Minute,
		AbandonAfter:  15 * time.Minute,
	}
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))

	rec := New(store, fake, table, locks.NewRegistry(), &stubRemover{store: store}, cfg, logger)
	return &fixture{rec: rec, store: store, fake: fake, table: table}
}

// seedRunning installs a running agent with a live workload and route.
func (f *fixture) seedRunning(t *testing.T, id string) *types.Agent {
	t.Helper()
	ctx := context.Background()

	agent := &types.Agent{
		ID:        id,
		OwnerID:   "alice",
		Platform:  "telegram",
		ModelRef:  "gpt-4o",
		State:     types.StateRunning,
		RoutePath: "/webhook/" + id,
		Handles: types.ResourceHandles{
			Credential: id + "-secret",
			Workload:   id,
			Endpoint:   id,
		},
	}
	if err := f.store.Create(ctx, agent); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	if _, err := f.fake.CreateWorkload(ctx, &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: id},
	}); err != nil {
		t.Fatalf("seed workload: %v", err)
	}
	if err := f.table.Publish(ctx, routes.Binding{AgentID: id, RoutePath: agent.RoutePath, Endpoint: id}); err != nil {
		t.Fatalf("seed route: %v", err)
	}
	return agent
}

func (f *fixture) setUnhealthySince(t *testing.T, id string, ago time.Duration) {
	t.Helper()
	since := time.Now().UTC().Add(-ago)
	if _, err := f.store.Update(context.Background(), id, func(a *types.Agent) error {
		a.UnhealthySince = &since
		return nil
	}); err != nil {
		t.Fatalf("set unhealthy since: %v", err)
	}
}

func unhealthy() *cluster.Health {
	return &cluster.Health{Present: true, Ready: false, Reason: "crash_loop"}
}

func TestHealthyNoChange(t *testing.T) {
	f := newFixture(t)
	f.seedRunning(t, "a1")

	f.rec.RunOnce(context.Background())

	got, _ := f.store.Get(context.Background(), "a1")
	if got.State != types.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.UnhealthySince != nil {
		t.Error("healthy workload got an unhealthy clock")
	}
}

func TestUnhealthyStartsClock(t *testing.T) {
	f := newFixture(t)
	f.seedRunning(t, "a1")
	f.fake.QueueHealth("a1", unhealthy())

	f.rec.RunOnce(context.Background())

	got, _ := f.store.Get(context.Background(), "a1")
	if got.State != types.StateRunning {
		t.Errorf("state = %s, want running before grace period", got.State)
	}
	if got.UnhealthySince == nil {
		t.Error("unhealthy clock not started")
	}
}

func TestUnhealthyDegradesAfterGrace(t *testing.T) {
	f := newFixture(t)
	f.seedRunning(t, "a1")
	f.setUnhealthySince(t, "a1", 5*time.Minute)
	f.fake.QueueHealth("a1", unhealthy())

	f.rec.RunOnce(context.Background())

	got, _ := f.store.Get(context.Background(), "a1")
	if got.State != types.StateDegraded {
		t.Errorf("state = %s, want degraded", got.State)
	}
	if got.Reason != types.ReasonUnhealthy {
		t.Errorf("reason = %s", got.Reason)
	}
	// route stays up while merely degraded
	if _, err := f.table.Lookup(context.Background(), got.RoutePath); err != nil {
		t.Error("degraded agent lost its route")
	}
}

func TestUnhealthyFailsClosedAfterThreshold(t *testing.T) {
	f := newFixture(t)
	agent := f.seedRunning(t, "a1")
	f.setUnhealthySince(t, "a1", 15*time.Minute)
	f.fake.QueueHealth("a1", unhealthy())

	f.rec.RunOnce(context.Background())

	got, _ := f.store.Get(context.Background(), "a1")
	if got.State != types.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if _, err := f.table.Lookup(context.Background(), agent.RoutePath); !errors.Is(err, routes.ErrRouteNotFound) {
		t.Error("route still published for failed agent")
	}
}

func TestConvergenceOverCycles(t *testing.T) {
	f := newFixture(t)
	f.seedRunning(t, "a1")

	// stay unhealthy for every upcoming cycle
	for i := 0; i < 4; i++ {
		f.fake.QueueHealth("a1", unhealthy())
	}
	ctx := context.Background()

	f.rec.RunOnce(ctx) // starts clock
	f.setUnhealthySince(t, "a1", 5*time.Minute)
	f.rec.RunOnce(ctx) // degrades
	f.setUnhealthySince(t, "a1", 15*time.Minute)
	f.rec.RunOnce(ctx) // fails closed

	got, _ := f.store.Get(ctx, "a1")
	if got.State != types.StateFailed {
		t.Errorf("state = %s, want failed after threshold cycles", got.State)
	}
	if _, err := f.table.Lookup(ctx, "/webhook/a1"); !errors.Is(err, routes.ErrRouteNotFound) {
		t.Error("route survived convergence to failed")
	}
}

func TestRepublishesMissingRoute(t *testing.T) {
	f := newFixture(t)
	agent := f.seedRunning(t, "a1")

	// gateway-side drift: table lost the binding
	if err := f.table.Unpublish(context.Background(), "a1"); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}

	f.rec.RunOnce(context.Background())

	binding, err := f.table.Lookup(context.Background(), agent.RoutePath)
	if err != nil {
		t.Fatalf("route not republished: %v", err)
	}
	if binding.Endpoint != agent.Handles.Endpoint {
		t.Errorf("republished binding = %+v", binding)
	}
}

func TestNoRepublishDuringTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.seedRunning(t, "a1")
	snapshot := *agent // the pass listed the agent before teardown started

	// Teardown got in first: route withdrawn, record moved to deleting.
	// The workload still answers health checks until its deletion lands.
	if err := f.table.Unpublish(ctx, "a1"); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if _, err := f.store.Update(ctx, "a1", func(a *types.Agent) error {
		a.State = types.StateDeleting
		a.RoutePath = ""
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.rec.reconcileAgent(ctx, &snapshot)

	if _, err := f.table.Lookup(ctx, snapshot.RoutePath); !errors.Is(err, routes.ErrRouteNotFound) {
		t.Error("route republished for an agent mid-teardown")
	}
}

func TestRepublishSkipsWithoutEndpointHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.seedRunning(t, "a1")
	snapshot := *agent

	if err := f.table.Unpublish(ctx, "a1"); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if _, err := f.store.Update(ctx, "a1", func(a *types.Agent) error {
		a.Handles.Endpoint = ""
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.rec.reconcileAgent(ctx, &snapshot)

	if _, err := f.table.Lookup(ctx, snapshot.RoutePath); !errors.Is(err, routes.ErrRouteNotFound) {
		t.Error("route published without a live endpoint")
	}
}

func TestWorkloadGoneFailsAgent(t *testing.T) {
	f := newFixture(t)
	f.seedRunning(t, "a1")

	// external deletion of the workload
	if err := f.fake.DeleteWorkload(context.Background(), "a1"); err != nil {
		t.Fatalf("DeleteWorkload: %v", err)
	}

	f.rec.RunOnce(context.Background())

	got, _ := f.store.Get(context.Background(), "a1")
	if got.State != types.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.Reason != types.ReasonWorkloadMissing {
		t.Errorf("reason = %s, want workload_missing", got.Reason)
	}
	if !got.Handles.Empty() {
		t.Errorf("handles not cleared: %+v", got.Handles)
	}
	if _, err := f.table.Lookup(context.Background(), "/webhook/a1"); !errors.Is(err, routes.ErrRouteNotFound) {
		t.Error("route still published")
	}
}

func TestTransientQueryErrorLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	f.seedRunning(t, "a1")
	f.fake.FailNext("WorkloadHealth", &cluster.Error{
		Class: cluster.ClassTransient,
		Op:    "list workloads",
		Err:   errors.New("timeout"),
	}, 1)

	f.rec.RunOnce(context.Background())

	got, _ := f.store.Get(context.Background(), "a1")
	if got.State != types.StateRunning || got.UnhealthySince != nil {
		t.Errorf("transient error mutated state: %+v", got)
	}
}

func TestAbandonsStaleProvisioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	agent := &types.Agent{
		ID:        "a1",
		OwnerID:   "alice",
		State:     types.StateProvisioning,
		Handles:   types.ResourceHandles{Credential: "a1-secret", Workload: "a1"},
		UpdatedAt: stale,
	}
	if err := f.store.Create(ctx, agent); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	f.rec.RunOnce(ctx)

	got, _ := f.store.Get(ctx, "a1")
	if got.State != types.StateFailed {
		t.Errorf("state = %s, want failed", got.State)
	}
	if got.Reason != types.ReasonPartialCreate {
		t.Errorf("reason = %s, want partial_create", got.Reason)
	}
	if !got.Handles.Empty() {
		t.Errorf("handles remain: %+v", got.Handles)
	}
}

func TestFreshProvisioningLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := &types.Agent{
		ID:        "a1",
		OwnerID:   "alice",
		State:     types.StateProvisioning,
		Handles:   types.ResourceHandles{Credential: "a1-secret"},
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.store.Create(ctx, agent); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	f.rec.RunOnce(ctx)

	got, _ := f.store.Get(ctx, "a1")
	if got.State != types.StateProvisioning {
		t.Errorf("state = %s, in-flight deploy was disturbed", got.State)
	}
}

func TestFinishesStuckDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := &types.Agent{
		ID:      "a1",
		OwnerID: "alice",
		State:   types.StateDeleting,
		Handles: types.ResourceHandles{Workload: "a1"},
	}
	if err := f.store.Create(ctx, agent); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	f.rec.RunOnce(ctx)

	got, _ := f.store.Get(ctx, "a1")
	if got.State != types.StateDeleted {
		t.Errorf("state = %s, want deleted", got.State)
	}
	if !got.Handles.Empty() {
		t.Errorf("handles remain: %+v", got.Handles)
	}
}

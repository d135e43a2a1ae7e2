// Package reconciler verifies and repairs drift between the desired state
// in the agent store and the observed state on the cluster.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/locks"
	"github.com/ashthecoder05/snapclaw-platform/internal/metrics"
	"github.com/ashthecoder05/snapclaw-platform/internal/routes"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// Config holds reconciler tuning knobs.
type Config struct {
	// Interval between reconcile passes.
	Interval time.Duration

	// Parallelism limits concurrent per-agent checks.
	Parallelism int

	// DegradedAfter is how long a workload may be unhealthy before the
	// agent moves running -> degraded.
	DegradedAfter time.Duration

	// FailedAfter is how long a workload may be unhealthy before the
	// agent moves to failed and its route is withdrawn.
	FailedAfter time.Duration

	// AbandonAfter is how long a record may sit in provisioning without
	// an update before it is treated as an orphan of a crashed deploy.
	// Must exceed the deploy deadline.
	AbandonAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:      30 * time.Second,
		Parallelism:   8,
		DegradedAfter: 2 * time.Minute,
		FailedAfter:   10 * time.Minute,
		AbandonAfter:  15 * time.Minute,
	}
}

// Remover deletes an agent's remaining cluster resources; satisfied by the
// orchestrator so the reconciler reuses its retry and ledger handling.
type Remover interface {
	DeleteRemaining(ctx context.Context, agentID string) (done bool, err error)
}

// Reconciler polls actual cluster state for every tracked agent and
// repairs drift. Health queries run lock-free; any corrective transition
// takes the per-agent lock so it cannot race a live deploy or teardown.
type Reconciler struct {
	store   agentstore.Store
	cluster cluster.Client
	routes  routes.Table
	locks   *locks.Registry
	remover Remover
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a Reconciler.
func New(store agentstore.Store, cc cluster.Client, rt routes.Table, lr *locks.Registry, remover Remover, cfg *Config, logger *slog.Logger) *Reconciler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		cluster: cc,
		routes:  rt,
		locks:   lr,
		remover: remover,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("snapclaw/reconciler"),
	}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		slog.Duration("interval", r.config.Interval),
		slog.Duration("degraded_after", r.config.DegradedAfter),
		slog.Duration("failed_after", r.config.FailedAfter),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconcile pass over all tracked agents.
// Per-agent checks are independent and run in parallel.
func (r *Reconciler) RunOnce(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "reconciler.RunOnce")
	defer span.End()

	agents, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("reconcile: list agents", slog.Any("error", err))
		return
	}

	r.updateStateGauges(agents)

	sem := make(chan struct{}, r.config.Parallelism)
	var wg sync.WaitGroup
	for _, agent := range agents {
		if !r.tracked(agent) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(a *types.Agent) {
			defer wg.Done()
			defer func() { <-sem }()
			r.reconcileAgent(ctx, a)
		}(agent)
	}
	wg.Wait()

	metrics.ReconcileCycles.Inc()
	span.SetAttributes(attribute.Int("agents", len(agents)))
}

func (r *Reconciler) tracked(a *types.Agent) bool {
	switch a.State {
	case types.StateProvisioning, types.StateRunning, types.StateDegraded:
		return true
	case types.StateDeleting:
		return true
	case types.StateFailed:
		// failed agents may still own resources the rollback missed
		return !a.Handles.Empty()
	}
	return false
}

func (r *Reconciler) reconcileAgent(ctx context.Context, agent *types.Agent) {
	switch agent.State {
	case types.StateDeleting:
		r.finishCleanup(ctx, agent, types.StateDeleted)
		return
	case types.StateFailed:
		r.finishCleanup(ctx, agent, types.StateFailed)
		return
	case types.StateProvisioning:
		// An in-flight deploy owns this agent; only step in once the
		// record has been stale long enough to prove the deploy died.
		if r.config.AbandonAfter <= 0 || time.Since(agent.UpdatedAt) < r.config.AbandonAfter {
			return
		}
		r.abandonProvisioning(ctx, agent)
		return
	}

	health, err := r.cluster.WorkloadHealth(ctx, agent.ID)
	if err != nil {
		// No state mutation on uncertain information.
		r.logger.Warn("reconcile: health query",
			slog.String("agent_id", agent.ID),
			slog.Any("error", err),
		)
		return
	}

	switch {
	case !health.Present:
		r.workloadGone(ctx, agent)
	case health.Ready:
		r.workloadHealthy(ctx, agent)
	default:
		r.workloadUnhealthy(ctx, agent, health.Reason)
	}
}

// abandonProvisioning fails a record orphaned by a crashed deploy and
// cleans up whatever the ledger says was created.
func (r *Reconciler) abandonProvisioning(ctx context.Context, agent *types.Agent) {
	release := r.locks.Lock(agent.ID)
	defer release()

	current, err := r.store.Get(ctx, agent.ID)
	if err != nil || current.State != types.StateProvisioning ||
		current.UpdatedAt.After(agent.UpdatedAt) {
		return
	}

	r.logger.Error("abandoning stale provisioning record",
		slog.String("agent_id", agent.ID),
		slog.Time("updated_at", current.UpdatedAt),
	)

	if err := r.routes.Unpublish(ctx, agent.ID); err != nil {
		r.logger.Error("unpublish route", slog.String("agent_id", agent.ID), slog.Any("error", err))
		return
	}
	if _, err := r.remover.DeleteRemaining(ctx, agent.ID); err != nil {
		r.logger.Warn("cleanup retry",
			slog.String("agent_id", agent.ID),
			slog.Any("error", err),
		)
		// The failed transition below still happens; the ledger keeps the
		// record tracked and the next cycle retries the deletion.
	}
	if _, err := r.store.Update(ctx, agent.ID, func(a *types.Agent) error {
		a.State = types.StateFailed
		a.Reason = types.ReasonPartialCreate
		a.RoutePath = ""
		return nil
	}); err != nil {
		r.logger.Error("mark abandoned", slog.String("agent_id", agent.ID), slog.Any("error", err))
		return
	}
	metrics.ReconcileTransitions.WithLabelValues(string(types.StateFailed)).Inc()
}

// workloadGone handles external deletion: the record says running but no
// resources answer the label query.
func (r *Reconciler) workloadGone(ctx context.Context, agent *types.Agent) {
	release := r.locks.Lock(agent.ID)
	defer release()

	current, err := r.store.Get(ctx, agent.ID)
	if err != nil || current.State != agent.State {
		return // changed under us, next cycle will see the new state
	}

	r.logger.Error("workload disappeared", slog.String("agent_id", agent.ID))

	if err := r.routes.Unpublish(ctx, agent.ID); err != nil {
		r.logger.Error("unpublish route", slog.String("agent_id", agent.ID), slog.Any("error", err))
		return
	}
	if _, err := r.store.Update(ctx, agent.ID, func(a *types.Agent) error {
		a.State = types.StateFailed
		a.Reason = types.ReasonWorkloadMissing
		a.RoutePath = ""
		a.Handles = types.ResourceHandles{}
		a.UnhealthySince = nil
		return nil
	}); err != nil {
		r.logger.Error("mark workload missing", slog.String("agent_id", agent.ID), slog.Any("error", err))
		return
	}
	metrics.ReconcileTransitions.WithLabelValues(string(types.StateFailed)).Inc()
}

// workloadHealthy clears the unhealthy clock and heals route drift.
func (r *Reconciler) workloadHealthy(ctx context.Context, agent *types.Agent) {
	if agent.RoutePath != "" {
		if _, err := r.routes.Lookup(ctx, agent.RoutePath); errors.Is(err, routes.ErrRouteNotFound) {
			r.republishRoute(ctx, agent.ID)
		}
	}

	if agent.UnhealthySince == nil {
		return
	}

	release := r.locks.Lock(agent.ID)
	defer release()
	if _, err := r.store.Update(ctx, agent.ID, func(a *types.Agent) error {
		a.UnhealthySince = nil
		return nil
	}); err != nil {
		r.logger.Error("clear unhealthy clock", slog.String("agent_id", agent.ID), slog.Any("error", err))
	}
}

// republishRoute repairs gateway-side drift for one agent. The lookup in
// the caller is a lock-free probe over a possibly stale snapshot, so this
// takes the lock and re-reads before publishing: a concurrent teardown may
// already have withdrawn the route on purpose, and publishing from the old
// snapshot would leave a binding that nothing ever removes.
func (r *Reconciler) republishRoute(ctx context.Context, agentID string) {
	release := r.locks.Lock(agentID)
	defer release()

	current, err := r.store.Get(ctx, agentID)
	if err != nil || !current.State.Routable() ||
		current.RoutePath == "" || current.Handles.Endpoint == "" {
		return
	}
	if _, err := r.routes.Lookup(ctx, current.RoutePath); !errors.Is(err, routes.ErrRouteNotFound) {
		return
	}

	if err := r.routes.Publish(ctx, routes.Binding{
		AgentID:   current.ID,
		RoutePath: current.RoutePath,
		Endpoint:  current.Handles.Endpoint,
	}); err != nil {
		r.logger.Error("republish route", slog.String("agent_id", current.ID), slog.Any("error", err))
		return
	}
	r.logger.Info("republished missing route",
		slog.String("agent_id", current.ID),
		slog.String("route_path", current.RoutePath),
	)
}

// workloadUnhealthy starts or advances the unhealthy clock and applies the
// degraded / failed thresholds.
func (r *Reconciler) workloadUnhealthy(ctx context.Context, agent *types.Agent, reason string) {
	now := time.Now().UTC()

	release := r.locks.Lock(agent.ID)
	defer release()

	current, err := r.store.Get(ctx, agent.ID)
	if err != nil || current.State != agent.State {
		return
	}

	since := current.UnhealthySince
	if since == nil {
		if _, err := r.store.Update(ctx, agent.ID, func(a *types.Agent) error {
			a.UnhealthySince = &now
			return nil
		}); err != nil {
			r.logger.Error("start unhealthy clock", slog.String("agent_id", agent.ID), slog.Any("error", err))
		}
		return
	}

	unhealthyFor := now.Sub(*since)
	switch {
	case unhealthyFor >= r.config.FailedAfter:
		// Fail closed: withdraw the route before marking failed so no
		// traffic reaches a confirmed-broken backend.
		if err := r.routes.Unpublish(ctx, agent.ID); err != nil {
			r.logger.Error("unpublish route", slog.String("agent_id", agent.ID), slog.Any("error", err))
			return
		}
		if _, err := r.store.Update(ctx, agent.ID, func(a *types.Agent) error {
			a.State = types.StateFailed
			a.Reason = types.ReasonUnhealthy
			a.RoutePath = ""
			return nil
		}); err != nil {
			r.logger.Error("mark failed", slog.String("agent_id", agent.ID), slog.Any("error", err))
			return
		}
		metrics.ReconcileTransitions.WithLabelValues(string(types.StateFailed)).Inc()
		r.logger.Error("agent failed health checks",
			slog.String("agent_id", agent.ID),
			slog.String("reason", reason),
			slog.Duration("unhealthy_for", unhealthyFor),
		)

	case unhealthyFor >= r.config.DegradedAfter && current.State == types.StateRunning:
		if _, err := r.store.Update(ctx, agent.ID, func(a *types.Agent) error {
			a.State = types.StateDegraded
			a.Reason = types.ReasonUnhealthy
			return nil
		}); err != nil {
			r.logger.Error("mark degraded", slog.String("agent_id", agent.ID), slog.Any("error", err))
			return
		}
		metrics.ReconcileTransitions.WithLabelValues(string(types.StateDegraded)).Inc()
		r.logger.Warn("agent degraded",
			slog.String("agent_id", agent.ID),
			slog.String("reason", reason),
			slog.Duration("unhealthy_for", unhealthyFor),
		)
	}
}

// finishCleanup retries deletion of leftover resources for agents stuck in
// deleting or failed. Deleting agents whose ledger empties move to deleted.
func (r *Reconciler) finishCleanup(ctx context.Context, agent *types.Agent, terminal types.LifecycleState) {
	release := r.locks.Lock(agent.ID)
	defer release()

	current, err := r.store.Get(ctx, agent.ID)
	if err != nil || current.State != agent.State || current.Handles.Empty() {
		if err == nil && current.State == types.StateDeleting && current.Handles.Empty() {
			r.retire(ctx, agent.ID)
		}
		return
	}

	done, err := r.remover.DeleteRemaining(ctx, agent.ID)
	if err != nil {
		r.logger.Warn("cleanup retry",
			slog.String("agent_id", agent.ID),
			slog.Any("error", err),
		)
		return
	}
	if done && terminal == types.StateDeleted {
		r.retire(ctx, agent.ID)
	}
}

func (r *Reconciler) retire(ctx context.Context, agentID string) {
	if _, err := r.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.State = types.StateDeleted
		a.Reason = types.ReasonNone
		return nil
	}); err != nil {
		r.logger.Error("retire agent", slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}
	metrics.ReconcileTransitions.WithLabelValues(string(types.StateDeleted)).Inc()
}

func (r *Reconciler) updateStateGauges(agents []*types.Agent) {
	counts := make(map[types.LifecycleState]int)
	for _, a := range agents {
		counts[a.State]++
	}
	for _, s := range []types.LifecycleState{
		types.StatePending, types.StateProvisioning, types.StateRunning,
		types.StateDegraded, types.StateFailed, types.StateDeleting, types.StateDeleted,
	} {
		metrics.AgentsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

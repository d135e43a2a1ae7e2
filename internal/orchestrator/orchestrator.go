// Package orchestrator drives the agent lifecycle state machine: it turns
// deploy requests into running, routed cluster workloads and reverses the
// process on teardown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/locks"
	"github.com/ashthecoder05/snapclaw-platform/internal/manifest"
	"github.com/ashthecoder05/snapclaw-platform/internal/metrics"
	"github.com/ashthecoder05/snapclaw-platform/internal/naming"
	"github.com/ashthecoder05/snapclaw-platform/internal/routes"
	"github.com/ashthecoder05/snapclaw-platform/internal/validator"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// Config holds orchestrator tuning knobs.
type Config struct {
	// DeployDeadline bounds one provisioning attempt end to end.
	DeployDeadline time.Duration

	// RetryAttempts bounds retries of a transient cluster call.
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries, doubled per
	// attempt and capped at 30s.
	RetryBackoff time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DeployDeadline: 5 * time.Minute,
		RetryAttempts:  4,
		RetryBackoff:   2 * time.Second,
	}
}

// Orchestrator converts deployment requests into running workloads and
// keeps the route table paired with workload existence.
type Orchestrator struct {
	store     agentstore.Store
	cluster   cluster.Client
	routes    routes.Table
	builder   *manifest.Builder
	validator *validator.Validator
	locks     *locks.Registry
	config    *Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates an Orchestrator.
func New(store agentstore.Store, cc cluster.Client, rt routes.Table, b *manifest.Builder, v *validator.Validator, lr *locks.Registry, cfg *Config, logger *slog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RetryAttempts < 1 {
		// Zero attempts would report success without calling the cluster.
		c := *cfg
		c.RetryAttempts = 1
		cfg = &c
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lr == nil {
		lr = locks.NewRegistry()
	}
	return &Orchestrator{
		store:     store,
		cluster:   cc,
		routes:    rt,
		builder:   b,
		validator: v,
		locks:     lr,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("snapclaw/orchestrator"),
	}
}

// Locks exposes the per-agent lock registry so the reconciler serializes
// its corrective transitions against live deploys and teardowns.
func (o *Orchestrator) Locks() *locks.Registry {
	return o.locks
}

// Deploy provisions a new agent for the request and returns its record.
// The returned agent is in state running on success; on a provisioning
// failure the record is left in state failed with a reason code and the
// error describes the failing step.
func (o *Orchestrator) Deploy(ctx context.Context, req *types.DeployRequest) (*types.Agent, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Deploy")
	defer span.End()

	if err := o.validateRequest(req); err != nil {
		metrics.DeploysTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	// Retried requests carrying the same idempotency key resolve to the
	// agent the first request created, never a second workload.
	if req.RequestID != "" {
		release := o.locks.Lock("request:" + req.RequestID)
		defer release()
	}

	agentID, err := naming.Allocate(req.OwnerID)
	if err != nil {
		metrics.DeploysTotal.WithLabelValues("invalid").Inc()
		return nil, validationErrorf("$.owner_id", "cannot derive agent id: %v", err)
	}
	span.SetAttributes(attribute.String("agent.id", agentID))

	if req.RequestID != "" {
		claimed, err := o.store.ClaimRequest(ctx, req.RequestID, agentID)
		if err != nil {
			return nil, fmt.Errorf("claim request id: %w", err)
		}
		if claimed != agentID {
			o.logger.Info("deploy request already claimed",
				slog.String("request_id", req.RequestID),
				slog.String("agent_id", claimed),
			)
			return o.store.Get(ctx, claimed)
		}
	}

	now := time.Now().UTC()
	agent := &types.Agent{
		ID:        agentID,
		OwnerID:   req.OwnerID,
		Platform:  req.Platform,
		ModelRef:  req.ModelRef,
		State:     types.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent record: %w", err)
	}

	release := o.locks.Lock(agentID)
	defer release()

	return o.provision(ctx, req, agentID)
}

// provision runs the pending -> provisioning -> running half of the state
// machine. The caller must hold the agent lock.
func (o *Orchestrator) provision(ctx context.Context, req *types.DeployRequest, agentID string) (*types.Agent, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.config.DeployDeadline)
	defer cancel()

	manifests, err := o.builder.Build(req, agentID)
	if err != nil {
		o.transition(agentID, types.StateFailed, types.ReasonValidationFailed)
		metrics.DeploysTotal.WithLabelValues("invalid").Inc()
		return nil, validationErrorf("$", "%v", err)
	}

	if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.State = types.StateProvisioning
		return nil
	}); err != nil {
		return nil, fmt.Errorf("transition to provisioning: %w", err)
	}

	o.logger.Info("provisioning agent",
		slog.String("agent_id", agentID),
		slog.String("owner_id", req.OwnerID),
		slog.String("platform", req.Platform),
	)

	// Apply order is fixed: credential, workload, endpoint. Each success
	// is persisted immediately so a crash mid-sequence leaves an accurate
	// cleanup ledger.
	steps := []struct {
		name  string
		adopt bool
		apply func(context.Context) (string, error)
		save  func(*types.Agent, string)
	}{
		{
			name:  "credential",
			adopt: true,
			apply: func(ctx context.Context) (string, error) {
				return o.cluster.CreateCredential(ctx, manifests.Credential)
			},
			save: func(a *types.Agent, h string) { a.Handles.Credential = h },
		},
		{
			name:  "workload",
			adopt: true,
			apply: func(ctx context.Context) (string, error) {
				return o.cluster.CreateWorkload(ctx, manifests.Workload)
			},
			save: func(a *types.Agent, h string) { a.Handles.Workload = h },
		},
		{
			name: "endpoint",
			apply: func(ctx context.Context) (string, error) {
				return o.cluster.CreateEndpoint(ctx, manifests.Endpoint)
			},
			save: func(a *types.Agent, h string) { a.Handles.Endpoint = h },
		},
	}

	var endpointHandle string
	for _, step := range steps {
		handle, err := o.createWithRetry(ctx, step.apply)
		if cluster.IsConflict(err) && step.adopt {
			// A leftover from a retried request: adopt it instead of
			// failing, the manifests are deterministic per agent id.
			o.logger.Warn("adopting existing resource",
				slog.String("agent_id", agentID),
				slog.String("step", step.name),
			)
			handle, err = manifestName(manifests, step.name), nil
		}
		if err != nil {
			return o.failProvision(ctx, agentID, step.name, start, err)
		}

		if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
			step.save(a, handle)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("record %s handle: %w", step.name, err)
		}
		if step.name == "endpoint" {
			endpointHandle = handle
		}
	}

	// Route goes live only after the endpoint exists.
	routePath := naming.RoutePath(agentID)
	if err := o.routes.Publish(ctx, routes.Binding{
		AgentID:   agentID,
		RoutePath: routePath,
		Endpoint:  endpointHandle,
	}); err != nil {
		return o.failProvision(ctx, agentID, "route", start, err)
	}

	agent, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.RoutePath = routePath
		a.State = types.StateRunning
		a.Reason = types.ReasonNone
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition to running: %w", err)
	}

	metrics.DeploysTotal.WithLabelValues("running").Inc()
	metrics.DeployDuration.WithLabelValues("running").Observe(time.Since(start).Seconds())
	o.logger.Info("agent running",
		slog.String("agent_id", agentID),
		slog.String("route_path", routePath),
	)
	return agent, nil
}

// failProvision rolls back partial resources best-effort and moves the
// agent to failed with a reason code the caller can act on.
func (o *Orchestrator) failProvision(ctx context.Context, agentID, step string, start time.Time, cause error) (*types.Agent, error) {
	reason := types.ReasonPartialCreate
	switch {
	case cluster.IsQuota(cause):
		reason = types.ReasonQuotaExceeded
	case errors.Is(cause, context.DeadlineExceeded):
		reason = types.ReasonDeadlineExceeded
	case errors.Is(cause, routes.ErrRouteConflict):
		reason = types.ReasonRouteConflict
	}

	o.logger.Error("provisioning failed",
		slog.String("agent_id", agentID),
		slog.String("step", step),
		slog.String("reason", string(reason)),
		slog.Any("error", cause),
	)

	o.rollback(agentID)
	o.transition(agentID, types.StateFailed, reason)

	metrics.DeploysTotal.WithLabelValues("failed").Inc()
	metrics.DeployDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
	return nil, fmt.Errorf("provision agent %s: %s step: %w", agentID, step, cause)
}

// rollback deletes every recorded handle best-effort, in reverse creation
// order, on a fresh context so a blown deploy deadline cannot also doom
// the cleanup. Failures are logged and left to the reconciler.
func (o *Orchestrator) rollback(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	agent, err := o.store.Get(ctx, agentID)
	if err != nil {
		o.logger.Error("rollback: load agent", slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}

	if agent.RoutePath != "" {
		if err := o.routes.Unpublish(ctx, agentID); err != nil {
			o.logger.Error("rollback: unpublish route", slog.String("agent_id", agentID), slog.Any("error", err))
		}
	}

	o.deleteHandles(ctx, agentID, agent.Handles)
}

// deleteHandles deletes the recorded resources in reverse creation order,
// clearing each handle as its deletion is confirmed. Absent resources
// count as deleted. Returns the first real error encountered.
func (o *Orchestrator) deleteHandles(ctx context.Context, agentID string, handles types.ResourceHandles) error {
	steps := []struct {
		name   string
		handle string
		delete func(context.Context, string) error
		clear  func(*types.Agent)
	}{
		{"endpoint", handles.Endpoint, o.cluster.DeleteEndpoint, func(a *types.Agent) { a.Handles.Endpoint = "" }},
		{"workload", handles.Workload, o.cluster.DeleteWorkload, func(a *types.Agent) { a.Handles.Workload = "" }},
		{"credential", handles.Credential, o.cluster.DeleteCredential, func(a *types.Agent) { a.Handles.Credential = "" }},
	}

	var firstErr error
	for _, step := range steps {
		if step.handle == "" {
			continue
		}
		err := o.deleteWithRetry(ctx, step.handle, step.delete)
		if err != nil && !cluster.IsNotFound(err) {
			o.logger.Error("delete resource",
				slog.String("agent_id", agentID),
				slog.String("resource", step.name),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", step.name, err)
			}
			continue
		}
		if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
			step.clear(a)
			return nil
		}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear %s handle: %w", step.name, err)
		}
	}
	return firstErr
}

// Teardown deletes the agent's resources and retires its record. Absent
// or already-deleted agents fail with agentstore.ErrAgentNotFound.
func (o *Orchestrator) Teardown(ctx context.Context, agentID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Teardown",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	agent, err := o.store.Get(ctx, agentID)
	if err != nil {
		metrics.TeardownsTotal.WithLabelValues("not_found").Inc()
		return err
	}
	if agent.State == types.StateDeleted {
		metrics.TeardownsTotal.WithLabelValues("not_found").Inc()
		return agentstore.ErrAgentNotFound
	}

	// Waits for any in-flight provisioning rather than interrupting it,
	// so no create call can complete untracked.
	release := o.locks.Lock(agentID)
	defer release()

	agent, err = o.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State == types.StateDeleted {
		metrics.TeardownsTotal.WithLabelValues("not_found").Inc()
		return agentstore.ErrAgentNotFound
	}

	o.logger.Info("tearing down agent", slog.String("agent_id", agentID))

	if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.State = types.StateDeleting
		a.Reason = types.ReasonNone
		return nil
	}); err != nil {
		return fmt.Errorf("transition to deleting: %w", err)
	}

	// Route comes down before any delete call so no traffic is ever
	// routed to a half-deleted backend.
	if err := o.routes.Unpublish(ctx, agentID); err != nil {
		return fmt.Errorf("unpublish route: %w", err)
	}
	if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.RoutePath = ""
		return nil
	}); err != nil {
		return fmt.Errorf("clear route path: %w", err)
	}

	if err := o.deleteHandles(ctx, agentID, agent.Handles); err != nil {
		o.transition(agentID, types.StateDeleting, types.ReasonDeleteIncomplete)
		metrics.TeardownsTotal.WithLabelValues("incomplete").Inc()
		return fmt.Errorf("%w: %v", ErrTeardownIncomplete, err)
	}

	if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.State = types.StateDeleted
		a.Reason = types.ReasonNone
		return nil
	}); err != nil {
		return fmt.Errorf("transition to deleted: %w", err)
	}

	metrics.TeardownsTotal.WithLabelValues("deleted").Inc()
	o.logger.Info("agent deleted", slog.String("agent_id", agentID))
	return nil
}

// Restart tears the agent down and provisions it again with the same id
// and stored configuration. Credential material is read back from the
// live credential object before teardown, since it is never persisted in
// the record.
func (o *Orchestrator) Restart(ctx context.Context, agentID string) (*types.Agent, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Restart",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	agent, err := o.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.State == types.StateDeleted {
		return nil, agentstore.ErrAgentNotFound
	}
	if agent.Handles.Credential == "" {
		return nil, fmt.Errorf("restart agent %s: no credential object to recover secrets from", agentID)
	}

	secret, err := o.cluster.GetCredential(ctx, agent.Handles.Credential)
	if err != nil {
		return nil, fmt.Errorf("read credentials for restart: %w", err)
	}

	creds := make(map[string]string)
	for key, value := range secret.Data {
		creds[strings.ToLower(key)] = string(value)
	}
	for key, value := range secret.StringData {
		creds[strings.ToLower(key)] = value
	}

	req := &types.DeployRequest{
		OwnerID:     agent.OwnerID,
		Platform:    agent.Platform,
		ModelRef:    agent.ModelRef,
		Credentials: creds,
	}

	// Teardown must reach deleted before the deploy half begins.
	if err := o.Teardown(ctx, agentID); err != nil {
		return nil, fmt.Errorf("restart teardown: %w", err)
	}

	release := o.locks.Lock(agentID)
	defer release()

	if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.State = types.StatePending
		a.Reason = types.ReasonNone
		a.UnhealthySince = nil
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reset agent for restart: %w", err)
	}

	return o.provision(ctx, req, agentID)
}

// DeleteRemaining deletes whatever resources the agent's ledger still
// names. Used by the reconciler to finish cleanup that a best-effort
// rollback or a partially failed teardown left behind. The caller is
// expected to hold the agent lock.
func (o *Orchestrator) DeleteRemaining(ctx context.Context, agentID string) (bool, error) {
	agent, err := o.store.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	if err := o.deleteHandles(ctx, agentID, agent.Handles); err != nil {
		return false, err
	}
	return true, nil
}

// Status returns the agent record for read-only queries.
func (o *Orchestrator) Status(ctx context.Context, agentID string) (*types.Agent, error) {
	return o.store.Get(ctx, agentID)
}

// RebuildRoutes replaces the route table with the bindings implied by the
// current set of routable agent records. Safe to run at any time.
func (o *Orchestrator) RebuildRoutes(ctx context.Context) error {
	agents, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	var bindings []routes.Binding
	for _, agent := range agents {
		if agent.State.Routable() && agent.RoutePath != "" && agent.Handles.Endpoint != "" {
			bindings = append(bindings, routes.Binding{
				AgentID:   agent.ID,
				RoutePath: agent.RoutePath,
				Endpoint:  agent.Handles.Endpoint,
			})
		}
	}

	if err := o.routes.Resync(ctx, bindings); err != nil {
		return fmt.Errorf("resync routes: %w", err)
	}
	metrics.RoutesPublished.Set(float64(len(bindings)))
	o.logger.Info("route table rebuilt", slog.Int("routes", len(bindings)))
	return nil
}

func (o *Orchestrator) validateRequest(req *types.DeployRequest) error {
	if req == nil {
		return validationErrorf("$", "request body is required")
	}
	if o.validator == nil {
		return nil
	}

	data, err := json.Marshal(req)
	if err != nil {
		return validationErrorf("$", "cannot encode request: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return validationErrorf("$", "cannot decode request: %v", err)
	}

	if result := o.validator.ValidateDeploy(doc); !result.Valid {
		return &ValidationError{Errors: result.Errors}
	}
	return nil
}

// transition moves the agent to state/reason, logging instead of failing
// when the record is gone.
func (o *Orchestrator) transition(agentID string, state types.LifecycleState, reason types.ReasonCode) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := o.store.Update(ctx, agentID, func(a *types.Agent) error {
		a.State = state
		a.Reason = reason
		return nil
	}); err != nil {
		o.logger.Error("state transition",
			slog.String("agent_id", agentID),
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
	}
}

// createWithRetry retries transient failures with exponential backoff.
func (o *Orchestrator) createWithRetry(ctx context.Context, create func(context.Context) (string, error)) (string, error) {
	var handle string
	err := o.withRetry(ctx, func() error {
		var err error
		handle, err = create(ctx)
		return err
	})
	return handle, err
}

func (o *Orchestrator) deleteWithRetry(ctx context.Context, handle string, del func(context.Context, string) error) error {
	return o.withRetry(ctx, func() error {
		return del(ctx, handle)
	})
}

func (o *Orchestrator) withRetry(ctx context.Context, op func() error) error {
	backoff := o.config.RetryBackoff
	var err error
	for attempt := 0; attempt < o.config.RetryAttempts; attempt++ {
		err = op()
		if err == nil || !cluster.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return err
}

func manifestName(ms *manifest.Manifests, step string) string {
	switch step {
	case "credential":
		return ms.Credential.Name
	case "workload":
		return ms.Workload.Name
	default:
		return ms.Endpoint.Name
	}
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/config"
	"github.com/ashthecoder05/snapclaw-platform/internal/orchestrator"
	"github.com/ashthecoder05/snapclaw-platform/internal/routes"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	orch   *orchestrator.Orchestrator
	store  agentstore.Store
	table  routes.Table
	config *config.Config
	logger *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(orch *orchestrator.Orchestrator, store agentstore.Store, table routes.Table, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		orch:   orch,
		store:  store,
		table:  table,
		config: cfg,
		logger: logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "agent store unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"store":  info,
	})
}

// --- Agent Management ---

// DeployResponse is the response body after a deploy.
type DeployResponse struct {
	AgentID    string               `json:"agentId"`
	State      types.LifecycleState `json:"state"`
	RoutePath  string               `json:"routePath,omitempty"`
	WebhookURL string               `json:"webhookUrl,omitempty"`
	EventsURL  string               `json:"eventsUrl"`
}

// DeployAgent handles POST /api/v1/agents
func (h *Handlers) DeployAgent(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	agent, err := h.orch.Deploy(r.Context(), &req)
	if err != nil {
		h.respondOrchestratorError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, h.deployResponse(agent))
}

// GetAgent handles GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	agent, err := h.orch.Status(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agentstore.ErrAgentNotFound) {
			h.respondError(w, r, http.StatusNotFound, "agent not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to load agent", err)
		return
	}

	h.respondJSON(w, http.StatusOK, agent)
}

// ListAgents handles GET /api/v1/agents?owner={owner}
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		agents []*types.Agent
		err    error
	)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		agents, err = h.store.ListByOwner(ctx, owner)
	} else {
		agents, err = h.store.List(ctx)
	}
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list agents", err)
		return
	}

	if agents == nil {
		agents = []*types.Agent{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

// DeleteAgent handles DELETE /api/v1/agents/{id}
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	if err := h.orch.Teardown(r.Context(), agentID); err != nil {
		h.respondOrchestratorError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"agentId": agentID,
		"state":   string(types.StateDeleted),
	})
}

// RestartAgent handles POST /api/v1/agents/{id}/restart
func (h *Handlers) RestartAgent(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	agent, err := h.orch.Restart(r.Context(), agentID)
	if err != nil {
		h.respondOrchestratorError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, h.deployResponse(agent))
}

// --- Gateway Route Sink ---

// RouteSnapshot handles GET /api/v1/routes, the gateway configuration
// sink: the full mapping from route path to endpoint handle.
func (h *Handlers) RouteSnapshot(w http.ResponseWriter, r *http.Request) {
	bindings, err := h.table.Snapshot(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to snapshot routes", err)
		return
	}

	if bindings == nil {
		bindings = []routes.Binding{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"routes": bindings,
		"count":  len(bindings),
	})
}

// --- Stats ---

// Stats handles GET /api/v1/stats with aggregate agent counts.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.List(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list agents", err)
		return
	}

	byState := make(map[string]int)
	owners := make(map[string]bool)
	active := 0
	for _, a := range agents {
		byState[string(a.State)]++
		owners[a.OwnerID] = true
		if a.State.Routable() {
			active++
		}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"total":    len(agents),
		"active":   active,
		"byState":  byState,
		"owners":   len(owners),
	})
}

// --- Helpers ---

func (h *Handlers) deployResponse(agent *types.Agent) DeployResponse {
	resp := DeployResponse{
		AgentID:   agent.ID,
		State:     agent.State,
		RoutePath: agent.RoutePath,
		EventsURL: "/api/v1/agents/" + agent.ID + "/events",
	}
	if agent.RoutePath != "" && h.config != nil {
		resp.WebhookURL = "https://" + h.config.ExternalDomain + agent.RoutePath
	}
	return resp
}

// respondOrchestratorError maps orchestrator error types onto HTTP statuses.
func (h *Handlers) respondOrchestratorError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *orchestrator.ValidationError
	switch {
	case errors.As(err, &ve):
		details := map[string]interface{}{"errors": ve.Errors}
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid deploy request", details)
	case errors.Is(err, agentstore.ErrAgentNotFound):
		h.respondError(w, r, http.StatusNotFound, "agent not found", err)
	case errors.Is(err, routes.ErrRouteConflict), cluster.IsConflict(err):
		h.respondError(w, r, http.StatusConflict, "resource conflict", err)
	case cluster.IsTransient(err):
		h.respondError(w, r, http.StatusServiceUnavailable, "cluster temporarily unavailable", err)
	case errors.Is(err, orchestrator.ErrTeardownIncomplete):
		h.respondError(w, r, http.StatusConflict, "teardown incomplete, retry later", err)
	default:
		h.respondError(w, r, http.StatusInternalServerError, "operation failed", err)
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	if err != nil {
		h.logger.Error(message,
			slog.Int("status", status),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeErrorResponse(w, r, status, httpStatusToErrorCode(status), message, nil)
}

// httpStatusToErrorCode maps HTTP status codes to error codes.
func httpStatusToErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ErrCodeAuthRequired
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/metrics"
	"github.com/ashthecoder05/snapclaw-platform/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin checks happen in the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// lifecycleEvent is a single state transition pushed to a stream client.
type lifecycleEvent struct {
	AgentID   string               `json:"agentId"`
	State     types.LifecycleState `json:"state"`
	Reason    types.ReasonCode     `json:"reason,omitempty"`
	RoutePath string               `json:"routePath,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// StreamEvents handles GET /api/v1/agents/{id}/events over WebSocket.
// The stream emits one event per observed state change and closes once
// the agent reaches a terminal state.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	requestID := GetRequestID(r.Context(), r)

	agent, err := h.store.Get(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agentstore.ErrAgentNotFound) {
			h.respondError(w, r, http.StatusNotFound, "agent not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to load agent", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	metrics.EventStreamConnections.Inc()
	defer metrics.EventStreamConnections.Dec()

	h.logger.Info("event stream opened",
		slog.String("agent_id", agentID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Drain client frames so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.writeEvent(conn, agent); err != nil {
		return
	}
	lastState := agent.State
	lastReason := agent.Reason

	if agent.State.Terminal() {
		h.closeStream(conn, agentID)
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			agent, err := h.store.Get(r.Context(), agentID)
			if err != nil {
				if errors.Is(err, agentstore.ErrAgentNotFound) {
					h.closeStream(conn, agentID)
					return
				}
				continue
			}

			if agent.State == lastState && agent.Reason == lastReason {
				continue
			}
			lastState = agent.State
			lastReason = agent.Reason

			if err := h.writeEvent(conn, agent); err != nil {
				return
			}
			if agent.State.Terminal() {
				h.closeStream(conn, agentID)
				return
			}
		}
	}
}

func (h *Handlers) writeEvent(conn *websocket.Conn, agent *types.Agent) error {
	evt := lifecycleEvent{
		AgentID:   agent.ID,
		State:     agent.State,
		Reason:    agent.Reason,
		RoutePath: agent.RoutePath,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (h *Handlers) closeStream(conn *websocket.Conn, agentID string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.CloseMessage, msg)
	h.logger.Info("event stream closed", slog.String("agent_id", agentID))
}

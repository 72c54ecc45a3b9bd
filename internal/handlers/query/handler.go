// Package query exposes the management read surface: fleet overviews,
// user listings, and the server event log.
package query

import (
	"context"
	"net/http"
	"time"

	"github.com/sentinelfleet/sentinel/internal/eventlog"
	"github.com/sentinelfleet/sentinel/internal/handlers"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/internal/session"
	"github.com/sentinelfleet/sentinel/pkg/httputil"
)

// AgentStore is the slice of agent persistence the handler needs.
type AgentStore interface {
	GetByUUID(ctx context.Context, uuid string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
}

// UserStore is the slice of user persistence the handler needs.
type UserStore interface {
	List(ctx context.Context) ([]*models.User, error)
}

// AgentView is one row of the fleet overview: the durable registration
// merged with live session data when the agent is connected.
type AgentView struct {
	UUID         string    `json:"uuid"`
	RegisteredAt time.Time `json:"registeredAt"`
	RegisteredBy string    `json:"registeredBy"`
	LoggedInUser string    `json:"loggedInUser"`
	State        int       `json:"state"`
	Connected    bool      `json:"connected"`

	Updates          int    `json:"updates"`
	SecurityUpdates  int    `json:"securityUpdates"`
	OperationCount   int    `json:"operationCount"`
	OperationStatus  int    `json:"operationStatus"`
	OperationMessage string `json:"operationMessage"`
}

// Handler serves the management query endpoints.
type Handler struct {
	agents  AgentStore
	users   UserStore
	manager *session.Manager
	events  *eventlog.Log
	mgmt    *handlers.ManagementAuthorizer
}

// NewHandler creates a query handler.
func NewHandler(agents AgentStore, users UserStore, manager *session.Manager, events *eventlog.Log, mgmt *handlers.ManagementAuthorizer) *Handler {
	return &Handler{
		agents:  agents,
		users:   users,
		manager: manager,
		events:  events,
		mgmt:    mgmt,
	}
}

// Agents returns the fleet overview.
func (h *Handler) Agents(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	agents, err := h.agents.List(r.Context())
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	live := h.manager.Snapshots()

	views := make([]AgentView, 0, len(agents))
	for _, agent := range agents {
		view := AgentView{
			UUID:         agent.UUID,
			RegisteredAt: agent.RegisteredAt,
			RegisteredBy: agent.RegisteredBy,
			LoggedInUser: agent.LoggedInUser,
			State:        int(agent.State),
		}
		if snap, ok := live[agent.UUID]; ok {
			view.Connected = true
			view.State = int(snap.State)
			view.Updates = snap.Updates
			view.SecurityUpdates = snap.SecurityUpdates
			view.OperationCount = snap.OperationCount
			view.OperationStatus = int(snap.ProcessingStatus)
			view.OperationMessage = snap.ProcessingMessage
		}
		views = append(views, view)
	}

	httputil.RespondWithJSON(w, http.StatusOK, views)
}

// Users returns all registered user accounts.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	users, err := h.users.List(r.Context())
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, users)
}

// State reports the state of one agent, live or persisted.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	uuid := httputil.GetQueryParam(r, "uuid")
	if uuid == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	state, err := h.manager.QueryState(r.Context(), uuid)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":  uuid,
		"state": int(state),
	})
}

// UpdateCounts reports the pending system update counts of one connected
// agent.
func (h *Handler) UpdateCounts(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	uuid := httputil.GetQueryParam(r, "uuid")
	if uuid == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	snap, ok := h.manager.Get(uuid)
	if !ok {
		handlers.WriteError(w, models.ErrNotConnected)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":            uuid,
		"updates":         snap.Updates,
		"securityUpdates": snap.SecurityUpdates,
	})
}

// EventLog returns the newest entries of the server event log.
func (h *Handler) EventLog(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	count := httputil.GetIntQueryParam(r, "count", 100)
	httputil.RespondWithJSON(w, http.StatusOK, h.events.Latest(count))
}

// EventLogSince returns event log entries newer than a given entry ID, so
// management clients can tail the log without re-reading it.
func (h *Handler) EventLogSince(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	after := httputil.GetIntQueryParam(r, "after", -1)
	httputil.RespondWithJSON(w, http.StatusOK, h.events.Since(after))
}

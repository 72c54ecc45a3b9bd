// Package session exposes the agent session lifecycle over HTTP: token
// issuance, state reporting, liveness pings, and the operation queue.
package session

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sentinelfleet/sentinel/internal/eventlog"
	"github.com/sentinelfleet/sentinel/internal/handlers"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/internal/session"
	"github.com/sentinelfleet/sentinel/pkg/httputil"
	"github.com/sentinelfleet/sentinel/pkg/tokens"
)

// UserStore is the slice of user persistence the handler needs.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// Handler serves the session endpoints.
type Handler struct {
	manager    *session.Manager
	users      UserStore
	authority  *tokens.Authority
	mgmt       *handlers.ManagementAuthorizer
	mgmtExpiry time.Duration
	events     *eventlog.Log
}

// NewHandler creates a session handler.
func NewHandler(manager *session.Manager, users UserStore, authority *tokens.Authority, mgmt *handlers.ManagementAuthorizer, mgmtExpiry time.Duration, events *eventlog.Log) *Handler {
	return &Handler{
		manager:    manager,
		users:      users,
		authority:  authority,
		mgmt:       mgmt,
		mgmtExpiry: mgmtExpiry,
		events:     events,
	}
}

func (h *Handler) authAgent(r *http.Request) (string, error) {
	raw := httputil.FormValueOrQuery(r, "token")
	if raw == "" {
		return "", models.ErrNotConnected
	}
	return h.manager.Authenticate(raw)
}

// TokenRequest issues a session token to an agent presenting its UUID and
// auth secret.
func (h *Handler) TokenRequest(w http.ResponseWriter, r *http.Request) {
	uuid := httputil.FormValueOrQuery(r, "uuid")
	auth := httputil.FormValueOrQuery(r, "auth")
	if uuid == "" || auth == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "uuid and auth are required")
		return
	}

	signed, err := h.manager.RequestToken(r.Context(), uuid, auth, handlers.ClientIP(r))
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// ManagementTokenRequest exchanges admin credentials for a management
// token bound to the caller's IP.
func (h *Handler) ManagementTokenRequest(w http.ResponseWriter, r *http.Request) {
	username := httputil.FormValueOrQuery(r, "username")
	pass := httputil.FormValueOrQuery(r, "password")
	if username == "" || pass == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), username)
	if err != nil {
		// Do not reveal whether the account exists.
		handlers.WriteError(w, models.ErrAuthMismatch)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(pass)) != nil {
		handlers.WriteError(w, models.ErrAuthMismatch)
		return
	}
	if !user.IsAdmin {
		handlers.WriteError(w, models.ErrForbidden)
		return
	}

	clientIP := handlers.ClientIP(r)
	_, signed, err := h.authority.IssueManagement(clientIP, h.mgmtExpiry)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	h.events.Append(eventlog.LevelInfo, "management token issued to "+username+" at "+clientIP)
	httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// UpdateState records a state declared by the agent itself.
func (h *Handler) UpdateState(w http.ResponseWriter, r *http.Request) {
	uuid, err := h.authAgent(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	raw := httputil.FormValueOrQuery(r, "state")
	value, convErr := strconv.Atoi(raw)
	if convErr != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "state must be an integer")
		return
	}
	state, err := models.StateFromInt(value)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	if err := h.manager.UpdateState(r.Context(), uuid, state); err != nil {
		handlers.WriteError(w, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

// ClientPing refreshes the agent's liveness clock. Agents piggyback their
// pending system update counts on the ping.
func (h *Handler) ClientPing(w http.ResponseWriter, r *http.Request) {
	uuid, err := h.authAgent(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	if err := h.manager.RecordPing(uuid); err != nil {
		handlers.WriteError(w, err)
		return
	}

	if raw := httputil.FormValueOrQuery(r, "updates"); raw != "" {
		updates, err := strconv.Atoi(raw)
		if err != nil {
			handlers.WriteError(w, models.ErrMalformedPayload)
			return
		}
		security := 0
		if rawSecurity := httputil.FormValueOrQuery(r, "securityUpdates"); rawSecurity != "" {
			if security, err = strconv.Atoi(rawSecurity); err != nil {
				handlers.WriteError(w, models.ErrMalformedPayload)
				return
			}
		}
		if err := h.manager.RecordUpdateCounts(uuid, updates, security); err != nil {
			handlers.WriteError(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// QueryState reports the current state of any registered agent. Falls back
// to the persisted state for agents without a live session.
func (h *Handler) QueryState(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authAgent(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	target := httputil.FormValueOrQuery(r, "uuid")
	if target == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	state, err := h.manager.QueryState(r.Context(), target)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":  target,
		"state": int(state),
	})
}

// NextOperation pops the oldest queued operation for the calling agent.
// Responds 204 when the queue is empty.
func (h *Handler) NextOperation(w http.ResponseWriter, r *http.Request) {
	uuid, err := h.authAgent(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	op, found, err := h.manager.NextOperation(uuid)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.RespondWithJSON(w, http.StatusOK, op)
}

// EnqueueOperation queues an operation for a connected agent on behalf of
// a management client. Operation parameters are sent as a JSON body and
// handed to the agent untouched.
func (h *Handler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	uuid := httputil.GetQueryParam(r, "uuid")
	opType := httputil.GetQueryParam(r, "type")
	if uuid == "" || opType == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "uuid and type are required")
		return
	}

	var payload map[string]interface{}
	if r.ContentLength > 0 {
		if err := httputil.ParseJSONBody(r, &payload); err != nil {
			handlers.WriteError(w, fmt.Errorf("%w: payload must be a JSON object", models.ErrMalformedPayload))
			return
		}
	}

	id, err := h.manager.Enqueue(uuid, opType, payload)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	h.events.Append(eventlog.LevelInfo,
		fmt.Sprintf("queued %s operation %d for agent %s", opType, id, uuid))
	httputil.RespondWithJSON(w, http.StatusAccepted, map[string]int{"id": id})
}

// OperationStatus records the agent's report on the operation it is
// currently running.
func (h *Handler) OperationStatus(w http.ResponseWriter, r *http.Request) {
	uuid, err := h.authAgent(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	raw := httputil.FormValueOrQuery(r, "status")
	value, convErr := strconv.Atoi(raw)
	if convErr != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "status must be an integer")
		return
	}
	status, err := models.ProcessingStatusFromInt(value)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	message := httputil.FormValueOrQuery(r, "message")
	if err := h.manager.SetProcessingStatus(uuid, status, message); err != nil {
		handlers.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package auth exposes user login on agents plus the administrative
// registration endpoints for agents and users.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sentinelfleet/sentinel/internal/config"
	"github.com/sentinelfleet/sentinel/internal/eventlog"
	"github.com/sentinelfleet/sentinel/internal/handlers"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/internal/session"
	"github.com/sentinelfleet/sentinel/pkg/debug"
	"github.com/sentinelfleet/sentinel/pkg/fsutil"
	"github.com/sentinelfleet/sentinel/pkg/hashutil"
	"github.com/sentinelfleet/sentinel/pkg/httputil"
	"github.com/sentinelfleet/sentinel/pkg/password"
)

// AgentStore is the slice of agent persistence the handler needs.
type AgentStore interface {
	GetByUUID(ctx context.Context, uuid string) (*models.Agent, error)
	Create(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, uuid string) error
	UpdateLoggedInUser(ctx context.Context, uuid, username string) error
	FindByLoggedInUser(ctx context.Context, username string) (string, error)
}

// UserStore is the slice of user persistence the handler needs.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, username string) error
}

// Handler serves the auth endpoints.
type Handler struct {
	cfg     *config.Config
	agents  AgentStore
	users   UserStore
	manager *session.Manager
	mgmt    *handlers.ManagementAuthorizer
	events  *eventlog.Log
}

// NewHandler creates an auth handler.
func NewHandler(cfg *config.Config, agents AgentStore, users UserStore, manager *session.Manager, mgmt *handlers.ManagementAuthorizer, events *eventlog.Log) *Handler {
	return &Handler{
		cfg:     cfg,
		agents:  agents,
		users:   users,
		manager: manager,
		mgmt:    mgmt,
		events:  events,
	}
}

func (h *Handler) authAgent(r *http.Request) (string, error) {
	raw := httputil.FormValueOrQuery(r, "token")
	if raw == "" {
		return "", models.ErrNotConnected
	}
	return h.manager.Authenticate(raw)
}

// Login signs a user in on the calling agent. A user can be signed in on
// at most one agent, and an agent hosts at most one user.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	agentUUID, err := h.authAgent(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	username := httputil.FormValueOrQuery(r, "username")
	pass := httputil.FormValueOrQuery(r, "password")
	if username == "" || pass == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), username)
	if err != nil {
		handlers.WriteError(w, models.ErrAuthMismatch)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(pass)) != nil {
		h.events.Append(eventlog.LevelWarning,
			fmt.Sprintf("failed login for %s on agent %s", username, agentUUID))
		handlers.WriteError(w, models.ErrAuthMismatch)
		return
	}

	agent, err := h.agents.GetByUUID(r.Context(), agentUUID)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	if agent.HasUser() {
		handlers.WriteError(w, fmt.Errorf("%w: agent already has a user signed in", models.ErrConflict))
		return
	}

	if other, err := h.agents.FindByLoggedInUser(r.Context(), username); err == nil && other != agentUUID {
		handlers.WriteError(w, fmt.Errorf("%w: user is signed in elsewhere", models.ErrConflict))
		return
	}

	if err := h.agents.UpdateLoggedInUser(r.Context(), agentUUID, username); err != nil {
		handlers.WriteError(w, err)
		return
	}

	h.events.Append(eventlog.LevelInfo, fmt.Sprintf("%s signed in on agent %s", username, agentUUID))
	w.WriteHeader(http.StatusNoContent)
}

// Logout signs the current user out of the calling agent.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	agentUUID, err := h.authAgent(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	agent, err := h.agents.GetByUUID(r.Context(), agentUUID)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	if !agent.HasUser() {
		handlers.WriteError(w, models.ErrNotLoggedIn)
		return
	}

	if err := h.agents.UpdateLoggedInUser(r.Context(), agentUUID, models.NoUser); err != nil {
		handlers.WriteError(w, err)
		return
	}

	h.events.Append(eventlog.LevelInfo,
		fmt.Sprintf("%s signed out of agent %s", agent.LoggedInUser, agentUUID))
	w.WriteHeader(http.StatusNoContent)
}

// RegisterAgent creates a new agent registration and returns its assigned
// UUID and auth secret. The secret is only ever shown once.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	secret, err := password.GenerateAuthSecret()
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	agent := &models.Agent{
		UUID:         uuid.New().String(),
		AuthHash:     hashutil.SHA256Hex(secret),
		RegisteredAt: time.Now(),
		RegisteredBy: handlers.ClientIP(r),
		LoggedInUser: models.NoUser,
		State:        models.StateUnknown,
	}
	if err := h.agents.Create(r.Context(), agent); err != nil {
		handlers.WriteError(w, err)
		return
	}

	h.events.Append(eventlog.LevelInfo, "registered agent "+agent.UUID)
	httputil.RespondWithJSON(w, http.StatusCreated, map[string]string{
		"uuid": agent.UUID,
		"auth": secret,
	})
}

// RemoveAgent deletes an agent's registration and revokes any live
// session it holds. Refused while a user is signed in on the agent.
func (h *Handler) RemoveAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	agentUUID := httputil.FormValueOrQuery(r, "uuid")
	if agentUUID == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "uuid is required")
		return
	}

	agent, err := h.agents.GetByUUID(r.Context(), agentUUID)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	if agent.HasUser() {
		handlers.WriteError(w, fmt.Errorf("%w: a user is signed in on this agent", models.ErrConflict))
		return
	}

	h.manager.Revoke(agentUUID)
	if err := h.agents.Delete(r.Context(), agentUUID); err != nil {
		handlers.WriteError(w, err)
		return
	}

	h.events.Append(eventlog.LevelInfo, "removed agent "+agentUUID)
	w.WriteHeader(http.StatusNoContent)
}

// RegisterUser creates a new user account and its private store
// directory.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	username := httputil.FormValueOrQuery(r, "username")
	pass := httputil.FormValueOrQuery(r, "password")
	if username == "" || pass == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := password.ValidateUsername(username); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := password.Validate(pass); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	user := &models.User{
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      httputil.FormValueOrQuery(r, "admin") == "true",
		RegisteredAt: time.Now(),
		RegisteredBy: handlers.ClientIP(r),
	}
	if err := h.users.Create(r.Context(), user); err != nil {
		handlers.WriteError(w, err)
		return
	}

	if err := fsutil.EnsureDirectoryExists(h.cfg.UserStore(username)); err != nil {
		debug.Warning("Failed to create private store for %s: %v", username, err)
	}

	h.events.Append(eventlog.LevelInfo, "registered user "+username)
	w.WriteHeader(http.StatusCreated)
}

// RemoveUser deletes a user account and its private store. Refused while
// the user is signed in on any agent.
func (h *Handler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	if err := h.mgmt.Authorize(r); err != nil {
		handlers.WriteError(w, err)
		return
	}

	username := httputil.FormValueOrQuery(r, "username")
	if username == "" {
		httputil.RespondWithError(w, http.StatusBadRequest, "username is required")
		return
	}

	if agentUUID, err := h.agents.FindByLoggedInUser(r.Context(), username); err == nil {
		handlers.WriteError(w, fmt.Errorf("%w: user is signed in on agent %s", models.ErrConflict, agentUUID))
		return
	}

	if err := h.users.Delete(r.Context(), username); err != nil {
		handlers.WriteError(w, err)
		return
	}

	for _, dir := range []string{
		h.cfg.UserStore(username),
		filepath.Join(h.cfg.FTSDir, config.UserDeltaCacheDir, username),
	} {
		if err := os.RemoveAll(dir); err != nil {
			debug.Warning("Failed to remove private store %s: %v", dir, err)
		}
	}

	h.events.Append(eventlog.LevelInfo, "removed user "+username)
	w.WriteHeader(http.StatusNoContent)
}

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sentinelfleet/sentinel/internal/eventlog"
	"github.com/sentinelfleet/sentinel/internal/handlers"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/internal/session"
	"github.com/sentinelfleet/sentinel/pkg/hashutil"
	"github.com/sentinelfleet/sentinel/pkg/tokens"
)

type fakeAgents struct {
	agents map[string]*models.Agent
}

func (f *fakeAgents) GetByUUID(_ context.Context, uuid string) (*models.Agent, error) {
	agent, ok := f.agents[uuid]
	if !ok {
		return nil, models.ErrNotRegistered
	}
	copied := *agent
	return &copied, nil
}

func (f *fakeAgents) UpdateState(_ context.Context, uuid string, state models.AgentState) error {
	agent, ok := f.agents[uuid]
	if !ok {
		return models.ErrNotRegistered
	}
	agent.State = state
	return nil
}

type fakeUsers struct {
	users map[string]*models.User
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*models.User, error) {
	user, ok := f.users[username]
	if !ok {
		return nil, models.ErrNotFound
	}
	return user, nil
}

type fixture struct {
	handler   *Handler
	manager   *session.Manager
	authority *tokens.Authority
	agents    *fakeAgents
	users     *fakeUsers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	priv, pub, err := tokens.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := tokens.NewAuthority(priv, pub, "server-1")
	require.NoError(t, err)

	agents := &fakeAgents{agents: map[string]*models.Agent{
		"agent-1": {
			UUID:         "agent-1",
			AuthHash:     hashutil.SHA256Hex("secret"),
			LoggedInUser: models.NoUser,
		},
	}}

	adminHash, err := bcrypt.GenerateFromPassword([]byte("hunter42x"), bcrypt.MinCost)
	require.NoError(t, err)
	users := &fakeUsers{users: map[string]*models.User{
		"admin": {Username: "admin", PasswordHash: string(adminHash), IsAdmin: true},
		"alice": {Username: "alice", PasswordHash: string(adminHash)},
	}}

	events := eventlog.New(100)
	manager := session.NewManager(agents, authority, events, session.Config{
		TokenExpiry:   30 * time.Minute,
		PingTimeout:   30 * time.Second,
		SweepInterval: 500 * time.Millisecond,
	})

	mgmt := handlers.NewManagementAuthorizer(authority)
	return &fixture{
		handler:   NewHandler(manager, users, authority, mgmt, time.Hour, events),
		manager:   manager,
		authority: authority,
		agents:    agents,
		users:     users,
	}
}

func (f *fixture) connect(t *testing.T) string {
	t.Helper()
	signed, err := f.manager.RequestToken(context.Background(), "agent-1", "secret", "10.0.0.5")
	require.NoError(t, err)
	return signed
}

func get(path string, params url.Values) *http.Request {
	return httptest.NewRequest(http.MethodGet, path+"?"+params.Encode(), nil)
}

func TestTokenRequest(t *testing.T) {
	f := newFixture(t)

	req := get("/api/v1/session/tokenRequest", url.Values{
		"uuid": {"agent-1"},
		"auth": {"secret"},
	})
	rec := httptest.NewRecorder()
	f.handler.TokenRequest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["token"])

	_, err := f.manager.Authenticate(body["token"])
	assert.NoError(t, err)
}

func TestTokenRequestRejectsBadAuth(t *testing.T) {
	f := newFixture(t)

	req := get("/api/v1/session/tokenRequest", url.Values{
		"uuid": {"agent-1"},
		"auth": {"wrong"},
	})
	rec := httptest.NewRecorder()
	f.handler.TokenRequest(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenRequestMissingParams(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.TokenRequest(rec, get("/api/v1/session/tokenRequest", url.Values{"uuid": {"agent-1"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenRequestConflictsWithLiveSession(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	req := get("/api/v1/session/tokenRequest", url.Values{
		"uuid": {"agent-1"},
		"auth": {"secret"},
	})
	rec := httptest.NewRecorder()
	f.handler.TokenRequest(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateState(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	req := get("/api/v1/session/updateState", url.Values{
		"token": {token},
		"state": {"2"}, // sleep
	})
	rec := httptest.NewRecorder()
	f.handler.UpdateState(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateSleep, f.agents.agents["agent-1"].State)

	// A terminal state ended the session, so the token is dead now.
	rec = httptest.NewRecorder()
	f.handler.ClientPing(rec, get("/api/v1/session/clientPing", url.Values{"token": {token}}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateStateRejectsBadValue(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	for _, state := range []string{"banana", "99"} {
		rec := httptest.NewRecorder()
		f.handler.UpdateState(rec, get("/api/v1/session/updateState", url.Values{
			"token": {token},
			"state": {state},
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "state %q", state)
	}
}

func TestClientPingCarriesUpdateCounts(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	req := get("/api/v1/session/clientPing", url.Values{
		"token":           {token},
		"updates":         {"7"},
		"securityUpdates": {"2"},
	})
	rec := httptest.NewRecorder()
	f.handler.ClientPing(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	snap, ok := f.manager.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, 7, snap.Updates)
	assert.Equal(t, 2, snap.SecurityUpdates)
}

func TestClientPingRejectsMalformedCounts(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	tests := []url.Values{
		{"token": {token}, "updates": {"seven"}},
		{"token": {token}, "updates": {"7"}, "securityUpdates": {"two"}},
	}
	for _, params := range tests {
		rec := httptest.NewRecorder()
		f.handler.ClientPing(rec, get("/api/v1/session/clientPing", params))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "params %v", params)
	}

	snap, ok := f.manager.Get("agent-1")
	require.True(t, ok)
	assert.Zero(t, snap.Updates)
	assert.Zero(t, snap.SecurityUpdates)
}

func TestNextOperation(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	rec := httptest.NewRecorder()
	f.handler.NextOperation(rec, get("/api/v1/session/nextOperation", url.Values{"token": {token}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.manager.Enqueue("agent-1", "RESTART", nil)
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	f.handler.NextOperation(rec, get("/api/v1/session/nextOperation", url.Values{"token": {token}}))
	require.Equal(t, http.StatusOK, rec.Code)

	var op models.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.Equal(t, "RESTART", op.Type)
}

func TestEnqueueOperation(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	_, mgmt, err := f.authority.IssueManagement("203.0.113.9", time.Hour)
	require.NoError(t, err)

	params := url.Values{
		"token": {mgmt},
		"uuid":  {"agent-1"},
		"type":  {"UPDATE_SYSTEM"},
	}
	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/session/enqueueOperation?"+params.Encode(), strings.NewReader(`{"reboot": true}`))
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	f.handler.EnqueueOperation(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The agent picks the operation up on its next poll.
	rec = httptest.NewRecorder()
	f.handler.NextOperation(rec, get("/api/v1/session/nextOperation", url.Values{"token": {token}}))
	require.Equal(t, http.StatusOK, rec.Code)

	var op models.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.Equal(t, "UPDATE_SYSTEM", op.Type)
	assert.Equal(t, true, op.Payload["reboot"])
}

func TestEnqueueOperationRejectsAgentToken(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/enqueueOperation?"+url.Values{
		"token": {token},
		"uuid":  {"agent-1"},
		"type":  {"RESTART"},
	}.Encode(), nil)
	rec := httptest.NewRecorder()
	f.handler.EnqueueOperation(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOperationStatus(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	req := get("/api/v1/session/operationStatus", url.Values{
		"token":   {token},
		"status":  {"3"}, // failed
		"message": {"disk full"},
	})
	rec := httptest.NewRecorder()
	f.handler.OperationStatus(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	snap, ok := f.manager.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, models.ProcessingFailed, snap.ProcessingStatus)
	assert.Equal(t, "disk full", snap.ProcessingMessage)
}

func TestQueryState(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t)

	req := get("/api/v1/session/queryState", url.Values{
		"token": {token},
		"uuid":  {"agent-1"},
	})
	rec := httptest.NewRecorder()
	f.handler.QueryState(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(models.StateOnline), body["state"])
}

func TestManagementTokenRequest(t *testing.T) {
	f := newFixture(t)

	form := url.Values{"username": {"admin"}, "password": {"hunter42x"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/managementTokenRequest?"+form.Encode(), nil)
	req.RemoteAddr = "203.0.113.9:51000"
	rec := httptest.NewRecorder()
	f.handler.ManagementTokenRequest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["token"])
}

func TestManagementTokenRequestRejections(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		username string
		password string
		want     int
	}{
		{"wrong password", "admin", "nope", http.StatusUnauthorized},
		{"unknown user", "ghost", "hunter42x", http.StatusUnauthorized},
		{"non-admin user", "alice", "hunter42x", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := url.Values{"username": {tt.username}, "password": {tt.password}}
			req := httptest.NewRequest(http.MethodPost, "/x?"+form.Encode(), nil)
			rec := httptest.NewRecorder()
			f.handler.ManagementTokenRequest(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

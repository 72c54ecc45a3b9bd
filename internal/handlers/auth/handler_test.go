package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sentinelfleet/sentinel/internal/config"
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

func (f *fakeAgents) Create(_ context.Context, agent *models.Agent) error {
	copied := *agent
	f.agents[agent.UUID] = &copied
	return nil
}

func (f *fakeAgents) Delete(_ context.Context, uuid string) error {
	if _, ok := f.agents[uuid]; !ok {
		return models.ErrNotRegistered
	}
	delete(f.agents, uuid)
	return nil
}

func (f *fakeAgents) UpdateLoggedInUser(_ context.Context, uuid, username string) error {
	agent, ok := f.agents[uuid]
	if !ok {
		return models.ErrNotRegistered
	}
	agent.LoggedInUser = username
	return nil
}

func (f *fakeAgents) FindByLoggedInUser(_ context.Context, username string) (string, error) {
	for uuid, agent := range f.agents {
		if agent.LoggedInUser == username {
			return uuid, nil
		}
	}
	return "", models.ErrNotFound
}

func (f *fakeAgents) UpdateState(_ context.Context, _ string, _ models.AgentState) error {
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

func (f *fakeUsers) Create(_ context.Context, user *models.User) error {
	f.users[user.Username] = user
	return nil
}

func (f *fakeUsers) Delete(_ context.Context, username string) error {
	if _, ok := f.users[username]; !ok {
		return models.ErrNotFound
	}
	delete(f.users, username)
	return nil
}

type fixture struct {
	handler   *Handler
	manager   *session.Manager
	authority *tokens.Authority
	agents    *fakeAgents
	users     *fakeUsers
	cfg       *config.Config
}

const adminIP = "203.0.113.9"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	priv, pub, err := tokens.GenerateKeyPair()
	require.NoError(t, err)
	authority, err := tokens.NewAuthority(priv, pub, "server-1")
	require.NoError(t, err)

	agents := &fakeAgents{agents: map[string]*models.Agent{
		"agent-1": {UUID: "agent-1", AuthHash: hashutil.SHA256Hex("s1"), LoggedInUser: models.NoUser},
		"agent-2": {UUID: "agent-2", AuthHash: hashutil.SHA256Hex("s2"), LoggedInUser: models.NoUser},
	}}

	hash, err := bcrypt.GenerateFromPassword([]byte("pass1234"), bcrypt.MinCost)
	require.NoError(t, err)
	users := &fakeUsers{users: map[string]*models.User{
		"alice": {Username: "alice", PasswordHash: string(hash)},
	}}

	cfg := &config.Config{FTSDir: t.TempDir()}
	for _, sub := range []string{
		config.PublicStoreDir, config.UserStoreDir,
		config.PublicDeltaCache, config.UserDeltaCacheDir,
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(cfg.FTSDir, sub), 0755))
	}

	events := eventlog.New(100)
	manager := session.NewManager(agents, authority, events, session.Config{
		TokenExpiry:   30 * time.Minute,
		PingTimeout:   30 * time.Second,
		SweepInterval: 500 * time.Millisecond,
	})

	return &fixture{
		handler:   NewHandler(cfg, agents, users, manager, handlers.NewManagementAuthorizer(authority), events),
		manager:   manager,
		authority: authority,
		agents:    agents,
		users:     users,
		cfg:       cfg,
	}
}

func (f *fixture) connect(t *testing.T, uuid, secret string) string {
	t.Helper()
	signed, err := f.manager.RequestToken(context.Background(), uuid, secret, "10.0.0.5")
	require.NoError(t, err)
	return signed
}

func (f *fixture) mgmtToken(t *testing.T) string {
	t.Helper()
	_, signed, err := f.authority.IssueManagement(adminIP, time.Hour)
	require.NoError(t, err)
	return signed
}

func post(path string, params url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path+"?"+params.Encode(), nil)
	req.RemoteAddr = adminIP + ":51000"
	return req
}

func TestLoginAndLogout(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t, "agent-1", "s1")

	rec := httptest.NewRecorder()
	f.handler.Login(rec, post("/api/v1/auth/login", url.Values{
		"token":    {token},
		"username": {"alice"},
		"password": {"pass1234"},
	}))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "alice", f.agents.agents["agent-1"].LoggedInUser)

	rec = httptest.NewRecorder()
	f.handler.Logout(rec, post("/api/v1/auth/logout", url.Values{"token": {token}}))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, models.NoUser, f.agents.agents["agent-1"].LoggedInUser)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t, "agent-1", "s1")

	rec := httptest.NewRecorder()
	f.handler.Login(rec, post("/x", url.Values{
		"token":    {token},
		"username": {"alice"},
		"password": {"wrong"},
	}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.NoUser, f.agents.agents["agent-1"].LoggedInUser)
}

func TestLoginRejectsSecondAgent(t *testing.T) {
	f := newFixture(t)
	token1 := f.connect(t, "agent-1", "s1")
	token2 := f.connect(t, "agent-2", "s2")

	rec := httptest.NewRecorder()
	f.handler.Login(rec, post("/x", url.Values{
		"token":    {token1},
		"username": {"alice"},
		"password": {"pass1234"},
	}))
	require.Equal(t, http.StatusNoContent, rec.Code)

	// alice is signed in on agent-1, so agent-2 is refused.
	rec = httptest.NewRecorder()
	f.handler.Login(rec, post("/x", url.Values{
		"token":    {token2},
		"username": {"alice"},
		"password": {"pass1234"},
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLogoutWithoutLogin(t *testing.T) {
	f := newFixture(t)
	token := f.connect(t, "agent-1", "s1")

	rec := httptest.NewRecorder()
	f.handler.Logout(rec, post("/x", url.Values{"token": {token}}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterAgent(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.RegisterAgent(rec, post("/x", url.Values{"token": {f.mgmtToken(t)}}))
	require.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["uuid"])
	require.Len(t, body["auth"], 64)

	// The returned secret authenticates against the stored hash.
	agent := f.agents.agents[body["uuid"]]
	require.NotNil(t, agent)
	assert.Equal(t, hashutil.SHA256Hex(body["auth"]), agent.AuthHash)

	_, err := f.manager.RequestToken(context.Background(), body["uuid"], body["auth"], "10.0.0.5")
	assert.NoError(t, err)
}

func TestRegisterAgentRejectsBadManagementToken(t *testing.T) {
	f := newFixture(t)

	// Token bound to a different IP than the caller's.
	req := post("/x", url.Values{"token": {f.mgmtToken(t)}})
	req.RemoteAddr = "198.51.100.7:40000"
	rec := httptest.NewRecorder()
	f.handler.RegisterAgent(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Session tokens are not management tokens.
	agentToken := f.connect(t, "agent-1", "s1")
	rec = httptest.NewRecorder()
	f.handler.RegisterAgent(rec, post("/x", url.Values{"token": {agentToken}}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRemoveAgentRevokesSession(t *testing.T) {
	f := newFixture(t)
	agentToken := f.connect(t, "agent-1", "s1")

	rec := httptest.NewRecorder()
	f.handler.RemoveAgent(rec, post("/x", url.Values{
		"token": {f.mgmtToken(t)},
		"uuid":  {"agent-1"},
	}))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.manager.Authenticate(agentToken)
	assert.Error(t, err)
	assert.NotContains(t, f.agents.agents, "agent-1")
}

func TestRemoveAgentRefusedWhileUserSignedIn(t *testing.T) {
	f := newFixture(t)
	agentToken := f.connect(t, "agent-1", "s1")

	rec := httptest.NewRecorder()
	f.handler.Login(rec, post("/x", url.Values{
		"token":    {agentToken},
		"username": {"alice"},
		"password": {"pass1234"},
	}))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.RemoveAgent(rec, post("/x", url.Values{
		"token": {f.mgmtToken(t)},
		"uuid":  {"agent-1"},
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The registration and its session survive the refused removal.
	assert.Contains(t, f.agents.agents, "agent-1")
	_, err := f.manager.Authenticate(agentToken)
	assert.NoError(t, err)
}

func TestRegisterUser(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.RegisterUser(rec, post("/x", url.Values{
		"token":    {f.mgmtToken(t)},
		"username": {"carol"},
		"password": {"secret99"},
		"admin":    {"true"},
	}))
	require.Equal(t, http.StatusCreated, rec.Code)

	user := f.users.users["carol"]
	require.NotNil(t, user)
	assert.True(t, user.IsAdmin)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret99")))
	assert.DirExists(t, f.cfg.UserStore("carol"))
}

func TestRegisterUserRejectsBadUsername(t *testing.T) {
	f := newFixture(t)

	for _, username := range []string{"../carol", "a/b", "none", "null"} {
		rec := httptest.NewRecorder()
		f.handler.RegisterUser(rec, post("/x", url.Values{
			"token":    {f.mgmtToken(t)},
			"username": {username},
			"password": {"secret99"},
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "username %q", username)
		assert.NotContains(t, f.users.users, username)
	}
}

func TestRegisterUserValidatesPassword(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.RegisterUser(rec, post("/x", url.Values{
		"token":    {f.mgmtToken(t)},
		"username": {"carol"},
		"password": {"short"},
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, f.users.users, "carol")
}

func TestRemoveUserRefusedWhileSignedIn(t *testing.T) {
	f := newFixture(t)
	agentToken := f.connect(t, "agent-1", "s1")

	rec := httptest.NewRecorder()
	f.handler.Login(rec, post("/x", url.Values{
		"token":    {agentToken},
		"username": {"alice"},
		"password": {"pass1234"},
	}))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.RemoveUser(rec, post("/x", url.Values{
		"token":    {f.mgmtToken(t)},
		"username": {"alice"},
	}))
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The account and its session survive the refused removal.
	assert.Contains(t, f.users.users, "alice")
	assert.Equal(t, "alice", f.agents.agents["agent-1"].LoggedInUser)
}

func TestRemoveUserDeletesPrivateStore(t *testing.T) {
	f := newFixture(t)

	storeDir := f.cfg.UserStore("alice")
	require.NoError(t, os.MkdirAll(storeDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, "notes.txt"), []byte("x"), 0644))

	rec := httptest.NewRecorder()
	f.handler.RemoveUser(rec, post("/x", url.Values{
		"token":    {f.mgmtToken(t)},
		"username": {"alice"},
	}))
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.NotContains(t, f.users.users, "alice")
	assert.NoDirExists(t, storeDir)
}

// Package session tracks the live connections of agents to this server
// instance. A session exists from token issuance until the token expires,
// the agent goes silent, or the agent declares a terminal state.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelfleet/sentinel/internal/eventlog"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/pkg/debug"
	"github.com/sentinelfleet/sentinel/pkg/hashutil"
	"github.com/sentinelfleet/sentinel/pkg/tokens"
)

// AgentStore is the persistence surface the manager needs. Satisfied by
// repository.AgentRepository.
type AgentStore interface {
	GetByUUID(ctx context.Context, uuid string) (*models.Agent, error)
	UpdateState(ctx context.Context, uuid string, state models.AgentState) error
}

// Config carries the manager's timing knobs.
type Config struct {
	TokenExpiry   time.Duration
	PingTimeout   time.Duration
	SweepInterval time.Duration
}

// Manager owns all live agent sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*AgentSession

	store     AgentStore
	authority *tokens.Authority
	events    *eventlog.Log
	cfg       Config
}

// NewManager creates a session manager. Start must be called to run the
// expiry sweep.
func NewManager(store AgentStore, authority *tokens.Authority, events *eventlog.Log, cfg Config) *Manager {
	return &Manager{
		sessions:  make(map[string]*AgentSession),
		store:     store,
		authority: authority,
		events:    events,
		cfg:       cfg,
	}
}

// Start runs the expiry sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				debug.Info("Session sweep stopped")
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// RequestToken authenticates an agent by UUID and auth secret and issues a
// signed session token. At most one live session per agent: a second
// request while a session exists fails with ErrAlreadyIssued.
func (m *Manager) RequestToken(ctx context.Context, uuid, authSecret, origin string) (string, error) {
	agent, err := m.store.GetByUUID(ctx, uuid)
	if err != nil {
		return "", err
	}
	if hashutil.SHA256Hex(authSecret) != agent.AuthHash {
		m.events.Append(eventlog.LevelWarning,
			fmt.Sprintf("agent %s failed token authentication from %s", uuid, origin))
		return "", models.ErrAuthMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[uuid]; exists {
		return "", models.ErrAlreadyIssued
	}

	token, signed, err := m.authority.IssueSession(uuid, m.cfg.TokenExpiry)
	if err != nil {
		return "", err
	}
	m.sessions[uuid] = newAgentSession(uuid, token, signed)

	// The connecting agent is online from the server's point of view.
	if err := m.store.UpdateState(ctx, uuid, models.StateOnline); err != nil {
		debug.Warning("failed to persist online state for %s: %v", uuid, err)
	}

	m.events.Append(eventlog.LevelInfo, fmt.Sprintf("agent %s connected from %s", uuid, origin))
	return signed, nil
}

// Authenticate verifies a signed token and returns the UUID of the live
// session it belongs to. A verified token whose session is gone, or that
// does not match the session's issued token, is rejected.
func (m *Manager) Authenticate(raw string) (string, error) {
	token, err := m.authority.ParseSession(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrForbidden, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[token.UUID]
	if !ok {
		return "", models.ErrNotConnected
	}
	if !sess.token.Matches(*token) {
		return "", models.ErrForbidden
	}
	return token.UUID, nil
}

// UpdateState records a state reported by the agent itself. Declaring a
// terminal state (sleep or shutdown) ends the session.
func (m *Manager) UpdateState(ctx context.Context, uuid string, state models.AgentState) error {
	m.mu.Lock()
	sess, ok := m.sessions[uuid]
	if !ok {
		m.mu.Unlock()
		return models.ErrNotConnected
	}
	sess.state = state
	sess.lastPing = time.Now()
	if state.Terminal() {
		delete(m.sessions, uuid)
	}
	m.mu.Unlock()

	if err := m.store.UpdateState(ctx, uuid, state); err != nil {
		return err
	}

	if state.Terminal() {
		m.events.Append(eventlog.LevelInfo, fmt.Sprintf("agent %s disconnected (%s)", uuid, state))
	}
	return nil
}

// RecordPing refreshes the session's liveness clock.
func (m *Manager) RecordPing(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uuid]
	if !ok {
		return models.ErrNotConnected
	}
	sess.lastPing = time.Now()
	return nil
}

// RecordUpdateCounts stores the pending system update counts the agent
// reported.
func (m *Manager) RecordUpdateCounts(uuid string, updates, securityUpdates int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uuid]
	if !ok {
		return models.ErrNotConnected
	}
	sess.updates = updates
	sess.securityUpdates = securityUpdates
	return nil
}

// QueryState returns the live state for a connected agent, falling back to
// the persisted state for agents without a session.
func (m *Manager) QueryState(ctx context.Context, uuid string) (models.AgentState, error) {
	m.mu.RLock()
	sess, ok := m.sessions[uuid]
	if ok {
		state := sess.state
		m.mu.RUnlock()
		return state, nil
	}
	m.mu.RUnlock()

	agent, err := m.store.GetByUUID(ctx, uuid)
	if err != nil {
		return models.StateUnknown, err
	}
	return agent.State, nil
}

// Enqueue queues an operation for a connected agent and returns the
// operation ID.
func (m *Manager) Enqueue(uuid, opType string, payload map[string]interface{}) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uuid]
	if !ok {
		return 0, models.ErrNotConnected
	}
	id := sess.enqueue(opType, payload)
	debug.Debug("queued operation %d (%s) for agent %s", id, opType, uuid)
	return id, nil
}

// NextOperation pops the oldest queued operation for the agent. The second
// return value is false when the queue is empty.
func (m *Manager) NextOperation(uuid string) (models.Operation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uuid]
	if !ok {
		return models.Operation{}, false, models.ErrNotConnected
	}
	op, found := sess.dequeue()
	if found {
		sess.processingStatus = models.ProcessingRunning
		sess.processingMessage = ""
	}
	return op, found, nil
}

// SetProcessingStatus records the agent's report on its current operation.
func (m *Manager) SetProcessingStatus(uuid string, status models.ProcessingStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[uuid]
	if !ok {
		return models.ErrNotConnected
	}
	sess.processingStatus = status
	sess.processingMessage = message
	return nil
}

// Get returns a snapshot of one live session.
func (m *Manager) Get(uuid string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[uuid]
	if !ok {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

// Snapshots returns point-in-time copies of every live session, keyed by
// agent UUID.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.sessions))
	for uuid, sess := range m.sessions {
		out[uuid] = sess.snapshot()
	}
	return out
}

// Revoke removes a live session without touching persisted state. Used
// when an agent's registration is removed.
func (m *Manager) Revoke(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, uuid)
}

// sweep drops sessions whose token expired or whose agent has gone silent
// past the ping timeout, and records the agent as unknown.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var dropped []string
	for uuid, sess := range m.sessions {
		if sess.token.Expired(now) {
			debug.Info("session token for %s expired", uuid)
			delete(m.sessions, uuid)
			dropped = append(dropped, uuid)
			continue
		}
		if now.Sub(sess.lastPing) > m.cfg.PingTimeout {
			debug.Warning("agent %s missed ping deadline", uuid)
			delete(m.sessions, uuid)
			dropped = append(dropped, uuid)
		}
	}
	m.mu.Unlock()

	for _, uuid := range dropped {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.UpdateState(ctx, uuid, models.StateUnknown); err != nil {
			debug.Error("failed to persist unknown state for %s: %v", uuid, err)
		}
		cancel()
		m.events.Append(eventlog.LevelWarning, fmt.Sprintf("agent %s session dropped", uuid))
	}
}

package session

import (
	"time"

	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/pkg/tokens"
)

// AgentSession is the live, in-memory state of one connected agent. All
// access goes through the Manager, which owns the locking.
type AgentSession struct {
	uuid        string
	token       tokens.SessionToken
	signedToken string

	state    models.AgentState
	lastPing time.Time

	// Pending system update counts reported by the agent.
	updates         int
	securityUpdates int

	// FIFO queue of operations awaiting pickup by the agent.
	queue  []models.Operation
	nextID int

	processingStatus  models.ProcessingStatus
	processingMessage string
}

func newAgentSession(uuid string, token tokens.SessionToken, signed string) *AgentSession {
	return &AgentSession{
		uuid:             uuid,
		token:            token,
		signedToken:      signed,
		state:            models.StateOnline,
		lastPing:         time.Now(),
		processingStatus: models.ProcessingIdle,
	}
}

func (s *AgentSession) enqueue(opType string, payload map[string]interface{}) int {
	op := models.Operation{ID: s.nextID, Type: opType, Payload: payload}
	s.nextID++
	s.queue = append(s.queue, op)
	return op.ID
}

func (s *AgentSession) dequeue() (models.Operation, bool) {
	if len(s.queue) == 0 {
		return models.Operation{}, false
	}
	op := s.queue[0]
	s.queue = s.queue[1:]
	return op, true
}

// Snapshot is a point-in-time copy of a session's live state, safe to use
// after the manager's lock is released.
type Snapshot struct {
	UUID              string                  `json:"uuid"`
	State             models.AgentState       `json:"state"`
	LastPing          time.Time               `json:"lastPing"`
	Updates           int                     `json:"updates"`
	SecurityUpdates   int                     `json:"securityUpdates"`
	OperationCount    int                     `json:"operationCount"`
	ProcessingStatus  models.ProcessingStatus `json:"operationStatus"`
	ProcessingMessage string                  `json:"operationMessage"`
}

func (s *AgentSession) snapshot() Snapshot {
	return Snapshot{
		UUID:              s.uuid,
		State:             s.state,
		LastPing:          s.lastPing,
		Updates:           s.updates,
		SecurityUpdates:   s.securityUpdates,
		OperationCount:    len(s.queue),
		ProcessingStatus:  s.processingStatus,
		ProcessingMessage: s.processingMessage,
	}
}

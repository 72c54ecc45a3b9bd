package models

import (
	"fmt"
	"time"
)

// AgentState is the last known operating state of an agent. The zero value
// is StateUnknown, which doubles as the persisted fallback for agents that
// never connected.
type AgentState int

const (
	StateUnknown AgentState = iota
	StateOnline
	StateSleep
	StateShutdown
)

var stateNames = map[AgentState]string{
	StateUnknown:  "UNKNOWN",
	StateOnline:   "ONLINE",
	StateSleep:    "SLEEP",
	StateShutdown: "SHUTDOWN",
}

// String returns the state name, or a numeric fallback for unknown values.
func (s AgentState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("AgentState(%d)", int(s))
}

// StateFromInt validates and converts a wire-format integer state.
func StateFromInt(v int) (AgentState, error) {
	s := AgentState(v)
	if _, ok := stateNames[s]; !ok {
		return StateUnknown, fmt.Errorf("%w: invalid agent state %d", ErrInvalidInput, v)
	}
	return s, nil
}

// Terminal reports whether the state is one an agent declares on its way
// out; reaching it removes the live session.
func (s AgentState) Terminal() bool {
	return s == StateSleep || s == StateShutdown
}

// NoUser is the sentinel stored in LoggedInUser while no user is signed in
// on the agent.
const NoUser = "none"

// Agent is the durable record of a registered agent.
type Agent struct {
	UUID         string     `json:"uuid"`
	AuthHash     string     `json:"-"` // SHA-256 hex of the auth secret
	RegisteredAt time.Time  `json:"registeredAt"`
	RegisteredBy string     `json:"registeredBy"` // network origin of the registration
	LoggedInUser string     `json:"loggedInUser"`
	State        AgentState `json:"state"`
}

// HasUser reports whether a user is currently signed in on the agent.
func (a *Agent) HasUser() bool {
	return a.LoggedInUser != "" && a.LoggedInUser != NoUser
}

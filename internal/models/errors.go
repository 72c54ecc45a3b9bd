package models

import "errors"

// Common errors surfaced across the service layers. Handlers map these to
// HTTP statuses; everything else becomes a generic server error.
var (
	ErrNotRegistered     = errors.New("agent is not registered")
	ErrAuthMismatch      = errors.New("authentication secret does not match")
	ErrAlreadyIssued     = errors.New("a token has already been issued for this agent")
	ErrNotConnected      = errors.New("agent has no live session")
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("conflicting state")
	ErrForbidden         = errors.New("not permitted")
	ErrNotLoggedIn       = errors.New("no user is logged in on this agent")
	ErrInsufficientSpace = errors.New("insufficient space on store volume")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrInvalidInput      = errors.New("invalid input")
)

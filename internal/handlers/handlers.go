// Package handlers carries the pieces shared by every handler package:
// the service-error to HTTP-status mapping and management token checks.
package handlers

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/pkg/debug"
	"github.com/sentinelfleet/sentinel/pkg/httputil"
	"github.com/sentinelfleet/sentinel/pkg/tokens"
)

// WriteError maps a service error onto an HTTP response.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrAuthMismatch), errors.Is(err, models.ErrNotConnected):
		httputil.RespondWithError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrNotRegistered),
		errors.Is(err, models.ErrNotLoggedIn), errors.Is(err, tokens.ErrWrongTokenType):
		httputil.RespondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrNotFound):
		httputil.RespondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrAlreadyIssued), errors.Is(err, models.ErrConflict):
		httputil.RespondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInsufficientSpace):
		httputil.RespondWithError(w, http.StatusInsufficientStorage, err.Error())
	case errors.Is(err, models.ErrMalformedPayload), errors.Is(err, models.ErrInvalidInput):
		httputil.RespondWithError(w, http.StatusBadRequest, err.Error())
	default:
		debug.Error("unhandled service error: %v", err)
		httputil.RespondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ClientIP extracts the bare remote IP of a request.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ManagementAuthorizer verifies management tokens on administrative
// endpoints. Tokens are bound to the IP they were issued to.
type ManagementAuthorizer struct {
	authority *tokens.Authority
}

// NewManagementAuthorizer creates a management token checker.
func NewManagementAuthorizer(authority *tokens.Authority) *ManagementAuthorizer {
	return &ManagementAuthorizer{authority: authority}
}

// Authorize checks the management token on a request. It returns an error
// suitable for WriteError when the token is missing, invalid, expired, or
// presented from a different IP than it was issued to.
func (m *ManagementAuthorizer) Authorize(r *http.Request) error {
	raw := httputil.FormValueOrQuery(r, "token")
	if raw == "" {
		return models.ErrForbidden
	}

	token, err := m.authority.ParseManagement(raw)
	if err != nil {
		return models.ErrForbidden
	}
	if token.Expired(time.Now()) {
		return models.ErrForbidden
	}
	if token.ClientIP != ClientIP(r) {
		debug.Warning("management token for %s presented from %s", token.ClientIP, ClientIP(r))
		return models.ErrForbidden
	}
	return nil
}

// Package fts exposes the file transfer store over HTTP: uploads,
// downloads, delta patches, and the checksum index agents sync against.
package fts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/sentinelfleet/sentinel/internal/fts"
	"github.com/sentinelfleet/sentinel/internal/handlers"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/internal/session"
	"github.com/sentinelfleet/sentinel/pkg/httputil"
)

// maxUploadMemory caps how much of a multipart upload is buffered in
// memory before spilling to disk.
const maxUploadMemory = 32 << 20

// AgentStore is the slice of agent persistence the handler needs.
type AgentStore interface {
	GetByUUID(ctx context.Context, uuid string) (*models.Agent, error)
}

// UserStore is the slice of user persistence the handler needs.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// Handler serves the file transfer endpoints.
type Handler struct {
	engine  *fts.Engine
	manager *session.Manager
	agents  AgentStore
	users   UserStore
}

// NewHandler creates an fts handler.
func NewHandler(engine *fts.Engine, manager *session.Manager, agents AgentStore, users UserStore) *Handler {
	return &Handler{
		engine:  engine,
		manager: manager,
		agents:  agents,
		users:   users,
	}
}

// scope authenticates the calling agent and resolves the user context its
// store operations run under.
func (h *Handler) scope(r *http.Request) (username string, admin bool, err error) {
	raw := httputil.FormValueOrQuery(r, "token")
	if raw == "" {
		return "", false, models.ErrNotConnected
	}
	uuid, err := h.manager.Authenticate(raw)
	if err != nil {
		return "", false, err
	}

	agent, err := h.agents.GetByUUID(r.Context(), uuid)
	if err != nil {
		return "", false, err
	}
	if !agent.HasUser() {
		return models.NoUser, false, nil
	}

	user, err := h.users.GetByUsername(r.Context(), agent.LoggedInUser)
	if err != nil {
		return "", false, err
	}
	return user.Username, user.IsAdmin, nil
}

// Upload stores a complete file sent as multipart form data.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, false)
}

// UploadDelta caches a binary patch and applies it in the background.
// Responds 202: the patch is accepted but not yet applied.
func (h *Handler) UploadDelta(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, true)
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request, delta bool) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	username, admin, err := h.scope(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	name := httputil.FormValueOrQuery(r, "name")
	if name == "" || strings.ContainsAny(name, `/\`) {
		httputil.RespondWithError(w, http.StatusBadRequest, "name must be a plain file name")
		return
	}
	relPath := name
	if dir := httputil.FormValueOrQuery(r, "path"); dir != "" {
		relPath = path.Join(dir, name)
	}
	public := httputil.FormValueOrQuery(r, "public") == "true"

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.RespondWithError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if delta {
		err = h.engine.UploadDelta(r.Context(), public, username, admin, relPath, file, header.Size)
	} else {
		err = h.engine.Upload(r.Context(), public, username, admin, relPath, file, header.Size)
	}
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	if delta {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// requestedPath decodes the base64url store path agents send on download
// requests. Padded and unpadded encodings are both accepted.
func requestedPath(r *http.Request) (string, error) {
	raw := httputil.FormValueOrQuery(r, "pathB64")
	if raw == "" {
		return "", fmt.Errorf("%w: pathB64 is required", models.ErrMalformedPayload)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return "", fmt.Errorf("%w: pathB64 is not valid base64url", models.ErrMalformedPayload)
	}
	return string(decoded), nil
}

// Download serves a stored file.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	username, _, err := h.scope(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	relPath, err := requestedPath(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	public := httputil.FormValueOrQuery(r, "public") == "true"

	absPath, err := h.engine.Download(public, username, relPath)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	http.ServeFile(w, r, absPath)
}

// DownloadDelta serves the cached patch for a file. When no patch is
// cached the agent is redirected to the full download instead.
func (h *Handler) DownloadDelta(w http.ResponseWriter, r *http.Request) {
	username, _, err := h.scope(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	relPath, err := requestedPath(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	public := httputil.FormValueOrQuery(r, "public") == "true"

	patchPath, err := h.engine.DownloadDelta(public, username, relPath)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			target := *r.URL
			target.Path = strings.Replace(target.Path, "downloadDelta", "download", 1)
			http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
			return
		}
		handlers.WriteError(w, err)
		return
	}
	http.ServeFile(w, r, patchPath)
}

// ChecksumIndex returns the checksum index for the requested tree, keyed
// by store path.
func (h *Handler) ChecksumIndex(w http.ResponseWriter, r *http.Request) {
	username, _, err := h.scope(r)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}
	public := httputil.FormValueOrQuery(r, "public") == "true"

	entries, err := h.engine.ListIndex(r.Context(), public, username)
	if err != nil {
		handlers.WriteError(w, err)
		return
	}

	index := make(map[string]*models.IndexEntry, len(entries))
	for _, entry := range entries {
		index[entry.StorePath] = entry
	}
	httputil.RespondWithJSON(w, http.StatusOK, index)
}

// Package routes wires the HTTP surface together.
package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	authhandler "github.com/sentinelfleet/sentinel/internal/handlers/auth"
	ftshandler "github.com/sentinelfleet/sentinel/internal/handlers/fts"
	queryhandler "github.com/sentinelfleet/sentinel/internal/handlers/query"
	sessionhandler "github.com/sentinelfleet/sentinel/internal/handlers/session"
	"github.com/sentinelfleet/sentinel/pkg/debug"
	"github.com/sentinelfleet/sentinel/pkg/httputil"
)

// Handlers bundles the handler set the router mounts.
type Handlers struct {
	Session *sessionhandler.Handler
	Auth    *authhandler.Handler
	FTS     *ftshandler.Handler
	Query   *queryhandler.Handler
}

// Setup builds the router with all API routes mounted under /api/v1.
func Setup(h Handlers) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", healthCheck).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	sess := api.PathPrefix("/session").Subrouter()
	sess.HandleFunc("/tokenRequest", h.Session.TokenRequest).Methods(http.MethodGet, http.MethodPost)
	sess.HandleFunc("/managementTokenRequest", h.Session.ManagementTokenRequest).Methods(http.MethodPost)
	sess.HandleFunc("/updateState", h.Session.UpdateState).Methods(http.MethodPost)
	sess.HandleFunc("/clientPing", h.Session.ClientPing).Methods(http.MethodGet, http.MethodPost)
	sess.HandleFunc("/queryState", h.Session.QueryState).Methods(http.MethodGet)
	sess.HandleFunc("/nextOperation", h.Session.NextOperation).Methods(http.MethodGet, http.MethodPost)
	sess.HandleFunc("/enqueueOperation", h.Session.EnqueueOperation).Methods(http.MethodPost)
	sess.HandleFunc("/operationStatus", h.Session.OperationStatus).Methods(http.MethodPost)

	fts := api.PathPrefix("/fts").Subrouter()
	fts.HandleFunc("/upload", h.FTS.Upload).Methods(http.MethodPost)
	fts.HandleFunc("/uploadDelta", h.FTS.UploadDelta).Methods(http.MethodPost)
	fts.HandleFunc("/download", h.FTS.Download).Methods(http.MethodGet)
	fts.HandleFunc("/downloadDelta", h.FTS.DownloadDelta).Methods(http.MethodGet)
	fts.HandleFunc("/checksumIndex", h.FTS.ChecksumIndex).Methods(http.MethodGet)

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", h.Auth.Login).Methods(http.MethodPost)
	auth.HandleFunc("/logout", h.Auth.Logout).Methods(http.MethodPost)
	auth.HandleFunc("/registerAgent", h.Auth.RegisterAgent).Methods(http.MethodPost)
	auth.HandleFunc("/removeAgent", h.Auth.RemoveAgent).Methods(http.MethodPost)
	auth.HandleFunc("/registerUser", h.Auth.RegisterUser).Methods(http.MethodPost)
	auth.HandleFunc("/removeUser", h.Auth.RemoveUser).Methods(http.MethodPost)

	query := api.PathPrefix("/query").Subrouter()
	query.HandleFunc("/agents", h.Query.Agents).Methods(http.MethodGet)
	query.HandleFunc("/users", h.Query.Users).Methods(http.MethodGet)
	query.HandleFunc("/state", h.Query.State).Methods(http.MethodGet)
	query.HandleFunc("/updateCounts", h.Query.UpdateCounts).Methods(http.MethodGet)
	query.HandleFunc("/eventLog", h.Query.EventLog).Methods(http.MethodGet)
	query.HandleFunc("/eventLogSince", h.Query.EventLogSince).Methods(http.MethodGet)

	return router
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		debug.Debug("%s %s from %s (%s)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start))
	})
}

// Package api is the HTTP surface of the service. It stays thin: request
// decoding, session checks, and validation live here; everything else is a
// call into the repository or the job queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"

	vserrs "velosync/internal/errors"
	"velosync/internal/velosync"
)

func writeJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("error encoding json response: %s", err)
	}

	return nil
}

// validator is a surface that can validate itself and return an error
// if something is wrong.
type validator interface {
	Validate() error
}

// decodeValid decodes a request and then validates it.
func decodeValid[V validator](r io.Reader) (V, error) {
	var v V
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return v, vserrs.E(http.StatusBadRequest, fmt.Sprintf("error decoding request: %s", err))
	}
	if err := v.Validate(); err != nil {
		return v, err
	}

	return v, nil
}

// HandlerFuncE is a modified type of [http.HandlerFunc] that returns an error.
type HandlerFuncE func(w http.ResponseWriter, r *http.Request) error

func (f HandlerFuncE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil {
		return
	}

	// Either it's already a structured error, or coerce it to one
	sErr := &vserrs.Error{}
	if !errors.As(err, &sErr) {
		slog.Error("unstructured error from handler", "err", err)
		sErr = vserrs.E(http.StatusInternalServerError, "internal server error")
	}

	if err := writeJSON(w, sErr.Status, sErr); err != nil {
		slog.Error("error writing response", "error", err)
	}
}

// errRouter is a newtype around a mux router that allows attaching handlers that return errors.
type errRouter struct {
	*mux.Router
}

func (r errRouter) HandleFuncE(path string, f HandlerFuncE) *mux.Route {
	return r.Handle(path, f)
}

// usernameVerifier checks that a username resolves upstream before it is
// stored. Implemented by the velog client.
type usernameVerifier interface {
	VerifyUsername(ctx context.Context, username string) bool
}

type (
	// Server handles requests to trigger backups, inspect runs, and manage
	// the user's linked accounts.
	Server struct {
		*http.Server

		repo     velosync.Repository
		roles    velosync.RoleChecker
		verifier usernameVerifier

		secureCookie *securecookie.SecureCookie
	}

	ServerConfig struct {
		Port           int
		CookieHashKey  []byte
		CookieBlockKey []byte
		CorsHeader     string
	}
)

func NewServer(config ServerConfig, repo velosync.Repository, roles velosync.RoleChecker, verifier usernameVerifier) *Server {
	r := errRouter{Router: mux.NewRouter()}

	srvr := Server{
		repo:         repo,
		roles:        roles,
		verifier:     verifier,
		secureCookie: securecookie.New(config.CookieHashKey, config.CookieBlockKey),
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{config.CorsHeader}),
				handlers.AllowCredentials(),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
	}

	r.Use(accessLogMiddleware) // Log everything
	r.HandleFuncE("/healthz", srvr.getHealth).Methods(http.MethodGet)

	authed := errRouter{Router: r.NewRoute().Subrouter()}
	authed.Use(requireSessionMiddleware(srvr.secureCookie))

	// Backups
	authed.HandleFuncE("/v1/backups/trigger", srvr.postTriggerBackup).Methods(http.MethodPost)
	authed.HandleFuncE("/v1/backups/runs", srvr.getRuns).Methods(http.MethodGet)
	authed.HandleFuncE("/v1/backups/stats", srvr.getStats).Methods(http.MethodGet)

	// Account settings
	authed.HandleFuncE("/v1/viewer", srvr.getViewer).Methods(http.MethodGet)
	authed.HandleFuncE("/v1/settings/velog", srvr.putVelogSettings).Methods(http.MethodPut)
	authed.HandleFuncE("/v1/settings/github", srvr.putGithubSettings).Methods(http.MethodPut)
	authed.HandleFuncE("/v1/settings/google", srvr.putGoogleSettings).Methods(http.MethodPut)
	authed.HandleFuncE("/v1/settings/preferences", srvr.putPreferences).Methods(http.MethodPut)

	// Admin
	authed.HandleFuncE("/v1/admin/runs", srvr.getAdminRuns).Methods(http.MethodGet)

	slog.Debug("configured api server", "port", config.Port)

	return &srvr
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

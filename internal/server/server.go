// Package server exposes the integration engine over HTTP: the provider
// webhook receiver plus the user-facing integration API.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/vernite/vernite/internal/sync"
)

// Dispatcher applies a verified webhook delivery.
type Dispatcher interface {
	HandleEvent(ctx context.Context, eventType string, payload []byte) error
}

// Config holds server configuration.
type Config struct {
	// WebhookSecret authenticates provider deliveries.
	WebhookSecret string
	// Dispatcher applies verified deliveries. When nil the webhook endpoint
	// is not registered.
	Dispatcher Dispatcher
	// Sync serves the user-facing endpoints. When nil only the webhook and
	// status endpoints are registered.
	Sync *sync.Service
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server wraps the engine's HTTP server.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:7740").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Handler returns the route mux, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Dispatcher != nil {
		wh := &webhookHandler{
			secret:     cfg.WebhookSecret,
			dispatcher: cfg.Dispatcher,
			logger:     logger,
		}
		s.mux.HandleFunc("POST /webhook/github", wh.handleDelivery)
	}

	s.mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.Sync != nil {
		api := &apiHandler{sync: cfg.Sync, logger: logger}
		s.mux.HandleFunc("GET /api/integration/github/authorize", api.handleAuthorizeURL)
		s.mux.HandleFunc("POST /api/integration/github/authorization", api.handleCreateAuthorization)
		s.mux.HandleFunc("GET /api/integration/github/authorizations", api.handleListAuthorizations)
		s.mux.HandleFunc("DELETE /api/integration/github/authorizations/{id}", api.handleDeleteAuthorization)
		s.mux.HandleFunc("GET /api/integration/github/installations", api.handleListInstallations)
		s.mux.HandleFunc("DELETE /api/integration/github/installations/{id}", api.handleDeleteInstallation)
		s.mux.HandleFunc("GET /api/integration/github/repositories", api.handleListRepositories)
		s.mux.HandleFunc("POST /api/projects/{id}/integration/github", api.handleCreateIntegration)
		s.mux.HandleFunc("DELETE /api/projects/{id}/integration/github", api.handleDeleteIntegration)
		s.mux.HandleFunc("GET /api/projects/{id}/integration/github/issues", api.handleListIssues)
		s.mux.HandleFunc("GET /api/projects/{id}/integration/github/pulls", api.handleListPullRequests)
		s.mux.HandleFunc("GET /api/projects/{id}/integration/github/branches", api.handleListBranches)
		s.mux.HandleFunc("POST /api/projects/{id}/integration/github/release", api.handlePublishRelease)
		s.mux.HandleFunc("POST /api/tasks/{id}/integration/github/issue", api.handleAttachIssue)
		s.mux.HandleFunc("DELETE /api/tasks/{id}/integration/github/issue", api.handleDetachIssue)
		s.mux.HandleFunc("POST /api/tasks/{id}/integration/github/pull", api.handleAttachPullRequest)
		s.mux.HandleFunc("DELETE /api/tasks/{id}/integration/github/pull", api.handleDetachPullRequest)
	}

	// Catch-all for unregistered /api/ routes — return 404.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

// Package httpapi is the HTTP surface of the supervisor: authentication,
// user settings, MCP server management and tool-call proxying.
package httpapi

import (
	"net/http"

	"github.com/getsimpletool/mcpo-simple-server/internal/auth"
	"github.com/getsimpletool/mcpo-simple-server/internal/config"
	"github.com/getsimpletool/mcpo-simple-server/internal/metrics"
	"github.com/getsimpletool/mcpo-simple-server/internal/store"
	"github.com/getsimpletool/mcpo-simple-server/internal/supervisor"
	"github.com/getsimpletool/mcpo-simple-server/internal/validation"
)

// Server wires handlers to the supervisor, store and auth manager
type Server struct {
	cfg     *config.Config
	ctrl    *supervisor.Controller
	mgr     *auth.Manager
	st      *store.Store
	limiter *auth.RateLimiter

	// mcpFacade, when set, serves the MCP protocol endpoint at /mcp
	mcpFacade http.Handler
}

// New creates the HTTP server façade
func New(cfg *config.Config, ctrl *supervisor.Controller, mgr *auth.Manager, st *store.Store) *Server {
	return &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		mgr:     mgr,
		st:      st,
		limiter: auth.DefaultRateLimiter(),
	}
}

// SetMCPFacade mounts an MCP protocol handler at /mcp (authenticated)
func (s *Server) SetMCPFacade(h http.Handler) {
	s.mcpFacade = h
}

// Handler builds the full routing table with middleware applied
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	// User surface
	api.HandleFunc("GET /api/v1/user/me", s.handleMe)
	api.HandleFunc("PUT /api/v1/user/password", s.handleChangePassword)
	api.HandleFunc("POST /api/v1/user/apikeys", s.handleCreateAPIKey)
	api.HandleFunc("GET /api/v1/user/apikeys", s.handleListAPIKeys)
	api.HandleFunc("DELETE /api/v1/user/apikeys/{key}", s.handleRevokeAPIKey)
	api.HandleFunc("GET /api/v1/user/env", s.handleGetUserEnv)
	api.HandleFunc("PUT /api/v1/user/env", s.handlePutUserEnv)
	api.HandleFunc("DELETE /api/v1/user/env", s.handleClearUserEnv)
	api.HandleFunc("PUT /api/v1/user/env/{key}", s.handleSetUserEnvKey)
	api.HandleFunc("DELETE /api/v1/user/env/{key}", s.handleDeleteUserEnvKey)

	// MCP server management
	api.HandleFunc("POST /api/v1/mcpservers", s.handleAddServer)
	api.HandleFunc("GET /api/v1/mcpservers", s.handleListServers)
	api.HandleFunc("GET /api/v1/mcpservers/config", s.handleServerConfig)
	api.HandleFunc("GET /api/v1/mcpservers/{name}/status", s.handleServerStatus)
	api.HandleFunc("POST /api/v1/mcpservers/{name}/start", s.handleStartServer)
	api.HandleFunc("POST /api/v1/mcpservers/{name}/stop", s.handleStopServer)
	api.HandleFunc("POST /api/v1/mcpservers/{name}/restart", s.handleRestartServer)
	api.HandleFunc("DELETE /api/v1/mcpservers/{name}", s.handleDeleteServer)
	api.HandleFunc("PUT /api/v1/mcpservers/{name}/env", s.handlePutServerEnv)
	api.HandleFunc("DELETE /api/v1/mcpservers/{name}/env", s.handleClearServerEnv)
	api.HandleFunc("PUT /api/v1/mcpservers/{name}/env/{key}", s.handleSetServerEnvKey)
	api.HandleFunc("DELETE /api/v1/mcpservers/{name}/env/{key}", s.handleDeleteServerEnvKey)

	// Tool proxying
	api.HandleFunc("POST /api/v1/user/tool/{server}/{tool}", s.handleCallTool)
	api.HandleFunc("GET /api/v1/tools", s.handleListTools)
	api.HandleFunc("POST /api/v1/tools/call", s.handleCallToolFlat)

	authed := auth.Middleware(s.mgr)(auth.RateLimitMiddleware(s.limiter)(api))

	root := http.NewServeMux()
	root.Handle("/api/v1/", authed)
	root.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	root.HandleFunc("GET /health", s.handleHealth)
	root.HandleFunc("GET /ready", s.handleReady)
	root.HandleFunc("GET /ping", s.handlePing)
	root.Handle("GET /metrics", metrics.Handler())
	if s.mcpFacade != nil {
		root.Handle("/mcp", auth.Middleware(s.mgr)(s.mcpFacade))
		root.Handle("/mcp/", auth.Middleware(s.mgr)(s.mcpFacade))
	}

	return metrics.Middleware(root)
}

// identityFor resolves the acting user for a request. Admins may act on
// behalf of another user via the ?user= query parameter.
func (s *Server) identityFor(r *http.Request) (username string, err error) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return "", auth.ErrInvalidToken
	}
	target := r.URL.Query().Get("user")
	if target == "" || target == id.Username {
		return id.Username, nil
	}
	if !id.IsAdmin() {
		return "", errAdminOnly
	}
	if err := validation.ValidateUsername(target); err != nil {
		return "", err
	}
	return target, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness; the store must answer
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.st.ListUsernames(); err != nil {
		writeDetail(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ping": "pong"})
}

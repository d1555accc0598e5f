package httpapi

import (
	"fmt"
	"net/http"

	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/store"
)

// addServerRequest mirrors the standard MCP client configuration shape:
// {"mcpServers": {"time": {"command": "uvx", "args": [...]}}}
type addServerRequest struct {
	MCPServers map[string]store.ServerSpec `json:"mcpServers"`
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req addServerRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.MCPServers) != 1 {
		writeDetail(w, http.StatusBadRequest, "request must define exactly one server under mcpServers")
		return
	}

	for name, spec := range req.MCPServers {
		snap, err := s.ctrl.Add(r.Context(), username, name, spec)
		if err != nil {
			writeError(w, r, err)
			return
		}
		logger.InfoContext(r.Context(), "mcp server added", "server", name)
		writeJSON(w, http.StatusCreated, snap)
		return
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.ctrl.List(username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mcpservers": list})
}

func (s *Server) handleServerConfig(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	specs, err := s.ctrl.Config(username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mcpServers": specs})
}

func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.ctrl.StatusOf(username, r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.ctrl.Start(r.Context(), username, r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.ctrl.Stop(r.Context(), username, r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.ctrl.Restart(r.Context(), username, r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ctrl.Delete(r.Context(), username, r.PathValue("name")); err != nil {
		writeError(w, r, err)
		return
	}
	logger.InfoContext(r.Context(), "mcp server deleted", "server", r.PathValue("name"))
	w.WriteHeader(http.StatusNoContent)
}

// --- Server spec environment ---

func (s *Server) handlePutServerEnv(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req putEnvRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	err = s.ctrl.UpdateServerEnv(username, r.PathValue("name"), func(map[string]string) (map[string]string, error) {
		return req.Env, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearServerEnv(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	err = s.ctrl.UpdateServerEnv(username, r.PathValue("name"), func(map[string]string) (map[string]string, error) {
		return nil, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetServerEnvKey(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req envValueRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	key := r.PathValue("key")
	err = s.ctrl.UpdateServerEnv(username, r.PathValue("name"), func(env map[string]string) (map[string]string, error) {
		env[key] = req.Value
		return env, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteServerEnvKey(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	key := r.PathValue("key")
	err = s.ctrl.UpdateServerEnv(username, r.PathValue("name"), func(env map[string]string) (map[string]string, error) {
		if _, ok := env[key]; !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrEnvKeyNotFound, key)
		}
		delete(env, key)
		return env, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

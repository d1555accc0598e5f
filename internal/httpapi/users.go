package httpapi

import (
	"net/http"

	"github.com/getsimpletool/mcpo-simple-server/internal/auth"
	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/validation"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	token, err := s.mgr.Login(req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.Slog().Info("user logged in", "user", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	u, err := s.st.GetUser(id.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req changePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeDetail(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	// Changing a password requires proving the old one, API key auth or not
	if _, err := s.mgr.Login(id.Username, req.OldPassword); err != nil {
		writeError(w, r, err)
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.st.SetPassword(id.Username, hash); err != nil {
		writeError(w, r, err)
		return
	}

	logger.InfoContext(r.Context(), "password changed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	key, keyID, err := s.mgr.CreateAPIKey(id.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key, "id": keyID})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	keys, err := s.st.ListAPIKeys(id.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

// handleRevokeAPIKey accepts either the plaintext key or its public id
// in the path.
func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	key := r.PathValue("key")

	var err error
	if auth.IsAPIKey(key) {
		err = s.mgr.RevokeAPIKey(key)
	} else {
		err = s.mgr.RevokeAPIKeyByID(id.Username, key)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- User-level environment ---

func (s *Server) handleGetUserEnv(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	env, err := s.st.GetUserEnv(username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": env})
}

type putEnvRequest struct {
	Env map[string]string `json:"env"`
}

func (s *Server) handlePutUserEnv(w http.ResponseWriter, r *http.Request) {
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
	for key := range req.Env {
		if err := validation.ValidateEnvKey(key); err != nil {
			writeError(w, r, err)
			return
		}
	}

	if err := s.st.PutUserEnv(username, req.Env); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearUserEnv(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.st.PutUserEnv(username, nil); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type envValueRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetUserEnvKey(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	key := r.PathValue("key")
	if err := validation.ValidateEnvKey(key); err != nil {
		writeError(w, r, err)
		return
	}

	var req envValueRequest
	if err := decodeBody(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := s.st.SetUserEnvKey(username, key, req.Value); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteUserEnvKey(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.st.DeleteUserEnvKey(username, r.PathValue("key")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

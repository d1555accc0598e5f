package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/getsimpletool/mcpo-simple-server/internal/auth"
	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/mcpclient"
	"github.com/getsimpletool/mcpo-simple-server/internal/mcpproc"
	"github.com/getsimpletool/mcpo-simple-server/internal/store"
	"github.com/getsimpletool/mcpo-simple-server/internal/supervisor"
	"github.com/getsimpletool/mcpo-simple-server/internal/validation"
)

// errAdminOnly rejects non-admins using the ?user= override
var errAdminOnly = errors.New("admin privileges required")

// writeJSON encodes v as the response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeDetail writes a FastAPI-shaped error body: {"detail": "..."}
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// writeError maps a domain error to an HTTP status. Error text is passed
// through: these are operator-facing messages, not secrets.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeDetail(w, status, err.Error())
}

func statusFor(err error) int {
	var argErr *mcpclient.ArgumentError
	var protoErr *mcpproc.ProtocolError
	var hsErr *supervisor.HandshakeError
	var spawnErr *mcpproc.SpawnError

	switch {
	case errors.Is(err, validation.ErrInvalid),
		errors.As(err, &argErr):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUserDisabled),
		errors.Is(err, errAdminOnly):
		return http.StatusForbidden
	case errors.Is(err, supervisor.ErrServerNotFound),
		errors.Is(err, supervisor.ErrToolNotFound),
		errors.Is(err, store.ErrSpecNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrAPIKeyNotFound),
		errors.Is(err, store.ErrEnvKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrServerNotRunning),
		errors.Is(err, supervisor.ErrServerDisabled):
		return http.StatusConflict
	// A failed handshake is a fault of the start operation itself, no
	// matter what broke underneath (timeout, exit, refusal).
	case errors.As(err, &hsErr):
		return http.StatusInternalServerError
	case errors.As(err, &protoErr):
		return protocolStatus(protoErr)
	case mcpproc.IsChildGone(err):
		return http.StatusBadGateway
	case errors.Is(err, mcpproc.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &spawnErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// protocolStatus maps a JSON-RPC error from the child to an HTTP status:
// request-class codes are the caller's fault, everything else is the
// child's.
func protocolStatus(e *mcpproc.ProtocolError) int {
	switch e.Code {
	case -32600, -32601, -32602: // invalid request, method not found, invalid params
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// decodeBody parses a JSON request body into v
func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

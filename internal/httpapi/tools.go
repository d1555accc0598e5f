package httpapi

import (
	"net/http"
	"strings"

	"github.com/getsimpletool/mcpo-simple-server/internal/logger"
	"github.com/getsimpletool/mcpo-simple-server/internal/supervisor"
)

// toolNameDelimiter joins server and tool in the flat namespace, e.g.
// "time__get_current_time". Server names reject "__" so the split below
// is unambiguous.
const toolNameDelimiter = "__"

// handleCallTool proxies POST /api/v1/user/tool/{server}/{tool}. The
// request body is the tool's argument object; an empty body means no
// arguments.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.callTool(w, r, username, r.PathValue("server"), r.PathValue("tool"), nil)
}

type flatCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// handleCallToolFlat proxies POST /api/v1/tools/call. The qualified tool
// name comes from the ?name= query parameter or the body's name field.
func (s *Server) handleCallToolFlat(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req flatCallRequest
	if err := decodeBody(r, &req); err != nil && r.ContentLength > 0 {
		writeDetail(w, http.StatusBadRequest, "malformed request body")
		return
	}
	qualified := r.URL.Query().Get("name")
	if qualified == "" {
		qualified = req.Name
	}

	server, tool, ok := strings.Cut(qualified, toolNameDelimiter)
	if !ok || server == "" || tool == "" {
		writeDetail(w, http.StatusBadRequest, "tool name must be of the form server__tool")
		return
	}

	// The body is consumed; arguments come only from its arguments field
	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	s.callTool(w, r, username, server, tool, args)
}

// callTool runs the proxied invocation and writes the MCP result. When
// args is nil the request body is decoded as the argument object.
func (s *Server) callTool(w http.ResponseWriter, r *http.Request, username, server, tool string, args map[string]any) {
	if args == nil && r.ContentLength != 0 {
		if err := decodeBody(r, &args); err != nil {
			writeDetail(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	result, err := s.ctrl.CallTool(r.Context(), username, server, tool, args)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logger.InfoContext(r.Context(), "tool call proxied",
		"server", server, "tool", tool, "is_error", result.IsError)
	writeJSON(w, http.StatusOK, result)
}

// handleListTools reports the flat tool catalog across the caller's
// running servers.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	username, err := s.identityFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	snaps, err := s.ctrl.List(username)
	if err != nil {
		writeError(w, r, err)
		return
	}

	type flatTool struct {
		Name        string `json:"name"`
		Server      string `json:"server"`
		Description string `json:"description,omitempty"`
	}
	tools := make([]flatTool, 0)
	for _, snap := range snaps {
		if snap.Status != supervisor.StatusRunning.String() {
			continue
		}
		serverTools, err := s.ctrl.Tools(username, snap.Name)
		if err != nil {
			continue
		}
		for _, t := range serverTools {
			tools = append(tools, flatTool{
				Name:        snap.Name + toolNameDelimiter + t.Name,
				Server:      snap.Name,
				Description: t.Description,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

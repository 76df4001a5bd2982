package gateway

import (
	"net/http"
	"strings"

	"github.com/niahq/nia/internal/tools"
)

type toolCallRequest struct {
	Tool          string                 `json:"tool"`
	ToolName      string                 `json:"tool_name"`
	RoomURL       string                 `json:"room_url"`
	TenantID      string                 `json:"tenant_id"`
	SessionUserID string                 `json:"sessionUserId"`
	Params        map[string]interface{} `json:"params"`
}

func (req *toolCallRequest) name() string {
	if req.Tool != "" {
		return req.Tool
	}
	return req.ToolName
}

// buildCall assembles a dispatcher call, filling tenant and user
// context from the room cache and configured defaults when the request
// leaves them out.
func (s *Server) buildCall(req *toolCallRequest) (*tools.Call, string, error) {
	room := ""
	if req.RoomURL != "" {
		var err error
		room, err = s.canonical(req.RoomURL)
		if err != nil {
			return nil, "", err
		}
	}
	tenant := req.TenantID
	if tenant == "" && room != "" {
		tenant = s.roomTenant(room)
	}
	if tenant == "" {
		tenant = s.cfg.Mesh.DefaultTenant
	}
	user := req.SessionUserID
	if user == "" {
		user = s.cfg.Mesh.DefaultUser
	}
	return &tools.Call{
		Tool:     req.name(),
		TenantID: tenant,
		UserID:   user,
		RoomURL:  room,
		Params:   req.Params,
	}, room, nil
}

// handleToolsList returns the registered tool descriptors, optionally
// filtered by a comma-separated features query parameter.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var flags map[string]bool
	if raw := r.URL.Query().Get("features"); raw != "" {
		flags = make(map[string]bool)
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				flags[f] = true
			}
		}
	}

	list := s.disp.Registry().List(flags)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tools": list,
		"count": len(list),
	})
}

// handleToolsInvoke runs a tool directly when it has a handler and
// context allows, otherwise relays it to the live bot as an envelope.
func (s *Server) handleToolsInvoke(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var req toolCallRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.name() == "" {
		s.respondError(w, http.StatusBadRequest, "tool is required", "")
		return
	}

	call, room, err := s.buildCall(&req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
		return
	}

	result, outcome := s.disp.Invoke(r.Context(), call, s.emitterFor(r, room))

	label := "ok"
	if result != nil && !result.Success {
		label = "error"
	}
	s.metrics.ToolInvocations.WithLabelValues(call.Tool, string(outcome), label).Inc()

	if outcome == tools.OutcomeRelayed {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"outcome": outcome,
			"tool":    call.Tool,
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      result.Success,
		"outcome": outcome,
		"result":  result.ToMap(),
	})
}

// handleToolsExecute is the strict synchronous surface: the tool must
// have a direct handler and full context; there is no relay fallback.
func (s *Server) handleToolsExecute(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var req toolCallRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.name() == "" {
		s.respondError(w, http.StatusBadRequest, "tool is required", "")
		return
	}

	call, room, err := s.buildCall(&req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
		return
	}

	result, err := s.disp.Execute(r.Context(), call, s.emitterFor(r, room))
	if err != nil {
		s.metrics.ToolInvocations.WithLabelValues(call.Tool, "execute", "rejected").Inc()
		s.respondError(w, http.StatusBadRequest, "cannot execute tool", err.Error())
		return
	}

	label := "ok"
	if !result.Success {
		label = "error"
	}
	s.metrics.ToolInvocations.WithLabelValues(call.Tool, "execute", label).Inc()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     result.Success,
		"result": result.ToMap(),
	})
}

package gateway

import (
	"net/http"

	"github.com/niahq/nia/pkg/models"
)

type emitEventRequest struct {
	RoomURL string                 `json:"room_url"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

// handleEmitEvent broadcasts an externally originated UI event as a
// standard event envelope: scoped WS delivery plus, when the room's
// session runs in this process, the room's app-message channel.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var req emitEventRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Event == "" {
		s.respondError(w, http.StatusBadRequest, "event is required", "")
		return
	}

	room := ""
	if req.RoomURL != "" {
		var err error
		room, err = s.canonical(req.RoomURL)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
			return
		}
	}

	s.emitterFor(r, room).EmitEvent(req.Event, req.Payload)
	s.metrics.EventsBroadcast.WithLabelValues(models.KindEvent).Inc()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

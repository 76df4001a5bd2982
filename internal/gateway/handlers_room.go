package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/models"
)

type activeContentRequest struct {
	RoomURL            string `json:"room_url"`
	ID                 string `json:"id"`
	OwnerParticipantID string `json:"owner_participant_id"`
}

// handleActiveNote reads or writes the room's active note. GET is open
// so late joiners can catch up; an absent note returns active=false
// rather than 404. POST with an empty id clears.
func (s *Server) handleActiveNote(w http.ResponseWriter, r *http.Request) {
	s.handleActiveContent(w, r, "note",
		s.state.GetActiveNote, s.state.SetActiveNote, s.state.ClearActiveNote)
}

// handleActiveApplet mirrors handleActiveNote for applets.
func (s *Server) handleActiveApplet(w http.ResponseWriter, r *http.Request) {
	s.handleActiveContent(w, r, "applet",
		s.state.GetActiveApplet, s.state.SetActiveApplet, s.state.ClearActiveApplet)
}

func (s *Server) handleActiveContent(
	w http.ResponseWriter, r *http.Request, kind string,
	get func(ctx context.Context, room string) (*models.ActiveContent, error),
	set func(ctx context.Context, room string, c *models.ActiveContent) error,
	clear func(ctx context.Context, room string) error,
) {
	switch r.Method {
	case http.MethodGet:
		rawRoom := r.URL.Query().Get("room_url")
		if rawRoom == "" {
			s.respondError(w, http.StatusBadRequest, "room_url is required", "")
			return
		}
		room, err := s.canonical(rawRoom)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
			return
		}
		content, err := get(r.Context(), room)
		if err != nil {
			s.respondJSON(w, http.StatusOK, map[string]interface{}{"active": false})
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"active": true,
			kind:     content,
		})

	case http.MethodPost:
		var req activeContentRequest
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		if req.RoomURL == "" {
			s.respondError(w, http.StatusBadRequest, "room_url is required", "")
			return
		}
		room, err := s.canonical(req.RoomURL)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
			return
		}
		if req.ID == "" {
			if err := clear(r.Context(), room); err != nil {
				s.respondError(w, http.StatusInternalServerError, "failed to clear", err.Error())
				return
			}
			s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		content := &models.ActiveContent{
			ID:                 req.ID,
			OwnerParticipantID: req.OwnerParticipantID,
			UpdatedAt:          time.Now(),
		}
		if err := set(r.Context(), room, content); err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to store", err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDefaultRoom returns the configured default room URL.
func (s *Server) handleDefaultRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"room_url": s.cfg.Server.DefaultRoomURL,
	})
}

type activeRoom struct {
	Room          string            `json:"room"`
	SessionID     string            `json:"session_id"`
	Status        models.LockStatus `json:"status"`
	RunnerType    models.RunnerType `json:"runner_type,omitempty"`
	PersonalityID string            `json:"personality_id,omitempty"`
	Since         time.Time         `json:"since"`
}

// handleActiveRooms lists every room holding an active lock.
func (s *Server) handleActiveRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms, err := s.state.ScanLocks(r.Context())
	if err != nil && err != statestore.ErrNotFound {
		s.respondError(w, http.StatusInternalServerError, "failed to scan rooms", err.Error())
		return
	}

	out := make([]activeRoom, 0, len(rooms))
	for _, room := range rooms {
		lock, err := s.state.GetLock(r.Context(), room)
		if err != nil {
			continue
		}
		out = append(out, activeRoom{
			Room:          room,
			SessionID:     lock.SessionID,
			Status:        lock.Status,
			RunnerType:    lock.RunnerType,
			PersonalityID: lock.PersonalityID,
			Since:         lock.Timestamp,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": out,
		"count": len(out),
	})
}

package gateway

import (
	"net/http"
	"strconv"
	"time"
)

// handleLogs returns recent in-memory log entries, newest first.
// Filters: limit, level, source, room, session_id, since, until.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.logs == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"logs": []interface{}{}, "count": 0})
		return
	}

	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	var since, until time.Time
	if raw := q.Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}
	if raw := q.Get("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			until = t
		}
	}

	entries := s.logs.GetRecent(limit, q.Get("level"), q.Get("source"), q.Get("room"), q.Get("session_id"), since, until)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"count": len(entries),
	})
}

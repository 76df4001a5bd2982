package runner

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/niahq/nia/pkg/models"
)

// Control is the HTTP surface warm and cold workers expose to the
// operator: start, transition, leave, and a health probe that doubles
// as the standby advertisement.
type Control struct {
	deps     *Deps
	registry *Registry

	// Standby marks a worker waiting in the pool; a standby worker
	// flips busy once it hosts a session and back after it leaves.
	standby bool
	// SelfURL is how the operator reaches this worker; registered on
	// the standby pool when standby mode is on.
	selfURL string
}

// NewControl builds the control surface. selfURL may be empty when the
// worker is not pool-managed (cold jobs).
func NewControl(deps *Deps, registry *Registry, standby bool, selfURL string) *Control {
	return &Control{deps: deps, registry: registry, standby: standby, selfURL: selfURL}
}

// Registry exposes the session registry.
func (c *Control) Registry() *Registry { return c.registry }

// RegisterStandby pushes this worker onto the standby pool. Called at
// boot and again after each hosted session ends.
func (c *Control) RegisterStandby(ctx context.Context) {
	if !c.standby || c.selfURL == "" {
		return
	}
	if err := c.deps.State.PushStandby(ctx, c.selfURL); err != nil {
		log.Printf("runner: standby registration: %v", err)
		return
	}
	log.Printf("runner: registered standby worker %s", c.selfURL)
}

// SetupRoutes mounts the control endpoints.
func (c *Control) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/start", c.handleStart)
	mux.HandleFunc("/transition", c.handleTransition)
	mux.HandleFunc("/leave", c.handleLeave)
	mux.HandleFunc("/healthz", c.handleHealthz)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "detail": detail})
}

func (c *Control) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var env models.LaunchEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid launch envelope")
		return
	}
	if env.RoomURL == "" {
		writeError(w, http.StatusBadRequest, "room_url is required")
		return
	}

	s, err := Start(r.Context(), c.deps, &env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.registry.Add(s)

	// A standby worker hosting a session is no longer in the pool; it
	// re-registers once the session is gone.
	go func() {
		<-s.Done()
		c.registry.Remove(s)
		c.RegisterStandby(context.Background())
	}()

	info := s.Info()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  info.SessionID,
		"room":        info.Room,
		"personality": info.PersonalityID,
		"persona":     info.Persona,
	})
}

func (c *Control) handleTransition(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req models.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transition request")
		return
	}

	s, ok := c.registry.ByID(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no such session")
		return
	}
	oldRoom := s.Room()
	if err := s.Transition(r.Context(), &req); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.registry.Rebind(s, oldRoom)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"room":       s.Room(),
		"from":       oldRoom,
	})
}

func (c *Control) handleLeave(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		RoomURL   string `json:"room_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid leave request")
		return
	}

	var s *Session
	var ok bool
	if req.SessionID != "" {
		s, ok = c.registry.ByID(req.SessionID)
	} else if req.RoomURL != "" {
		s, ok = c.registry.ByRoom(req.RoomURL)
	}
	if ok {
		s.Leave(r.Context())
		c.registry.Remove(s)
	}
	// Leave is idempotent: an unknown session is already gone.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Control) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"standby":  c.standby && c.registry.Len() == 0,
		"sessions": c.registry.Len(),
	})
}

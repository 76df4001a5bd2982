package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/niahq/nia/internal/poller"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/models"
)

// handleJoin launches a bot into a room, or converges on the session
// already there. Also mounted at /start.
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var env models.LaunchEnvelope
	if err := s.parseJSON(r, &env); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if env.RoomURL == "" {
		s.respondError(w, http.StatusBadRequest, "room_url is required", "")
		return
	}

	room, err := s.canonical(env.RoomURL)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
		return
	}
	if env.SessionID == "" {
		env.SessionID = uuid.NewString()
	}
	if env.DebugTraceID == "" {
		env.DebugTraceID = uuid.NewString()
	}
	s.setRoomTenant(room, env.TenantID)

	ctx := r.Context()

	// Idempotency: converge on a live or in-flight launch.
	if resp := s.reuseOrWait(ctx, room); resp != nil {
		resp.DebugTraceID = env.DebugTraceID
		s.metrics.JoinsTotal.WithLabelValues("reused").Inc()
		s.respondJSON(w, http.StatusOK, resp)
		return
	}

	// Forum transition: move the user's existing bot instead of
	// spawning a second one.
	if resp := s.tryTransition(ctx, room, &env); resp != nil {
		resp.DebugTraceID = env.DebugTraceID
		s.metrics.JoinsTotal.WithLabelValues("transitioned").Inc()
		s.respondJSON(w, http.StatusOK, resp)
		return
	}

	// Claim the room before dispatch so concurrent joins wait on us.
	pending := &models.RoomActiveLock{
		Status:        models.LockStatusPending,
		SessionID:     env.SessionID,
		PersonalityID: env.PersonalityID,
		Persona:       env.Persona,
		Timestamp:     time.Now(),
	}
	if err := s.state.SetLock(ctx, room, pending, s.cfg.Session.PendingLockTTL); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "state store unavailable", err.Error())
		return
	}

	env.EnqueuedAt = time.Now()
	status := "queued"
	if s.cfg.Operator.Direct && s.op != nil {
		if err := s.op.Handle(ctx, &env); err != nil {
			_ = s.state.DeleteLock(ctx, room)
			s.metrics.JoinsTotal.WithLabelValues("error").Inc()
			s.respondError(w, http.StatusInternalServerError, "failed to start session", err.Error())
			return
		}
		status = "running"
	} else {
		if err := s.state.EnqueueLaunch(ctx, &env); err != nil {
			_ = s.state.DeleteLock(ctx, room)
			s.metrics.JoinsTotal.WithLabelValues("error").Inc()
			s.respondError(w, http.StatusServiceUnavailable, "failed to enqueue launch", err.Error())
			return
		}
	}

	s.metrics.JoinsTotal.WithLabelValues("spawned").Inc()
	s.respondJSON(w, http.StatusOK, &models.JoinResponse{
		Status:       status,
		SessionID:    env.SessionID,
		DebugTraceID: env.DebugTraceID,
	})
}

// reuseOrWait resolves the room's current lock. Returns a response
// when the caller should reuse an existing session, nil when the
// launch may proceed. Pending locks are wait-polled until they resolve
// or go stale; zombie running locks are cleared.
func (s *Server) reuseOrWait(ctx context.Context, room string) *models.JoinResponse {
	deadline := time.Now().Add(s.cfg.Session.WaitPollCap)
	for {
		lock, err := s.state.GetLock(ctx, room)
		if err != nil {
			return nil
		}

		switch lock.Status {
		case models.LockStatusRunning:
			if s.state.KeepaliveFresh(ctx, room, s.cfg.Session.KeepaliveStale) {
				return &models.JoinResponse{Status: "running", SessionID: lock.SessionID, Reused: true}
			}
			if lock.Age(time.Now()) < s.cfg.Session.ColdStartGrace {
				// Still booting; no keepalive expected yet.
				return &models.JoinResponse{Status: "running", SessionID: lock.SessionID, Reused: true}
			}
			log.Printf("gateway: clearing zombie lock for %s (session %s)", room, lock.SessionID)
			_ = s.state.DeleteLock(ctx, room)
			_ = s.state.DeleteKeepalive(ctx, room)
			return nil

		case models.LockStatusPending:
			if lock.Age(time.Now()) > s.cfg.Session.PendingLockStale {
				_ = s.state.DeleteLock(ctx, room)
				return nil
			}
			if time.Now().After(deadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.Session.WaitPollInterval):
			}

		default:
			return nil
		}
	}
}

// tryTransition moves a user's live bot from its current room into the
// requested one. Returns nil when no transition applies, in which case
// the join proceeds as a fresh launch.
func (s *Server) tryTransition(ctx context.Context, room string, env *models.LaunchEnvelope) *models.JoinResponse {
	if env.SessionUserID == "" {
		return nil
	}
	tenant := env.TenantID
	if tenant == "" {
		tenant = s.cfg.Mesh.DefaultTenant
	}
	entry, err := s.state.GetUserBot(ctx, tenant, env.SessionUserID)
	if err != nil || entry.Room == room {
		return nil
	}
	if !s.state.KeepaliveFresh(ctx, entry.Room, s.cfg.Session.KeepaliveStale) {
		return nil
	}

	req := &models.TransitionRequest{
		SessionID:       entry.SessionID,
		NewRoomURL:      env.RoomURL,
		NewToken:        env.Token,
		PersonalityID:   env.PersonalityID,
		Persona:         env.Persona,
		SessionUserID:   env.SessionUserID,
		SessionUserName: env.SessionUserName,
		TenantID:        tenant,
	}

	if s.runners != nil {
		if sess, ok := s.runners.ByRoom(entry.Room); ok {
			if err := sess.Transition(ctx, req); err != nil {
				log.Printf("gateway: transition %s -> %s: %v", entry.Room, room, err)
				return nil
			}
			s.runners.Rebind(sess, entry.Room)
			return transitionedResponse(entry, room)
		}
	}

	if entry.RunnerURL == "" {
		return nil
	}
	if err := s.postTransition(ctx, entry.RunnerURL, req); err != nil {
		log.Printf("gateway: remote transition %s -> %s: %v", entry.Room, room, err)
		return nil
	}
	return transitionedResponse(entry, room)
}

func transitionedResponse(entry *models.UserBotEntry, room string) *models.JoinResponse {
	return &models.JoinResponse{
		Status:    "transitioned",
		SessionID: entry.SessionID,
		Reused:    true,
		Detail:    fmt.Sprintf("Transitioned bot from %s to %s", entry.Room, room),
	}
}

// postTransition calls a remote runner's transition endpoint.
func (s *Server) postTransition(ctx context.Context, runnerURL string, req *models.TransitionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, runnerURL+"/transition", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner returned %d", resp.StatusCode)
	}
	return nil
}

// handleLeave releases every shared-state key the room holds. In
// direct mode it also cancels the in-process session. Idempotent.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var body struct {
		RoomURL   string `json:"room_url"`
		SessionID string `json:"session_id"`
	}
	if err := s.parseJSON(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if body.RoomURL == "" {
		s.respondError(w, http.StatusBadRequest, "room_url is required", "")
		return
	}
	room, err := s.canonical(body.RoomURL)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
		return
	}

	ctx := r.Context()

	if s.runners != nil {
		if sess, ok := s.runners.ByRoom(room); ok {
			sess.Leave(ctx)
		}
	}

	_ = s.state.DeleteLock(ctx, room)
	_ = s.state.DeleteKeepalive(ctx, room)
	_ = s.state.ClearConfig(ctx, room)

	// Scrub every user_bot mapping pointing at this room.
	if entries, err := s.state.ScanUserBots(ctx); err == nil {
		for key, entry := range entries {
			if entry.Room == room {
				_ = s.state.DeleteUserBotKey(ctx, key)
			}
		}
	}

	s.mu.Lock()
	delete(s.roomTenants, room)
	s.mu.Unlock()

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig stores a per-room config payload and publishes it on
// the room's config channel. Unknown rooms are accepted so config can
// land before the bot does.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var body map[string]interface{}
	if err := s.parseJSON(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rawRoom, _ := body["room_url"].(string)
	if rawRoom == "" {
		s.respondError(w, http.StatusBadRequest, "room_url is required", "")
		return
	}
	room, err := s.canonical(rawRoom)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
		return
	}
	delete(body, "room_url")

	stored, err := s.state.StoreConfig(r.Context(), room, body)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to store config", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"deduplicated": !stored,
	})
}

// handleAdmin accepts a room-keyed admin instruction. The instruction
// is persisted on the room's admin queue and published; in direct mode
// without a Redis backend it is additionally spooled to a file so the
// in-process poller picks it up.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.requirePost(w, r) {
		return
	}

	var body map[string]interface{}
	if err := s.parseJSON(r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	rawRoom, _ := body["room_url"].(string)
	if rawRoom == "" {
		s.respondError(w, http.StatusBadRequest, "room_url is required", "")
		return
	}
	room, err := s.canonical(rawRoom)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid room_url", err.Error())
		return
	}
	delete(body, "room_url")

	raw, _ := json.Marshal(body)
	instr, err := poller.NormalizeAdmin(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid admin instruction", err.Error())
		return
	}

	if err := s.state.AppendAdmin(r.Context(), room, &instr); err != nil {
		if err != statestore.ErrUnavailable {
			s.respondError(w, http.StatusInternalServerError, "failed to persist admin instruction", err.Error())
			return
		}
	}

	if s.cfg.Operator.Direct && s.cfg.Redis.Addr == "" {
		name := poller.SpoolAdminFilename(os.Getpid(), instr.ID)
		if err := poller.WriteSpool(s.cfg.Spool.Dir, name, &instr); err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to spool admin instruction", err.Error())
			return
		}
	}

	status := "queued"
	if instr.Mode == models.AdminModeImmediate {
		status = "processed_immediately"
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":         status,
		"id":             instr.ID,
		"originalPrompt": instr.Prompt,
	})
}

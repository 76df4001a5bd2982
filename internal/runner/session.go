package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/niahq/nia/internal/eventbus"
	"github.com/niahq/nia/internal/flow"
	"github.com/niahq/nia/internal/forwarder"
	"github.com/niahq/nia/internal/pacing"
	"github.com/niahq/nia/internal/pipeline"
	"github.com/niahq/nia/internal/poller"
	"github.com/niahq/nia/internal/roomurl"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/models"
)

// Session is one live bot in one room.
type Session struct {
	deps *Deps

	mu        sync.Mutex
	info      models.SessionInfo
	env       *models.LaunchEnvelope
	transport pipeline.Transport
	stt       pipeline.STT

	bus      *eventbus.Bus
	activity *pipeline.Activity
	flow     *flow.Manager
	pacer    *pacing.Controller
	fwd      *forwarder.Forwarder
	tail     *poller.Poller

	intakeStop context.CancelFunc

	cancel    context.CancelFunc
	leaveOnce sync.Once
	done      chan struct{}
}

// Info returns a copy of the session's identity.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Room returns the session's current canonical room URL.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Room
}

// Forwarder exposes the session's envelope emitter for tool dispatch.
func (s *Session) Forwarder() *forwarder.Forwarder { return s.fwd }

// Flow exposes the conversation manager for admin delivery.
func (s *Session) Flow() *flow.Manager { return s.flow }

// Start builds and launches a session from a launch envelope. It
// returns once the transport has joined and all loops are running.
func Start(ctx context.Context, deps *Deps, env *models.LaunchEnvelope) (*Session, error) {
	room, err := roomurl.Canonical(env.RoomURL, deps.Cfg.Server.LowercasePaths)
	if err != nil {
		return nil, fmt.Errorf("runner: bad room url: %w", err)
	}

	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	personality := deps.Providers.personality(env.PersonalityID)
	private := personality.Private || env.SessionUserID != ""

	s := &Session{
		deps: deps,
		info: models.SessionInfo{
			SessionID:     sessionID,
			Room:          room,
			PersonalityID: personality.ID,
			Persona:       env.Persona,
			StartedAt:     time.Now(),
		},
		env:      env,
		bus:      eventbus.New(64),
		activity: pipeline.NewActivity(),
		done:     make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.transport = deps.Providers.transport(env)
	if err := s.transport.Join(ctx, room, env.Token); err != nil {
		cancel()
		return nil, fmt.Errorf("runner: join %s: %w", room, err)
	}

	s.stt = deps.Providers.stt(env)
	s.fwd = forwarder.New(sessionID, deps.Hub, s.transport)

	llmCtx := pipeline.NewLLMContext()
	s.flow = flow.NewManager(flow.Config{
		SessionID:   sessionID,
		Room:        room,
		Personality: personality,
		LLM:         deps.Providers.llm(env),
		LLMContext:  llmCtx,
		Speaker:     deps.Providers.tts(env),
		Bus:         s.bus,
		Activity:    s.activity,
		Private:     private,
	})
	s.flow.Start(runCtx)

	s.pacer = pacing.NewController(sessionID, s.bus, s.activity, pacing.Gate{
		UserIdle:        deps.Cfg.Pacing.BeatUserIdle,
		PostSpeakBuffer: deps.Cfg.Pacing.PostSpeakBuffer,
		MinSpeakGap:     deps.Cfg.Pacing.BeatMinSpeakGap,
		UserIdleTimeout: deps.Cfg.Pacing.BeatUserIdleTimeout,
	})
	s.pacer.ScheduleBeats(runCtx, personality.Beats)
	if personality.WrapupAfter > 0 {
		s.pacer.ScheduleWrapup(runCtx, personality.WrapupAfter, personality.WrapupPrompt)
	}

	s.tail = poller.New(roomurl.Hash(room), deps.Cfg.Spool.Dir, deps.NATS,
		&flowAdminSink{flow: s.flow}, s.handlePreSpawn)
	if err := s.tail.Start(runCtx); err != nil {
		log.Printf("runner: poller for %s: %v", room, err)
	}
	s.startStateIntake(runCtx, room)

	go s.eventLoop(runCtx)
	go s.transcriptLoop(runCtx)
	go s.keepaliveLoop(runCtx)

	if err := s.writeRunningLock(ctx, room, ""); err != nil {
		log.Printf("runner: write lock for %s: %v", room, err)
	}
	s.updateUserBot(ctx, room)

	log.Printf("runner: session %s started in %s (personality=%s)", sessionID, room, personality.ID)
	return s, nil
}

// flowAdminSink adapts the flow manager to the poller's sink.
type flowAdminSink struct{ flow *flow.Manager }

func (a *flowAdminSink) EnqueueAdmin(ctx context.Context, instr *models.AdminInstruction) string {
	return a.flow.EnqueueAdmin(ctx, instr)
}

// startStateIntake connects the session to the shared store's admin
// and config surfaces for its room: the persisted backlog lands first,
// then both pubsub channels are tailed live. Instructions carry stable
// ids, so a message that also arrives via NATS or the spool is only
// delivered once.
func (s *Session) startStateIntake(ctx context.Context, room string) {
	ictx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.intakeStop = cancel
	s.mu.Unlock()

	s.drainAdminBacklog(ictx, room)
	if pc, err := s.deps.State.GetConfig(ictx, room); err == nil {
		s.flow.ApplyConfig(pc.Config)
	}

	raw := s.deps.State.Raw()
	adminCh, adminCancel, err := raw.Subscribe(ictx, statestore.AdminChannel(room))
	if err != nil {
		log.Printf("runner: admin channel for %s: %v", room, err)
		adminCancel = func() {}
	}
	configCh, configCancel, err := raw.Subscribe(ictx, statestore.ConfigChannel(room))
	if err != nil {
		log.Printf("runner: config channel for %s: %v", room, err)
		configCancel = func() {}
	}

	go func() {
		defer adminCancel()
		defer configCancel()
		for {
			select {
			case <-ictx.Done():
				return
			case data, ok := <-adminCh:
				if !ok {
					adminCh = nil
					continue
				}
				// The publish follows the queue append, so draining
				// both delivers the payload and clears the persisted
				// copy.
				if !s.drainAdminBacklog(ictx, room) {
					if instr, err := poller.NormalizeAdmin(data); err == nil {
						s.flow.EnqueueAdmin(ictx, &instr)
					}
				}
			case data, ok := <-configCh:
				if !ok {
					configCh = nil
					continue
				}
				var pc models.PendingConfig
				if err := json.Unmarshal(data, &pc); err == nil {
					s.flow.ApplyConfig(pc.Config)
				}
			}
		}
	}()
}

// drainAdminBacklog feeds the room's persisted admin queue into the
// flow, reporting whether anything was delivered.
func (s *Session) drainAdminBacklog(ctx context.Context, room string) bool {
	backlog, err := s.deps.State.DrainAdmin(ctx, room)
	if err != nil {
		log.Printf("runner: drain admin backlog for %s: %v", room, err)
		return false
	}
	for _, instr := range backlog {
		s.flow.EnqueueAdmin(ctx, instr)
	}
	return len(backlog) > 0
}

func (s *Session) stopStateIntake() {
	s.mu.Lock()
	stop := s.intakeStop
	s.intakeStop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Session) writeRunningLock(ctx context.Context, room, transitionedFrom string) error {
	s.mu.Lock()
	lock := &models.RoomActiveLock{
		Status:           models.LockStatusRunning,
		SessionID:        s.info.SessionID,
		RunnerType:       models.RunnerTypeDirect,
		PersonalityID:    s.info.PersonalityID,
		Persona:          s.info.Persona,
		Timestamp:        time.Now(),
		TransitionedFrom: transitionedFrom,
	}
	s.mu.Unlock()
	return s.deps.State.SetLock(ctx, room, lock, s.deps.Cfg.Session.LockTTL)
}

func (s *Session) updateUserBot(ctx context.Context, room string) {
	env := s.env
	if env.TenantID == "" || env.SessionUserID == "" {
		return
	}
	err := s.deps.State.SetUserBot(ctx, env.TenantID, env.SessionUserID, &models.UserBotEntry{
		SessionID: s.info.SessionID,
		Room:      room,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Printf("runner: user_bot update for %s: %v", room, err)
	}
}

// handlePreSpawn applies context buffered before the bot was up. Note
// payloads set active-note state and surface the UI event; anything
// with a prompt is treated as a queued admin message.
func (s *Session) handlePreSpawn(payload map[string]interface{}) {
	ctx := context.Background()
	typ, _ := payload["type"].(string)

	switch typ {
	case "note.open":
		noteID, _ := payload["noteId"].(string)
		if noteID == "" {
			return
		}
		err := s.deps.State.SetActiveNote(ctx, s.Room(), &models.ActiveContent{
			ID:        noteID,
			UpdatedAt: time.Now(),
		})
		if err != nil {
			log.Printf("runner: pre-spawn active note: %v", err)
		}
		s.fwd.EmitEvent("note.open", payload)
	case "participant.identity":
		pid, _ := payload["participant_id"].(string)
		identity, _ := payload["identity"].(string)
		if pid != "" {
			s.flow.HandleIdentity(pid, identity)
		}
	default:
		if instr, err := poller.NormalizeAdmin(mustJSON(payload)); err == nil {
			s.flow.EnqueueAdmin(ctx, &instr)
		}
	}
}

// eventLoop bridges bus events into flow actions and outbound
// envelopes.
func (s *Session) eventLoop(ctx context.Context) {
	sub := s.bus.SubscribeTypes("session-"+s.info.SessionID,
		eventbus.EventParticipantJoined,
		eventbus.EventParticipantLeft,
		eventbus.EventParticipantIdentity,
		eventbus.EventConvoBeat,
		eventbus.EventConvoWrapup,
	)
	defer s.bus.Unsubscribe(sub.ID)

	started := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Channel:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.EventParticipantJoined:
				pc := participantFromEvent(ev)
				if pc == nil {
					continue
				}
				s.flow.HandleParticipantJoined(pc)
				if !started && !pc.Stealth {
					started = true
					s.flow.BeginConversation(ctx)
				}
			case eventbus.EventParticipantLeft:
				if pid, _ := ev.Data["participant_id"].(string); pid != "" {
					s.flow.HandleParticipantLeft(pid)
				}
			case eventbus.EventParticipantIdentity:
				pid, _ := ev.Data["participant_id"].(string)
				identity, _ := ev.Data["identity"].(string)
				if pid != "" {
					s.flow.HandleIdentity(pid, identity)
				}
			case eventbus.EventConvoBeat:
				index := intFromEvent(ev.Data["beat"])
				go func() {
					if s.pacer.WaitGate(ctx) {
						s.flow.AdvanceBeat(ctx, index)
					}
				}()
			case eventbus.EventConvoWrapup:
				s.flow.Wrapup(ctx)
			}
		}
	}
}

func (s *Session) transcriptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-s.stt.Transcripts():
			if !ok {
				return
			}
			if !tr.Final || tr.Text == "" {
				continue
			}
			s.flow.HandleUserUtterance(ctx, tr.ParticipantID, tr.Text)
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	interval := s.deps.Cfg.Session.KeepaliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	touch := func() {
		if err := s.deps.State.TouchKeepalive(ctx, s.Room(), s.info.SessionID); err != nil {
			log.Printf("runner: keepalive for %s: %v", s.Room(), err)
		}
	}
	touch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			touch()
		}
	}
}

// PublishParticipantJoined feeds a roster event into the session bus.
// The transport glue and the gateway's emit-event relay both land
// here.
func (s *Session) PublishParticipantJoined(pc *models.ParticipantContext) {
	s.bus.Emit(eventbus.EventParticipantJoined, "transport", map[string]interface{}{
		"participant": pc,
	})
}

// PublishParticipantLeft feeds a departure into the session bus.
func (s *Session) PublishParticipantLeft(participantID string) {
	s.bus.Emit(eventbus.EventParticipantLeft, "transport", map[string]interface{}{
		"participant_id": participantID,
	})
}

// Transition hot-swaps the transport into a new room while keeping the
// pipeline, flow state, and LLM context. The first conversation node
// in the new room appends, so prior context survives the move.
func (s *Session) Transition(ctx context.Context, req *models.TransitionRequest) error {
	newRoom, err := roomurl.Canonical(req.NewRoomURL, s.deps.Cfg.Server.LowercasePaths)
	if err != nil {
		return fmt.Errorf("runner: bad transition target: %w", err)
	}
	oldRoom := s.Room()
	if newRoom == oldRoom {
		return nil
	}

	next := s.deps.Providers.transport(s.env)
	if err := next.Join(ctx, newRoom, req.NewToken); err != nil {
		return fmt.Errorf("runner: join %s: %w", newRoom, err)
	}

	s.mu.Lock()
	prev := s.transport
	s.transport = next
	s.info.Room = newRoom
	s.mu.Unlock()

	s.fwd.SetTransport(next)
	s.flow.MoveRoom(newRoom)

	leaveCtx, cancel := context.WithTimeout(ctx, s.deps.Cfg.Session.ShutdownDeadline)
	if err := prev.Leave(leaveCtx); err != nil {
		log.Printf("runner: leave %s during transition: %v", oldRoom, err)
	}
	cancel()

	// New room owns the lock; the old room's keys go away.
	if err := s.writeRunningLock(ctx, newRoom, oldRoom); err != nil {
		log.Printf("runner: transition lock for %s: %v", newRoom, err)
	}
	s.deps.State.DeleteLock(ctx, oldRoom)
	s.deps.State.DeleteKeepalive(ctx, oldRoom)
	if err := s.deps.State.TouchKeepalive(ctx, newRoom, s.info.SessionID); err != nil {
		log.Printf("runner: keepalive for %s: %v", newRoom, err)
	}
	s.updateUserBot(ctx, newRoom)

	// Re-point the spool tail and the state intake at the new room.
	s.tail.Stop()
	s.tail = poller.New(roomurl.Hash(newRoom), s.deps.Cfg.Spool.Dir, s.deps.NATS,
		&flowAdminSink{flow: s.flow}, s.handlePreSpawn)
	if err := s.tail.Start(context.Background()); err != nil {
		log.Printf("runner: poller for %s: %v", newRoom, err)
	}
	s.stopStateIntake()
	s.startStateIntake(context.Background(), newRoom)

	log.Printf("runner: session %s transitioned %s -> %s", s.info.SessionID, oldRoom, newRoom)
	return nil
}

// Leave shuts the session down cooperatively and releases every
// per-room key it owns. Idempotent; concurrent callers share one
// teardown.
func (s *Session) Leave(ctx context.Context) {
	s.leaveOnce.Do(func() { s.leave(ctx) })
}

func (s *Session) leave(ctx context.Context) {
	room := s.Room()
	s.fwd.EmitEvent("bot.session.end", map[string]interface{}{
		"session_id": s.info.SessionID,
		"room":       room,
	})
	s.bus.Emit(eventbus.EventSessionEnd, "runner", map[string]interface{}{
		"session_id": s.info.SessionID,
	})

	s.cancel()
	s.tail.Stop()
	s.stopStateIntake()

	leaveCtx, cancel := context.WithTimeout(ctx, s.deps.Cfg.Session.ShutdownDeadline)
	defer cancel()
	s.fwd.Detach()
	if err := s.transport.Leave(leaveCtx); err != nil {
		log.Printf("runner: leave %s: %v", room, err)
	}
	s.stt.Close()
	s.bus.Close()

	s.deps.State.DeleteLock(leaveCtx, room)
	s.deps.State.DeleteKeepalive(leaveCtx, room)
	s.deps.State.ClearActiveNote(leaveCtx, room)
	s.deps.State.ClearActiveApplet(leaveCtx, room)
	s.deps.State.ClearConfig(leaveCtx, room)
	if s.env.TenantID != "" && s.env.SessionUserID != "" {
		s.deps.State.DeleteUserBot(leaveCtx, s.env.TenantID, s.env.SessionUserID)
	}

	close(s.done)
	log.Printf("runner: session %s left %s", s.info.SessionID, room)
}

// Done is closed once Leave completes.
func (s *Session) Done() <-chan struct{} { return s.done }

func participantFromEvent(ev *eventbus.Event) *models.ParticipantContext {
	if pc, ok := ev.Data["participant"].(*models.ParticipantContext); ok {
		return pc
	}
	// Events arriving over the wire carry a plain map instead.
	raw, ok := ev.Data["participant"].(map[string]interface{})
	if !ok {
		return nil
	}
	pc := &models.ParticipantContext{}
	pc.ParticipantID, _ = raw["participant_id"].(string)
	pc.DisplayName, _ = raw["display_name"].(string)
	pc.SessionUserID, _ = raw["session_user_id"].(string)
	pc.Stealth, _ = raw["stealth"].(bool)
	if profile, ok := raw["profile"].(map[string]interface{}); ok {
		pc.Profile = profile
	}
	return pc
}

func intFromEvent(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

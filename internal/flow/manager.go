// Package flow implements the per-session conversation state machine:
// boot, the beat chain, wrap-up, and transient admin instruction
// nodes. It owns the LLM context mutations and keeps exactly one LLM
// run in flight by scheduling all work onto a single loop.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/niahq/nia/internal/eventbus"
	"github.com/niahq/nia/internal/pipeline"
	"github.com/niahq/nia/pkg/models"
)

// Speaker voices an assistant utterance into the room.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Config wires a manager. Bus and Speaker may be nil in tests.
type Config struct {
	SessionID   string
	Room        string
	Personality *models.Personality
	LLM         pipeline.LLM
	LLMContext  *pipeline.LLMContext
	Speaker     Speaker
	Bus         *eventbus.Bus
	Activity    *pipeline.Activity
	Private     bool

	// RefreshDebounce coalesces bursty roster changes before a role
	// message rebuild. Defaults to 200ms.
	RefreshDebounce time.Duration
	// SpeakGate delays an immediate admin injection so the bot does
	// not interrupt itself. Defaults to 750ms.
	SpeakGate time.Duration
	// QueuedIdle is the user-idle threshold for queued admin
	// delivery; QueuedIdleCap delivers anyway after this long.
	QueuedIdle    time.Duration
	QueuedIdleCap time.Duration
}

// Manager is the state machine for one session.
type Manager struct {
	cfg     Config
	private bool

	mu                sync.Mutex
	nodes             map[string]*Node
	current           string
	nextNodeAfterBoot string
	room              string

	participants []string // arrival order
	contexts     map[string]*models.ParticipantContext
	stealth      map[string]bool
	lastJoined   string

	greeted map[string]bool // room -> greeting already delivered

	adminQueue   []*models.AdminInstruction
	adminHistory []*models.AdminInstruction
	adminStatus  map[string]string // id -> ack status

	wrapupDone            bool
	wrapupPromptOverride  string
	systemPromptOverride  string
	openingPromptOverride string
	appliedConfig         map[string]interface{}

	work      chan func()
	refreshCh chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

// NewManager builds the node plan and returns an idle manager. Call
// Start before anything that schedules LLM work.
func NewManager(cfg Config) *Manager {
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = 200 * time.Millisecond
	}
	if cfg.SpeakGate <= 0 {
		cfg.SpeakGate = 750 * time.Millisecond
	}
	if cfg.QueuedIdle <= 0 {
		cfg.QueuedIdle = time.Second
	}
	if cfg.QueuedIdleCap <= 0 {
		cfg.QueuedIdleCap = 15 * time.Second
	}
	if cfg.LLMContext == nil {
		cfg.LLMContext = pipeline.NewLLMContext()
	}
	if cfg.Activity == nil {
		cfg.Activity = pipeline.NewActivity()
	}

	private := cfg.Private || cfg.Personality.Private
	nodes := BuildNodes(cfg.Personality, private)

	next := NodeBoot
	if _, ok := nodes[BeatNodeName(0)]; ok {
		next = BeatNodeName(0)
	}

	return &Manager{
		cfg:               cfg,
		private:           private,
		nodes:             nodes,
		current:           NodeBoot,
		nextNodeAfterBoot: next,
		room:              cfg.Room,
		contexts:          make(map[string]*models.ParticipantContext),
		stealth:           make(map[string]bool),
		greeted:           make(map[string]bool),
		adminStatus:       make(map[string]string),
		work:              make(chan func(), 256),
		refreshCh:         make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
}

// Start launches the serialized work loop and the refresh debouncer.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.runLoop(ctx)
		go m.refreshLoop(ctx)
	})
}

func (m *Manager) runLoop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.work:
			fn()
		}
	}
}

// schedule serializes fn onto the manager's loop. Only the loop runs
// LLM completions, which is what keeps context mutations ordered.
func (m *Manager) schedule(fn func()) {
	select {
	case m.work <- fn:
	case <-m.done:
	}
}

// Current returns the active node name.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Room returns the room the flow currently belongs to.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// MoveRoom retargets the flow after a forum transition. All
// conversation state survives; only the room key changes, so the
// greeting ledger naturally starts fresh for the new room.
func (m *Manager) MoveRoom(newRoom string) {
	m.mu.Lock()
	m.room = newRoom
	m.mu.Unlock()
}

// SetWrapupPrompt overrides the personality's wrap-up prompt.
func (m *Manager) SetWrapupPrompt(prompt string) {
	m.mu.Lock()
	m.wrapupPromptOverride = prompt
	m.mu.Unlock()
}

// ApplyConfig applies a per-room config payload. Recognized keys
// override the personality's prompts; the rest is retained for
// inspection only.
func (m *Manager) ApplyConfig(cfg map[string]interface{}) {
	if len(cfg) == 0 {
		return
	}
	m.mu.Lock()
	if v, ok := cfg["system_prompt"].(string); ok && v != "" {
		m.systemPromptOverride = v
	}
	if v, ok := cfg["opening_prompt"].(string); ok && v != "" {
		m.openingPromptOverride = v
	}
	if v, ok := cfg["wrapup_prompt"].(string); ok && v != "" {
		m.wrapupPromptOverride = v
	}
	m.appliedConfig = cfg
	m.mu.Unlock()
	m.requestRefresh()
}

// AppliedConfig returns the last config payload applied to this flow.
func (m *Manager) AppliedConfig() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedConfig
}

// --- roster ---

// HandleParticipantJoined records a participant and schedules a role
// refresh. The profile is sanitized here; raw profiles stop at this
// boundary.
func (m *Manager) HandleParticipantJoined(pc *models.ParticipantContext) {
	clean := *pc
	clean.Profile = SanitizeProfile(pc.Profile, m.private)

	m.mu.Lock()
	if _, known := m.contexts[pc.ParticipantID]; !known {
		m.participants = append(m.participants, pc.ParticipantID)
	}
	m.contexts[pc.ParticipantID] = &clean
	if pc.Stealth {
		m.stealth[pc.ParticipantID] = true
	} else {
		m.lastJoined = pc.ParticipantID
	}
	m.mu.Unlock()

	m.requestRefresh()
}

// HandleParticipantLeft removes a participant.
func (m *Manager) HandleParticipantLeft(participantID string) {
	m.mu.Lock()
	delete(m.contexts, participantID)
	delete(m.stealth, participantID)
	for i, id := range m.participants {
		if id == participantID {
			m.participants = append(m.participants[:i], m.participants[i+1:]...)
			break
		}
	}
	if m.lastJoined == participantID {
		m.lastJoined = ""
	}
	m.mu.Unlock()

	m.requestRefresh()
}

// HandleIdentity updates a participant's resolved identity.
func (m *Manager) HandleIdentity(participantID, identity string) {
	m.mu.Lock()
	if pc, ok := m.contexts[participantID]; ok {
		pc.Identity = identity
	}
	m.mu.Unlock()
	m.requestRefresh()
}

// Participants returns the non-stealth roster in arrival order.
func (m *Manager) Participants() []*models.ParticipantContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ParticipantContext, 0, len(m.participants))
	for _, id := range m.participants {
		if m.stealth[id] {
			continue
		}
		if pc, ok := m.contexts[id]; ok {
			out = append(out, pc)
		}
	}
	return out
}

// --- role message refresh ---

func (m *Manager) requestRefresh() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.refreshCh:
			// Trailing debounce: restart the window on every signal.
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(m.cfg.RefreshDebounce)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			m.schedule(func() { m.refreshRoleMessages() })
		}
	}
}

// refreshRoleMessages rebuilds the role preamble and applies it only
// when it actually changed.
func (m *Manager) refreshRoleMessages() {
	rebuilt := m.buildRoleMessages()
	current := m.cfg.LLMContext.RoleMessages()
	if roleMessagesEqual(rebuilt, current) {
		return
	}
	m.cfg.LLMContext.SetRoleMessages(rebuilt)
	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(eventbus.EventRosterChanged, "flow", map[string]interface{}{
			"session_id": m.cfg.SessionID,
		})
	}
}

func roleMessagesEqual(a, b []pipeline.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// buildRoleMessages renders the four-part preamble: personality,
// per-participant context, roster summary, greeting policy.
func (m *Manager) buildRoleMessages() []pipeline.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	system := m.cfg.Personality.SystemPrompt
	if m.systemPromptOverride != "" {
		system = m.systemPromptOverride
	}
	msgs := []pipeline.Message{{
		Role:    pipeline.RoleSystem,
		Content: system,
	}}

	type rosterEntry struct {
		Name       string `json:"name"`
		Identity   string `json:"identity,omitempty"`
		MostRecent bool   `json:"mostRecentArrival,omitempty"`
	}
	var roster []rosterEntry

	for _, id := range m.participants {
		if m.stealth[id] {
			continue
		}
		pc, ok := m.contexts[id]
		if !ok {
			continue
		}
		name := ContextName(pc.DisplayName)

		var sb strings.Builder
		fmt.Fprintf(&sb, "Participant %q", name)
		if pc.SessionUserID != "" {
			fmt.Fprintf(&sb, " (user %s)", pc.SessionUserID)
		}
		if pc.Profile != nil {
			profileJSON, err := json.Marshal(sortedProfile(pc.Profile))
			if err == nil {
				fmt.Fprintf(&sb, " profile: %s", profileJSON)
			}
		}
		msgs = append(msgs, pipeline.Message{Role: pipeline.RoleSystem, Content: sb.String()})

		roster = append(roster, rosterEntry{
			Name:       name,
			Identity:   pc.Identity,
			MostRecent: id == m.lastJoined,
		})
	}

	rosterJSON, _ := json.Marshal(roster)
	msgs = append(msgs, pipeline.Message{
		Role:    pipeline.RoleSystem,
		Content: "Current participants: " + string(rosterJSON),
	})

	policy := "Greet new participants warmly by name when the conversation starts."
	if m.greeted[m.room] {
		policy = "You have already greeted this room. Do not greet again; " +
			"acknowledge newcomers briefly without restarting introductions."
	}
	msgs = append(msgs, pipeline.Message{Role: pipeline.RoleSystem, Content: policy})

	return msgs
}

// sortedProfile produces a deterministic key order so refresh
// comparisons are stable.
func sortedProfile(p map[string]interface{}) map[string]interface{} {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]interface{}, len(p))
	for _, k := range keys {
		out[k] = p[k]
	}
	return out
}

// --- node transitions ---

// transitionTo applies a node's context strategy and makes it current.
// Must run on the manager loop.
func (m *Manager) transitionTo(ctx context.Context, name string) {
	m.mu.Lock()
	node, ok := m.nodes[name]
	m.mu.Unlock()
	if !ok {
		log.Printf("flow[%s]: unknown node %s", m.cfg.SessionID, name)
		return
	}

	if node.Strategy == ResetWithSummary {
		if err := m.cfg.LLMContext.ResetWithSummary(ctx, m.cfg.LLM); err != nil {
			// Degrades to APPEND; continuity beats strictness here.
			log.Printf("flow[%s]: %v", m.cfg.SessionID, err)
		}
	}

	m.mu.Lock()
	m.current = name
	m.mu.Unlock()
}

// runLLM completes against the current context and speaks the result.
// Must run on the manager loop.
func (m *Manager) runLLM(ctx context.Context) {
	reply, err := m.cfg.LLM.Complete(ctx, m.cfg.LLMContext.Messages())
	if err != nil {
		log.Printf("flow[%s]: completion failed: %v", m.cfg.SessionID, err)
		return
	}
	m.cfg.LLMContext.Append(pipeline.Message{Role: pipeline.RoleAssistant, Content: reply})
	m.cfg.Activity.TouchBot()
	if m.cfg.Speaker != nil {
		if err := m.cfg.Speaker.Speak(ctx, reply); err != nil {
			log.Printf("flow[%s]: tts failed: %v", m.cfg.SessionID, err)
		}
	}
}

// HandleUserUtterance appends an attributed user turn and responds.
func (m *Manager) HandleUserUtterance(ctx context.Context, participantID, text string) {
	m.mu.Lock()
	name := ""
	if pc, ok := m.contexts[participantID]; ok {
		name = ContextName(pc.DisplayName)
	}
	m.mu.Unlock()

	m.cfg.Activity.TouchUser()
	m.schedule(func() {
		m.cfg.LLMContext.Append(pipeline.Message{Role: pipeline.RoleUser, Name: name, Content: text})
		m.runLLM(ctx)
	})
}

// BeginConversation moves boot into the first conversation node and
// delivers the greeting once per room.
func (m *Manager) BeginConversation(ctx context.Context) {
	m.schedule(func() {
		m.refreshRoleMessages()

		m.mu.Lock()
		room := m.room
		alreadyGreeted := m.greeted[room]
		next := m.nextNodeAfterBoot
		lastJoined := m.lastJoined
		var greetName string
		if pc, ok := m.contexts[lastJoined]; ok {
			greetName = GreetingName(pc.DisplayName)
		}
		opening := m.cfg.Personality.OpeningPrompt
		if m.openingPromptOverride != "" {
			opening = m.openingPromptOverride
		}
		m.mu.Unlock()

		m.transitionTo(ctx, next)

		if alreadyGreeted {
			return
		}
		prompt := opening
		if prompt == "" {
			prompt = "Greet the participants and open the conversation."
		}
		if greetName != "" {
			prompt = fmt.Sprintf("%s Address %s directly.", prompt, greetName)
		}
		m.appendTaskMessage(next, prompt)
		m.runLLM(ctx)

		m.mu.Lock()
		m.greeted[room] = true
		m.mu.Unlock()

		if m.cfg.Bus != nil {
			m.cfg.Bus.Emit(eventbus.EventGreetingRequest, "flow", map[string]interface{}{
				"session_id": m.cfg.SessionID,
				"room":       room,
			})
		}
	})
}

// AdvanceBeat enters beat i and delivers its prompt. The caller is
// responsible for pacing and gating; beats landing after wrap-up are
// discarded.
func (m *Manager) AdvanceBeat(ctx context.Context, i int) {
	name := BeatNodeName(i)
	m.schedule(func() {
		m.mu.Lock()
		done := m.wrapupDone
		node, ok := m.nodes[name]
		m.mu.Unlock()
		if !ok || done {
			// A beat timer can still fire after the wrap-up ran; the
			// conversation is over, so the beat is dropped.
			return
		}
		m.transitionTo(ctx, name)
		m.mu.Lock()
		m.nextNodeAfterBoot = name
		m.mu.Unlock()

		m.appendTaskMessage(name, node.Prompt)
		m.cfg.Activity.TouchBeat()
		m.runLLM(ctx)
	})
}

// Wrapup enters the terminal node at most once.
func (m *Manager) Wrapup(ctx context.Context) {
	m.schedule(func() {
		m.mu.Lock()
		if m.wrapupDone {
			m.mu.Unlock()
			return
		}
		m.wrapupDone = true
		prompt := m.wrapupPromptOverride
		m.mu.Unlock()

		m.transitionTo(ctx, NodeWrapup)

		if prompt == "" {
			m.mu.Lock()
			prompt = m.nodes[NodeWrapup].Prompt
			m.mu.Unlock()
		}
		if prompt == "" {
			prompt = "Wrap up the conversation: summarize briefly and say goodbye."
		}
		m.appendTaskMessage(NodeWrapup, prompt)
		m.runLLM(ctx)
	})
}

// WrapupDone reports whether the terminal node already ran.
func (m *Manager) WrapupDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wrapupDone
}

// appendTaskMessage records a system task message on a node and
// injects it into the context. Must run on the manager loop.
func (m *Manager) appendTaskMessage(nodeName, content string) {
	if content == "" {
		return
	}
	m.mu.Lock()
	if node, ok := m.nodes[nodeName]; ok {
		node.TaskMessages = append(node.TaskMessages, content)
	}
	m.mu.Unlock()
	m.cfg.LLMContext.Append(pipeline.Message{Role: pipeline.RoleSystem, Content: content})
}

// NodeTaskMessages returns a node's accumulated task messages.
func (m *Manager) NodeTaskMessages(nodeName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if node, ok := m.nodes[nodeName]; ok {
		return append([]string(nil), node.TaskMessages...)
	}
	return nil
}

// --- admin instructions ---

// EnqueueAdmin accepts an instruction and returns the synchronous ack
// status. Immediate instructions inject after the speak gate; queued
// instructions wait for user idle, capped.
func (m *Manager) EnqueueAdmin(ctx context.Context, instr *models.AdminInstruction) string {
	if instr.ID == "" {
		instr.ID = uuid.New().String()
	}
	if instr.Timestamp.IsZero() {
		instr.Timestamp = time.Now()
	}
	instr.EnqueuedAt = time.Now()
	instr.TaskMessage = fmt.Sprintf("ADMIN INSTRUCTION [%s %s]: %s",
		strings.ToUpper(string(instr.Mode)), instr.ID, instr.Prompt)

	status := "queued"
	if instr.Mode == models.AdminModeImmediate {
		status = "processed_immediately"
	}

	m.mu.Lock()
	// The same instruction can arrive over more than one intake path;
	// the first arrival wins.
	if prev, seen := m.adminStatus[instr.ID]; seen {
		m.mu.Unlock()
		return prev
	}
	m.adminStatus[instr.ID] = status
	m.adminQueue = append(m.adminQueue, instr)
	m.adminHistory = append(m.adminHistory, instr)
	active := m.nextNodeAfterBoot
	if node, ok := m.nodes[active]; ok {
		node.TaskMessages = append(node.TaskMessages, instr.TaskMessage)
	}
	m.mu.Unlock()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(eventbus.EventAdminAck, "flow", map[string]interface{}{
			"session_id": m.cfg.SessionID,
			"admin_id":   instr.ID,
			"mode":       string(instr.Mode),
		})
	}

	m.schedule(func() { m.deliverAdmin(ctx) })
	return status
}

// deliverAdmin drains the admin queue, chaining through the transient
// admin node and returning to the active conversation node at the
// end. Must run on the manager loop.
func (m *Manager) deliverAdmin(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.adminQueue) == 0 {
			returnTo := m.nextNodeAfterBoot
			m.mu.Unlock()
			m.transitionTo(ctx, returnTo)
			return
		}
		instr := m.adminQueue[0]
		m.adminQueue = m.adminQueue[1:]
		m.mu.Unlock()

		switch instr.Mode {
		case models.AdminModeImmediate:
			// Speak gate so the bot does not interrupt itself.
			select {
			case <-time.After(m.cfg.SpeakGate):
			case <-ctx.Done():
				return
			}
		default:
			m.waitUserIdle(ctx)
		}

		m.transitionTo(ctx, NodeAdmin)
		m.cfg.LLMContext.Append(pipeline.Message{Role: pipeline.RoleSystem, Content: instr.TaskMessage})
		m.runLLM(ctx)
	}
}

// waitUserIdle blocks until the user has been idle for QueuedIdle,
// delivering anyway once QueuedIdleCap elapses.
func (m *Manager) waitUserIdle(ctx context.Context) {
	deadline := time.Now().Add(m.cfg.QueuedIdleCap)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.cfg.Activity.UserIdleFor(m.cfg.QueuedIdle) || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// AdminHistory returns every instruction this session has accepted.
func (m *Manager) AdminHistory() []*models.AdminInstruction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AdminInstruction(nil), m.adminHistory...)
}

// PendingAdmin returns the not-yet-delivered queue length.
func (m *Manager) PendingAdmin() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.adminQueue)
}

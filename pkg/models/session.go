package models

import (
	"time"
)

// LockStatus is the lifecycle state recorded in a room-active lock.
type LockStatus string

const (
	LockStatusPending LockStatus = "pending"
	LockStatusRunning LockStatus = "running"
)

// RunnerType distinguishes how a session's runner was materialized.
type RunnerType string

const (
	RunnerTypeDirect RunnerType = "direct" // in-process task
	RunnerTypeWarm   RunnerType = "warm"   // standby worker claimed from the pool
	RunnerTypeCold   RunnerType = "cold"   // container job spawned on demand
)

// RoomActiveLock is the shared-state record that enforces at-most-one
// live bot per canonical room URL. Written under room_active:<url>.
type RoomActiveLock struct {
	Status           LockStatus `json:"status"`
	SessionID        string     `json:"session_id"`
	RunnerType       RunnerType `json:"runner_type,omitempty"`
	RunnerURL        string     `json:"runner_url,omitempty"` // warm workers
	JobName          string     `json:"job_name,omitempty"`   // cold jobs
	PersonalityID    string     `json:"personality_id,omitempty"`
	Persona          string     `json:"persona,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	TransitionedFrom string     `json:"transitioned_from,omitempty"`
}

// Age returns how long ago the lock was written.
func (l *RoomActiveLock) Age(now time.Time) time.Duration {
	return now.Sub(l.Timestamp)
}

// Keepalive is the heartbeat a live runner refreshes under
// room_keepalive:<url>.
type Keepalive struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Fresh reports whether the heartbeat is within the stale threshold.
func (k *Keepalive) Fresh(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(k.Timestamp) <= staleAfter
}

// UserBotEntry maps a user to the room currently hosting their bot,
// keyed user_bot:<tenant>:<user>. It is what makes forum transition
// possible.
type UserBotEntry struct {
	SessionID string    `json:"session_id"`
	Room      string    `json:"room"`
	RunnerURL string    `json:"runner_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActiveContent records the note or applet currently open in a room,
// together with the participant that opened it.
type ActiveContent struct {
	ID                 string    `json:"id"`
	OwnerParticipantID string    `json:"owner_participant_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PendingConfig is a per-room config payload published ahead of (or
// during) a bot session, stored under bot:config:latest:<url> with a
// dedup hash alongside.
type PendingConfig struct {
	RoomURL   string                 `json:"room_url"`
	Config    map[string]interface{} `json:"config"`
	Hash      string                 `json:"hash"`
	Timestamp time.Time              `json:"timestamp"`
}

// AdminMode selects how an admin instruction is delivered to the bot.
type AdminMode string

const (
	AdminModeImmediate AdminMode = "immediate"
	AdminModeQueued    AdminMode = "queued"
)

// AdminInstruction is an out-of-band operator message for a running
// session.
type AdminInstruction struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Mode        AdminMode `json:"mode"`
	Sender      string    `json:"sender,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	EnqueuedAt  time.Time `json:"enqueued_at,omitempty"`
	TaskMessage string    `json:"task_message,omitempty"`
}

// ParticipantContext carries what the flow layer knows about one
// participant. Profile is already sanitized by the time it lands here;
// raw profiles never cross this boundary.
type ParticipantContext struct {
	ParticipantID    string                 `json:"participant_id"`
	DisplayName      string                 `json:"display_name"`
	SessionUserID    string                 `json:"session_user_id,omitempty"`
	SessionUserEmail string                 `json:"-"` // never serialized
	TenantID         string                 `json:"tenant_id,omitempty"`
	Profile          map[string]interface{} `json:"profile,omitempty"`
	Identity         string                 `json:"identity,omitempty"`
	Stealth          bool                   `json:"stealth,omitempty"`
}

// SessionInfo is the runner's public description of a live session.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	Room          string    `json:"room"`
	PersonalityID string    `json:"personality_id"`
	Persona       string    `json:"persona,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

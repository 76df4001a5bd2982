package models

import (
	"encoding/json"
	"time"
)

// AppMessageVersion is the wire version of every app-message envelope.
const AppMessageVersion = 1

// Envelope kinds. These are wire-stable; the frontend switches on them.
const (
	KindEvent      = "nia.event"
	KindToolInvoke = "nia.tool_invoke"
	KindToolResult = "nia.tool_result"
)

// AppMessage is the envelope carried over both the WebSocket event
// stream and the room transport's app-message channel.
type AppMessage struct {
	V        int                    `json:"v"`
	Kind     string                 `json:"kind"`
	Seq      uint64                 `json:"seq"`
	TS       int64                  `json:"ts"` // unix millis
	Event    string                 `json:"event,omitempty"`
	ToolName string                 `json:"tool_name,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`

	// SessionID scopes WebSocket delivery. Empty means unscoped: the
	// message reaches every connected client.
	SessionID string `json:"session_id,omitempty"`
}

// Marshal serializes the envelope for the wire.
func (m *AppMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// LaunchEnvelope is the /join request body and, verbatim, the entry
// pushed onto the launch queue. Field names match the public API.
type LaunchEnvelope struct {
	RoomURL           string                 `json:"room_url"`
	PersonalityID     string                 `json:"personalityId"`
	Persona           string                 `json:"persona,omitempty"`
	TenantID          string                 `json:"tenant_id,omitempty"`
	Voice             string                 `json:"voice,omitempty"`
	VoiceParameters   map[string]interface{} `json:"voiceParameters,omitempty"`
	Token             string                 `json:"token,omitempty"`
	SessionUserID     string                 `json:"sessionUserId,omitempty"`
	SessionUserName   string                 `json:"sessionUserName,omitempty"`
	SessionID         string                 `json:"session_id,omitempty"`
	SupportedFeatures []string               `json:"supportedFeatures,omitempty"`
	ModeConfig        map[string]interface{} `json:"modeConfig,omitempty"`
	SessionOverride   map[string]interface{} `json:"sessionOverride,omitempty"`
	IsOnboarding      bool                   `json:"isOnboarding,omitempty"`
	Headless          bool                   `json:"headless,omitempty"`
	DebugTraceID      string                 `json:"debugTraceId,omitempty"`
	EnqueuedAt        time.Time              `json:"enqueued_at,omitempty"`
}

// TransitionRequest moves a live bot to a new room without tearing the
// pipeline down.
type TransitionRequest struct {
	SessionID       string `json:"session_id"`
	NewRoomURL      string `json:"new_room_url"`
	NewToken        string `json:"new_token,omitempty"`
	PersonalityID   string `json:"personalityId,omitempty"`
	Persona         string `json:"persona,omitempty"`
	SessionUserID   string `json:"sessionUserId,omitempty"`
	SessionUserName string `json:"sessionUserName,omitempty"`
	TenantID        string `json:"tenant_id,omitempty"`
}

// JoinResponse is what /join returns to the caller.
type JoinResponse struct {
	Status       string `json:"status"` // queued | running | transitioned
	SessionID    string `json:"session_id"`
	DebugTraceID string `json:"debugTraceId,omitempty"`
	Reused       bool   `json:"reused"`
	Detail       string `json:"detail,omitempty"`
}

// ToolResult is the structured record every tool handler returns.
// Tool failures are values, not errors; nothing here propagates into
// the LLM as an exception.
type ToolResult struct {
	Success     bool                   `json:"success"`
	UserMessage string                 `json:"user_message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// ToMap flattens the result for envelope payloads.
func (r *ToolResult) ToMap() map[string]interface{} {
	out := map[string]interface{}{"success": r.Success}
	if r.UserMessage != "" {
		out["user_message"] = r.UserMessage
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	for k, v := range r.Data {
		out[k] = v
	}
	return out
}

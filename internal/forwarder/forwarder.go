// Package forwarder emits nia.* envelopes for one session to both
// delivery paths: the gateway's WebSocket hub and the room transport's
// app-message channel. Flow and tool code hand it payloads and never
// deal with transports directly.
package forwarder

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/niahq/nia/pkg/models"
)

// Broadcaster is the WebSocket side, satisfied by wshub.Hub.
type Broadcaster interface {
	Broadcast(sessionID string, payload []byte)
	Unicast(sessionUserID string, payload []byte) bool
}

// AppChannel is the room transport's broadcast data channel.
type AppChannel interface {
	SendAppMessage(ctx context.Context, payload []byte) error
}

// Forwarder wraps payloads in versioned envelopes with a monotonic
// sequence and fans them out. Send failures are logged, never
// returned: UI side-effects must not fail business logic.
type Forwarder struct {
	sessionID string
	hub       Broadcaster

	mu        sync.RWMutex
	transport AppChannel

	seq atomic.Uint64
}

// New creates a forwarder for a session. hub may be nil on standalone
// runners that have no gateway in-process; transport may be nil until
// the session's room connects.
func New(sessionID string, hub Broadcaster, transport AppChannel) *Forwarder {
	return &Forwarder{sessionID: sessionID, hub: hub, transport: transport}
}

// SessionID returns the owning session.
func (f *Forwarder) SessionID() string { return f.sessionID }

// SetTransport swaps the app-message channel. Used by forum transition
// when the bot moves rooms.
func (f *Forwarder) SetTransport(t AppChannel) {
	f.mu.Lock()
	f.transport = t
	f.mu.Unlock()
}

// Detach drops the transport so a leaving session stops emitting into
// the room.
func (f *Forwarder) Detach() {
	f.SetTransport(nil)
}

// Seq returns the last sequence number issued.
func (f *Forwarder) Seq() uint64 { return f.seq.Load() }

func (f *Forwarder) envelope(kind string) *models.AppMessage {
	return &models.AppMessage{
		V:         models.AppMessageVersion,
		Kind:      kind,
		Seq:       f.seq.Add(1),
		TS:        time.Now().UnixMilli(),
		SessionID: f.sessionID,
	}
}

func (f *Forwarder) send(msg *models.AppMessage, targetUserID string) {
	data, err := msg.Marshal()
	if err != nil {
		log.Printf("forwarder[%s]: marshal %s: %v", f.sessionID, msg.Kind, err)
		return
	}

	if f.hub != nil {
		if targetUserID != "" {
			if !f.hub.Unicast(targetUserID, data) {
				// Target not connected; fall back to the session scope.
				f.hub.Broadcast(f.sessionID, data)
			}
		} else {
			f.hub.Broadcast(f.sessionID, data)
		}
	}

	f.mu.RLock()
	transport := f.transport
	f.mu.RUnlock()
	if transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := transport.SendAppMessage(ctx, data); err != nil {
			log.Printf("forwarder[%s]: app-message send failed: %v", f.sessionID, err)
		}
	}
}

// EmitEvent broadcasts a nia.event envelope.
func (f *Forwarder) EmitEvent(event string, payload map[string]interface{}) {
	msg := f.envelope(models.KindEvent)
	msg.Event = event
	msg.Payload = payload
	f.send(msg, "")
}

// EmitToolInvoke broadcasts a nia.tool_invoke envelope for relays.
func (f *Forwarder) EmitToolInvoke(toolName string, params map[string]interface{}) {
	msg := f.envelope(models.KindToolInvoke)
	msg.ToolName = toolName
	msg.Params = params
	f.send(msg, "")
}

// EmitToolResult broadcasts a nia.tool_result envelope.
func (f *Forwarder) EmitToolResult(toolName string, result map[string]interface{}) {
	msg := f.envelope(models.KindToolResult)
	msg.ToolName = toolName
	msg.Result = result
	f.send(msg, "")
}

// EmitToolEvent broadcasts a nia.event, optionally unicast to the WS
// client owned by targetSessionUserID.
func (f *Forwarder) EmitToolEvent(event string, payload map[string]interface{}, targetSessionUserID string) {
	msg := f.envelope(models.KindEvent)
	msg.Event = event
	msg.Payload = payload
	f.send(msg, targetSessionUserID)
}

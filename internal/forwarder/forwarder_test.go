package forwarder

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/pkg/models"
)

type fakeHub struct {
	mu        sync.Mutex
	broadcast []models.AppMessage
	unicast   []models.AppMessage
	wantUser  string
}

func (h *fakeHub) Broadcast(sessionID string, payload []byte) {
	var m models.AppMessage
	_ = json.Unmarshal(payload, &m)
	h.mu.Lock()
	h.broadcast = append(h.broadcast, m)
	h.mu.Unlock()
}

func (h *fakeHub) Unicast(userID string, payload []byte) bool {
	if userID != h.wantUser {
		return false
	}
	var m models.AppMessage
	_ = json.Unmarshal(payload, &m)
	h.mu.Lock()
	h.unicast = append(h.unicast, m)
	h.mu.Unlock()
	return true
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []models.AppMessage
}

func (c *fakeChannel) SendAppMessage(_ context.Context, payload []byte) error {
	var m models.AppMessage
	_ = json.Unmarshal(payload, &m)
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	return nil
}

func TestEmitEventReachesBothTransports(t *testing.T) {
	hub := &fakeHub{}
	ch := &fakeChannel{}
	f := New("s1", hub, ch)

	f.EmitEvent("note.open", map[string]interface{}{"noteId": "n1"})

	require.Len(t, hub.broadcast, 1)
	require.Len(t, ch.sent, 1)

	msg := hub.broadcast[0]
	assert.Equal(t, models.AppMessageVersion, msg.V)
	assert.Equal(t, models.KindEvent, msg.Kind)
	assert.Equal(t, "note.open", msg.Event)
	assert.Equal(t, "n1", msg.Payload["noteId"])
	assert.Equal(t, "s1", msg.SessionID)
}

func TestSequenceMonotonic(t *testing.T) {
	hub := &fakeHub{}
	f := New("s1", hub, nil)

	f.EmitEvent("a", nil)
	f.EmitToolInvoke("bot_open_notes", nil)
	f.EmitToolResult("bot_open_notes", map[string]interface{}{"success": true})

	require.Len(t, hub.broadcast, 3)
	assert.Equal(t, uint64(1), hub.broadcast[0].Seq)
	assert.Equal(t, uint64(2), hub.broadcast[1].Seq)
	assert.Equal(t, uint64(3), hub.broadcast[2].Seq)
	assert.Equal(t, uint64(3), f.Seq())
}

func TestToolInvokeEnvelope(t *testing.T) {
	hub := &fakeHub{}
	f := New("s1", hub, nil)

	f.EmitToolInvoke("bot_replace_note", map[string]interface{}{"note_id": "n1"})

	require.Len(t, hub.broadcast, 1)
	msg := hub.broadcast[0]
	assert.Equal(t, models.KindToolInvoke, msg.Kind)
	assert.Equal(t, "bot_replace_note", msg.ToolName)
	assert.Equal(t, "n1", msg.Params["note_id"])
	assert.Empty(t, msg.Event)
}

func TestEmitToolEventUnicast(t *testing.T) {
	hub := &fakeHub{wantUser: "u1"}
	f := New("s1", hub, nil)

	f.EmitToolEvent("note.open", map[string]interface{}{"noteId": "n1"}, "u1")
	assert.Len(t, hub.unicast, 1)
	assert.Empty(t, hub.broadcast)

	// Unknown target falls back to the session broadcast.
	f.EmitToolEvent("note.open", nil, "stranger")
	assert.Len(t, hub.broadcast, 1)
}

func TestDetachStopsTransport(t *testing.T) {
	ch := &fakeChannel{}
	f := New("s1", nil, ch)

	f.EmitEvent("a", nil)
	f.Detach()
	f.EmitEvent("b", nil)

	require.Len(t, ch.sent, 1)
	assert.Equal(t, "a", ch.sent[0].Event)
}

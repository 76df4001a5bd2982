package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/pkg/models"
)

func TestToolsListAndFeatureFilter(t *testing.T) {
	f := newFixture(t, nil)

	w := f.get(t, "/api/tools/list")
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		Tools []json.RawMessage `json:"tools"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&all))
	require.NotZero(t, all.Count)

	w = f.get(t, "/api/tools/list?features=notes")
	require.Equal(t, http.StatusOK, w.Code)
	var filtered struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&filtered))
	assert.Less(t, filtered.Count, all.Count)
	assert.NotZero(t, filtered.Count)
}

func TestInvokeRelaysWithoutHandler(t *testing.T) {
	f := newFixture(t, nil)

	w := f.post(t, "/api/tools/invoke", map[string]interface{}{
		"tool":     "bot_soundtrack_play",
		"room_url": "https://rooms.example/tools",
		"params":   map[string]interface{}{"action": "play"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "relayed", resp["outcome"])
}

func TestInvokeDirectReturnsResult(t *testing.T) {
	f := newFixture(t, nil)

	w := f.post(t, "/api/tools/invoke", map[string]interface{}{
		"tool":          "bot_open_note",
		"room_url":      "https://rooms.example/tools",
		"tenant_id":     "t1",
		"sessionUserId": "u1",
		"params":        map[string]interface{}{"note_id": "n1"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, "direct", resp["outcome"])
	require.NotNil(t, resp["result"])
}

func TestExecuteRejectsUnknownTool(t *testing.T) {
	f := newFixture(t, nil)

	w := f.post(t, "/api/tools/execute", map[string]interface{}{
		"tool": "bot_does_not_exist",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteBroadcastsOverWebSocket(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.srv.SetupRoutes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the hub register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	body, _ := json.Marshal(map[string]interface{}{
		"tool":          "bot_replace_note",
		"room_url":      "https://rooms.example/ws",
		"tenant_id":     "t1",
		"sessionUserId": "u1",
		"params":        map[string]interface{}{"note_id": "n1", "content": "updated"},
	})
	resp, err := http.Post(srv.URL+"/api/tools/execute", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The result envelope and the derived note.updated event both
	// reach the unscoped client.
	kinds := map[string]string{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 2; i++ {
		var msg models.AppMessage
		require.NoError(t, conn.ReadJSON(&msg))
		kinds[msg.Kind] = msg.Event
	}
	assert.Contains(t, kinds, models.KindToolResult)
	assert.Equal(t, "note.updated", kinds[models.KindEvent])
}

func TestEmitEventBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.srv.SetupRoutes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	body, _ := json.Marshal(map[string]interface{}{
		"room_url": "https://rooms.example/events",
		"event":    "app.open",
		"payload":  map[string]interface{}{"app": "notes"},
	})
	resp, err := http.Post(srv.URL+"/emit-event", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg models.AppMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.KindEvent, msg.Kind)
	assert.Equal(t, "app.open", msg.Event)
}

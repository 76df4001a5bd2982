package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/internal/poller"
	"github.com/niahq/nia/internal/roomurl"
	"github.com/niahq/nia/pkg/models"
)

func controlFixture(t *testing.T, standby bool) (*sessionFixture, *Control, *httptest.Server) {
	t.Helper()
	f := newFixture(t)
	ctl := NewControl(f.deps, NewRegistry(), standby, "http://worker-1:8090")

	mux := http.NewServeMux()
	ctl.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, ctl, srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestControlStartAndHealthz(t *testing.T) {
	_, ctl, srv := controlFixture(t, true)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["standby"], "idle standby worker advertises itself")

	resp = postJSON(t, srv.URL+"/start", map[string]string{
		"room_url": "https://x.example/r1", "personalityId": "pearl",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var started map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.NotEmpty(t, started["session_id"])
	assert.Equal(t, "pearl", started["personality"])
	assert.Equal(t, 1, ctl.Registry().Len())

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, false, health["standby"], "busy worker leaves the pool")
}

func TestControlStartRequiresRoomURL(t *testing.T) {
	_, _, srv := controlFixture(t, false)

	resp := postJSON(t, srv.URL+"/start", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlLeaveReRegistersStandby(t *testing.T) {
	f, ctl, srv := controlFixture(t, true)
	ctx := context.Background()

	resp := postJSON(t, srv.URL+"/start", map[string]string{"room_url": "https://x.example/r1"})
	var started map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/leave", map[string]interface{}{
		"session_id": started["session_id"],
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, ctl.Registry().Len())

	waitFor(t, func() bool {
		url, err := f.state.PopStandby(ctx, 10*time.Millisecond)
		return err == nil && url == "http://worker-1:8090"
	})

	// Leaving an unknown session is still OK.
	resp = postJSON(t, srv.URL+"/leave", map[string]string{"session_id": "nope"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPreSpawnNoteContextDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, hash, err := roomurl.CanonicalHash("https://x.example/r1", false)
	require.NoError(t, err)
	require.NoError(t, poller.WriteSpool(f.deps.Cfg.Spool.Dir,
		poller.SpoolPreSpawnFilename(hash, "001"),
		map[string]interface{}{"type": "note.open", "noteId": "n1"}))

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: "https://x.example/r1"})
	require.NoError(t, err)
	defer s.Leave(ctx)

	waitFor(t, func() bool {
		active, err := f.state.GetActiveNote(ctx, room)
		return err == nil && active.ID == "n1"
	})
}

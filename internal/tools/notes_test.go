package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/internal/mesh"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/models"
)

func builtinFixture(t *testing.T, handler http.Handler) (*Dispatcher, *statestore.State) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := mesh.NewClient(srv.URL, "", 2*time.Second)
	local := statestore.NewLocalStore()
	t.Cleanup(func() { local.Close() })
	state := statestore.NewState(local)

	reg := NewRegistry()
	RegisterBuiltins(reg, client, state)
	return NewDispatcher(reg), state
}

func TestOpenNoteSetsActiveNote(t *testing.T) {
	d, state := builtinFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"_id": "n1", "content": "hi"})
	}))

	result, outcome := d.Invoke(context.Background(), &Call{
		Tool:     "bot_open_note",
		TenantID: "t1",
		UserID:   "u1",
		RoomURL:  "https://x.example/r1",
		Params:   map[string]interface{}{"note_id": "n1"},
	}, nil)

	require.Equal(t, OutcomeDirect, outcome)
	require.True(t, result.Success)

	active, err := state.GetActiveNote(context.Background(), "https://x.example/r1")
	require.NoError(t, err)
	assert.Equal(t, "n1", active.ID)
	assert.Equal(t, "u1", active.OwnerParticipantID)
}

func TestCloseNoteClearsActiveNote(t *testing.T) {
	d, state := builtinFixture(t, http.NotFoundHandler())
	room := "https://x.example/r1"
	require.NoError(t, state.SetActiveNote(context.Background(), room,
		&models.ActiveContent{ID: "n1", UpdatedAt: time.Now()}))

	result, _ := d.Invoke(context.Background(), &Call{
		Tool: "bot_close_note", TenantID: "t1", UserID: "u1", RoomURL: room,
	}, nil)
	require.True(t, result.Success)

	_, err := state.GetActiveNote(context.Background(), room)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestReplaceNoteMissingParam(t *testing.T) {
	d, _ := builtinFixture(t, http.NotFoundHandler())

	result, outcome := d.Invoke(context.Background(), &Call{
		Tool: "bot_replace_note", TenantID: "t1", UserID: "u1",
		Params: map[string]interface{}{},
	}, nil)

	assert.Equal(t, OutcomeDirect, outcome)
	require.False(t, result.Success)
	assert.Equal(t, "missing_param", result.Error)
}

func TestDeleteNoteClearsMatchingActiveNote(t *testing.T) {
	d, state := builtinFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	room := "https://x.example/r1"

	// Open n1, then delete it; the active pointer must go away too.
	_, _ = d.Invoke(context.Background(), &Call{
		Tool: "bot_open_note", TenantID: "t1", UserID: "u1", RoomURL: room,
		Params: map[string]interface{}{"note_id": "n1"},
	}, nil)

	result, _ := d.Invoke(context.Background(), &Call{
		Tool: "bot_delete_note", TenantID: "t1", UserID: "u1", RoomURL: room,
		Params: map[string]interface{}{"note_id": "n1"},
	}, nil)
	require.True(t, result.Success)

	_, err := state.GetActiveNote(context.Background(), room)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestBuiltinListIncludesDataAndPassthroughTools(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg, mesh.NewClient("", "", 0), nil)

	byName := map[string]*Descriptor{}
	for _, d := range reg.List(nil) {
		byName[d.Name] = d
	}

	require.Contains(t, byName, "bot_replace_note")
	assert.NotNil(t, byName["bot_replace_note"].Handler)
	require.Contains(t, byName, "bot_wonder_scene")
	assert.True(t, byName["bot_wonder_scene"].Passthrough)
	assert.Nil(t, byName["bot_wonder_scene"].Handler)
	assert.Equal(t, "wonder", byName["bot_wonder_scene"].FeatureFlag)
}

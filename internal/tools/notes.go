package tools

import (
	"context"
	"log"
	"time"

	"github.com/niahq/nia/internal/mesh"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/models"
)

func fromMesh(r *mesh.Result) *models.ToolResult {
	return &models.ToolResult{
		Success:     r.Success,
		UserMessage: r.UserMessage,
		Error:       r.Error,
		Data:        r.Data,
	}
}

func missingParam(name string) *models.ToolResult {
	return &models.ToolResult{
		Success:     false,
		Error:       "missing_param",
		UserMessage: "I need a " + name + " for that.",
	}
}

// RegisterBuiltins wires the data-layer note and applet tools plus the
// UI passthrough descriptors into the registry. client may be nil-ish
// (no backend); handlers then return structured failures.
func RegisterBuiltins(reg *Registry, client *mesh.Client, state *statestore.State) {
	registerNoteTools(reg, client, state)
	registerAppletTools(reg, client, state)
	registerPassthroughs(reg)
}

func setActiveNote(ctx context.Context, state *statestore.State, room, noteID, owner string) {
	if state == nil || room == "" {
		return
	}
	err := state.SetActiveNote(ctx, room, &models.ActiveContent{
		ID:                 noteID,
		OwnerParticipantID: owner,
		UpdatedAt:          time.Now(),
	})
	if err != nil {
		log.Printf("tools: set active note for %s: %v", room, err)
	}
}

func registerNoteTools(reg *Registry, client *mesh.Client, state *statestore.State) {
	reg.Register(&Descriptor{
		Name:        "bot_list_notes",
		Description: "List the user's notes.",
		Schema:      objectSchema(nil, nil),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			return fromMesh(client.ListNotes(ctx, call.TenantID, call.UserID))
		},
	})

	reg.Register(&Descriptor{
		Name:        "bot_open_note",
		Description: "Open a note on screen.",
		Schema: objectSchema(map[string]interface{}{
			"note_id": map[string]interface{}{"type": "string"},
		}, []string{"note_id"}),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			noteID := call.StringParam("note_id")
			if noteID == "" {
				return missingParam("note_id")
			}
			res := client.GetNote(ctx, call.TenantID, call.UserID, noteID)
			if res.Success {
				setActiveNote(ctx, state, call.RoomURL, noteID, call.UserID)
			}
			return fromMesh(res)
		},
	})

	reg.Register(&Descriptor{
		Name:        "bot_close_note",
		Description: "Close the note currently on screen.",
		Schema:      objectSchema(nil, nil),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			if state != nil && call.RoomURL != "" {
				if err := state.ClearActiveNote(ctx, call.RoomURL); err != nil {
					log.Printf("tools: clear active note for %s: %v", call.RoomURL, err)
				}
			}
			return &models.ToolResult{Success: true, UserMessage: "Closed the note."}
		},
	})

	reg.Register(&Descriptor{
		Name:        "bot_create_note",
		Description: "Create a new note with a title and content.",
		Schema: objectSchema(map[string]interface{}{
			"title":   map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		}, []string{"title"}),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			title := call.StringParam("title")
			if title == "" {
				return missingParam("title")
			}
			res := client.CreateNote(ctx, call.TenantID, call.UserID, title, call.StringParam("content"))
			if res.Success {
				if note, ok := res.Data["note"].(map[string]interface{}); ok {
					if id := mesh.DocID(note); id != "" {
						setActiveNote(ctx, state, call.RoomURL, id, call.UserID)
					}
				}
			}
			return fromMesh(res)
		},
	})

	reg.Register(&Descriptor{
		Name:        "bot_replace_note",
		Description: "Replace a note's content entirely.",
		Schema: objectSchema(map[string]interface{}{
			"note_id": map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		}, []string{"note_id", "content"}),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			noteID := call.StringParam("note_id")
			if noteID == "" {
				return missingParam("note_id")
			}
			return fromMesh(client.ReplaceNote(ctx, call.TenantID, call.UserID, noteID, call.StringParam("content")))
		},
	})

	reg.Register(&Descriptor{
		Name:        "bot_append_note",
		Description: "Append content to a note.",
		Schema: objectSchema(map[string]interface{}{
			"note_id": map[string]interface{}{"type": "string"},
			"content": map[string]interface{}{"type": "string"},
		}, []string{"note_id", "content"}),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			noteID := call.StringParam("note_id")
			if noteID == "" {
				return missingParam("note_id")
			}
			return fromMesh(client.AppendNote(ctx, call.TenantID, call.UserID, noteID, call.StringParam("content")))
		},
	})

	reg.Register(&Descriptor{
		Name:        "bot_delete_note",
		Description: "Delete a note.",
		Schema: objectSchema(map[string]interface{}{
			"note_id": map[string]interface{}{"type": "string"},
		}, []string{"note_id"}),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			noteID := call.StringParam("note_id")
			if noteID == "" {
				return missingParam("note_id")
			}
			res := client.DeleteNote(ctx, call.TenantID, call.UserID, noteID)
			if res.Success && state != nil && call.RoomURL != "" {
				if active, err := state.GetActiveNote(ctx, call.RoomURL); err == nil && active.ID == noteID {
					state.ClearActiveNote(ctx, call.RoomURL)
				}
			}
			return fromMesh(res)
		},
	})
}

func registerAppletTools(reg *Registry, client *mesh.Client, state *statestore.State) {
	reg.Register(&Descriptor{
		Name:        "bot_open_applet",
		Description: "Open an applet on screen.",
		Schema: objectSchema(map[string]interface{}{
			"applet_id": map[string]interface{}{"type": "string"},
		}, []string{"applet_id"}),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			appletID := call.StringParam("applet_id")
			if appletID == "" {
				return missingParam("applet_id")
			}
			res := client.GetApplet(ctx, call.TenantID, appletID)
			if res.Success && state != nil && call.RoomURL != "" {
				err := state.SetActiveApplet(ctx, call.RoomURL, &models.ActiveContent{
					ID:                 appletID,
					OwnerParticipantID: call.UserID,
					UpdatedAt:          time.Now(),
				})
				if err != nil {
					log.Printf("tools: set active applet for %s: %v", call.RoomURL, err)
				}
			}
			return fromMesh(res)
		},
	})

	reg.Register(&Descriptor{
		Name:        "bot_close_applet",
		Description: "Close the applet currently on screen.",
		Schema:      objectSchema(nil, nil),
		Handler: func(ctx context.Context, call *Call) *models.ToolResult {
			if state != nil && call.RoomURL != "" {
				if err := state.ClearActiveApplet(ctx, call.RoomURL); err != nil {
					log.Printf("tools: clear active applet for %s: %v", call.RoomURL, err)
				}
			}
			return &models.ToolResult{Success: true, UserMessage: "Closed the applet."}
		},
	})
}

// registerPassthroughs declares the tools the running bot or frontend
// executes itself. No handlers here; invoke relays, and the event
// table gives frontends something concrete to react to.
func registerPassthroughs(reg *Registry) {
	passthrough := func(name, desc, flag string) {
		reg.Register(&Descriptor{Name: name, Description: desc, FeatureFlag: flag, Passthrough: true,
			Schema: objectSchema(nil, nil)})
	}

	passthrough("bot_open_notes", "Open the notes panel.", "notes")
	passthrough("bot_close_notes", "Close the notes panel.", "notes")
	passthrough("bot_soundtrack_play", "Start the room soundtrack.", "soundtrack")
	passthrough("bot_soundtrack_pause", "Pause the room soundtrack.", "soundtrack")
	passthrough("bot_soundtrack_next", "Skip to the next soundtrack entry.", "soundtrack")
	passthrough("bot_youtube_search", "Search YouTube and show results.", "youtube")
	passthrough("bot_youtube_play", "Play a YouTube video.", "youtube")
	passthrough("bot_youtube_pause", "Pause the YouTube player.", "youtube")
	passthrough("bot_youtube_next", "Play the next YouTube result.", "youtube")
	passthrough("bot_wonder_scene", "Render a wonder scene.", "wonder")
	passthrough("bot_wonder_add", "Add an element to the wonder scene.", "wonder")
	passthrough("bot_wonder_remove", "Remove an element from the wonder scene.", "wonder")
	passthrough("bot_wonder_clear", "Clear the wonder scene.", "wonder")
	passthrough("bot_wonder_animate", "Animate the wonder scene.", "wonder")
	passthrough("bot_canvas_render", "Render content on the shared canvas.", "canvas")
	passthrough("bot_canvas_clear", "Clear the shared canvas.", "canvas")
	passthrough("bot_open_browser", "Open the shared browser.", "browser")
	passthrough("bot_close_browser", "Close the shared browser.", "browser")
	passthrough("bot_desktop_mode", "Switch the desktop mode.", "")
	passthrough("bot_meeting_mode_start", "Start meeting mode.", "meeting")
	passthrough("bot_meeting_mode_stop", "Stop meeting mode.", "meeting")
	passthrough("bot_end_call", "End the current call.", "")
}

func objectSchema(props map[string]interface{}, required []string) map[string]interface{} {
	if props == nil {
		props = map[string]interface{}{}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

package tools

import "github.com/niahq/nia/pkg/models"

// projection maps a tool onto the UI event the frontend reacts to,
// with an optional payload rewrite applied to the call params and
// direct result.
type projection struct {
	Event  string
	Enrich func(call *Call, result *models.ToolResult) map[string]interface{}
}

func staticPayload(kv map[string]interface{}) func(*Call, *models.ToolResult) map[string]interface{} {
	return func(call *Call, _ *models.ToolResult) map[string]interface{} {
		out := map[string]interface{}{}
		for k, v := range call.Params {
			out[k] = v
		}
		for k, v := range kv {
			out[k] = v
		}
		return out
	}
}

func paramsPayload(call *Call, _ *models.ToolResult) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range call.Params {
		out[k] = v
	}
	return out
}

// notePayload hoists the note's id and content to the top level so the
// frontend does not have to dig through the nested document.
func notePayload(call *Call, result *models.ToolResult) map[string]interface{} {
	out := paramsPayload(call, result)
	if id := call.StringParam("note_id"); id != "" {
		out["noteId"] = id
	}
	if result == nil {
		return out
	}
	note, _ := result.Data["note"].(map[string]interface{})
	if note == nil {
		return out
	}
	if id, ok := note["_id"].(string); ok && id != "" {
		out["noteId"] = id
	} else if id, ok := note["id"].(string); ok && id != "" {
		out["noteId"] = id
	}
	if content, ok := note["content"].(string); ok {
		out["content"] = content
	}
	return out
}

func soundtrack(action string) projection {
	return projection{Event: "soundtrack.control", Enrich: staticPayload(map[string]interface{}{"action": action})}
}

// toolEvents is the fixed tool-to-event table. Tools absent here
// produce no concrete UI event; clients see only the invoke/result
// envelopes.
var toolEvents = map[string]projection{
	"bot_open_notes":   {Event: "app.open", Enrich: staticPayload(map[string]interface{}{"app": "notes"})},
	"bot_close_notes":  {Event: "apps.close", Enrich: paramsPayload},
	"bot_open_note":    {Event: "note.open", Enrich: notePayload},
	"bot_close_note":   {Event: "note.close", Enrich: notePayload},
	"bot_create_note":  {Event: "notes.refresh", Enrich: notePayload},
	"bot_replace_note": {Event: "note.updated", Enrich: notePayload},
	"bot_append_note":  {Event: "note.updated", Enrich: notePayload},
	"bot_delete_note":  {Event: "note.deleted", Enrich: notePayload},
	"bot_save_note":    {Event: "note.saved", Enrich: notePayload},
	"bot_list_notes":   {Event: "notes.list", Enrich: paramsPayload},

	"bot_soundtrack_play":   soundtrack("play"),
	"bot_soundtrack_pause":  soundtrack("pause"),
	"bot_soundtrack_next":   soundtrack("next"),
	"bot_soundtrack_volume": soundtrack("volume"),

	"bot_youtube_search": {Event: "youtube.search", Enrich: paramsPayload},
	"bot_youtube_play":   {Event: "youtube.play", Enrich: paramsPayload},
	"bot_youtube_pause":  {Event: "youtube.pause", Enrich: paramsPayload},
	"bot_youtube_next":   {Event: "youtube.next", Enrich: paramsPayload},

	"bot_wonder_scene":   {Event: "wonder.scene", Enrich: paramsPayload},
	"bot_wonder_add":     {Event: "wonder.add", Enrich: paramsPayload},
	"bot_wonder_remove":  {Event: "wonder.remove", Enrich: paramsPayload},
	"bot_wonder_clear":   {Event: "wonder.clear", Enrich: paramsPayload},
	"bot_wonder_animate": {Event: "wonder.animate", Enrich: paramsPayload},

	"bot_canvas_render": {Event: "canvas.render", Enrich: paramsPayload},
	"bot_canvas_clear":  {Event: "canvas.clear", Enrich: paramsPayload},

	"bot_open_browser":  {Event: "browser.open", Enrich: paramsPayload},
	"bot_close_browser": {Event: "browser.close", Enrich: paramsPayload},

	"bot_desktop_mode":       {Event: "desktop.mode.switch", Enrich: paramsPayload},
	"bot_meeting_mode_start": {Event: "meeting.mode.start", Enrich: paramsPayload},
	"bot_meeting_mode_stop":  {Event: "meeting.mode.stop", Enrich: paramsPayload},
	"bot_end_call":           {Event: "bot.session.end", Enrich: paramsPayload},
}

// EventFor projects a tool call onto its UI event. ok is false when
// the tool has no mapping.
func EventFor(call *Call, result *models.ToolResult) (event string, payload map[string]interface{}, ok bool) {
	p, ok := toolEvents[call.Tool]
	if !ok {
		return "", nil, false
	}
	return p.Event, p.Enrich(call, result), true
}

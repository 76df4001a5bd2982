package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/niahq/nia/pkg/models"
)

// DedupWindow suppresses a repeated canvas-style scene call for the
// same tool and room.
const DedupWindow = 10 * time.Second

// dedupTools are the scene-emitting tools subject to the window; a
// rapid duplicate re-render is always a retry, never intent.
var dedupTools = map[string]bool{
	"bot_canvas_render": true,
	"bot_wonder_scene":  true,
}

// Emitter broadcasts envelopes to the room's WebSocket clients and
// app-message channel. Satisfied by forwarder.Forwarder.
type Emitter interface {
	EmitEvent(event string, payload map[string]interface{})
	EmitToolInvoke(toolName string, params map[string]interface{})
	EmitToolResult(toolName string, result map[string]interface{})
}

// Outcome distinguishes the dispatch path taken.
type Outcome string

const (
	OutcomeDirect  Outcome = "direct"
	OutcomeRelayed Outcome = "relayed"
	OutcomeDeduped Outcome = "deduped"
)

type dedupEntry struct {
	hash string
	at   time.Time
}

// Dispatcher routes tool calls through the direct, relay, or
// execute-only paths.
type Dispatcher struct {
	reg *Registry

	mu    sync.Mutex
	dedup map[string]dedupEntry
}

// NewDispatcher wraps a registry.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg, dedup: make(map[string]dedupEntry)}
}

// Registry exposes the underlying registry for listing.
func (d *Dispatcher) Registry() *Registry { return d.reg }

func paramsHash(params map[string]interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// suppressed reports whether an identical scene call landed inside the
// window, recording this one either way.
func (d *Dispatcher) suppressed(call *Call) bool {
	if !dedupTools[call.Tool] {
		return false
	}
	key := call.Tool + "|" + call.RoomURL
	hash := paramsHash(call.Params)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.dedup[key]
	d.dedup[key] = dedupEntry{hash: hash, at: now}
	return ok && prev.hash == hash && now.Sub(prev.at) < DedupWindow
}

// canRunDirect reports whether the descriptor's handler may run with
// the context at hand.
func canRunDirect(desc *Descriptor, call *Call) bool {
	if desc == nil || desc.Handler == nil {
		return false
	}
	if UIOnly(desc.Name) {
		return true
	}
	return call.TenantID != "" && call.UserID != ""
}

// Invoke runs a tool through the permissive surface: direct when a
// handler and context exist, otherwise relayed to the running bot.
// em may be nil when no session transport is up; broadcasts are
// best-effort either way.
func (d *Dispatcher) Invoke(ctx context.Context, call *Call, em Emitter) (*models.ToolResult, Outcome) {
	desc, _ := d.reg.Get(call.Tool)

	if d.suppressed(call) {
		log.Printf("tools: suppressed duplicate %s for %s", call.Tool, call.RoomURL)
		return &models.ToolResult{
			Success: true,
			Data:    map[string]interface{}{"deduped": true},
		}, OutcomeDeduped
	}

	if !canRunDirect(desc, call) {
		data := map[string]interface{}{"async": true, "tool": call.Tool}
		msg := "Request forwarded to the session."
		if desc == nil {
			// Relayed anyway so a newer bot can still serve it, but
			// flagged so clients can surface a likely typo.
			data["registered"] = false
			msg = "Tool is not registered on this gateway; request forwarded as-is."
		}
		if em != nil {
			em.EmitToolInvoke(call.Tool, call.Params)
			// Frontends without a live bot still get the concrete
			// event for passthrough tools.
			if desc != nil && desc.Passthrough {
				if event, payload, ok := EventFor(call, nil); ok {
					em.EmitEvent(event, payload)
				}
			}
		}
		return &models.ToolResult{
			Success:     true,
			UserMessage: msg,
			Data:        data,
		}, OutcomeRelayed
	}

	result := desc.Handler(ctx, call)
	d.broadcast(call, result, em)
	return result, OutcomeDirect
}

// Execute is the strict synchronous surface: the tool must exist, have
// a handler, and have full context. No relay fallback.
func (d *Dispatcher) Execute(ctx context.Context, call *Call, em Emitter) (*models.ToolResult, error) {
	desc, ok := d.reg.Get(call.Tool)
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", call.Tool)
	}
	if desc.Handler == nil {
		return nil, fmt.Errorf("tools: %q has no direct handler", call.Tool)
	}
	if !canRunDirect(desc, call) {
		return nil, fmt.Errorf("tools: %q requires tenant_id and user_id", call.Tool)
	}

	result := desc.Handler(ctx, call)
	d.broadcast(call, result, em)
	return result, nil
}

func (d *Dispatcher) broadcast(call *Call, result *models.ToolResult, em Emitter) {
	if em == nil || result == nil {
		return
	}
	em.EmitToolResult(call.Tool, result.ToMap())
	if !result.Success {
		return
	}
	if event, payload, ok := EventFor(call, result); ok {
		em.EmitEvent(event, payload)
	}
}

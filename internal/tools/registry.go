// Package tools holds the tool registry and dispatcher: the bridge
// between "the model called a function" and the data operations and
// UI events that function implies.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/niahq/nia/pkg/models"
)

// Handler executes a tool directly. Handlers return results, never
// errors; a failure is a Result with Success=false.
type Handler func(ctx context.Context, call *Call) *models.ToolResult

// Call carries one tool invocation plus the context it needs.
type Call struct {
	Tool     string
	TenantID string
	UserID   string
	RoomURL  string
	Params   map[string]interface{}
}

// StringParam reads a string parameter, empty when absent or not a
// string.
func (c *Call) StringParam(key string) string {
	v, _ := c.Params[key].(string)
	return v
}

// Descriptor declares one tool: its schema for the LLM, the feature
// flag gating it, whether it is a pure UI passthrough, and the direct
// handler when one exists.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
	FeatureFlag string                 `json:"feature_flag,omitempty"`
	Passthrough bool                   `json:"passthrough"`
	Handler     Handler                `json:"-"`
}

// uiOnlyTools never need tenant or user context: they only move
// pixels, or end the call.
var uiOnlyTools = map[string]bool{
	"bot_canvas_render":  true,
	"bot_canvas_clear":   true,
	"bot_wonder_scene":   true,
	"bot_wonder_add":     true,
	"bot_wonder_remove":  true,
	"bot_wonder_clear":   true,
	"bot_wonder_animate": true,
	"bot_end_call":       true,
}

// UIOnly reports whether a tool runs without tenant/user context.
func UIOnly(name string) bool { return uiOnlyTools[name] }

// Registry is the single source of truth for tool descriptors, built
// at startup and read-mostly afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns descriptors sorted by name, optionally filtered to the
// feature flags enabled for the caller (nil means no filtering).
func (r *Registry) List(enabledFlags map[string]bool) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		if d.FeatureFlag != "" && enabledFlags != nil && !enabledFlags[d.FeatureFlag] {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// summaryPrompt asks the model to compress the running conversation
// when a node resets the context.
const summaryPrompt = "Summarize the conversation so far in a few sentences. " +
	"Keep names, decisions, and anything the participants asked you to remember."

// LLMContext is the serialized conversation history behind one
// session. The flow manager mutates it through the strategy methods;
// transition snapshots it so the history survives a room move.
type LLMContext struct {
	mu       sync.RWMutex
	roleMsgs []Message // system preamble, rebuilt on roster change
	history  []Message // user/assistant turns
}

// NewLLMContext returns an empty context.
func NewLLMContext() *LLMContext {
	return &LLMContext{}
}

// SetRoleMessages replaces the system preamble.
func (c *LLMContext) SetRoleMessages(msgs []Message) {
	c.mu.Lock()
	c.roleMsgs = append([]Message(nil), msgs...)
	c.mu.Unlock()
}

// RoleMessages returns a copy of the system preamble.
func (c *LLMContext) RoleMessages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.roleMsgs...)
}

// Append adds a turn to the history.
func (c *LLMContext) Append(msg Message) {
	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()
}

// History returns a copy of the conversation turns.
func (c *LLMContext) History() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.history...)
}

// Messages returns the full prompt: role messages then history.
func (c *LLMContext) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, 0, len(c.roleMsgs)+len(c.history))
	out = append(out, c.roleMsgs...)
	out = append(out, c.history...)
	return out
}

// ResetWithSummary asks the LLM for a summary of the history and
// replaces the history with that single system message. The role
// preamble is untouched. On LLM failure the history is kept, so a
// flaky provider degrades to APPEND instead of losing context.
func (c *LLMContext) ResetWithSummary(ctx context.Context, llm LLM) error {
	history := c.History()
	if len(history) == 0 {
		return nil
	}

	prompt := append(history, Message{Role: RoleUser, Content: summaryPrompt})
	summary, err := llm.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("context summary failed: %w", err)
	}

	c.mu.Lock()
	c.history = []Message{{
		Role:    RoleSystem,
		Content: "Conversation so far (summarized): " + strings.TrimSpace(summary),
	}}
	c.mu.Unlock()
	return nil
}

// Snapshot copies the full context state for transition.
func (c *LLMContext) Snapshot() ([]Message, []Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.roleMsgs...), append([]Message(nil), c.history...)
}

// Restore replaces the full context state from a snapshot.
func (c *LLMContext) Restore(roleMsgs, history []Message) {
	c.mu.Lock()
	c.roleMsgs = append([]Message(nil), roleMsgs...)
	c.history = append([]Message(nil), history...)
	c.mu.Unlock()
}

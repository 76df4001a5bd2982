package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAppendAndMessages(t *testing.T) {
	c := NewLLMContext()
	c.SetRoleMessages([]Message{{Role: RoleSystem, Content: "persona"}})
	c.Append(Message{Role: RoleUser, Name: "alice", Content: "hi"})
	c.Append(Message{Role: RoleAssistant, Content: "hello"})

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "persona", msgs[0].Content)
	assert.Equal(t, "alice", msgs[1].Name)
	assert.Equal(t, RoleAssistant, msgs[2].Role)
}

func TestResetWithSummaryReplacesHistoryKeepsRoles(t *testing.T) {
	c := NewLLMContext()
	c.SetRoleMessages([]Message{{Role: RoleSystem, Content: "persona"}})
	c.Append(Message{Role: RoleUser, Content: "we talked about whales"})
	c.Append(Message{Role: RoleAssistant, Content: "whales are great"})

	llm := &ScriptedLLM{Responses: []string{"They discussed whales."}}
	require.NoError(t, c.ResetWithSummary(context.Background(), llm))

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, RoleSystem, history[0].Role)
	assert.Contains(t, history[0].Content, "They discussed whales.")

	// Role preamble untouched.
	assert.Equal(t, "persona", c.RoleMessages()[0].Content)

	// The summary request saw the prior history.
	prompt := llm.LastCall()
	assert.Equal(t, "we talked about whales", prompt[0].Content)
}

func TestResetWithSummaryEmptyHistoryNoCall(t *testing.T) {
	c := NewLLMContext()
	llm := &ScriptedLLM{}
	require.NoError(t, c.ResetWithSummary(context.Background(), llm))
	assert.Zero(t, llm.CallCount())
}

func TestSnapshotRestore(t *testing.T) {
	c := NewLLMContext()
	c.SetRoleMessages([]Message{{Role: RoleSystem, Content: "persona"}})
	c.Append(Message{Role: RoleUser, Content: "hi"})

	roles, history := c.Snapshot()

	c2 := NewLLMContext()
	c2.Restore(roles, history)
	assert.Equal(t, c.Messages(), c2.Messages())
}

func TestActivityClocks(t *testing.T) {
	a := NewActivity()

	// Zero clocks count as idle/silent.
	assert.True(t, a.UserIdleFor(time.Hour))
	assert.True(t, a.BotSilentFor(time.Hour))
	assert.True(t, a.BeatGapAtLeast(time.Hour))

	a.TouchUser()
	assert.False(t, a.UserIdleFor(time.Hour))
	assert.True(t, a.UserIdleFor(0))

	a.TouchBot()
	assert.False(t, a.BotSilentFor(time.Hour))

	a.TouchBeat()
	assert.False(t, a.BeatGapAtLeast(time.Hour))
}

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/pkg/models"
)

func testPersonality() *models.Personality {
	return &models.Personality{
		ID:           "pearl",
		Name:         "Pearl",
		SystemPrompt: "You are Pearl.",
		WrapupPrompt: "Say goodbye.",
		Beats: []models.Beat{
			{Message: "Ask about their week.", StartTime: time.Minute},
			{Message: "Go deeper.", StartTime: 2 * time.Minute},
			{Message: "Shift topics.", StartTime: 3 * time.Minute},
		},
	}
}

func TestBuildNodesStrategies(t *testing.T) {
	nodes := BuildNodes(testPersonality(), false)

	require.Contains(t, nodes, NodeBoot)
	require.Contains(t, nodes, NodeWrapup)
	require.Contains(t, nodes, NodeAdmin)

	assert.Equal(t, Append, nodes[NodeBoot].Strategy)
	assert.Equal(t, Append, nodes[NodeAdmin].Strategy)
	assert.Equal(t, ResetWithSummary, nodes[NodeWrapup].Strategy)

	// beat_0 always appends to keep the personality and boot seed.
	assert.Equal(t, Append, nodes[BeatNodeName(0)].Strategy)
	assert.Equal(t, ResetWithSummary, nodes[BeatNodeName(1)].Strategy)
	assert.Equal(t, ResetWithSummary, nodes[BeatNodeName(2)].Strategy)
}

func TestBuildNodesPrivateAppendsThroughout(t *testing.T) {
	nodes := BuildNodes(testPersonality(), true)

	for i := 0; i < 3; i++ {
		assert.Equal(t, Append, nodes[BeatNodeName(i)].Strategy, "beat %d", i)
	}
	// Wrapup still resets even in private sessions.
	assert.Equal(t, ResetWithSummary, nodes[NodeWrapup].Strategy)
}

func TestBuildNodesPrompts(t *testing.T) {
	nodes := BuildNodes(testPersonality(), false)
	assert.Equal(t, "Ask about their week.", nodes[BeatNodeName(0)].Prompt)
	assert.Equal(t, "Say goodbye.", nodes[NodeWrapup].Prompt)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "APPEND", Append.String())
	assert.Equal(t, "RESET_WITH_SUMMARY", ResetWithSummary.String())
}

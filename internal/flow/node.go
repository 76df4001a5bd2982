package flow

import (
	"fmt"

	"github.com/niahq/nia/pkg/models"
)

// Strategy decides what happens to the LLM context when the flow
// enters a node.
type Strategy int

const (
	// Append keeps the full history.
	Append Strategy = iota
	// ResetWithSummary collapses the history into one summary message.
	ResetWithSummary
)

// String implements fmt.Stringer for logs.
func (s Strategy) String() string {
	switch s {
	case Append:
		return "APPEND"
	case ResetWithSummary:
		return "RESET_WITH_SUMMARY"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Well-known node names.
const (
	NodeBoot   = "boot"
	NodeWrapup = "wrapup"
	NodeAdmin  = "admin_instruction"
)

// BeatNodeName returns the node name for beat i.
func BeatNodeName(i int) string { return fmt.Sprintf("beat_%d", i) }

// Node is one conversation state. The context strategy is a field set
// when the plan is built, never recomputed at refresh time.
type Node struct {
	Name               string
	TaskMessages       []string
	RespondImmediately bool
	Strategy           Strategy
	// Prompt is the node's own injected instruction (beat message,
	// wrap-up prompt). Empty for boot.
	Prompt string
}

// BuildNodes derives the node plan from a personality. Strategy
// assignment follows the continuity rules: boot and beat_0 always
// append so the personality and boot seed survive; later beats reset
// with a summary unless the session is private; wrapup always resets.
func BuildNodes(p *models.Personality, private bool) map[string]*Node {
	nodes := map[string]*Node{
		NodeBoot: {
			Name:               NodeBoot,
			RespondImmediately: true,
			Strategy:           Append,
		},
		NodeWrapup: {
			Name:               NodeWrapup,
			RespondImmediately: true,
			Strategy:           ResetWithSummary,
			Prompt:             p.WrapupPrompt,
		},
		NodeAdmin: {
			Name:     NodeAdmin,
			Strategy: Append,
		},
	}

	for i, beat := range p.Beats {
		strategy := ResetWithSummary
		if i == 0 || private {
			strategy = Append
		}
		name := BeatNodeName(i)
		nodes[name] = &Node{
			Name:               name,
			RespondImmediately: true,
			Strategy:           strategy,
			Prompt:             beat.Message,
		}
	}
	return nodes
}

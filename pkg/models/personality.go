package models

import "time"

// Beat is a scheduled prompt injection in the conversation flow.
type Beat struct {
	Message string `json:"message"`
	// StartTime is the delay from session start to first delivery.
	StartTime time.Duration `json:"start_time"`
	// NextStartTime bounds repeats: once the next beat is due, this
	// one stops repeating. Zero means no bound.
	NextStartTime time.Duration `json:"next_start_time,omitempty"`
	// RepeatInterval re-delivers the beat until NextStartTime. Zero
	// means deliver once.
	RepeatInterval time.Duration `json:"repeat_interval,omitempty"`
}

// Personality is the conversational identity a session runs with. The
// gateway resolves personalityId to one of these; the flow manager
// turns it into a node plan.
type Personality struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SystemPrompt  string `json:"system_prompt"`
	OpeningPrompt string `json:"opening_prompt,omitempty"`
	WrapupPrompt  string `json:"wrapup_prompt,omitempty"`
	Beats         []Beat `json:"beats,omitempty"`
	// WrapupAfter arms the wrap-up timer. Zero disables it.
	WrapupAfter time.Duration `json:"wrapup_after,omitempty"`
	// Private sessions keep full conversation continuity: every beat
	// appends instead of resetting with a summary.
	Private bool `json:"private,omitempty"`
}

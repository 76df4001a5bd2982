// Package pipeline defines the media-side contracts of a bot session:
// speech-to-text, the LLM, text-to-speech, and the room transport. The
// providers behind these interfaces are external; the session only
// depends on what is declared here. Fakes in this package drive dev
// mode and the tests.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// Role names for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of LLM context.
type Message struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"` // speaker attribution for user turns
	Content string `json:"content"`
}

// LLM produces a completion for the given context.
type LLM interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Transcript is a finalized STT result attributed to a participant.
type Transcript struct {
	ParticipantID string
	Text          string
	Final         bool
	Timestamp     time.Time
}

// STT converts a participant's audio into transcripts on a channel.
type STT interface {
	Transcripts() <-chan Transcript
	Close() error
}

// TTS synthesizes an utterance into the room.
type TTS interface {
	Speak(ctx context.Context, text string) error
}

// Transport is the WebRTC room connection. Join/Leave are the only
// lifecycle operations orchestration needs; media flows inside the
// provider.
type Transport interface {
	Join(ctx context.Context, roomURL, token string) error
	Leave(ctx context.Context) error
	SendAppMessage(ctx context.Context, payload []byte) error
	Room() string
}

// Activity tracks when users last spoke and when the bot last spoke.
// Pacing gates beat delivery on these clocks.
type Activity struct {
	mu            sync.RWMutex
	lastUserInput time.Time
	lastBotSpeech time.Time
	lastBeat      time.Time
}

// NewActivity returns a tracker with all clocks at zero.
func NewActivity() *Activity { return &Activity{} }

// TouchUser records user speech now.
func (a *Activity) TouchUser() {
	a.mu.Lock()
	a.lastUserInput = time.Now()
	a.mu.Unlock()
}

// TouchBot records bot speech now.
func (a *Activity) TouchBot() {
	a.mu.Lock()
	a.lastBotSpeech = time.Now()
	a.mu.Unlock()
}

// TouchBeat records a delivered beat now.
func (a *Activity) TouchBeat() {
	a.mu.Lock()
	a.lastBeat = time.Now()
	a.mu.Unlock()
}

// UserIdleFor reports whether no user has spoken for at least d.
func (a *Activity) UserIdleFor(d time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastUserInput.IsZero() || time.Since(a.lastUserInput) >= d
}

// BotSilentFor reports whether the bot has not spoken for at least d.
func (a *Activity) BotSilentFor(d time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastBotSpeech.IsZero() || time.Since(a.lastBotSpeech) >= d
}

// BeatGapAtLeast reports whether the last beat is at least d ago.
func (a *Activity) BeatGapAtLeast(d time.Duration) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastBeat.IsZero() || time.Since(a.lastBeat) >= d
}

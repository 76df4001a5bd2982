package pipeline

import (
	"context"
	"sync"
)

// ScriptedLLM returns canned responses in order, repeating the last
// one when the script runs out. Used by dev mode and tests.
type ScriptedLLM struct {
	mu        sync.Mutex
	Responses []string
	next      int
	Calls     [][]Message
}

// Complete returns the next scripted response.
func (l *ScriptedLLM) Complete(_ context.Context, messages []Message) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls = append(l.Calls, append([]Message(nil), messages...))
	if len(l.Responses) == 0 {
		return "ok", nil
	}
	resp := l.Responses[l.next]
	if l.next < len(l.Responses)-1 {
		l.next++
	}
	return resp, nil
}

// CallCount returns how many completions ran.
func (l *ScriptedLLM) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Calls)
}

// LastCall returns the prompt of the most recent completion.
func (l *ScriptedLLM) LastCall() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Calls) == 0 {
		return nil
	}
	return l.Calls[len(l.Calls)-1]
}

// NullTransport records app messages and join/leave calls without any
// network. It stands in for the WebRTC provider in dev and tests.
type NullTransport struct {
	mu       sync.Mutex
	room     string
	joined   bool
	Messages [][]byte
	JoinErr  error
}

// Join records the room.
func (t *NullTransport) Join(_ context.Context, roomURL, _ string) error {
	if t.JoinErr != nil {
		return t.JoinErr
	}
	t.mu.Lock()
	t.room = roomURL
	t.joined = true
	t.mu.Unlock()
	return nil
}

// Leave clears the room.
func (t *NullTransport) Leave(_ context.Context) error {
	t.mu.Lock()
	t.joined = false
	t.mu.Unlock()
	return nil
}

// SendAppMessage records the payload.
func (t *NullTransport) SendAppMessage(_ context.Context, payload []byte) error {
	t.mu.Lock()
	t.Messages = append(t.Messages, append([]byte(nil), payload...))
	t.mu.Unlock()
	return nil
}

// Room returns the joined room URL.
func (t *NullTransport) Room() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room
}

// Joined reports whether the transport is currently in a room.
func (t *NullTransport) Joined() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

// MessageCount returns how many app messages were sent.
func (t *NullTransport) MessageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Messages)
}

// ChanSTT feeds transcripts from an in-memory channel.
type ChanSTT struct {
	Ch chan Transcript
}

// NewChanSTT creates a fake STT with a buffered feed channel.
func NewChanSTT() *ChanSTT {
	return &ChanSTT{Ch: make(chan Transcript, 64)}
}

// Transcripts returns the feed.
func (s *ChanSTT) Transcripts() <-chan Transcript { return s.Ch }

// Close closes the feed.
func (s *ChanSTT) Close() error {
	close(s.Ch)
	return nil
}

// NullTTS records spoken utterances.
type NullTTS struct {
	mu     sync.Mutex
	Spoken []string
}

// Speak records the utterance.
func (t *NullTTS) Speak(_ context.Context, text string) error {
	t.mu.Lock()
	t.Spoken = append(t.Spoken, text)
	t.mu.Unlock()
	return nil
}

// Utterances returns a copy of everything spoken.
func (t *NullTTS) Utterances() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.Spoken...)
}

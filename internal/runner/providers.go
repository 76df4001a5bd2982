// Package runner owns the per-session lifecycle: start, in-place room
// transition, and leave. One Session wires the media pipeline, flow
// manager, pacing controller, message poller, and forwarder together
// and keeps the room's keepalive fresh while it lives.
package runner

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/niahq/nia/internal/forwarder"
	"github.com/niahq/nia/internal/pipeline"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/config"
	"github.com/niahq/nia/pkg/models"
)

// PersonalitySource resolves a personalityId to its definition.
type PersonalitySource interface {
	Personality(id string) (*models.Personality, error)
}

// StaticPersonalities is a fixed in-memory catalog, the dev-mode
// source.
type StaticPersonalities struct {
	mu      sync.RWMutex
	catalog map[string]*models.Personality
}

// NewStaticPersonalities builds a catalog from definitions.
func NewStaticPersonalities(defs ...*models.Personality) *StaticPersonalities {
	s := &StaticPersonalities{catalog: make(map[string]*models.Personality, len(defs))}
	for _, d := range defs {
		s.catalog[d.ID] = d
	}
	return s
}

// Add registers or replaces a definition.
func (s *StaticPersonalities) Add(p *models.Personality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[p.ID] = p
}

// Personality implements PersonalitySource.
func (s *StaticPersonalities) Personality(id string) (*models.Personality, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.catalog[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("runner: unknown personality %q", id)
}

// DefaultPersonality is what a session falls back to when the envelope
// names no personality or the id is unknown.
func DefaultPersonality() *models.Personality {
	return &models.Personality{
		ID:           "default",
		Name:         "Nia",
		SystemPrompt: "You are Nia, a warm and concise voice assistant in a shared room.",
		WrapupAfter:  30 * time.Minute,
	}
}

// Providers supplies the external collaborators a session needs. Any
// nil factory falls back to the dev-mode fake, so an empty Providers
// runs a fully local session.
type Providers struct {
	NewLLM       func(env *models.LaunchEnvelope) pipeline.LLM
	NewSTT       func(env *models.LaunchEnvelope) pipeline.STT
	NewTTS       func(env *models.LaunchEnvelope) pipeline.TTS
	NewTransport func(env *models.LaunchEnvelope) pipeline.Transport

	Personalities PersonalitySource
}

func (p *Providers) llm(env *models.LaunchEnvelope) pipeline.LLM {
	if p != nil && p.NewLLM != nil {
		return p.NewLLM(env)
	}
	return &pipeline.ScriptedLLM{Responses: []string{"Hello there."}}
}

func (p *Providers) stt(env *models.LaunchEnvelope) pipeline.STT {
	if p != nil && p.NewSTT != nil {
		return p.NewSTT(env)
	}
	return pipeline.NewChanSTT()
}

func (p *Providers) tts(env *models.LaunchEnvelope) pipeline.TTS {
	if p != nil && p.NewTTS != nil {
		return p.NewTTS(env)
	}
	return &pipeline.NullTTS{}
}

func (p *Providers) transport(env *models.LaunchEnvelope) pipeline.Transport {
	if p != nil && p.NewTransport != nil {
		return p.NewTransport(env)
	}
	return &pipeline.NullTransport{}
}

func (p *Providers) personality(id string) *models.Personality {
	if p != nil && p.Personalities != nil && id != "" {
		if def, err := p.Personalities.Personality(id); err == nil {
			return def
		}
	}
	return DefaultPersonality()
}

// Deps is everything sessions share within one runner process.
type Deps struct {
	Cfg       *config.Config
	State     *statestore.State
	Hub       forwarder.Broadcaster
	NATS      *nats.Conn
	Providers *Providers
}

package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/internal/pipeline"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/internal/wshub"
	"github.com/niahq/nia/pkg/config"
	"github.com/niahq/nia/pkg/models"
)

type sessionFixture struct {
	deps      *Deps
	state     *statestore.State
	llm       *pipeline.ScriptedLLM
	tts       *pipeline.NullTTS
	stt       *pipeline.ChanSTT
	transport *pipeline.NullTransport
}

func newFixture(t *testing.T) *sessionFixture {
	t.Helper()
	local := statestore.NewLocalStore()
	t.Cleanup(func() { local.Close() })

	hub := wshub.NewHub()
	t.Cleanup(func() { hub.Close() })

	f := &sessionFixture{
		state: statestore.NewState(local),
		llm:   &pipeline.ScriptedLLM{Responses: []string{"Hello!"}},
		tts:   &pipeline.NullTTS{},
		stt:   pipeline.NewChanSTT(),
	}

	cfg := config.Default()
	cfg.Spool.Dir = t.TempDir()
	cfg.Pacing.BeatUserIdle = 10 * time.Millisecond
	cfg.Pacing.PostSpeakBuffer = 10 * time.Millisecond
	cfg.Pacing.BeatMinSpeakGap = 10 * time.Millisecond
	cfg.Pacing.BeatUserIdleTimeout = 100 * time.Millisecond

	f.deps = &Deps{
		Cfg:   cfg,
		State: f.state,
		Hub:   hub,
		Providers: &Providers{
			NewLLM: func(*models.LaunchEnvelope) pipeline.LLM { return f.llm },
			NewTTS: func(*models.LaunchEnvelope) pipeline.TTS { return f.tts },
			NewSTT: func(*models.LaunchEnvelope) pipeline.STT { return f.stt },
			NewTransport: func(*models.LaunchEnvelope) pipeline.Transport {
				f.transport = &pipeline.NullTransport{}
				return f.transport
			},
			Personalities: NewStaticPersonalities(&models.Personality{
				ID:           "pearl",
				Name:         "Pearl",
				SystemPrompt: "You are Pearl.",
			}),
		},
	}
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartWritesLockAndKeepalive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{
		RoomURL:       "https://X.Example/R1",
		PersonalityID: "pearl",
	})
	require.NoError(t, err)
	defer s.Leave(ctx)

	assert.Equal(t, "https://x.example/R1", s.Room(), "host lowered, path preserved")
	assert.True(t, f.transport.Joined())

	lock, err := f.state.GetLock(ctx, s.Room())
	require.NoError(t, err)
	assert.Equal(t, models.LockStatusRunning, lock.Status)
	assert.Equal(t, s.Info().SessionID, lock.SessionID)
	assert.Equal(t, "pearl", lock.PersonalityID)

	waitFor(t, func() bool {
		ka, err := f.state.GetKeepalive(ctx, s.Room())
		return err == nil && ka.SessionID == s.Info().SessionID
	})
}

func TestParticipantJoinTriggersGreeting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: "https://x.example/r1"})
	require.NoError(t, err)
	defer s.Leave(ctx)

	s.PublishParticipantJoined(&models.ParticipantContext{
		ParticipantID: "p1",
		DisplayName:   "Ada",
	})

	waitFor(t, func() bool { return len(f.tts.Utterances()) >= 1 })
	assert.Equal(t, "Hello!", f.tts.Utterances()[0])
}

func TestTranscriptDrivesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: "https://x.example/r1"})
	require.NoError(t, err)
	defer s.Leave(ctx)

	s.PublishParticipantJoined(&models.ParticipantContext{ParticipantID: "p1", DisplayName: "Ada"})
	waitFor(t, func() bool { return f.llm.CallCount() >= 1 })

	f.stt.Ch <- pipeline.Transcript{ParticipantID: "p1", Text: "What time is it?", Final: true}
	waitFor(t, func() bool { return f.llm.CallCount() >= 2 })

	last := f.llm.LastCall()
	found := false
	for _, msg := range last {
		if strings.Contains(msg.Content, "What time is it?") {
			found = true
		}
	}
	assert.True(t, found, "user turn should reach the LLM")
}

func TestTransitionPreservesContextAndSwapsKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{
		RoomURL:       "https://x.example/a",
		TenantID:      "t1",
		SessionUserID: "u1",
	})
	require.NoError(t, err)
	defer s.Leave(ctx)

	s.PublishParticipantJoined(&models.ParticipantContext{ParticipantID: "p1", DisplayName: "Ada"})
	waitFor(t, func() bool { return f.llm.CallCount() >= 1 })

	oldTransport := f.transport
	require.NoError(t, s.Transition(ctx, &models.TransitionRequest{
		SessionID:  s.Info().SessionID,
		NewRoomURL: "https://x.example/b",
	}))

	assert.Equal(t, "https://x.example/b", s.Room())
	assert.True(t, f.transport.Joined(), "new transport joined")
	assert.False(t, oldTransport.Joined(), "old transport left")

	_, err = f.state.GetLock(ctx, "https://x.example/a")
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	lock, err := f.state.GetLock(ctx, "https://x.example/b")
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/a", lock.TransitionedFrom)
	assert.Equal(t, s.Info().SessionID, lock.SessionID)

	entry, err := f.state.GetUserBot(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/b", entry.Room)
}

func TestLeaveClearsKeysAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{
		RoomURL:       "https://x.example/r1",
		TenantID:      "t1",
		SessionUserID: "u1",
	})
	require.NoError(t, err)
	room := s.Room()

	s.Leave(ctx)
	s.Leave(ctx)

	_, err = f.state.GetLock(ctx, room)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	_, err = f.state.GetKeepalive(ctx, room)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	_, err = f.state.GetUserBot(ctx, "t1", "u1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
	assert.False(t, f.transport.Joined())
}

func TestLeaveConcurrentCallersShareOneTeardown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: "https://x.example/r1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Leave(ctx)
		}()
	}
	wg.Wait()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Leave")
	}
	assert.False(t, f.transport.Joined())
}

func TestAdminPublishedOnStoreChannelReachesFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: "https://x.example/r1"})
	require.NoError(t, err)
	defer s.Leave(ctx)

	require.NoError(t, f.state.AppendAdmin(ctx, s.Room(), &models.AdminInstruction{
		ID:     "adm-1",
		Prompt: "steer toward the weather",
		Mode:   models.AdminModeQueued,
	}))

	waitFor(t, func() bool { return len(s.Flow().AdminHistory()) == 1 })
	assert.Equal(t, "steer toward the weather", s.Flow().AdminHistory()[0].Prompt)

	// Delivery also clears the persisted copy.
	waitFor(t, func() bool {
		queue, err := f.state.DrainAdmin(ctx, s.Room())
		return err == nil && len(queue) == 0
	})
}

func TestAdminBacklogDrainedAtStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := "https://x.example/r1"

	// Queued before the bot exists.
	require.NoError(t, f.state.AppendAdmin(ctx, room, &models.AdminInstruction{
		ID:     "adm-early",
		Prompt: "open with the agenda",
		Mode:   models.AdminModeQueued,
	}))

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: room})
	require.NoError(t, err)
	defer s.Leave(ctx)

	waitFor(t, func() bool { return len(s.Flow().AdminHistory()) == 1 })
	assert.Equal(t, "adm-early", s.Flow().AdminHistory()[0].ID)
}

func TestPendingConfigAppliedAtStartAndLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := "https://x.example/r1"

	_, err := f.state.StoreConfig(ctx, room, map[string]interface{}{
		"system_prompt": "You are Pearl, configured.",
	})
	require.NoError(t, err)

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: room, PersonalityID: "pearl"})
	require.NoError(t, err)
	defer s.Leave(ctx)

	applied := s.Flow().AppliedConfig()
	require.NotNil(t, applied, "startup config not picked up")
	assert.Equal(t, "You are Pearl, configured.", applied["system_prompt"])

	// A later publish lands on the live session.
	_, err = f.state.StoreConfig(ctx, room, map[string]interface{}{
		"wrapup_prompt": "Sign off with the daily recap.",
	})
	require.NoError(t, err)
	waitFor(t, func() bool {
		cfg := s.Flow().AppliedConfig()
		return cfg != nil && cfg["wrapup_prompt"] == "Sign off with the daily recap."
	})
}

func TestRegistryRebind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := NewRegistry()

	s, err := Start(ctx, f.deps, &models.LaunchEnvelope{RoomURL: "https://x.example/a"})
	require.NoError(t, err)
	defer s.Leave(ctx)
	reg.Add(s)

	require.NoError(t, s.Transition(ctx, &models.TransitionRequest{
		SessionID:  s.Info().SessionID,
		NewRoomURL: "https://x.example/b",
	}))
	reg.Rebind(s, "https://x.example/a")

	_, ok := reg.ByRoom("https://x.example/a")
	assert.False(t, ok)
	got, ok := reg.ByRoom("https://x.example/b")
	require.True(t, ok)
	assert.Equal(t, s, got)
}

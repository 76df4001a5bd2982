// Package pacing schedules the conversation's timed injections: the
// per-beat prompts and the single wrap-up. It publishes on the session
// event bus; the session's handlers decide what the events mean.
package pacing

import (
	"context"
	"sync"
	"time"

	"github.com/niahq/nia/internal/eventbus"
	"github.com/niahq/nia/internal/pipeline"
	"github.com/niahq/nia/pkg/models"
)

// Gate holds the thresholds that keep a beat from talking over anyone.
type Gate struct {
	UserIdle        time.Duration // user silent at least this long
	PostSpeakBuffer time.Duration // bot silent at least this long
	MinSpeakGap     time.Duration // minimum spacing between beats
	UserIdleTimeout time.Duration // deliver anyway after this long
}

// DefaultGate mirrors the production thresholds.
func DefaultGate() Gate {
	return Gate{
		UserIdle:        1 * time.Second,
		PostSpeakBuffer: 2 * time.Second,
		MinSpeakGap:     15 * time.Second,
		UserIdleTimeout: 15 * time.Second,
	}
}

// wrapupState tracks the armed wrap-up timer.
type wrapupState struct {
	scheduledAt time.Time
	delay       time.Duration
	dueAt       time.Time
	active      bool
	published   bool
	prompt      string
	cancel      context.CancelFunc
}

// Controller owns one session's timers. All publishes go through the
// bus; the controller never touches the LLM or the transport.
type Controller struct {
	sessionID string
	bus       *eventbus.Bus
	activity  *pipeline.Activity
	gate      Gate

	mu      sync.Mutex
	wrapup  wrapupState
	cancels []context.CancelFunc
}

// NewController creates a controller for a session.
func NewController(sessionID string, bus *eventbus.Bus, activity *pipeline.Activity, gate Gate) *Controller {
	return &Controller{
		sessionID: sessionID,
		bus:       bus,
		activity:  activity,
		gate:      gate,
	}
}

// ScheduleWrapup arms (or re-arms) the wrap-up timer. The event fires
// exactly once per session even if rescheduled.
func (c *Controller) ScheduleWrapup(ctx context.Context, delay time.Duration, prompt string) {
	c.mu.Lock()
	if c.wrapup.cancel != nil {
		c.wrapup.cancel()
	}
	tctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	c.wrapup = wrapupState{
		scheduledAt: now,
		delay:       delay,
		dueAt:       now.Add(delay),
		active:      true,
		published:   c.wrapup.published,
		prompt:      prompt,
		cancel:      cancel,
	}
	alreadyPublished := c.wrapup.published
	c.mu.Unlock()

	if alreadyPublished {
		cancel()
		return
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-tctx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.wrapup.published {
			c.mu.Unlock()
			return
		}
		c.wrapup.published = true
		c.wrapup.active = false
		c.mu.Unlock()

		c.bus.Emit(eventbus.EventConvoWrapup, "pacing", map[string]interface{}{
			"session_id": c.sessionID,
			"prompt":     prompt,
		})
	}()
}

// WrapupPublished reports whether the wrap-up event already fired.
func (c *Controller) WrapupPublished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrapup.published
}

// ScheduleBeats starts one timer task per beat in the plan. Each task
// sleeps to its start time, publishes, then repeats on its interval
// until the next beat is due.
func (c *Controller) ScheduleBeats(ctx context.Context, beats []models.Beat) {
	for i, beat := range beats {
		bctx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancels = append(c.cancels, cancel)
		c.mu.Unlock()
		go c.runBeat(bctx, i, beat)
	}
}

func (c *Controller) runBeat(ctx context.Context, index int, beat models.Beat) {
	timer := time.NewTimer(beat.StartTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	c.publishBeat(index, beat)

	if beat.RepeatInterval <= 0 {
		return
	}

	var stop time.Time
	if beat.NextStartTime > 0 {
		stop = time.Now().Add(beat.NextStartTime - beat.StartTime)
	}

	ticker := time.NewTicker(beat.RepeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !stop.IsZero() && time.Now().After(stop) {
				return
			}
			c.publishBeat(index, beat)
		}
	}
}

func (c *Controller) publishBeat(index int, beat models.Beat) {
	c.bus.Emit(eventbus.EventConvoBeat, "pacing", map[string]interface{}{
		"session_id": c.sessionID,
		"beat":       index,
		"message":    beat.Message,
	})
}

// WaitGate blocks until the beat delivery conditions hold: the user
// idle, the bot silent after speaking, and enough spacing since the
// last beat. The idle wait is capped; after the cap the beat goes out
// anyway. Returns false only when ctx ends first.
func (c *Controller) WaitGate(ctx context.Context) bool {
	deadline := time.Now().Add(c.gate.UserIdleTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if time.Now().After(deadline) {
			return true
		}
		if c.activity.UserIdleFor(c.gate.UserIdle) &&
			c.activity.BotSilentFor(c.gate.PostSpeakBuffer) &&
			c.activity.BeatGapAtLeast(c.gate.MinSpeakGap) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Stop cancels every outstanding timer.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wrapup.cancel != nil {
		c.wrapup.cancel()
		c.wrapup.active = false
	}
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}

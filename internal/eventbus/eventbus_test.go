package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	sub := bus.Subscribe("test", nil)
	bus.Emit(EventParticipantJoined, "test", map[string]interface{}{"participant_id": "p1"})

	e := recvEvent(t, sub.Channel)
	assert.Equal(t, EventParticipantJoined, e.Type)
	assert.Equal(t, "p1", e.Data["participant_id"])
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestSubscribeTypesFilters(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	sub := bus.SubscribeTypes("beats", EventConvoBeat)
	bus.Emit(EventParticipantJoined, "test", nil)
	bus.Emit(EventConvoBeat, "test", map[string]interface{}{"beat": 1})

	e := recvEvent(t, sub.Channel)
	assert.Equal(t, EventConvoBeat, e.Type)

	select {
	case extra := <-sub.Channel:
		t.Fatalf("unexpected event delivered: %s", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	a := bus.Subscribe("dup", nil)
	b := bus.Subscribe("dup", nil)
	assert.Same(t, a, b)
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	sub := bus.Subscribe("slow", nil)
	// Fill the buffer and keep publishing; the extra events drop.
	for i := 0; i < 10; i++ {
		bus.Emit(EventConvoBeat, "test", nil)
	}

	require.NotNil(t, recvEvent(t, sub.Channel))
	select {
	case <-sub.Channel:
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe("x", nil)
	bus.Unsubscribe("x")

	_, open := <-sub.Channel
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op.
	bus.Emit(EventConvoBeat, "test", nil)
}

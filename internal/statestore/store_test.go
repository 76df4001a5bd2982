package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/pkg/models"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	local := NewLocalStore()
	t.Cleanup(func() { _ = local.Close() })
	return NewState(local)
}

func TestLocalStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	defer s.Close()

	_, err := s.Get(ctx, "missing")
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.Equal(t, ErrNotFound, err)

	// Deleting an absent key is fine.
	assert.NoError(t, s.Delete(ctx, "k"))
}

func TestLocalStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "short", []byte("v"), 20*time.Millisecond))
	_, err := s.Get(ctx, "short")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = s.Get(ctx, "short")
	assert.Equal(t, ErrNotFound, err)
}

func TestLocalStoreScan(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "room_active:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "room_active:b", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "other:c", []byte("3"), 0))

	keys, err := s.Scan(ctx, "room_active:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room_active:a", "room_active:b"}, keys)
}

func TestLocalStoreListFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	defer s.Close()

	require.NoError(t, s.Push(ctx, "q", []byte("first")))
	require.NoError(t, s.Push(ctx, "q", []byte("second")))

	v, err := s.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)

	v, err = s.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), v)

	_, err = s.Pop(ctx, "q", 20*time.Millisecond)
	assert.Equal(t, ErrNotFound, err)
}

func TestLocalStorePubSub(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore()
	defer s.Close()

	ch, cancel, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "chan", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}

	cancel()
	// Publishing after cancel must not panic or deliver.
	require.NoError(t, s.Publish(ctx, "chan", []byte("late")))
}

func TestStateLockRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestState(t)
	room := "https://x.example/r1"

	_, err := st.GetLock(ctx, room)
	assert.Equal(t, ErrNotFound, err)

	lock := &models.RoomActiveLock{
		Status:    models.LockStatusPending,
		SessionID: "s1",
	}
	require.NoError(t, st.SetLock(ctx, room, lock, time.Minute))

	got, err := st.GetLock(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, models.LockStatusPending, got.Status)
	assert.Equal(t, "s1", got.SessionID)
	assert.False(t, got.Timestamp.IsZero())

	rooms, err := st.ScanLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{room}, rooms)

	require.NoError(t, st.DeleteLock(ctx, room))
	_, err = st.GetLock(ctx, room)
	assert.Equal(t, ErrNotFound, err)
}

func TestStateKeepalive(t *testing.T) {
	ctx := context.Background()
	st := newTestState(t)
	room := "https://x.example/r1"

	assert.False(t, st.KeepaliveFresh(ctx, room, 30*time.Second))

	require.NoError(t, st.TouchKeepalive(ctx, room, "s1"))
	assert.True(t, st.KeepaliveFresh(ctx, room, 30*time.Second))

	ka, err := st.GetKeepalive(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "s1", ka.SessionID)

	// A heartbeat older than the threshold is stale.
	assert.False(t, st.KeepaliveFresh(ctx, room, 0))
}

func TestStateUserBot(t *testing.T) {
	ctx := context.Background()
	st := newTestState(t)

	require.NoError(t, st.SetUserBot(ctx, "t1", "u1", &models.UserBotEntry{
		SessionID: "s1",
		Room:      "https://x.example/a",
	}))

	entry, err := st.GetUserBot(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://x.example/a", entry.Room)

	all, err := st.ScanUserBots(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	for key := range all {
		require.NoError(t, st.DeleteUserBotKey(ctx, key))
	}

	_, err = st.GetUserBot(ctx, "t1", "u1")
	assert.Equal(t, ErrNotFound, err)
}

func TestStateConfigDedup(t *testing.T) {
	ctx := context.Background()
	st := newTestState(t)
	room := "https://x.example/r1"

	cfg := map[string]interface{}{"volume": float64(3)}

	published, err := st.StoreConfig(ctx, room, cfg)
	require.NoError(t, err)
	assert.True(t, published)

	// Byte-identical payload must not publish again.
	published, err = st.StoreConfig(ctx, room, cfg)
	require.NoError(t, err)
	assert.False(t, published)

	// A changed payload publishes.
	cfg["volume"] = float64(4)
	published, err = st.StoreConfig(ctx, room, cfg)
	require.NoError(t, err)
	assert.True(t, published)

	pc, err := st.GetConfig(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, room, pc.RoomURL)
	assert.Equal(t, float64(4), pc.Config["volume"])
}

func TestStateLaunchQueue(t *testing.T) {
	ctx := context.Background()
	st := newTestState(t)

	require.NoError(t, st.EnqueueLaunch(ctx, &models.LaunchEnvelope{
		RoomURL:       "https://x.example/r1",
		PersonalityID: "pearl",
	}))

	env, err := st.DequeueLaunch(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pearl", env.PersonalityID)
	assert.False(t, env.EnqueuedAt.IsZero())

	_, err = st.DequeueLaunch(ctx, 20*time.Millisecond)
	assert.Equal(t, ErrNotFound, err)
}

func TestStateAdminQueue(t *testing.T) {
	ctx := context.Background()
	st := newTestState(t)
	room := "https://x.example/r1"

	sub, cancel, err := st.Raw().Subscribe(ctx, AdminChannel(room))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, st.AppendAdmin(ctx, room, &models.AdminInstruction{
		ID:     "a1",
		Prompt: "say hi",
		Mode:   models.AdminModeQueued,
	}))

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("admin publish not delivered")
	}

	queue, err := st.DrainAdmin(ctx, room)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "a1", queue[0].ID)

	// Drained queue is empty.
	queue, err = st.DrainAdmin(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestFallbackStoreLocalOnly(t *testing.T) {
	ctx := context.Background()
	fs := NewFallback(nil, nil, false)
	defer fs.Close()

	require.NoError(t, fs.Set(ctx, "k", []byte("v"), 0))
	val, err := fs.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestRedisStore(t *testing.T) {
	rs, err := NewRedisStore("localhost:6379", "", 15)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer rs.Close()

	ctx := context.Background()
	key := "nia:test:" + time.Now().Format("150405.000")
	require.NoError(t, rs.Set(ctx, key, []byte("v"), time.Minute))
	val, err := rs.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	require.NoError(t, rs.Delete(ctx, key))
}

package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/models"
)

func TestReconcileClearsStalePendingLock(t *testing.T) {
	state := testState(t)
	op := New(testConfig(), state, &fakeLauncher{}, nil)
	ctx := context.Background()
	room := "https://x.example/r1"

	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status:    models.LockStatusPending,
		Timestamp: time.Now().Add(-2 * time.Minute),
	}, time.Hour))

	op.Reconcile(ctx)

	_, err := state.GetLock(ctx, room)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestReconcileKeepsFreshPendingLock(t *testing.T) {
	state := testState(t)
	op := New(testConfig(), state, &fakeLauncher{}, nil)
	ctx := context.Background()
	room := "https://x.example/r1"

	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status:    models.LockStatusPending,
		Timestamp: time.Now(),
	}, time.Hour))

	op.Reconcile(ctx)

	_, err := state.GetLock(ctx, room)
	assert.NoError(t, err)
}

func TestReconcileReapsZombieAfterTwoStaleHits(t *testing.T) {
	state := testState(t)
	launcher := &fakeLauncher{existing: map[string]bool{"job-1": true}}
	op := New(testConfig(), state, launcher, nil)
	ctx := context.Background()
	room := "https://x.example/r1"

	// Old cold job, keepalive long gone, grace elapsed.
	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status:     models.LockStatusRunning,
		SessionID:  "s1",
		RunnerType: models.RunnerTypeCold,
		JobName:    "job-1",
		Timestamp:  time.Now().Add(-10 * time.Minute),
	}, time.Hour))
	require.NoError(t, state.SetUserBot(ctx, "t1", "u1", &models.UserBotEntry{
		SessionID: "s1", Room: room, Timestamp: time.Now(),
	}))

	op.Reconcile(ctx)
	_, err := state.GetLock(ctx, room)
	assert.NoError(t, err, "first stale hit is debounced")

	op.Reconcile(ctx)
	_, err = state.GetLock(ctx, room)
	assert.ErrorIs(t, err, statestore.ErrNotFound, "second stale hit reaps")
	assert.Equal(t, []string{"job-1"}, launcher.deleted)

	_, err = state.GetUserBot(ctx, "t1", "u1")
	assert.ErrorIs(t, err, statestore.ErrNotFound, "dangling user_bot scrubbed")
}

func TestReconcileSparesBootingColdJob(t *testing.T) {
	state := testState(t)
	op := New(testConfig(), state, &fakeLauncher{existing: map[string]bool{"job-1": true}}, nil)
	ctx := context.Background()
	room := "https://x.example/r1"

	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status:     models.LockStatusRunning,
		RunnerType: models.RunnerTypeCold,
		JobName:    "job-1",
		Timestamp:  time.Now(),
	}, time.Hour))

	op.Reconcile(ctx)
	op.Reconcile(ctx)

	_, err := state.GetLock(ctx, room)
	assert.NoError(t, err, "cold job within grace must not be reaped")
}

func TestReconcileClearsLockWhenJobVanished(t *testing.T) {
	state := testState(t)
	op := New(testConfig(), state, &fakeLauncher{}, nil)
	ctx := context.Background()
	room := "https://x.example/r1"

	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status:     models.LockStatusRunning,
		SessionID:  "s1",
		RunnerType: models.RunnerTypeCold,
		JobName:    "job-gone",
		Timestamp:  time.Now().Add(-5 * time.Minute),
	}, time.Hour))
	require.NoError(t, state.TouchKeepalive(ctx, room, "s1"))

	op.Reconcile(ctx)

	_, err := state.GetLock(ctx, room)
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestAutoRespawnReEnqueues(t *testing.T) {
	state := testState(t)
	op := New(testConfig(), state, &fakeLauncher{}, nil)
	op.AutoRespawn = true
	ctx := context.Background()
	room := "https://x.example/r1"

	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status:        models.LockStatusRunning,
		SessionID:     "s1",
		RunnerType:    models.RunnerTypeWarm,
		PersonalityID: "pearl",
		Timestamp:     time.Now().Add(-10 * time.Minute),
	}, time.Hour))

	op.Reconcile(ctx)
	op.Reconcile(ctx)

	env, err := state.DequeueLaunch(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, room, env.RoomURL)
	assert.Equal(t, "pearl", env.PersonalityID)
}

func TestRunConsumesQueue(t *testing.T) {
	state := testState(t)
	local := &fakeLocal{}
	op := New(testConfig(), state, nil, local)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, state.EnqueueLaunch(ctx, &models.LaunchEnvelope{
		RoomURL: "https://x.example/r1",
	}))

	go op.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		local.mu.Lock()
		n := len(local.sessions)
		local.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queued launch was not consumed")
}

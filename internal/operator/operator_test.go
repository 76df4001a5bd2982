package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/config"
	"github.com/niahq/nia/pkg/models"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	deleted  []string
	existing map[string]bool
	failNext bool
}

func (f *fakeLauncher) Launch(_ context.Context, env *models.LaunchEnvelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", context.DeadlineExceeded
	}
	name := "job-" + env.RoomURL
	f.launched = append(f.launched, name)
	if f.existing == nil {
		f.existing = make(map[string]bool)
	}
	f.existing[name] = true
	return name, nil
}

func (f *fakeLauncher) Delete(_ context.Context, jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, jobName)
	delete(f.existing, jobName)
	return nil
}

func (f *fakeLauncher) Exists(_ context.Context, jobName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[jobName], nil
}

type fakeLocal struct {
	mu       sync.Mutex
	sessions []string
}

func (f *fakeLocal) StartSession(_ context.Context, env *models.LaunchEnvelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, env.RoomURL)
	return "s-local", nil
}

func testState(t *testing.T) *statestore.State {
	t.Helper()
	local := statestore.NewLocalStore()
	t.Cleanup(func() { local.Close() })
	return statestore.NewState(local)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Operator.WarmConnectTimeout = 200 * time.Millisecond
	return cfg
}

func TestColdSpawnWritesLock(t *testing.T) {
	state := testState(t)
	launcher := &fakeLauncher{}
	op := New(testConfig(), state, launcher, nil)
	ctx := context.Background()

	require.NoError(t, op.Handle(ctx, &models.LaunchEnvelope{
		RoomURL: "https://x.example/r1", PersonalityID: "pearl", SessionID: "s1",
	}))

	lock, err := state.GetLock(ctx, "https://x.example/r1")
	require.NoError(t, err)
	assert.Equal(t, models.LockStatusRunning, lock.Status)
	assert.Equal(t, models.RunnerTypeCold, lock.RunnerType)
	assert.Equal(t, "job-https://x.example/r1", lock.JobName)
	assert.Equal(t, "s1", lock.SessionID)
}

func TestDirectModeStartsInProcess(t *testing.T) {
	state := testState(t)
	local := &fakeLocal{}
	op := New(testConfig(), state, nil, local)

	require.NoError(t, op.Handle(context.Background(), &models.LaunchEnvelope{
		RoomURL: "https://x.example/r1",
	}))
	assert.Equal(t, []string{"https://x.example/r1"}, local.sessions)
}

func TestDuplicateRejectedWhenKeepaliveFresh(t *testing.T) {
	state := testState(t)
	launcher := &fakeLauncher{}
	op := New(testConfig(), state, launcher, nil)
	ctx := context.Background()
	room := "https://x.example/r1"

	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status: models.LockStatusRunning, SessionID: "s1", Timestamp: time.Now(),
	}, time.Hour))
	require.NoError(t, state.TouchKeepalive(ctx, room, "s1"))

	require.NoError(t, op.Handle(ctx, &models.LaunchEnvelope{RoomURL: room}))
	assert.Empty(t, launcher.launched, "fresh session must not be duplicated")
}

func TestDuplicateRejectedWithinColdStartGrace(t *testing.T) {
	state := testState(t)
	launcher := &fakeLauncher{}
	op := New(testConfig(), state, launcher, nil)
	ctx := context.Background()
	room := "https://x.example/r1"

	// No keepalive yet, but the lock is recent: the worker is booting.
	require.NoError(t, state.SetLock(ctx, room, &models.RoomActiveLock{
		Status: models.LockStatusRunning, SessionID: "s1", Timestamp: time.Now(),
	}, time.Hour))

	require.NoError(t, op.Handle(ctx, &models.LaunchEnvelope{RoomURL: room}))
	assert.Empty(t, launcher.launched)
}

func TestWarmPoolPreferredOverColdSpawn(t *testing.T) {
	state := testState(t)
	launcher := &fakeLauncher{}
	op := New(testConfig(), state, launcher, nil)
	ctx := context.Background()

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/start", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"session_id": "s-warm"})
	}))
	defer worker.Close()
	require.NoError(t, state.PushStandby(ctx, worker.URL))

	require.NoError(t, op.Handle(ctx, &models.LaunchEnvelope{RoomURL: "https://x.example/r1"}))

	lock, err := state.GetLock(ctx, "https://x.example/r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunnerTypeWarm, lock.RunnerType)
	assert.Equal(t, worker.URL, lock.RunnerURL)
	assert.Equal(t, "s-warm", lock.SessionID)
	assert.Empty(t, launcher.launched)
}

func TestDeadWarmWorkerSkipped(t *testing.T) {
	state := testState(t)
	launcher := &fakeLauncher{}
	op := New(testConfig(), state, launcher, nil)
	ctx := context.Background()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_id": "s-warm"})
	}))
	defer live.Close()

	// A dead URL first; the operator must move on to the live one.
	require.NoError(t, state.PushStandby(ctx, "http://127.0.0.1:1"))
	require.NoError(t, state.PushStandby(ctx, live.URL))

	require.NoError(t, op.Handle(ctx, &models.LaunchEnvelope{RoomURL: "https://x.example/r1"}))

	lock, err := state.GetLock(ctx, "https://x.example/r1")
	require.NoError(t, err)
	assert.Equal(t, live.URL, lock.RunnerURL)
}

func TestEmptyPoolFallsThroughToCold(t *testing.T) {
	state := testState(t)
	launcher := &fakeLauncher{}
	op := New(testConfig(), state, launcher, nil)

	require.NoError(t, op.Handle(context.Background(), &models.LaunchEnvelope{
		RoomURL: "https://x.example/r1",
	}))
	assert.Len(t, launcher.launched, 1)
}

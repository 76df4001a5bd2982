package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niahq/nia/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	instrs []models.AdminInstruction
}

func (c *captureSink) EnqueueAdmin(_ context.Context, instr *models.AdminInstruction) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instrs = append(c.instrs, *instr)
	return "queued"
}

func (c *captureSink) all() []models.AdminInstruction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.AdminInstruction(nil), c.instrs...)
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

func TestNormalizeAdmin(t *testing.T) {
	instr, err := NormalizeAdmin([]byte(`{"id":"a1","message":"do the thing","mode":"immediate","sender":"ops"}`))
	require.NoError(t, err)
	assert.Equal(t, "a1", instr.ID)
	assert.Equal(t, "do the thing", instr.Prompt)
	assert.Equal(t, models.AdminModeImmediate, instr.Mode)
	assert.Equal(t, "ops", instr.Sender)
}

func TestNormalizeAdminDefaults(t *testing.T) {
	instr, err := NormalizeAdmin([]byte(`{"prompt":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", instr.Prompt)
	assert.Equal(t, models.AdminModeQueued, instr.Mode)
	assert.NotEmpty(t, instr.ID)

	_, err = NormalizeAdmin([]byte(`{"mode":"queued"}`))
	assert.Error(t, err, "empty prompt must be rejected")
}

func TestSweepProcessesAdminBacklogInOrder(t *testing.T) {
	dir := t.TempDir()
	pid := os.Getpid()
	for i := 3; i >= 1; i-- {
		require.NoError(t, WriteSpool(dir, SpoolAdminFilename(pid, fmt.Sprintf("00%d", i)),
			map[string]string{"message": fmt.Sprintf("msg-%d", i)}))
	}
	// A file for another process must be left alone.
	require.NoError(t, WriteSpool(dir, SpoolAdminFilename(pid+1, "001"),
		map[string]string{"message": "not mine"}))

	sink := &captureSink{}
	p := New("abc123def456", dir, nil, sink, nil)
	p.sweep()

	instrs := sink.all()
	require.Len(t, instrs, 3)
	assert.Equal(t, "msg-1", instrs[0].Prompt)
	assert.Equal(t, "msg-3", instrs[2].Prompt)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "foreign file should survive the sweep")
}

func TestSweepDeliversPreSpawnForRoomHash(t *testing.T) {
	dir := t.TempDir()
	hash := "abc123def456"
	require.NoError(t, WriteSpool(dir, SpoolPreSpawnFilename(hash, "001"),
		map[string]interface{}{"type": "note.open", "noteId": "n1"}))
	require.NoError(t, WriteSpool(dir, SpoolPreSpawnFilename("othersroom00", "001"),
		map[string]interface{}{"type": "note.open", "noteId": "n2"}))

	var mu sync.Mutex
	var payloads []map[string]interface{}
	p := New(hash, dir, nil, nil, func(payload map[string]interface{}) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	})
	p.sweep()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "n1", payloads[0]["noteId"])
}

func TestPollerPicksUpFilesWhileRunning(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}
	p := New("abc123def456", dir, nil, sink, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.NoError(t, WriteSpool(dir, SpoolAdminFilename(os.Getpid(), "live"),
		map[string]string{"message": "arrived late"}))

	waitFor(t, func() bool { return len(sink.all()) == 1 })
	assert.Equal(t, "arrived late", sink.all()[0].Prompt)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "processed file should be removed")
}

func TestPollerIgnoresMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SpoolAdminFilename(os.Getpid(), "bad"))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	sink := &captureSink{}
	p := New("abc123def456", dir, nil, sink, nil)
	p.sweep()
	assert.Empty(t, sink.all())
}

func TestStopIsIdempotentWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New("abc123def456", t.TempDir(), nil, &captureSink{}, nil)
	require.NoError(t, p.Start(ctx))
	cancel()
	p.Stop()
}

// Package operator consumes the launch queue and enforces at-most-one
// live bot per room. Jobs go to a warm standby worker when one is
// available, otherwise to a cold container job (or an in-process
// session in direct mode). A reconciler sweeps stale locks and zombie
// sessions.
package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/niahq/nia/internal/roomurl"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/pkg/config"
	"github.com/niahq/nia/pkg/models"
)

// LocalStarter runs a session in this process; the direct-mode
// replacement for a job launcher.
type LocalStarter interface {
	StartSession(ctx context.Context, env *models.LaunchEnvelope) (sessionID string, err error)
}

// Operator is the launch-queue consumer plus reconciler.
type Operator struct {
	cfg   *config.Config
	state *statestore.State
	jobs  JobLauncher  // cold spawns; nil in direct mode
	local LocalStarter // direct mode; nil in production

	warm *http.Client

	// AutoRespawn re-enqueues a reaped session's room.
	AutoRespawn bool

	// staleHits debounces zombie reaping: a session is reaped only
	// after two consecutive stale observations.
	staleHits map[string]int
}

// New builds an operator. Exactly one of jobs/local is normally set;
// with both nil every launch fails, which only makes sense in tests.
func New(cfg *config.Config, state *statestore.State, jobs JobLauncher, local LocalStarter) *Operator {
	dialer := &net.Dialer{Timeout: cfg.Operator.WarmConnectTimeout}
	return &Operator{
		cfg:   cfg,
		state: state,
		jobs:  jobs,
		local: local,
		warm: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		staleHits: make(map[string]int),
	}
}

// Run consumes the queue until ctx is cancelled. The reconciler runs
// alongside.
func (o *Operator) Run(ctx context.Context) {
	go o.reconcileLoop(ctx)

	log.Printf("operator: consuming launch queue")
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := o.state.DequeueLaunch(ctx, 2*time.Second)
		if err != nil {
			if err != statestore.ErrNotFound && ctx.Err() == nil {
				log.Printf("operator: dequeue: %v", err)
				time.Sleep(time.Second)
			}
			continue
		}
		if err := o.Handle(ctx, env); err != nil {
			log.Printf("operator: launch for %s: %v", env.RoomURL, err)
		}
	}
}

// Handle dispatches one launch envelope.
func (o *Operator) Handle(ctx context.Context, env *models.LaunchEnvelope) error {
	room, err := roomurl.Canonical(env.RoomURL, o.cfg.Server.LowercasePaths)
	if err != nil {
		return fmt.Errorf("operator: bad room url: %w", err)
	}

	if reason := o.duplicateReason(ctx, room); reason != "" {
		log.Printf("operator: rejecting launch for %s: %s", room, reason)
		return nil
	}

	if o.dispatchWarm(ctx, room, env) {
		return nil
	}
	return o.spawnCold(ctx, room, env)
}

// duplicateReason reports why a launch must be rejected, empty when it
// may proceed. The gateway already checked; this is the authoritative
// second look at dispatch time.
func (o *Operator) duplicateReason(ctx context.Context, room string) string {
	lock, err := o.state.GetLock(ctx, room)
	if err != nil {
		return ""
	}
	if lock.Status != models.LockStatusRunning {
		return ""
	}
	if o.state.KeepaliveFresh(ctx, room, o.cfg.Session.KeepaliveStale) {
		return "running with fresh keepalive"
	}
	if lock.Age(time.Now()) < o.cfg.Session.ColdStartGrace {
		return "running within cold-start grace"
	}
	if lock.RunnerType == models.RunnerTypeCold && o.jobs != nil {
		if exists, err := o.jobs.Exists(ctx, lock.JobName); err == nil && exists {
			return "cold job still live"
		}
	}
	return ""
}

// dispatchWarm tries standby workers until one accepts the session.
// Dead workers are skipped and dropped from the pool.
func (o *Operator) dispatchWarm(ctx context.Context, room string, env *models.LaunchEnvelope) bool {
	for {
		runnerURL, err := o.state.PopStandby(ctx, 50*time.Millisecond)
		if err != nil {
			return false
		}
		sessionID, err := o.startOnWorker(ctx, runnerURL, env)
		if err != nil {
			log.Printf("operator: warm worker %s rejected %s: %v", runnerURL, room, err)
			continue
		}

		lock := &models.RoomActiveLock{
			Status:        models.LockStatusRunning,
			SessionID:     sessionID,
			RunnerType:    models.RunnerTypeWarm,
			RunnerURL:     runnerURL,
			PersonalityID: env.PersonalityID,
			Persona:       env.Persona,
			Timestamp:     time.Now(),
		}
		if err := o.state.SetLock(ctx, room, lock, o.cfg.Session.LockTTL); err != nil {
			log.Printf("operator: warm lock for %s: %v", room, err)
		}
		log.Printf("operator: dispatched %s to warm worker %s (session %s)", room, runnerURL, sessionID)
		return true
	}
}

func (o *Operator) startOnWorker(ctx context.Context, runnerURL string, env *models.LaunchEnvelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runnerURL+"/start", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.warm.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var started struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return started.SessionID, nil
}

// spawnCold materializes a fresh worker: a container job in
// production, an in-process session in direct mode.
func (o *Operator) spawnCold(ctx context.Context, room string, env *models.LaunchEnvelope) error {
	if o.local != nil {
		sessionID, err := o.local.StartSession(ctx, env)
		if err != nil {
			return fmt.Errorf("operator: direct start for %s: %w", room, err)
		}
		log.Printf("operator: started %s in-process (session %s)", room, sessionID)
		return nil
	}
	if o.jobs == nil {
		return fmt.Errorf("operator: no launcher configured for %s", room)
	}

	jobName, err := o.jobs.Launch(ctx, env)
	if err != nil {
		return fmt.Errorf("operator: cold spawn for %s: %w", room, err)
	}
	lock := &models.RoomActiveLock{
		Status:        models.LockStatusRunning,
		SessionID:     env.SessionID,
		RunnerType:    models.RunnerTypeCold,
		JobName:       jobName,
		PersonalityID: env.PersonalityID,
		Persona:       env.Persona,
		Timestamp:     time.Now(),
	}
	if err := o.state.SetLock(ctx, room, lock, o.cfg.Session.LockTTL); err != nil {
		log.Printf("operator: cold lock for %s: %v", room, err)
	}
	log.Printf("operator: spawned cold job %s for %s", jobName, room)
	return nil
}

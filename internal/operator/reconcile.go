package operator

import (
	"context"
	"log"
	"time"

	"github.com/niahq/nia/pkg/models"
)

// staleHitsToReap is the debounce: one stale observation can be a
// keepalive write racing the sweep, two in a row is a zombie.
const staleHitsToReap = 2

func (o *Operator) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Operator.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Reconcile(ctx)
		}
	}
}

// Reconcile sweeps every room-active lock once, clearing stale pending
// locks, reaping zombie sessions, and scrubbing dangling user_bot
// entries.
func (o *Operator) Reconcile(ctx context.Context) {
	keys, err := o.state.ScanLocks(ctx)
	if err != nil {
		log.Printf("operator: reconcile scan: %v", err)
		return
	}

	live := make(map[string]bool, len(keys))
	for _, room := range keys {
		if o.reconcileRoom(ctx, room) {
			live[room] = true
		}
	}

	o.scrubUserBots(ctx, live)
}

// reconcileRoom inspects one lock; reports whether the room still has
// a live session.
func (o *Operator) reconcileRoom(ctx context.Context, room string) bool {
	lock, err := o.state.GetLock(ctx, room)
	if err != nil {
		return false
	}
	now := time.Now()

	if lock.Status == models.LockStatusPending {
		if lock.Age(now) > o.cfg.Session.PendingLockStale {
			log.Printf("operator: clearing stale pending lock for %s (age %s)", room, lock.Age(now))
			o.state.DeleteLock(ctx, room)
			return false
		}
		return true
	}

	fresh := o.state.KeepaliveFresh(ctx, room, o.cfg.Session.KeepaliveStale)
	if fresh {
		delete(o.staleHits, room)
		// A fresh keepalive with its cold job gone means the job API
		// lost the pod; the session will die shortly, clear eagerly.
		if lock.RunnerType == models.RunnerTypeCold && o.jobs != nil {
			if exists, err := o.jobs.Exists(ctx, lock.JobName); err == nil && !exists {
				log.Printf("operator: job %s for %s vanished, clearing lock", lock.JobName, room)
				o.clearRoom(ctx, room)
				return false
			}
		}
		return true
	}

	if lock.RunnerType == models.RunnerTypeCold && lock.Age(now) < o.cfg.Session.ColdStartGrace {
		// Still booting; keepalive is allowed to be absent.
		return true
	}

	o.staleHits[room]++
	if o.staleHits[room] < staleHitsToReap {
		return true
	}
	delete(o.staleHits, room)

	log.Printf("operator: reaping zombie session %s in %s (type=%s)", lock.SessionID, room, lock.RunnerType)
	if lock.RunnerType == models.RunnerTypeCold && o.jobs != nil && lock.JobName != "" {
		if err := o.jobs.Delete(ctx, lock.JobName); err != nil {
			log.Printf("operator: delete job %s: %v", lock.JobName, err)
		}
	}
	o.clearRoom(ctx, room)

	if o.AutoRespawn {
		env := &models.LaunchEnvelope{
			RoomURL:       room,
			PersonalityID: lock.PersonalityID,
			Persona:       lock.Persona,
		}
		if err := o.state.EnqueueLaunch(ctx, env); err != nil {
			log.Printf("operator: respawn enqueue for %s: %v", room, err)
		} else {
			log.Printf("operator: respawn queued for %s", room)
		}
	}
	return false
}

func (o *Operator) clearRoom(ctx context.Context, room string) {
	o.state.DeleteLock(ctx, room)
	o.state.DeleteKeepalive(ctx, room)
}

// scrubUserBots removes user_bot mappings pointing at rooms without a
// live lock.
func (o *Operator) scrubUserBots(ctx context.Context, live map[string]bool) {
	entries, err := o.state.ScanUserBots(ctx)
	if err != nil {
		log.Printf("operator: reconcile user_bot scan: %v", err)
		return
	}
	for key, entry := range entries {
		if live[entry.Room] {
			continue
		}
		log.Printf("operator: scrubbing dangling %s (room %s)", key, entry.Room)
		if err := o.state.DeleteUserBotKey(ctx, key); err != nil {
			log.Printf("operator: scrub %s: %v", key, err)
		}
	}
}

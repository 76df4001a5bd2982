package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/niahq/nia/pkg/models"
)

// TTLs for the shared-state key families.
const (
	LockTTL      = 24 * time.Hour
	UserBotTTL   = 24 * time.Hour
	ContentTTL   = 24 * time.Hour
	ConfigTTL    = 300 * time.Second
	AdminTTL     = time.Hour
	KeepaliveTTL = 2 * time.Minute
)

// State is the typed wrapper every component talks to. It owns the
// JSON encoding of the key families so raw bytes never leak upward.
type State struct {
	store Store
}

// NewState wraps a raw store.
func NewState(store Store) *State {
	return &State{store: store}
}

// Raw exposes the underlying store for pubsub and queue plumbing.
func (s *State) Raw() Store { return s.store }

func (s *State) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("statestore: corrupt value at %s: %w", key, err)
	}
	return nil
}

func (s *State) setJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", key, err)
	}
	return s.store.Set(ctx, key, data, ttl)
}

// --- room-active lock ---

// GetLock reads the room-active lock for a canonical room URL.
func (s *State) GetLock(ctx context.Context, room string) (*models.RoomActiveLock, error) {
	var lock models.RoomActiveLock
	if err := s.getJSON(ctx, RoomActiveKey(room), &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// SetLock writes the room-active lock.
func (s *State) SetLock(ctx context.Context, room string, lock *models.RoomActiveLock, ttl time.Duration) error {
	if lock.Timestamp.IsZero() {
		lock.Timestamp = time.Now()
	}
	return s.setJSON(ctx, RoomActiveKey(room), lock, ttl)
}

// DeleteLock clears the room-active lock.
func (s *State) DeleteLock(ctx context.Context, room string) error {
	return s.store.Delete(ctx, RoomActiveKey(room))
}

// ScanLocks lists all rooms that currently hold a lock. Returned keys
// have the prefix stripped, so they are canonical room URLs.
func (s *State) ScanLocks(ctx context.Context) ([]string, error) {
	keys, err := s.store.Scan(ctx, keyRoomActive)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(keys))
	for _, k := range keys {
		rooms = append(rooms, k[len(keyRoomActive):])
	}
	return rooms, nil
}

// --- keepalive ---

// TouchKeepalive refreshes a session's heartbeat for its room.
func (s *State) TouchKeepalive(ctx context.Context, room, sessionID string) error {
	return s.setJSON(ctx, KeepaliveKey(room), &models.Keepalive{
		SessionID: sessionID,
		Timestamp: time.Now(),
	}, KeepaliveTTL)
}

// GetKeepalive reads the heartbeat for a room.
func (s *State) GetKeepalive(ctx context.Context, room string) (*models.Keepalive, error) {
	var ka models.Keepalive
	if err := s.getJSON(ctx, KeepaliveKey(room), &ka); err != nil {
		return nil, err
	}
	return &ka, nil
}

// KeepaliveFresh reports whether a room's heartbeat exists and is
// within staleAfter.
func (s *State) KeepaliveFresh(ctx context.Context, room string, staleAfter time.Duration) bool {
	ka, err := s.GetKeepalive(ctx, room)
	if err != nil {
		return false
	}
	return ka.Fresh(time.Now(), staleAfter)
}

// DeleteKeepalive clears the heartbeat.
func (s *State) DeleteKeepalive(ctx context.Context, room string) error {
	return s.store.Delete(ctx, KeepaliveKey(room))
}

// --- user-bot mapping ---

// GetUserBot reads the user→bot mapping.
func (s *State) GetUserBot(ctx context.Context, tenant, userID string) (*models.UserBotEntry, error) {
	var entry models.UserBotEntry
	if err := s.getJSON(ctx, UserBotKey(tenant, userID), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// SetUserBot writes the user→bot mapping.
func (s *State) SetUserBot(ctx context.Context, tenant, userID string, entry *models.UserBotEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.setJSON(ctx, UserBotKey(tenant, userID), entry, UserBotTTL)
}

// DeleteUserBot clears the mapping.
func (s *State) DeleteUserBot(ctx context.Context, tenant, userID string) error {
	return s.store.Delete(ctx, UserBotKey(tenant, userID))
}

// ScanUserBots returns every user-bot key with its entry. The
// reconciler uses this to scrub mappings pointing at dead rooms.
func (s *State) ScanUserBots(ctx context.Context) (map[string]*models.UserBotEntry, error) {
	keys, err := s.store.Scan(ctx, keyUserBot)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.UserBotEntry, len(keys))
	for _, k := range keys {
		var entry models.UserBotEntry
		if err := s.getJSON(ctx, k, &entry); err != nil {
			continue
		}
		out[k] = &entry
	}
	return out, nil
}

// DeleteUserBotKey removes a mapping by its raw key (from ScanUserBots).
func (s *State) DeleteUserBotKey(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

// --- active note / applet / desktop mode ---

// GetActiveNote reads the room's open note, if any.
func (s *State) GetActiveNote(ctx context.Context, room string) (*models.ActiveContent, error) {
	var c models.ActiveContent
	if err := s.getJSON(ctx, "room:"+room+suffixActiveNote, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetActiveNote records the room's open note.
func (s *State) SetActiveNote(ctx context.Context, room string, c *models.ActiveContent) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	return s.setJSON(ctx, "room:"+room+suffixActiveNote, c, ContentTTL)
}

// ClearActiveNote removes the room's open note.
func (s *State) ClearActiveNote(ctx context.Context, room string) error {
	return s.store.Delete(ctx, "room:"+room+suffixActiveNote)
}

// GetActiveApplet reads the room's open applet, if any.
func (s *State) GetActiveApplet(ctx context.Context, room string) (*models.ActiveContent, error) {
	var c models.ActiveContent
	if err := s.getJSON(ctx, "room:"+room+suffixActiveApplet, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetActiveApplet records the room's open applet.
func (s *State) SetActiveApplet(ctx context.Context, room string, c *models.ActiveContent) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	return s.setJSON(ctx, "room:"+room+suffixActiveApplet, c, ContentTTL)
}

// ClearActiveApplet removes the room's open applet.
func (s *State) ClearActiveApplet(ctx context.Context, room string) error {
	return s.store.Delete(ctx, "room:"+room+suffixActiveApplet)
}

// SetDesktopMode records the room's desktop mode string.
func (s *State) SetDesktopMode(ctx context.Context, room, mode string) error {
	return s.store.Set(ctx, "room:"+room+suffixDesktopMode, []byte(mode), ContentTTL)
}

// GetDesktopMode reads the room's desktop mode.
func (s *State) GetDesktopMode(ctx context.Context, room string) (string, error) {
	data, err := s.store.Get(ctx, "room:"+room+suffixDesktopMode)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- room tenant ---

// SetRoomTenant caches the tenant that owns a room.
func (s *State) SetRoomTenant(ctx context.Context, room, tenant string) error {
	return s.store.Set(ctx, keyRoomTenant+room, []byte(tenant), LockTTL)
}

// GetRoomTenant reads the cached room tenant.
func (s *State) GetRoomTenant(ctx context.Context, room string) (string, error) {
	data, err := s.store.Get(ctx, keyRoomTenant+room)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- pending config ---

// StoreConfig persists a per-room config payload, deduplicating by the
// SHA-256 of its canonical JSON. Returns true when the payload is new
// and was published on the room's config channel.
func (s *State) StoreConfig(ctx context.Context, room string, cfg map[string]interface{}) (bool, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("statestore: marshal config: %w", err)
	}
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	if prev, err := s.store.Get(ctx, keyConfigHash+room); err == nil && string(prev) == hash {
		return false, nil
	}

	pc := &models.PendingConfig{
		RoomURL:   room,
		Config:    cfg,
		Hash:      hash,
		Timestamp: time.Now(),
	}
	if err := s.setJSON(ctx, keyConfigLatest+room, pc, ConfigTTL); err != nil {
		return false, err
	}
	if err := s.store.Set(ctx, keyConfigHash+room, []byte(hash), ConfigTTL); err != nil {
		return false, err
	}

	data, _ := json.Marshal(pc)
	if err := s.store.Publish(ctx, ConfigChannel(room), data); err != nil {
		return true, err
	}
	return true, nil
}

// GetConfig reads the latest pending config for a room.
func (s *State) GetConfig(ctx context.Context, room string) (*models.PendingConfig, error) {
	var pc models.PendingConfig
	if err := s.getJSON(ctx, keyConfigLatest+room, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

// ClearConfig removes the stored config and its dedup hash.
func (s *State) ClearConfig(ctx context.Context, room string) error {
	_ = s.store.Delete(ctx, keyConfigLatest+room)
	return s.store.Delete(ctx, keyConfigHash+room)
}

// --- launch queue / standby pool ---

// EnqueueLaunch appends a job envelope to the launch queue.
func (s *State) EnqueueLaunch(ctx context.Context, env *models.LaunchEnvelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("statestore: marshal launch envelope: %w", err)
	}
	return s.store.Push(ctx, ListLaunchQueue, data)
}

// DequeueLaunch blocks for the next job envelope.
func (s *State) DequeueLaunch(ctx context.Context, timeout time.Duration) (*models.LaunchEnvelope, error) {
	data, err := s.store.Pop(ctx, ListLaunchQueue, timeout)
	if err != nil {
		return nil, err
	}
	var env models.LaunchEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("statestore: corrupt launch envelope: %w", err)
	}
	return &env, nil
}

// PushStandby registers a warm runner URL on the standby pool.
func (s *State) PushStandby(ctx context.Context, runnerURL string) error {
	return s.store.Push(ctx, ListStandbyPool, []byte(runnerURL))
}

// PopStandby claims a warm runner URL, or ErrNotFound when the pool is
// empty within the timeout.
func (s *State) PopStandby(ctx context.Context, timeout time.Duration) (string, error) {
	data, err := s.store.Pop(ctx, ListStandbyPool, timeout)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- admin queue ---

// AppendAdmin persists an instruction on the room's admin queue and
// publishes it on the room's admin channel.
func (s *State) AppendAdmin(ctx context.Context, room string, instr *models.AdminInstruction) error {
	var queue []*models.AdminInstruction
	_ = s.getJSON(ctx, keyAdminQueue+room, &queue)
	queue = append(queue, instr)
	if err := s.setJSON(ctx, keyAdminQueue+room, queue, AdminTTL); err != nil {
		return err
	}

	data, _ := json.Marshal(instr)
	return s.store.Publish(ctx, AdminChannel(room), data)
}

// DrainAdmin reads and clears the room's persisted admin queue.
func (s *State) DrainAdmin(ctx context.Context, room string) ([]*models.AdminInstruction, error) {
	var queue []*models.AdminInstruction
	err := s.getJSON(ctx, keyAdminQueue+room, &queue)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = s.store.Delete(ctx, keyAdminQueue+room)
	return queue, nil
}

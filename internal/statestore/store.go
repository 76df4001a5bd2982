// Package statestore provides the typed key/value surface every nia
// component shares: room locks, keepalives, user-bot mappings, the
// launch queue, the standby pool, and per-room pubsub channels. The
// Redis backend is authoritative in deployments; a process-local store
// keeps development working with no backend at all.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or a blocking pop times
// out with nothing to deliver.
var ErrNotFound = errors.New("statestore: not found")

// ErrUnavailable is returned when the backend cannot be reached and no
// fallback applies.
var ErrUnavailable = errors.New("statestore: backend unavailable")

// Store is the raw backend contract. Values are opaque bytes; the
// typed wrappers in keys.go own the JSON encoding.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes key with a TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan returns all keys with the given prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Push appends to the tail of a list.
	Push(ctx context.Context, list string, value []byte) error
	// Pop removes from the head of a list, blocking up to timeout.
	// Returns ErrNotFound when the timeout elapses empty.
	Pop(ctx context.Context, list string, timeout time.Duration) ([]byte, error)

	// Publish fans a payload out to current channel subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers channel payloads until the returned cancel
	// func runs or ctx ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Close() error
}

// Shared-state key families. Everything room-scoped keys on the
// canonical room URL.
const (
	keyRoomActive    = "room_active:"
	keyRoomKeepalive = "room_keepalive:"
	keyUserBot       = "user_bot:"
	keyConfigLatest  = "bot:config:latest:"
	keyConfigHash    = "bot:config:hash:"
	keyAdminQueue    = "admin:queue:"
	keyRoomTenant    = "room_tenant:"

	// Per-room suffixed keys.
	suffixActiveNote   = ":active_note"
	suffixActiveApplet = ":active_applet"
	suffixDesktopMode  = ":desktop_mode"

	// Lists.
	ListLaunchQueue = "bot:launch:queue"
	ListStandbyPool = "bot:standby:pool"

	// Channels.
	chanConfigRoom = "bot:config:room:"
	chanAdminBot   = "admin:bot:"
)

// RoomActiveKey returns the lock key for a canonical room URL.
func RoomActiveKey(room string) string { return keyRoomActive + room }

// KeepaliveKey returns the heartbeat key for a canonical room URL.
func KeepaliveKey(room string) string { return keyRoomKeepalive + room }

// UserBotKey returns the user→bot mapping key.
func UserBotKey(tenant, userID string) string { return keyUserBot + tenant + ":" + userID }

// ConfigChannel returns the per-room config pubsub channel.
func ConfigChannel(room string) string { return chanConfigRoom + room }

// AdminChannel returns the per-room admin pubsub channel.
func AdminChannel(room string) string { return chanAdminBot + room }

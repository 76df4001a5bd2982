package statestore

import (
	"context"
	"log"
	"time"
)

// FallbackStore tries the primary backend first and degrades to the
// local store when it errors. Reads served locally keep the gateway
// answering while Redis is down; writes land in both so the local view
// stays coherent for this process.
type FallbackStore struct {
	primary Store
	local   *LocalStore
	debug   bool
}

// NewFallback wraps primary with a local shadow. primary may be nil,
// in which case everything runs locally (direct/dev mode).
func NewFallback(primary Store, local *LocalStore, debug bool) *FallbackStore {
	if local == nil {
		local = NewLocalStore()
	}
	return &FallbackStore{primary: primary, local: local, debug: debug}
}

func (s *FallbackStore) fellBack(op, key string, err error) {
	if s.debug {
		log.Printf("statestore: %s %s falling back to local: %v", op, key, err)
	}
}

// Get reads from the primary, then the local shadow.
func (s *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.primary != nil {
		val, err := s.primary.Get(ctx, key)
		if err == nil || err == ErrNotFound {
			return val, err
		}
		s.fellBack("get", key, err)
	}
	return s.local.Get(ctx, key)
}

// Set writes to the primary when reachable, and always to the shadow.
func (s *FallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if s.primary != nil {
		if err := s.primary.Set(ctx, key, value, ttl); err != nil {
			s.fellBack("set", key, err)
		}
	}
	return nil
}

// Delete removes from both stores.
func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	_ = s.local.Delete(ctx, key)
	if s.primary != nil {
		if err := s.primary.Delete(ctx, key); err != nil {
			s.fellBack("del", key, err)
		}
	}
	return nil
}

// Scan prefers the primary's view.
func (s *FallbackStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	if s.primary != nil {
		keys, err := s.primary.Scan(ctx, prefix)
		if err == nil {
			return keys, nil
		}
		s.fellBack("scan", prefix, err)
	}
	return s.local.Scan(ctx, prefix)
}

// Push appends to the primary list, or the local one when unreachable.
func (s *FallbackStore) Push(ctx context.Context, list string, value []byte) error {
	if s.primary != nil {
		if err := s.primary.Push(ctx, list, value); err == nil {
			return nil
		} else {
			s.fellBack("push", list, err)
		}
	}
	return s.local.Push(ctx, list, value)
}

// Pop blocks on the primary list, or the local one when unreachable.
func (s *FallbackStore) Pop(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	if s.primary != nil {
		val, err := s.primary.Pop(ctx, list, timeout)
		if err == nil || err == ErrNotFound || ctx.Err() != nil {
			return val, err
		}
		s.fellBack("pop", list, err)
	}
	return s.local.Pop(ctx, list, timeout)
}

// Publish sends over the primary and mirrors locally so in-process
// subscribers hear it either way.
func (s *FallbackStore) Publish(ctx context.Context, channel string, payload []byte) error {
	_ = s.local.Publish(ctx, channel, payload)
	if s.primary != nil {
		if err := s.primary.Publish(ctx, channel, payload); err != nil {
			s.fellBack("publish", channel, err)
		}
	}
	return nil
}

// Subscribe prefers the primary backend; local otherwise.
func (s *FallbackStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	if s.primary != nil {
		ch, cancel, err := s.primary.Subscribe(ctx, channel)
		if err == nil {
			return ch, cancel, nil
		}
		s.fellBack("subscribe", channel, err)
	}
	return s.local.Subscribe(ctx, channel)
}

// Close closes both stores.
func (s *FallbackStore) Close() error {
	_ = s.local.Close()
	if s.primary != nil {
		return s.primary.Close()
	}
	return nil
}

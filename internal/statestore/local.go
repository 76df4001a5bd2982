package statestore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LocalStore is the in-process fallback backend: mutex-guarded maps
// with TTL sweeping, channel-backed lists, and in-memory pubsub. It
// keeps single-process development working with no Redis, and absorbs
// reads when the backend drops out.
type LocalStore struct {
	mu     sync.RWMutex
	values map[string]localEntry

	listMu sync.Mutex
	lists  map[string]chan []byte

	subMu  sync.RWMutex
	subs   map[string]map[int]chan []byte
	nextID int

	stop chan struct{}
	once sync.Once
}

type localEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLocalStore creates a local store and starts its TTL sweeper.
func NewLocalStore() *LocalStore {
	s := &LocalStore{
		values: make(map[string]localEntry),
		lists:  make(map[string]chan []byte),
		subs:   make(map[string]map[int]chan []byte),
		stop:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *LocalStore) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.values {
				if e.expired(now) {
					delete(s.values, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Get returns the value at key.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.values[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set writes key with a TTL.
func (s *LocalStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := localEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.values[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

// Scan returns all live keys matching prefix.
func (s *LocalStore) Scan(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.values {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *LocalStore) list(name string) chan []byte {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	l, ok := s.lists[name]
	if !ok {
		l = make(chan []byte, 1024)
		s.lists[name] = l
	}
	return l
}

// Push appends to the tail of a list.
func (s *LocalStore) Push(ctx context.Context, name string, value []byte) error {
	v := append([]byte(nil), value...)
	select {
	case s.list(name) <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes from the head of a list, blocking up to timeout.
func (s *LocalStore) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-s.list(name):
		return v, nil
	case <-timer.C:
		return nil, ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish fans out to in-process subscribers.
func (s *LocalStore) Publish(_ context.Context, channel string, payload []byte) error {
	v := append([]byte(nil), payload...)
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- v:
		default:
			// Slow consumer; drop.
		}
	}
	return nil
}

// Subscribe delivers channel payloads until cancelled.
func (s *LocalStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]chan []byte)
	}
	s.subs[channel][id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs[channel], id)
			s.subMu.Unlock()
			close(ch)
		})
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return ch, cancel, nil
}

// Close stops the sweeper.
func (s *LocalStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

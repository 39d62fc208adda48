package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemStore is an in-process Store with the same TTL and set-if-absent
// semantics as the Redis backend. It exists for deterministic tests; it is
// not shared across processes.
type MemStore struct {
	mtx  sync.Mutex
	data map[string]memEntry
	now  func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]memEntry),
		now:  time.Now,
	}
}

// SetNow overrides the clock, letting TTL tests advance time without
// sleeping.
func (s *MemStore) SetNow(now func() time.Time) {
	s.mtx.Lock()
	s.now = now
	s.mtx.Unlock()
}

func (s *MemStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	if e, ok := s.data[key]; ok && !e.expired(now) {
		return false, nil
	}
	s.data[key] = memEntry{value: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

func (s *MemStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.data[key] = memEntry{value: value, expiresAt: expiry(s.now(), ttl)}
	return nil
}

func (s *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		delete(s.data, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.data[key]
	now := s.now()
	if !ok || e.expired(now) || e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}

func (s *MemStore) Del(ctx context.Context, keys ...string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *MemStore) Scan(ctx context.Context, prefix string) (map[string]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()
	out := make(map[string]string)
	for key, e := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e.expired(now) {
			delete(s.data, key)
			continue
		}
		out[key] = e.value
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

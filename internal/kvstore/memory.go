package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trinity/pkg/utils"
)

// MemoryStore is the local-map fallback mode: it keeps the process
// operational during a Redis outage but loses every crash-recovery
// guarantee, since its state dies with the process. NewMemoryStore
// logs a WARNING on construction and every caller that falls back to
// it should log one too, naming what triggered the fallback.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func NewMemoryStore(log *utils.Logger) *MemoryStore {
	if log != nil {
		log.Warn("kvstore operating in in-memory fallback mode: crash-recovery guarantees are lost until Redis is restored")
	}
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (s *MemoryStore) expired(e memEntry, now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[key] = memEntry{value: cp, expires: expires}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || s.expired(e, time.Now()) {
		if ok {
			delete(s.entries, key)
		}
		return nil, keyNotFoundError(key)
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.expired(e, time.Now()) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if e, ok := s.entries[key]; ok && !s.expired(e, now) {
		return "", false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	token := uuid.NewString()
	s.entries[key] = memEntry{value: []byte(token), expires: expires}
	return token, true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && string(e.value) != token {
		return nil
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) ScanPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var keys []string
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }

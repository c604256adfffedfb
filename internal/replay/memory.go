package replay

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/omegawire/internal/runtime/clock"
)

type memoryEntry struct {
	entry     Entry
	expiresMs int64
}

// MemoryStore keeps replay keys in process. Results are held as the values
// the handler returned.
type MemoryStore struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an empty store. A nil clock uses the system clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System
	}
	return &MemoryStore{clock: c, entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Record(_ context.Context, key string, ttl time.Duration) (*Entry, error) {
	now := s.clock.NowMs()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.expired(now) {
		existing := e.entry
		return &existing, nil
	}
	s.entries[key] = &memoryEntry{
		entry:     Entry{Key: key, FirstSeenMs: now},
		expiresMs: expiry(now, ttl),
	}
	return nil, nil
}

func (s *MemoryStore) SaveResult(_ context.Context, key string, value any, ttl time.Duration) error {
	now := s.clock.NowMs()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = &memoryEntry{entry: Entry{Key: key, FirstSeenMs: now}}
		s.entries[key] = e
	}
	e.entry.HasResult = true
	e.entry.Result = value
	e.expiresMs = expiry(now, ttl)
	return nil
}

// Len counts keys that have not expired.
func (s *MemoryStore) Len() int {
	now := s.clock.NowMs()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Prune drops expired keys and returns how many were removed.
func (s *MemoryStore) Prune() int {
	now := s.clock.NowMs()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Clear forgets every key.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*memoryEntry)
	s.mu.Unlock()
}

func (e *memoryEntry) expired(nowMs int64) bool {
	return e.expiresMs > 0 && nowMs >= e.expiresMs
}

func expiry(nowMs int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return nowMs + ttl.Milliseconds()
}

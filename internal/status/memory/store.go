// Package memory provides an in-memory TTL status store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/htbase/archivist/internal/archive"
)

// Store is a TTL-bounded key-value map of lifecycle state. It is a
// read-optimized cache for polling clients, not the system of record; an
// expired entry reads as ErrNotFound, never as a stale status.
type Store struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   archive.Clock
	entries map[string]entry
}

type entry struct {
	rec     archive.StatusRecord
	expires time.Time
}

// New constructs a Store. A zero ttl disables expiry.
func New(ttl time.Duration, clock archive.Clock) *Store {
	return &Store{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Set stores rec under key and refreshes its expiry window.
func (s *Store) Set(_ context.Context, key string, rec archive.StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{rec: rec}
	if s.ttl > 0 {
		e.expires = s.clock.Now().Add(s.ttl)
	}
	s.entries[key] = e
	return nil
}

// Get returns the record for key, or ErrNotFound if missing or expired.
func (s *Store) Get(_ context.Context, key string) (archive.StatusRecord, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.expired(e) {
		return archive.StatusRecord{}, archive.ErrNotFound
	}
	return e.rec, nil
}

// Snapshot reads all keys under a single lock so the fan-in computation
// never observes an interleaved write. Missing and expired keys are simply
// absent from the result.
func (s *Store) Snapshot(_ context.Context, keys []string) (map[string]archive.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]archive.StatusRecord, len(keys))
	for _, key := range keys {
		e, ok := s.entries[key]
		if !ok || s.expired(e) {
			continue
		}
		out[key] = e.rec
	}
	return out, nil
}

// Delete removes the record for key. Deleting a missing key is a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Purge drops expired entries and returns how many were removed. The server
// runs this on a ticker; reads also skip expired entries, so Purge is purely
// a memory bound.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *Store) expired(e entry) bool {
	return !e.expires.IsZero() && !s.clock.Now().Before(e.expires)
}

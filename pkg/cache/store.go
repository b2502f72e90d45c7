package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is one cached payload with its lifecycle timestamps.
type Entry struct {
	Key       string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	Size      int
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store is the persistence boundary for cache entries. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, or nil if absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores or replaces the entry for its key.
	Put(ctx context.Context, entry *Entry) error

	// Delete removes the entry for key. Removing an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// DeleteExpired removes every entry past expiry at the given time
	// and returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-process Store backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Get returns the entry for key, or nil if absent.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	// Copy so callers never observe later mutation of the payload.
	dup := *entry
	dup.Payload = append([]byte(nil), entry.Payload...)
	return &dup, nil
}

// Put stores or replaces the entry for its key.
func (s *MemoryStore) Put(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *entry
	dup.Payload = append([]byte(nil), entry.Payload...)
	s.entries[entry.Key] = &dup
	return nil
}

// Delete removes the entry for key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// DeleteExpired removes all entries past expiry.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

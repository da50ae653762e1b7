package store

import (
	"context"
	"sync"
	"time"
)

type memoryLock struct {
	token   string
	expires time.Time
}

// MemoryStore is a thread-safe, in-process implementation of Store with the
// same semantics as RedisStore, including lock expiry and the pruning of
// empty tag records. It is intended for local use and tests; being
// process-local it naturally cannot share state with other processes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
	tags    map[string]map[string]struct{}
	locks   map[string]memoryLock
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]byte),
		tags:    make(map[string]map[string]struct{}),
		locks:   make(map[string]memoryLock),
	}
}

// GetEntry returns the serialized entry stored under key.
func (s *MemoryStore) GetEntry(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// SetEntry writes the serialized entry for key.
func (s *MemoryStore) SetEntry(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.entries[key] = stored
	return nil
}

// DeleteEntry removes the entry for key.
func (s *MemoryStore) DeleteEntry(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// AddTagMember adds key to the tag's member set, creating the record if absent.
func (s *MemoryStore) AddTagMember(_ context.Context, tag, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.tags[tag]
	if !ok {
		members = make(map[string]struct{})
		s.tags[tag] = members
	}
	members[key] = struct{}{}
	return nil
}

// RemoveTagMember removes key from the tag's member set and prunes the record
// once the set is empty.
func (s *MemoryStore) RemoveTagMember(_ context.Context, tag, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.tags[tag]
	if !ok {
		return nil
	}
	delete(members, key)
	if len(members) == 0 {
		delete(s.tags, tag)
	}
	return nil
}

// TagMembers returns the keys recorded under tag.
func (s *MemoryStore) TagMembers(_ context.Context, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]string, 0, len(s.tags[tag]))
	for key := range s.tags[tag] {
		members = append(members, key)
	}
	return members, nil
}

// DeleteTag removes the tag record outright.
func (s *MemoryStore) DeleteTag(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, tag)
	return nil
}

// EntryKeys lists the keys of all stored entries.
func (s *MemoryStore) EntryKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

// TagNames lists all tags that currently have a record.
func (s *MemoryStore) TagNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tags))
	for tag := range s.tags {
		names = append(names, tag)
	}
	return names, nil
}

// Count returns the number of live entries plus live tag records.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries) + len(s.tags)), nil
}

// AcquireLock attempts, without blocking, to take the lock for key. A lock
// whose TTL has lapsed counts as free, matching the Redis behaviour.
func (s *MemoryStore) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if held, ok := s.locks[key]; ok && now.Before(held.expires) {
		return false, nil
	}
	s.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLock releases the lock for key if token still holds it.
func (s *MemoryStore) ReleaseLock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.locks[key]; ok && held.token == token {
		delete(s.locks, key)
	}
	return nil
}

// Close is a no-op; a MemoryStore holds no external resources.
func (s *MemoryStore) Close() error { return nil }

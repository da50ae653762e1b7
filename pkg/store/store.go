// Package store defines the boundary to the shared backing store that holds
// cache entries, tag records and per-key locks. Implementations must keep
// their semantics identical so the cache engine behaves the same against
// Redis and against the in-memory twin used in tests.
package store

import (
	"context"
	"io"
	"time"
)

// Store is the adapter contract for the shared backing store.
//
// Entries and tag records occupy distinct, countable slots. A tag record is a
// set of entry keys; implementations prune the record as soon as its member
// set becomes empty, so an empty tag record is never observable.
type Store interface {
	// GetEntry returns the serialized entry stored under key, or ErrNotFound.
	GetEntry(ctx context.Context, key string) ([]byte, error)
	// SetEntry writes the serialized entry for key, overwriting any previous value.
	SetEntry(ctx context.Context, key string, data []byte) error
	// DeleteEntry removes the entry for key. Deleting an absent key is not an error.
	DeleteEntry(ctx context.Context, key string) error

	// AddTagMember atomically adds key to the tag's member set, creating the
	// tag record if it does not exist.
	AddTagMember(ctx context.Context, tag, key string) error
	// RemoveTagMember atomically removes key from the tag's member set.
	// Removing an absent member is not an error.
	RemoveTagMember(ctx context.Context, tag, key string) error
	// TagMembers returns the keys currently recorded under tag. An unknown
	// tag yields an empty slice, not an error.
	TagMembers(ctx context.Context, tag string) ([]string, error)
	// DeleteTag removes the tag record outright, members and all.
	DeleteTag(ctx context.Context, tag string) error

	// EntryKeys lists the keys of all stored entries.
	EntryKeys(ctx context.Context) ([]string, error)
	// TagNames lists all tags that currently have a record.
	TagNames(ctx context.Context) ([]string, error)
	// Count returns the number of tracked records: live entries plus live tag records.
	Count(ctx context.Context) (int64, error)

	// AcquireLock attempts, without blocking, to take the exclusive lock for
	// key on behalf of token. It reports whether the lock was granted. The
	// lock expires on its own after ttl so a crashed holder cannot pin the key.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseLock releases the lock for key if and only if it is still held
	// by token. Releasing a lock that is absent or held by another token is a no-op.
	ReleaseLock(ctx context.Context, key, token string) error

	io.Closer
}

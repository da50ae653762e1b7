package tagcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/illmade-knight/go-tagcache/pkg/store"
)

// Argument errors are the only errors cache operations return to the caller.
// They are raised synchronously, before any store access is attempted, and
// are never routed through the failure channel.
var (
	// ErrEmptyKey reports an empty key on any keyed operation.
	ErrEmptyKey = errors.New("tagcache: key must not be empty")
	// ErrNilDependentTags reports a nil dependentTags collection on PutItem.
	// An empty, non-nil slice is valid and declares no dependencies.
	ErrNilDependentTags = errors.New("tagcache: dependentTags must not be nil")
	// ErrNilTags reports a nil tags collection on InvalidateSets.
	ErrNilTags = errors.New("tagcache: tags must not be nil")
)

// NeverExpires is the absolute-expiration value for entries without a ceiling.
var NeverExpires = time.Time{}

// NoSlidingExpiration disables the sliding rule for an entry.
const NoSlidingExpiration time.Duration = 0

// Options tunes a Cache. The zero value of any field falls back to its default.
type Options struct {
	// LockWaitTimeout bounds how long an operation waits for a key's
	// distributed lock before giving up with a lock-timeout failure.
	LockWaitTimeout time.Duration
	// LockRetryInterval is the pause between lock acquisition attempts.
	LockRetryInterval time.Duration
	// LockTTL is how long a granted lock survives if its holder never
	// releases it, e.g. because the process died mid-operation.
	LockTTL time.Duration
	// FanOutParallelism caps how many per-key deletions InvalidateSets runs
	// at once.
	FanOutParallelism int
	// Clock supplies the current time; tests substitute a fake.
	Clock func() time.Time
}

const (
	defaultLockWaitTimeout   = 5 * time.Second
	defaultLockRetryInterval = 50 * time.Millisecond
	defaultLockTTL           = 30 * time.Second
	defaultFanOutParallelism = 8
)

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.LockWaitTimeout <= 0 {
		out.LockWaitTimeout = defaultLockWaitTimeout
	}
	if out.LockRetryInterval <= 0 {
		out.LockRetryInterval = defaultLockRetryInterval
	}
	if out.LockTTL <= 0 {
		out.LockTTL = defaultLockTTL
	}
	if out.FanOutParallelism <= 0 {
		out.FanOutParallelism = defaultFanOutParallelism
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// Cache is the write-through caching engine. It is generic over the cached
// value type, which is marshalled to JSON for storage.
//
// Store and lock failures never surface as errors from cache operations: the
// operation returns its benign result (not-found, no-op, zero) and the
// failure is published to every OnFailure subscriber. The only errors callers
// see are argument errors.
type Cache[V any] struct {
	store    store.Store
	locks    *LockManager
	logger   zerolog.Logger
	notifier failureNotifier
	now      func() time.Time
	fanOut   int
}

// New creates a Cache over an already-constructed store. opts may be nil for
// defaults.
func New[V any](s store.Store, logger zerolog.Logger, opts *Options) *Cache[V] {
	o := opts.withDefaults()
	return &Cache[V]{
		store:  s,
		locks:  NewLockManager(s, o.LockWaitTimeout, o.LockRetryInterval, o.LockTTL),
		logger: logger.With().Str("component", "TagCache").Logger(),
		now:    o.Clock,
		fanOut: o.FanOutParallelism,
	}
}

// NewRedis creates a Cache backed by Redis. The connection string is opaque
// to the cache and handed to the store adapter for parsing; see
// store.NewRedisStore for its form. Construction fails if the server cannot
// be reached, so a misconfigured address is caught at startup rather than
// degrading every later call.
func NewRedis[V any](ctx context.Context, connection string, logger zerolog.Logger, opts *Options) (*Cache[V], error) {
	s, err := store.NewRedisStore(ctx, connection, logger)
	if err != nil {
		return nil, err
	}
	return New[V](s, logger, opts), nil
}

// OnFailure subscribes fn to internally-absorbed failures. Subscribers are
// invoked synchronously inside the failing call, once per failure, and must
// not block.
func (c *Cache[V]) OnFailure(fn func(Failure)) {
	c.notifier.subscribe(fn)
}

// LockWaitTimeout returns the configured per-key lock wait window.
func (c *Cache[V]) LockWaitTimeout() time.Duration {
	return c.locks.WaitTimeout()
}

// Close releases the underlying store's resources.
func (c *Cache[V]) Close() error {
	return c.store.Close()
}

// PutItem writes value under key and records key against every dependent tag.
// A nil dependentTags slice is an argument error; an empty one declares no
// dependencies. absoluteExpiration of NeverExpires and slidingExpiration of
// NoSlidingExpiration disable the respective rules. All writes for one put
// run under the key's lock.
func (c *Cache[V]) PutItem(
	ctx context.Context,
	key string,
	value V,
	dependentTags []string,
	slidingExpiration time.Duration,
	absoluteExpiration time.Time,
) error {
	if key == "" {
		return ErrEmptyKey
	}
	if dependentTags == nil {
		return ErrNilDependentTags
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("tagcache: failed to marshal value for key %q: %w", key, err)
	}

	entry := &Entry{
		Key:                key,
		Payload:            payload,
		AbsoluteExpiration: absoluteExpiration,
		SlidingExpiration:  slidingExpiration,
		LastAccess:         c.now(),
		DependentTags:      dedupe(dependentTags),
	}
	data, err := entry.marshal()
	if err != nil {
		return fmt.Errorf("tagcache: failed to marshal entry for key %q: %w", key, err)
	}

	token, err := c.locks.Acquire(ctx, key)
	if err != nil {
		c.report(fmt.Sprintf("put %q", key), err)
		return nil
	}
	defer c.locks.Release(ctx, key, token)

	if err := c.store.SetEntry(ctx, key, data); err != nil {
		c.report(fmt.Sprintf("put %q", key), err)
		return nil
	}
	for _, tag := range entry.DependentTags {
		if err := c.store.AddTagMember(ctx, tag, key); err != nil {
			c.report(fmt.Sprintf("put %q: tag %q", key, tag), err)
			return nil
		}
	}
	return nil
}

// GetItem retrieves the value under key. A miss — key never put, expired, or
// unreachable store — yields found=false and the zero value. Reading an
// expired entry deletes it and its tag memberships as a side effect; reading
// a live one refreshes its stored last-access time, which is what keeps a
// sliding-expiration entry alive.
func (c *Cache[V]) GetItem(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if key == "" {
		return zero, false, ErrEmptyKey
	}

	token, err := c.locks.Acquire(ctx, key)
	if err != nil {
		c.report(fmt.Sprintf("get %q", key), err)
		return zero, false, nil
	}
	defer c.locks.Release(ctx, key, token)

	data, err := c.store.GetEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		c.report(fmt.Sprintf("get %q", key), err)
		return zero, false, nil
	}

	entry, err := unmarshalEntry(data)
	if err != nil {
		// An unreadable entry is dead weight; drop it rather than fail every
		// future read of the key.
		c.report(fmt.Sprintf("get %q: corrupt entry", key), &store.StoreError{Err: err})
		if delErr := c.store.DeleteEntry(ctx, key); delErr != nil {
			c.report(fmt.Sprintf("get %q: delete corrupt entry", key), delErr)
		}
		return zero, false, nil
	}

	now := c.now()
	if entry.expiredAt(now) {
		if err := c.removeEntryLocked(ctx, entry); err != nil {
			c.report(fmt.Sprintf("get %q: expire", key), err)
		}
		return zero, false, nil
	}

	entry.LastAccess = now
	refreshed, err := entry.marshal()
	if err == nil {
		err = c.store.SetEntry(ctx, key, refreshed)
	}
	if err != nil {
		c.report(fmt.Sprintf("get %q: refresh last access", key), err)
		return zero, false, nil
	}

	var value V
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		c.report(fmt.Sprintf("get %q: corrupt payload", key), &store.StoreError{Err: err})
		return zero, false, nil
	}
	return value, true, nil
}

// InvalidateItem removes key and its tag memberships. Other keys sharing
// tags with key are untouched. Removing an absent key is a no-op.
func (c *Cache[V]) InvalidateItem(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	c.removeKey(ctx, "invalidateItem", key)
	return nil
}

// InvalidateSets removes every entry that declared any of the given tags,
// then the tag records themselves. A key declaring several targeted tags is
// removed once. There is no global lock over the fan-out: each per-key
// deletion takes that key's own lock, so deletions of unrelated keys run in
// parallel and an in-flight put or get on one of the keys is never raced.
func (c *Cache[V]) InvalidateSets(ctx context.Context, tags []string) error {
	if tags == nil {
		return ErrNilTags
	}

	targeted := dedupe(tags)
	keys := make(map[string]struct{})
	for _, tag := range targeted {
		members, err := c.store.TagMembers(ctx, tag)
		if err != nil {
			c.report(fmt.Sprintf("invalidateSets: tag %q", tag), err)
			continue
		}
		for _, key := range members {
			keys[key] = struct{}{}
		}
	}

	var g errgroup.Group
	g.SetLimit(c.fanOut)
	for key := range keys {
		key := key
		g.Go(func() error {
			c.removeKey(ctx, "invalidateSets", key)
			return nil
		})
	}
	_ = g.Wait()

	for _, tag := range targeted {
		if err := c.store.DeleteTag(ctx, tag); err != nil {
			c.report(fmt.Sprintf("invalidateSets: delete tag %q", tag), err)
		}
	}
	return nil
}

// Purge deletes every entry whose absolute expiration has passed, and every
// tag record left with an empty key set. Entries that are merely idle past
// their sliding window are left for get-time lazy expiration, since their
// fate depends on when they are next read. Purge is an explicit maintenance
// operation; nothing invokes it implicitly.
func (c *Cache[V]) Purge(ctx context.Context) error {
	now := c.now()

	keys, err := c.store.EntryKeys(ctx)
	if err != nil {
		c.report("purge: list entries", err)
		return nil
	}
	for _, key := range keys {
		c.purgeKey(ctx, key, now)
	}

	tags, err := c.store.TagNames(ctx)
	if err != nil {
		c.report("purge: list tags", err)
		return nil
	}
	for _, tag := range tags {
		members, err := c.store.TagMembers(ctx, tag)
		if err != nil {
			c.report(fmt.Sprintf("purge: tag %q", tag), err)
			continue
		}
		if len(members) == 0 {
			if err := c.store.DeleteTag(ctx, tag); err != nil {
				c.report(fmt.Sprintf("purge: delete tag %q", tag), err)
			}
		}
	}
	return nil
}

// Count returns the number of tracked records in the store: live entries
// plus live tag records. It is a diagnostic; nothing in the cache uses it to
// drive eviction. An unreachable store counts as zero.
func (c *Cache[V]) Count(ctx context.Context) int64 {
	n, err := c.store.Count(ctx)
	if err != nil {
		c.report("count", err)
		return 0
	}
	return n
}

// purgeKey removes key under its lock if its absolute ceiling has passed.
func (c *Cache[V]) purgeKey(ctx context.Context, key string, now time.Time) {
	token, err := c.locks.Acquire(ctx, key)
	if err != nil {
		c.report(fmt.Sprintf("purge %q", key), err)
		return
	}
	defer c.locks.Release(ctx, key, token)

	data, err := c.store.GetEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.report(fmt.Sprintf("purge %q", key), err)
		return
	}
	entry, err := unmarshalEntry(data)
	if err != nil {
		c.report(fmt.Sprintf("purge %q: corrupt entry", key), &store.StoreError{Err: err})
		if delErr := c.store.DeleteEntry(ctx, key); delErr != nil {
			c.report(fmt.Sprintf("purge %q: delete corrupt entry", key), delErr)
		}
		return
	}
	if !entry.absoluteExpiredAt(now) {
		return
	}
	if err := c.removeEntryLocked(ctx, entry); err != nil {
		c.report(fmt.Sprintf("purge %q", key), err)
	}
}

// removeKey deletes one key's entry and tag memberships under that key's
// lock. op names the calling operation for failure reports.
func (c *Cache[V]) removeKey(ctx context.Context, op, key string) {
	token, err := c.locks.Acquire(ctx, key)
	if err != nil {
		c.report(fmt.Sprintf("%s %q", op, key), err)
		return
	}
	defer c.locks.Release(ctx, key, token)

	data, err := c.store.GetEntry(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		c.report(fmt.Sprintf("%s %q", op, key), err)
		return
	}

	entry, err := unmarshalEntry(data)
	if err != nil {
		// Tags are unrecoverable from a corrupt entry; delete what we can.
		c.report(fmt.Sprintf("%s %q: corrupt entry", op, key), &store.StoreError{Err: err})
		entry = &Entry{Key: key}
	}
	if err := c.removeEntryLocked(ctx, entry); err != nil {
		c.report(fmt.Sprintf("%s %q", op, key), err)
	}
}

// removeEntryLocked deletes an entry and withdraws its key from every tag it
// declared. Caller holds the key's lock. Membership removal is idempotent,
// so overlapping invalidations converge on the same end state.
func (c *Cache[V]) removeEntryLocked(ctx context.Context, entry *Entry) error {
	if err := c.store.DeleteEntry(ctx, entry.Key); err != nil {
		return err
	}
	for _, tag := range entry.DependentTags {
		if err := c.store.RemoveTagMember(ctx, tag, entry.Key); err != nil {
			return err
		}
	}
	return nil
}

// report wraps an absorbed failure with operation context, logs it, and
// publishes it to subscribers.
func (c *Cache[V]) report(op string, err error) {
	f := Failure{
		Message: "tagcache: " + op + " failed",
		Cause:   err,
	}
	c.logger.Warn().Err(err).Str("operation", op).Msg("Cache operation degraded to no-op.")
	c.notifier.publish(f)
}

// dedupe returns tags with duplicates removed, preserving first-seen order.
func dedupe(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

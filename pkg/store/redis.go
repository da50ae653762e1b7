package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	entryPrefix = "entry:"
	tagPrefix   = "tag:"
	lockPrefix  = "lock:"

	// scanBatch is the COUNT hint passed to SCAN when walking the namespace.
	scanBatch = 250
)

// releaseScript deletes the lock key only while it still holds the caller's
// token, so a lock that expired and was re-acquired by someone else is never
// released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements Store on a shared Redis server, so every invariant it
// keeps holds across independent processes pointed at the same server.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisStore connects a RedisStore using an opaque connection string in
// redis URL form (for example "redis://:password@localhost:6379/0"). The
// string is handed straight to the driver for parsing. The server is pinged
// before the store is returned.
func NewRedisStore(ctx context.Context, connection string, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(connection)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis connection string: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", opts.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// GetEntry returns the serialized entry stored under key.
func (s *RedisStore) GetEntry(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, entryPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, s.classify(err)
	}
	return data, nil
}

// SetEntry writes the serialized entry for key.
func (s *RedisStore) SetEntry(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, entryPrefix+key, data, 0).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// DeleteEntry removes the entry for key.
func (s *RedisStore) DeleteEntry(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, entryPrefix+key).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// AddTagMember adds key to the tag's Redis set, creating the set if needed.
func (s *RedisStore) AddTagMember(ctx context.Context, tag, key string) error {
	if err := s.client.SAdd(ctx, tagPrefix+tag, key).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// RemoveTagMember removes key from the tag's Redis set. Redis drops the set
// once its last member is removed, which is exactly the pruning Store requires.
func (s *RedisStore) RemoveTagMember(ctx context.Context, tag, key string) error {
	if err := s.client.SRem(ctx, tagPrefix+tag, key).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// TagMembers returns the keys recorded under tag.
func (s *RedisStore) TagMembers(ctx context.Context, tag string) ([]string, error) {
	members, err := s.client.SMembers(ctx, tagPrefix+tag).Result()
	if err != nil {
		return nil, s.classify(err)
	}
	return members, nil
}

// DeleteTag removes the tag's record outright.
func (s *RedisStore) DeleteTag(ctx context.Context, tag string) error {
	if err := s.client.Del(ctx, tagPrefix+tag).Err(); err != nil {
		return s.classify(err)
	}
	return nil
}

// EntryKeys lists the keys of all stored entries.
func (s *RedisStore) EntryKeys(ctx context.Context) ([]string, error) {
	return s.scanKeys(ctx, entryPrefix)
}

// TagNames lists all tags that currently have a record.
func (s *RedisStore) TagNames(ctx context.Context) ([]string, error) {
	return s.scanKeys(ctx, tagPrefix)
}

// Count returns the number of live entries plus live tag records.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	entries, err := s.scanKeys(ctx, entryPrefix)
	if err != nil {
		return 0, err
	}
	tags, err := s.scanKeys(ctx, tagPrefix)
	if err != nil {
		return 0, err
	}
	return int64(len(entries) + len(tags)), nil
}

// AcquireLock attempts a single non-blocking SET NX with the caller's token.
func (s *RedisStore) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return false, s.classify(err)
	}
	return ok, nil
}

// ReleaseLock releases the lock for key if token still holds it.
func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockPrefix + key}, token).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return s.classify(err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.client.Close()
	}
	return nil
}

// scanKeys walks the keyspace under prefix and returns the keys with the
// prefix stripped. SCAN is used instead of KEYS so a large cache does not
// block the shared server.
func (s *RedisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, s.classify(err)
	}
	return keys, nil
}

// classify maps a driver error onto the store error taxonomy: transport
// problems become ConnectivityError, everything else StoreError.
func (s *RedisStore) classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, redis.ErrClosed) {
		return &ConnectivityError{Err: err}
	}
	return &StoreError{Err: err}
}

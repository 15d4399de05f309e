package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackendMode selects where Cache's entries live, matching the
// original implementation's CacheBackend enum: memory-only, an
// external Redis/Valkey store, or both (local shard as a fast-path,
// Redis as the shared tier behind it).
type BackendMode string

const (
	BackendMemory    BackendMode = "memory"
	BackendRedis     BackendMode = "redis"
	BackendMultiTier BackendMode = "multi_tier"
)

// Backend is the storage strategy behind one tier of Cache's lookup
// chain. The in-process shard store and RedisMirror both satisfy it,
// which is what makes BackendMode selectable: Cache.Lookup/Insert don't
// care which concrete Backend they're talking to.
type Backend interface {
	Lookup(ctx context.Context, fingerprint string) (Entry, bool, error)
	Insert(ctx context.Context, entry Entry, ttl time.Duration) error
}

var _ Backend = (*RedisMirror)(nil)

// RedisMirror optionally mirrors cache inserts to a shared Redis/Valkey
// instance so that multiple router processes behind a load balancer
// observe each other's cache hits. It is an addition to, not a
// replacement for, the in-process Cache: lookups always check the local
// shard first (cheap, lock-only) and fall back to Redis on a local miss.
// Grounded on state/valkey.go's key-namespacing and EXPIRE-on-write
// pattern, generalized from provider-disable keys to cache entries.
type RedisMirror struct {
	client redis.UniversalClient
}

// NewRedisMirror wraps an existing go-redis client. The caller owns the
// client's lifecycle (Close).
func NewRedisMirror(client redis.UniversalClient) *RedisMirror {
	return &RedisMirror{client: client}
}

func redisKey(fingerprint string) string {
	return fmt.Sprintf("rigrun:cache:%s", fingerprint)
}

// Insert mirrors an entry to Redis with the same TTL as the local
// insert, so an expired local entry and an expired Redis entry fall out
// of sync by at most clock skew between processes.
func (m *RedisMirror) Insert(ctx context.Context, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry for redis: %w", err)
	}
	return m.client.Set(ctx, redisKey(entry.Fingerprint), data, ttl).Err()
}

// Lookup reads an entry from Redis. A miss returns (Entry{}, false, nil);
// only transport-level errors are returned as err, matching the local
// Cache's "miss is not an error" contract.
func (m *RedisMirror) Lookup(ctx context.Context, fingerprint string) (Entry, bool, error) {
	data, err := m.client.Get(ctx, redisKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis lookup: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal cache entry from redis: %w", err)
	}
	return entry, true, nil
}

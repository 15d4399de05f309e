// Package cache implements the content-addressed response cache (C2):
// TTL expiry, a hard entry-count cap with LRU-like eviction, a soft byte
// budget, and atomic disk persistence. Grounded on the teacher's
// state/memory.go cacheEntry/MinHeap eviction scheme, generalized from a
// provider-rate-limit cache to a response cache. The storage layer
// itself is pluggable via the Backend interface in redis.go
// (BackendMemory/BackendRedis/BackendMultiTier), mirroring the
// original's CacheBackend enum.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rigrun/rigrun/types"
	"github.com/rigrun/rigrun/utils/heap"
)

// Entry is a stored response, content-addressed by Fingerprint.
type Entry struct {
	Fingerprint      string     `json:"fingerprint"`
	ResponseText     string     `json:"response_text"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Tier             types.Tier `json:"tier_that_produced_it"`
}

func (e Entry) expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }
func (e Entry) approxBytes() int64         { return int64(len(e.ResponseText)) + 128 }

// Stats is a point-in-time snapshot of cache occupancy and hit ratio.
type Stats struct {
	Entries   int64 `json:"entries"`
	HitCount  int64 `json:"hit_count"`
	MissCount int64 `json:"miss_count"`
	Bytes     int64 `json:"bytes"`
}

// node is the heap/map element: an Entry plus the recency bookkeeping
// used for least-recently-used eviction. Ported from state/memory.go's
// cacheEntry (readCount + lastReadAt ordering), renamed to this domain.
type node struct {
	entry      Entry
	lastReadAt int64 // unix nanoseconds
	readCount  int64
}

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	nodes map[string]*node
	lru   *heap.MinHeap[*node]
	bytes int64
}

// Cache is the shared, long-lived store handed to request handlers by
// reference. Readers take a shared lock per shard; writers take an
// exclusive lock on the single shard their fingerprint hashes to, so
// writers never block readers of other shards.
type Cache struct {
	shards     [shardCount]*shard
	maxEntries int64
	maxBytes   int64
	hitCount   atomic.Int64
	missCount  atomic.Int64
	clock      clock.Clock
	logger     *zap.SugaredLogger

	mode   BackendMode
	mirror Backend
}

// Config configures entry-count and byte-budget caps, and selects a
// storage Backend. Mode defaults to BackendMemory (the in-process shard
// store alone) when left zero.
type Config struct {
	MaxEntries int64
	MaxBytes   int64
	Mode       BackendMode
}

// New builds a Cache using the wall clock.
func New(cfg Config, logger *zap.SugaredLogger) *Cache {
	return newWithClock(cfg, logger, clock.New())
}

func newWithClock(cfg Config, logger *zap.SugaredLogger, clk clock.Clock) *Cache {
	mode := cfg.Mode
	if mode == "" {
		mode = BackendMemory
	}
	c := &Cache{maxEntries: cfg.MaxEntries, maxBytes: cfg.MaxBytes, clock: clk, logger: logger, mode: mode}
	for i := range c.shards {
		s := &shard{nodes: make(map[string]*node)}
		s.lru = heap.NewMinHeap(func(a, b *node) bool {
			if a.readCount != b.readCount {
				return a.readCount < b.readCount
			}
			return a.lastReadAt < b.lastReadAt
		})
		c.shards[i] = s
	}
	return c
}

func (c *Cache) shardFor(fingerprint string) *shard {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return c.shards[h.Sum32()%shardCount]
}

// SetMirror wires a Redis-backed Backend behind the cache for
// BackendRedis/BackendMultiTier modes. Intended as one-time startup
// wiring before the cache serves traffic, the same way New itself is.
func (c *Cache) SetMirror(mirror Backend) {
	c.mirror = mirror
}

// localLookup checks only the in-process shard, touching recency but
// not the hit/miss counters: those are owned by the public Lookup
// dispatcher so a multi-tier lookup counts as exactly one hit or miss
// no matter how many backends it has to check.
func (c *Cache) localLookup(fingerprint string) (Entry, bool) {
	s := c.shardFor(fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[fingerprint]
	if !ok {
		return Entry{}, false
	}

	now := c.clock.Now()
	if n.entry.expired(now) {
		c.removeLocked(s, fingerprint)
		return Entry{}, false
	}

	n.lastReadAt = now.UnixNano()
	n.readCount++
	s.lru.Update(n)
	return n.entry, true
}

// localInsert stores entry in the in-process shard, evicting
// least-recently-used entries if the shard is at capacity.
func (c *Cache) localInsert(entry Entry) {
	s := c.shardFor(entry.Fingerprint)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[entry.Fingerprint]; ok {
		c.removeLocked(s, entry.Fingerprint)
	}

	n := &node{entry: entry, lastReadAt: c.clock.Now().UnixNano(), readCount: 1}
	s.nodes[entry.Fingerprint] = n
	s.lru.Push(n)
	s.bytes += entry.approxBytes()

	c.evictLocked(s)
}

// Lookup returns a live response for fingerprint, or (Entry{}, false) if
// absent or expired. In BackendMemory (the default) only the local
// shard is consulted. In BackendRedis only the mirror is. In
// BackendMultiTier the local shard is checked first, a local miss falls
// through to the mirror, and a mirror hit is promoted into the local
// shard so the next Lookup for the same fingerprint is cheap.
func (c *Cache) Lookup(fingerprint string) (Entry, bool) {
	if c.mode != BackendRedis {
		if entry, ok := c.localLookup(fingerprint); ok {
			c.hitCount.Add(1)
			return entry, true
		}
		if c.mode == BackendMemory || c.mirror == nil {
			c.missCount.Add(1)
			return Entry{}, false
		}
	}

	entry, ok, err := c.mirror.Lookup(context.Background(), fingerprint)
	if err != nil {
		if c.logger != nil {
			c.logger.Warnw("redis cache backend lookup failed, treating as miss", "fingerprint", fingerprint, "error", err)
		}
		ok = false
	}
	if !ok || entry.expired(c.clock.Now()) {
		c.missCount.Add(1)
		return Entry{}, false
	}

	c.hitCount.Add(1)
	if c.mode == BackendMultiTier {
		c.localInsert(entry)
	}
	return entry, true
}

// Insert stores a response under fingerprint with the given TTL. It is
// idempotent: re-inserting the same fingerprint replaces the prior
// entry. BackendMemory writes only the local shard; BackendRedis writes
// only the mirror; BackendMultiTier writes both, with a mirror failure
// logged but not fatal to the request (the local shard still has the
// entry).
func (c *Cache) Insert(fingerprint, responseText string, promptTokens, completionTokens int, tier types.Tier, ttl time.Duration) {
	now := c.clock.Now()
	entry := Entry{
		Fingerprint:      fingerprint,
		ResponseText:     responseText,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		Tier:             tier,
	}

	if c.mode != BackendRedis {
		c.localInsert(entry)
	}
	if c.mode != BackendMemory && c.mirror != nil {
		if err := c.mirror.Insert(context.Background(), entry, ttl); err != nil && c.logger != nil {
			c.logger.Warnw("redis cache backend insert failed", "fingerprint", fingerprint, "error", err)
		}
	}
}

// evictLocked enforces the hard entry-count cap per shard and the
// aggregate soft byte budget. The entry count is the hard limit: when
// both are violated at once, eviction continues until the count is
// satisfied even if bytes remain slightly over the soft budget from
// entries in other shards.
func (c *Cache) evictLocked(s *shard) {
	maxPerShard := c.maxEntries / shardCount
	if maxPerShard < 1 {
		maxPerShard = 1
	}
	maxBytesPerShard := c.maxBytes / shardCount

	for int64(len(s.nodes)) > maxPerShard {
		victim, ok := s.lru.Pop()
		if !ok {
			break
		}
		delete(s.nodes, victim.entry.Fingerprint)
		s.bytes -= victim.entry.approxBytes()
	}
	for s.bytes > maxBytesPerShard && len(s.nodes) > 0 {
		victim, ok := s.lru.Pop()
		if !ok {
			break
		}
		delete(s.nodes, victim.entry.Fingerprint)
		s.bytes -= victim.entry.approxBytes()
	}
}

func (c *Cache) removeLocked(s *shard, fingerprint string) {
	n, ok := s.nodes[fingerprint]
	if !ok {
		return
	}
	s.lru.Remove(n)
	delete(s.nodes, fingerprint)
	s.bytes -= n.entry.approxBytes()
}

// Stats returns a point-in-time snapshot of occupancy and hit ratio.
func (c *Cache) Stats() Stats {
	var entries, bytes int64
	for _, s := range c.shards {
		s.mu.RLock()
		entries += int64(len(s.nodes))
		bytes += s.bytes
		s.mu.RUnlock()
	}
	return Stats{
		Entries:   entries,
		HitCount:  c.hitCount.Load(),
		MissCount: c.missCount.Load(),
		Bytes:     bytes,
	}
}

// persistVersion is bumped whenever the on-disk entry shape changes.
// Unknown versions are ignored on load rather than rejected loudly,
// matching the spec's "tolerates a corrupt file by logging and
// continuing with empty state" contract.
const persistVersion = 1

type diskSnapshot struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// FlushToDisk writes every non-expired entry to path using a
// write-temp-then-rename so a crash mid-write never leaves a truncated
// file in place.
func (c *Cache) FlushToDisk(path string) error {
	now := c.clock.Now()
	var entries []Entry
	for _, s := range c.shards {
		s.mu.RLock()
		for _, n := range s.nodes {
			if !n.entry.expired(now) {
				entries = append(entries, n.entry)
			}
		}
		s.mu.RUnlock()
	}

	snapshot := diskSnapshot{Version: persistVersion, Entries: entries}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp cache file: %w", err)
	}
	return nil
}

// LoadFromDisk replaces the cache's contents with the snapshot at path.
// A missing file is not an error (fresh start). A corrupt file or an
// unrecognized version is logged at WARN and treated as empty state,
// never a startup failure.
func (c *Cache) LoadFromDisk(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		if c.logger != nil {
			c.logger.Warnw("cache load failed, starting empty", "path", path, "error", err)
		}
		return nil
	}

	var snapshot diskSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		if c.logger != nil {
			c.logger.Warnw("cache file corrupt, starting empty", "path", path, "error", err)
		}
		return nil
	}
	if snapshot.Version != persistVersion {
		if c.logger != nil {
			c.logger.Warnw("cache file has unrecognized version, starting empty", "path", path, "version", snapshot.Version)
		}
		return nil
	}

	now := c.clock.Now()
	for _, e := range snapshot.Entries {
		if e.expired(now) {
			continue
		}
		ttl := e.ExpiresAt.Sub(now)
		c.Insert(e.Fingerprint, e.ResponseText, e.PromptTokens, e.CompletionTokens, e.Tier, ttl)
	}
	return nil
}

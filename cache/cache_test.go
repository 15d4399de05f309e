package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigrun/rigrun/types"
)

func newTestCache(t *testing.T) (*Cache, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c := newWithClock(Config{MaxEntries: 1000, MaxBytes: 1 << 20}, nil, mock)
	return c, mock
}

func TestInsertThenLookupHitsBeforeTTL(t *testing.T) {
	c, mock := newTestCache(t)
	c.Insert("fp1", "hello", 1, 1, types.TierLocal, 10*time.Second)

	mock.Add(5 * time.Second)
	entry, ok := c.Lookup("fp1")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.ResponseText)
}

func TestLookupMissesAfterTTL(t *testing.T) {
	c, mock := newTestCache(t)
	c.Insert("fp1", "hello", 1, 1, types.TierLocal, 10*time.Second)

	mock.Add(10 * time.Second)
	_, ok := c.Lookup("fp1")
	assert.False(t, ok)
}

func TestLookupMissingFingerprint(t *testing.T) {
	c, _ := newTestCache(t)
	_, ok := c.Lookup("does-not-exist")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().MissCount)
}

func TestInsertIsIdempotent(t *testing.T) {
	c, _ := newTestCache(t)
	c.Insert("fp1", "first", 1, 1, types.TierLocal, time.Minute)
	c.Insert("fp1", "second", 1, 1, types.TierLocal, time.Minute)

	entry, ok := c.Lookup("fp1")
	require.True(t, ok)
	assert.Equal(t, "second", entry.ResponseText)
	assert.EqualValues(t, 1, c.Stats().Entries)
}

func TestEvictionByHardEntryCount(t *testing.T) {
	mock := clock.NewMock()
	c := newWithClock(Config{MaxEntries: shardCount, MaxBytes: 1 << 30}, nil, mock)

	// One entry per shard fits; forcing a second into any shard evicts
	// the first in that shard.
	for i := 0; i < shardCount; i++ {
		c.Insert(string(rune('a'+i)), "x", 0, 0, types.TierLocal, time.Hour)
	}
	assert.EqualValues(t, shardCount, c.Stats().Entries)

	c.Insert("overflow", "y", 0, 0, types.TierLocal, time.Hour)
	assert.LessOrEqual(t, c.Stats().Entries, int64(shardCount+1))
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	c, mock := newTestCache(t)
	c.Insert("fp1", "hello", 3, 5, types.TierCloud, time.Hour)
	c.Insert("fp2", "world", 1, 1, types.TierLocal, time.Hour)

	require.NoError(t, c.FlushToDisk(path))

	fresh := newWithClock(Config{MaxEntries: 1000, MaxBytes: 1 << 20}, nil, mock)
	require.NoError(t, fresh.LoadFromDisk(path))

	entry, ok := fresh.Lookup("fp1")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.ResponseText)
	assert.Equal(t, 3, entry.PromptTokens)

	entry2, ok := fresh.Lookup("fp2")
	require.True(t, ok)
	assert.Equal(t, "world", entry2.ResponseText)
}

func TestLoadFromDiskMissingFileIsNotAnError(t *testing.T) {
	c, _ := newTestCache(t)
	err := c.LoadFromDisk(filepath.Join(t.TempDir(), "missing.json"))
	assert.NoError(t, err)
	assert.EqualValues(t, 0, c.Stats().Entries)
}

func TestLoadFromDiskCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	c, _ := newTestCache(t)
	err := c.LoadFromDisk(path)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, c.Stats().Entries)
}

func TestLoadFromDiskUnknownVersionStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":999,"entries":[]}`), 0o644))

	c, _ := newTestCache(t)
	err := c.LoadFromDisk(path)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, c.Stats().Entries)
}

package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigrun/rigrun/session"
	"github.com/rigrun/rigrun/types"
)

func TestTruncateQueryCollapsesWhitespaceAndClips(t *testing.T) {
	long := "what   is\nthe  capital\tof france and also give me a long essay about it"
	got := truncateQuery(long, 50)
	assert.LessOrEqual(t, len(got), 50)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.NotContains(t, got, "\n")
	assert.NotContains(t, got, "\t")
}

func TestTruncateQueryShortStringUntouched(t *testing.T) {
	assert.Equal(t, "hi there", truncateQuery("hi there", 50))
}

func TestLogQueryWritesRedactedPreviewToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l := newLoggerWithClock(path, true, clock.NewMock())

	require.NoError(t, l.LogQuery(types.TierLocal, "my key is sk-abcdefghijklmnopqrstuvwxyz123456", 10, 5, "llama3"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED_API_KEY]")
	assert.NotContains(t, string(data), "sk-abcdefghijklmnopqrstuvwxyz123456")
	assert.Contains(t, string(data), "LOCAL")
}

func TestLogBlockedRecordsCloudBlockedTierWithNoCost(t *testing.T) {
	l := newLoggerWithClock("", true, clock.NewMock())
	require.NoError(t, l.LogBlocked(types.TierCloud, "hello"))

	entries := l.RecentEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, TierCloudBlocked, entries[0].Tier)
	assert.True(t, entries[0].Blocked)
	assert.Equal(t, 0.0, entries[0].CostUSD)
}

func TestDisabledLoggerRecordsNothing(t *testing.T) {
	l := newLoggerWithClock("", false, clock.NewMock())
	require.NoError(t, l.LogQuery(types.TierLocal, "hi", 1, 1, "llama3"))
	assert.Empty(t, l.RecentEntries())
}

func TestRecentEntriesIsBoundedRingBuffer(t *testing.T) {
	l := newLoggerWithClock("", true, clock.NewMock())
	for i := 0; i < maxRecentEntries+10; i++ {
		require.NoError(t, l.LogQuery(types.TierLocal, "hi", 1, 1, "llama3"))
	}
	assert.Len(t, l.RecentEntries(), maxRecentEntries)
}

func TestRecordSessionEventRedactsDetailAndWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l := newLoggerWithClock(path, true, clock.NewMock())

	l.RecordSessionEvent(session.Event{
		Type:      session.EventTerminated,
		SessionID: "sess_aaaa",
		UserID:    "alice",
		Detail:    "password=hunter2",
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "password=[REDACTED]")
	assert.NotContains(t, string(data), "hunter2")
}

func TestClearEmptiesBufferAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l := newLoggerWithClock(path, true, clock.NewMock())
	require.NoError(t, l.LogQuery(types.TierLocal, "hi", 1, 1, "llama3"))

	require.NoError(t, l.Clear())
	assert.Empty(t, l.RecentEntries())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRedactorMasksBearerTokensAndEmails(t *testing.T) {
	r := NewRedactor()
	got := r.Redact("Authorization: Bearer abcdef1234567890xyz contact me at person@example.com")
	assert.Contains(t, got, "[REDACTED_TOKEN]")
	assert.Contains(t, got, "[REDACTED_EMAIL]")
	assert.NotContains(t, got, "person@example.com")
}

func TestRecordSuccessImplementsRouterRecorderContract(t *testing.T) {
	l := newLoggerWithClock("", true, clock.NewMock())
	l.RecordSuccess(types.TierCloud, types.Query{Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}}, RequestedModel: "gpt-4o"},
		types.Response{Model: "gpt-4o", PromptTokens: 10, CompletionTokens: 5}, false)

	entries := l.RecentEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, TierCloud, entries[0].Tier)
	assert.Greater(t, entries[0].CostUSD, 0.0)
}

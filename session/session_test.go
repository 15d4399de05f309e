package session

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rigrun/rigrun/types"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) RecordSessionEvent(e Event) { r.events = append(r.events, e) }

func newTestManager(t *testing.T) (*Manager, *clock.Mock, *recordingSink) {
	t.Helper()
	mock := clock.NewMock()
	sink := &recordingSink{}
	m := newManagerWithClock(DefaultConfig(), nil, sink, mock)
	return m, mock, sink
}

func TestCreateSessionHasUserPrivilegeAndActiveState(t *testing.T) {
	m, _, sink := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	assert.True(t, len(s.ID) > len("sess_"))
	assert.Equal(t, "sess_", s.ID[:5])
	assert.Equal(t, PrivilegeUser, s.Privilege)
	assert.Equal(t, StateActive, s.State())
	require.Len(t, sink.events, 1)
	assert.Equal(t, EventCreated, sink.events[0].Type)
}

func TestGenerateSessionIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := generateSessionID()
		require.False(t, seen[id], "duplicate session id generated")
		seen[id] = true
	}
}

func TestValidateAndRefreshExtendsIdleWindow(t *testing.T) {
	m, mock, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	mock.Add(MaxIdleTimeout - time.Minute)
	valid, state, _, remaining := m.ValidateAndRefresh(s.ID)
	require.True(t, valid)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, MaxIdleTimeout, remaining)
}

func TestValidateAndRefreshExpiresAfterIdleTimeout(t *testing.T) {
	m, mock, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	mock.Add(MaxIdleTimeout + time.Second)
	valid, state, _, remaining := m.ValidateAndRefresh(s.ID)
	assert.False(t, valid)
	assert.Equal(t, StateExpired, state)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestValidateAndRefreshExpiresAtAbsoluteMaxEvenWithActivity(t *testing.T) {
	m, mock, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	// Keep refreshing every 5 minutes; absolute 12h cap must still fire.
	step := 5 * time.Minute
	for elapsed := time.Duration(0); elapsed < AbsoluteSessionMax; elapsed += step {
		mock.Add(step)
		m.ValidateAndRefresh(s.ID)
	}

	valid, state, _, _ := m.ValidateAndRefresh(s.ID)
	assert.False(t, valid)
	assert.Equal(t, StateExpired, state)
}

func TestValidateAndRefreshResetsActiveFromWarningPeriod(t *testing.T) {
	m, mock, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	mock.Add(MaxIdleTimeout - DefaultWarningBeforeIdle + time.Second)
	valid, state, _, remaining := m.ValidateAndRefresh(s.ID)
	require.True(t, valid)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, MaxIdleTimeout, remaining)
}

func TestValidateSessionReportsWarningWithoutRefreshing(t *testing.T) {
	m, mock, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	mock.Add(MaxIdleTimeout - DefaultWarningBeforeIdle + time.Second)
	valid, state, msg := m.ValidateSession(s.ID)
	require.True(t, valid)
	assert.Equal(t, StateWarning, state)
	assert.NotEmpty(t, msg)

	// Last activity was not bumped: a later ValidateAndRefresh starting
	// from the same elapsed time should still be within the window.
	got, ok := m.GetSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.CreatedAt, got.LastActivity)
}

func TestTerminatedSessionCannotBeRefreshed(t *testing.T) {
	m, _, sink := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)
	require.True(t, m.TerminateSession(s.ID, "user_logout"))

	valid, state, _, _ := m.ValidateAndRefresh(s.ID)
	assert.False(t, valid)
	assert.Equal(t, StateTerminated, state)

	last := sink.events[len(sink.events)-1]
	assert.Equal(t, EventTerminated, last.Type)
}

func TestUpdatePrivilegeLevelRotatesSessionID(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)
	oldID := s.ID

	newID, rotated := m.UpdatePrivilegeLevel(oldID, PrivilegeAdmin)
	require.True(t, rotated)
	assert.NotEqual(t, oldID, newID)

	_, stillThere := m.GetSession(oldID)
	assert.False(t, stillThere)

	rotatedSession, ok := m.GetSession(newID)
	require.True(t, ok)
	assert.Equal(t, PrivilegeAdmin, rotatedSession.Privilege)
}

func TestUpdatePrivilegeLevelNoopWhenUnchanged(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	_, rotated := m.UpdatePrivilegeLevel(s.ID, PrivilegeUser)
	assert.False(t, rotated)
}

func TestCheckAndRotatePeriodicFiresAfterRotationInterval(t *testing.T) {
	m, mock, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	_, rotated := m.CheckAndRotatePeriodic(s.ID)
	assert.False(t, rotated)

	mock.Add(RotationInterval + time.Minute)
	newID, rotated := m.CheckAndRotatePeriodic(s.ID)
	assert.True(t, rotated)
	assert.NotEqual(t, s.ID, newID)
}

func TestCleanupExpiredRemovesOnlyExpiredSessions(t *testing.T) {
	m, mock, _ := newTestManager(t)
	stale, err := m.CreateSession("stale")
	require.NoError(t, err)

	mock.Add(MaxIdleTimeout - time.Minute)
	fresh, err := m.CreateSession("fresh")
	require.NoError(t, err)

	mock.Add(2 * time.Minute) // stale now past idle timeout, fresh is not
	removed := m.CleanupExpired()
	assert.Equal(t, 1, removed)

	_, staleExists := m.GetSession(stale.ID)
	assert.False(t, staleExists)
	_, freshExists := m.GetSession(fresh.ID)
	assert.True(t, freshExists)
}

func TestActiveSessionCountExcludesExpired(t *testing.T) {
	m, mock, _ := newTestManager(t)
	_, err := m.CreateSession("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveSessionCount())

	mock.Add(MaxIdleTimeout + time.Second)
	assert.Equal(t, 0, m.ActiveSessionCount())
}

func TestValidateAndRefreshUnknownSessionReportsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	valid, state, msg, remaining := m.ValidateAndRefresh("sess_doesnotexist")
	assert.False(t, valid)
	assert.Equal(t, StateExpired, state)
	assert.Equal(t, "session not found", msg)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestNewConfigClampsIdleTimeoutToHardCap(t *testing.T) {
	cfg := NewConfig(time.Hour, 10*time.Minute)
	assert.Equal(t, MaxIdleTimeout, cfg.IdleTimeout)
}

func TestNewConfigClampsWarningBelowIdleTimeout(t *testing.T) {
	cfg := NewConfig(5*time.Minute, 10*time.Minute)
	assert.True(t, cfg.WarningBeforeTimeout < cfg.IdleTimeout)
}

func TestPrivilegeLevelCanEscalateTo(t *testing.T) {
	assert.True(t, PrivilegeGuest.CanEscalateTo(PrivilegeAdmin))
	assert.False(t, PrivilegeAdmin.CanEscalateTo(PrivilegeUser))
	assert.False(t, PrivilegeSystem.CanEscalateTo(PrivilegeSystem))
}

func TestNeedsConsentReackUntilAcknowledged(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)
	assert.True(t, s.NeedsConsentReack())

	s.AcknowledgeConsent()
	assert.False(t, s.NeedsConsentReack())
}

func TestCreateSessionAtCapEvictsOldestExpired(t *testing.T) {
	mock := clock.NewMock()
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.MaxSessions = 2
	m := newManagerWithClock(cfg, nil, sink, mock)

	first, err := m.CreateSession("stale")
	require.NoError(t, err)

	mock.Add(MaxIdleTimeout + time.Second) // first is now expired

	second, err := m.CreateSession("fresh")
	require.NoError(t, err)

	third, err := m.CreateSession("newest")
	require.NoError(t, err)

	_, stillThere := m.GetSession(first.ID)
	assert.False(t, stillThere, "oldest expired session should have been evicted")
	_, ok := m.GetSession(second.ID)
	assert.True(t, ok)
	_, ok = m.GetSession(third.ID)
	assert.True(t, ok)
}

func TestCreateSessionAtCapWithNoExpiredReturnsLimitExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	m := newManagerWithClock(cfg, nil, &recordingSink{}, clock.NewMock())

	_, err := m.CreateSession("alice")
	require.NoError(t, err)

	_, err = m.CreateSession("bob")
	require.Error(t, err)
	var limitErr *types.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 429, limitErr.StatusCode())
}

func TestConcurrentValidateAndRefreshIsRaceFree(t *testing.T) {
	m, _, _ := newTestManager(t)
	s, err := m.CreateSession("alice")
	require.NoError(t, err)

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			m.ValidateAndRefresh(s.ID)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	assert.Equal(t, 1, m.ActiveSessionCount())
}

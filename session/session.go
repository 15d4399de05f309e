// Package session implements the Session Manager (C6): a DoD-STIG-style
// dual-timeout session lifecycle grounded nearly verbatim on
// original_source/src/security/session_manager.rs. PrivilegeLevel
// ordering, the SessionState machine, absolute/idle timeouts,
// privilege-escalation rotation, and periodic rotation all carry over;
// Rust's Instant/poisoned-RwLock idioms are replaced with a
// benbjohnson/clock clock (for deterministic tests, matching the cache
// package's convention) and a single sync.Mutex guarding the whole
// session map, since validate-and-refresh must be atomic.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rigrun/rigrun/types"
)

// DoD STIG IL5 timeout constants. MaxIdleTimeout is a hard ceiling: a
// caller-supplied Config may only reduce it, never raise it (see
// NewConfig).
const (
	MaxIdleTimeout           = 15 * time.Minute
	DefaultWarningBeforeIdle = 2 * time.Minute
	AbsoluteSessionMax       = 12 * time.Hour
	RotationInterval         = 2 * time.Hour
)

// DefaultMaxSessions bounds the live session table. Matches the cache
// package's MaxEntries idiom: a hard cap with eviction rather than
// unbounded growth.
const DefaultMaxSessions = 10_000

// PrivilegeLevel orders session access. Guest < User < Admin < System.
type PrivilegeLevel int

const (
	PrivilegeGuest PrivilegeLevel = iota
	PrivilegeUser
	PrivilegeAdmin
	PrivilegeSystem
)

func (p PrivilegeLevel) String() string {
	switch p {
	case PrivilegeGuest:
		return "GUEST"
	case PrivilegeUser:
		return "USER"
	case PrivilegeAdmin:
		return "ADMIN"
	case PrivilegeSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// CanEscalateTo reports whether p may escalate to target.
func (p PrivilegeLevel) CanEscalateTo(target PrivilegeLevel) bool { return p < target }

// State is a session's position in the timeout lifecycle:
// Active/Warning -> {Locked, Expired} -> Terminated. Terminated is also
// reachable directly from any state.
type State string

const (
	StateActive     State = "ACTIVE"
	StateWarning    State = "WARNING"
	StateLocked     State = "LOCKED"
	StateExpired    State = "EXPIRED"
	StateTerminated State = "TERMINATED"
)

// IsActive reports whether the state still permits activity.
func (s State) IsActive() bool { return s == StateActive || s == StateWarning }

// RequiresReauth reports whether the state demands re-authentication.
func (s State) RequiresReauth() bool {
	return s == StateLocked || s == StateExpired || s == StateTerminated
}

// Config is a session's timeout policy.
type Config struct {
	IdleTimeout            time.Duration
	WarningBeforeTimeout   time.Duration
	RequireConsentReack    bool
	LockMessage            string
	ExpirationMessage      string
	WarningMessageTemplate string

	// MaxSessions caps the live session table. Zero means
	// DefaultMaxSessions. A CreateSession call at the cap first tries to
	// evict the single oldest expired session (by LastActivity) to make
	// room; if none is expired, it fails with LimitExceededError.
	MaxSessions int
}

// DefaultConfig returns the DoD STIG IL5 defaults: 15-minute idle
// timeout, 2-minute warning, consent re-acknowledgment required.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:            MaxIdleTimeout,
		WarningBeforeTimeout:   DefaultWarningBeforeIdle,
		RequireConsentReack:    true,
		LockMessage:            "Session locked due to inactivity. Re-authenticate to continue.",
		ExpirationMessage:      "Session expired. Please re-authenticate.",
		WarningMessageTemplate: "Session expires in {minutes}m {seconds}s.",
		MaxSessions:            DefaultMaxSessions,
	}
}

// NewConfig builds a Config from a requested idle timeout and warning
// window. idleTimeout is clamped to MaxIdleTimeout: IL5 sessions may be
// tightened but never loosened beyond the hard cap.
func NewConfig(idleTimeout, warningBeforeTimeout time.Duration) Config {
	if idleTimeout > MaxIdleTimeout || idleTimeout <= 0 {
		idleTimeout = MaxIdleTimeout
	}
	if warningBeforeTimeout >= idleTimeout {
		warningBeforeTimeout = idleTimeout - time.Minute
	}
	cfg := DefaultConfig()
	cfg.IdleTimeout = idleTimeout
	cfg.WarningBeforeTimeout = warningBeforeTimeout
	return cfg
}

// Session is one authenticated session. All mutation happens under the
// owning Manager's lock; Session itself has no internal locking.
type Session struct {
	ID               string
	UserID           string
	Privilege        PrivilegeLevel
	CreatedAt        time.Time
	LastActivity     time.Time
	LastRotation     time.Time
	ConsentAcked     bool
	config           Config
	state            State
	warningIssued    bool
}

func newSession(id, userID string, privilege PrivilegeLevel, cfg Config, now time.Time) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		Privilege:    privilege,
		CreatedAt:    now,
		LastActivity: now,
		LastRotation: now,
		config:       cfg,
		state:        StateActive,
	}
}

// State returns the session's last-computed state. Call UpdateState to
// recompute it against the current time first.
func (s *Session) State() State { return s.state }

// Config returns the session's timeout policy.
func (s *Session) Config() Config { return s.config }

// IsExpired reports whether now pushes the session past its idle
// timeout or the absolute 12-hour session maximum, or it is already in
// a terminal state.
func (s *Session) IsExpired(now time.Time) bool {
	if s.state.RequiresReauth() {
		return true
	}
	if now.Sub(s.LastActivity) >= s.config.IdleTimeout {
		return true
	}
	if now.Sub(s.CreatedAt) >= AbsoluteSessionMax {
		return true
	}
	return false
}

// IsInWarningPeriod reports whether the session is within its
// warning-before-timeout window but not yet expired.
func (s *Session) IsInWarningPeriod(now time.Time) bool {
	if s.state.RequiresReauth() {
		return false
	}
	remaining := s.TimeRemaining(now)
	return remaining > 0 && remaining <= s.config.WarningBeforeTimeout
}

// TimeRemaining returns the time left before the idle timeout fires.
// Zero once the session requires re-authentication.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	if s.state.RequiresReauth() {
		return 0
	}
	remaining := s.config.IdleTimeout - now.Sub(s.LastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SessionDuration returns the time elapsed since creation.
func (s *Session) SessionDuration(now time.Time) time.Duration { return now.Sub(s.CreatedAt) }

// ShouldRotatePeriodic reports whether RotationInterval has elapsed
// since the session's ID was last rotated.
func (s *Session) ShouldRotatePeriodic(now time.Time) bool {
	return now.Sub(s.LastRotation) >= RotationInterval
}

// AcknowledgeConsent marks the consent banner as acknowledged for this
// session.
func (s *Session) AcknowledgeConsent() { s.ConsentAcked = true }

// NeedsConsentReack reports whether the consent banner must be
// re-acknowledged before the session may proceed.
func (s *Session) NeedsConsentReack() bool {
	return s.config.RequireConsentReack && !s.ConsentAcked
}

// refresh advances last-activity and clears the warning flag. Callers
// must have already confirmed the session is not expired.
func (s *Session) refresh(now time.Time) {
	s.LastActivity = now
	s.warningIssued = false
	s.state = StateActive
}

// updateState recomputes state against now, returning the new state and
// an optional user-facing message (set once per warning/expiry
// transition, matching the Rust implementation's warning_issued
// debounce).
func (s *Session) updateState(now time.Time) (State, string) {
	if s.state.RequiresReauth() {
		return s.state, ""
	}

	if s.IsExpired(now) {
		s.state = StateExpired
		return StateExpired, s.config.ExpirationMessage
	}

	if s.IsInWarningPeriod(now) {
		s.state = StateWarning
		if s.warningIssued {
			return StateWarning, ""
		}
		s.warningIssued = true
		remaining := s.TimeRemaining(now)
		msg := formatWarning(s.config.WarningMessageTemplate, remaining)
		return StateWarning, msg
	}

	s.state = StateActive
	return StateActive, ""
}

func formatWarning(template string, remaining time.Duration) string {
	minutes := int(remaining / time.Minute)
	seconds := int((remaining % time.Minute) / time.Second)
	out := template
	out = replaceAll(out, "{minutes}", fmt.Sprintf("%d", minutes))
	out = replaceAll(out, "{seconds}", fmt.Sprintf("%d", seconds))
	return out
}

func replaceAll(s, old, replacement string) string {
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + replacement + s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// EventType tags a SessionEvent for audit logging.
type EventType string

const (
	EventCreated         EventType = "SESSION_CREATED"
	EventRotated         EventType = "SESSION_ROTATED"
	EventRefreshed        EventType = "SESSION_REFRESHED"
	EventWarningIssued    EventType = "SESSION_WARNING"
	EventLocked           EventType = "SESSION_LOCKED"
	EventExpired          EventType = "SESSION_EXPIRED"
	EventTerminated       EventType = "SESSION_TERMINATED"
	EventReauthRequired   EventType = "REAUTH_REQUIRED"
	EventPrivilegeChanged EventType = "PRIVILEGE_CHANGE"
)

// Event is one session lifecycle occurrence, handed to the configured
// Sink for persistence (the audit package's AuditLogger in the wired
// binary; a no-op in tests that don't care).
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	Timestamp time.Time
	Detail    string
}

// Sink receives session lifecycle events. Kept as an interface, the same
// way routing.Recorder is, so this package never imports audit and
// cannot form an import cycle.
type Sink interface {
	RecordSessionEvent(Event)
}

type noopSink struct{}

func (noopSink) RecordSessionEvent(Event) {}

// Manager owns the live session table. A single mutex guards it:
// validate-and-refresh must observe and mutate a session atomically, so
// per-shard locking (as in the cache package) would reintroduce the
// TOCTOU race this type exists to close.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	config   Config
	clock    clock.Clock
	logger   *zap.SugaredLogger
	sink     Sink
}

// NewManager builds a Manager using the wall clock.
func NewManager(cfg Config, logger *zap.SugaredLogger, sink Sink) *Manager {
	return newManagerWithClock(cfg, logger, sink, clock.New())
}

func newManagerWithClock(cfg Config, logger *zap.SugaredLogger, sink Sink, clk clock.Clock) *Manager {
	if sink == nil {
		sink = noopSink{}
	}
	return &Manager{
		sessions: make(map[string]*Session),
		config:   cfg,
		clock:    clk,
		logger:   logger,
		sink:     sink,
	}
}

// generateSessionID returns a CSPRNG-backed "sess_<32 hex>" identifier
// (128 bits of entropy). A crypto/rand read failure is treated as fatal
// rather than silently falling back to a weaker source: per the ported
// original's documented stance, weakening randomness on RNG failure is
// never acceptable for a security-relevant identifier.
func generateSessionID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("session: crypto/rand unavailable: %v", err))
	}
	return "sess_" + hex.EncodeToString(buf[:])
}

// withLock runs fn while holding the manager's mutex. The recover here
// is Go's analog to the Rust implementation's poisoned-lock recovery: a
// plain sync.Mutex can't be poisoned and Unlock always runs via defer,
// but if a critical section panics anyway this logs it as CRITICAL and
// lets the manager keep serving other sessions instead of taking the
// whole process down.
func (m *Manager) withLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			if m.logger != nil {
				m.logger.Errorw("CRITICAL: session store critical section recovered from panic", "panic", r)
			}
		}
	}()
	fn()
}

func (m *Manager) record(evt Event) {
	evt.Timestamp = m.clock.Now()
	m.sink.RecordSessionEvent(evt)
	if m.logger != nil {
		m.logger.Infow(string(evt.Type), "session", evt.SessionID, "user", evt.UserID, "detail", evt.Detail)
	}
}

// CreateSession creates a new session at PrivilegeUser.
func (m *Manager) CreateSession(userID string) (*Session, error) {
	return m.CreateSessionWithPrivilege(userID, PrivilegeUser)
}

// CreateSessionWithPrivilege creates a new session at the given
// privilege level. At MaxSessions, it first tries to evict the single
// oldest expired session to make room; if none is expired, it refuses
// with a LimitExceededError rather than growing the table unbounded.
func (m *Manager) CreateSessionWithPrivilege(userID string, privilege PrivilegeLevel) (*Session, error) {
	id := generateSessionID()
	now := m.clock.Now()
	s := newSession(id, userID, privilege, m.config, now)

	maxSessions := m.config.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	var limitExceeded bool
	var evictedID string
	m.withLock(func() {
		if len(m.sessions) >= maxSessions {
			evictedID = m.evictOldestExpiredLocked(now)
			if evictedID == "" {
				limitExceeded = true
				return
			}
		}
		m.sessions[id] = s
	})

	if limitExceeded {
		return nil, &types.LimitExceededError{Msg: fmt.Sprintf("session limit of %d reached", maxSessions)}
	}
	if evictedID != "" {
		m.record(Event{Type: EventTerminated, SessionID: evictedID, Detail: "evicted: session table at capacity"})
	}
	m.record(Event{Type: EventCreated, SessionID: id, UserID: userID})
	return s, nil
}

// evictOldestExpiredLocked removes the expired session with the earliest
// LastActivity, returning its ID, or "" if no session is expired. Must
// be called with the manager's lock held.
func (m *Manager) evictOldestExpiredLocked(now time.Time) string {
	var oldestID string
	var oldestActivity time.Time
	for id, s := range m.sessions {
		if !s.IsExpired(now) {
			continue
		}
		if oldestID == "" || s.LastActivity.Before(oldestActivity) {
			oldestID = id
			oldestActivity = s.LastActivity
		}
	}
	if oldestID != "" {
		delete(m.sessions, oldestID)
	}
	return oldestID
}

// GetSession returns a copy of the session, or false if unknown. The
// copy is a snapshot: mutate the live session only through Manager
// methods.
func (m *Manager) GetSession(id string) (Session, bool) {
	var out Session
	var ok bool
	m.withLock(func() {
		s, found := m.sessions[id]
		if found {
			out = *s
			ok = true
		}
	})
	return out, ok
}

// ValidateSession recomputes a session's state without refreshing its
// activity timestamp.
func (m *Manager) ValidateSession(id string) (valid bool, state State, message string) {
	state = StateExpired
	message = "session not found"
	m.withLock(func() {
		s, found := m.sessions[id]
		if !found {
			return
		}
		now := m.clock.Now()
		st, msg := s.updateState(now)
		valid = st.IsActive()
		state = st
		message = msg
	})
	return valid, state, message
}

// RefreshSession bumps a session's activity timestamp, returning its new
// state. Returns (StateExpired, false) if the session is unknown.
func (m *Manager) RefreshSession(id string) (State, bool) {
	var state State
	var ok bool
	m.withLock(func() {
		s, found := m.sessions[id]
		if !found {
			return
		}
		ok = true
		now := m.clock.Now()
		if s.state.RequiresReauth() {
			m.record(Event{Type: EventReauthRequired, SessionID: id, UserID: s.UserID})
			state = s.state
			return
		}
		if s.IsExpired(now) {
			s.state = StateExpired
			m.record(Event{Type: EventExpired, SessionID: id, UserID: s.UserID, Detail: durationDetail(s.SessionDuration(now))})
			state = StateExpired
			return
		}
		s.refresh(now)
		state = StateActive
		m.record(Event{Type: EventRefreshed, SessionID: id, UserID: s.UserID, Detail: durationDetail(s.TimeRemaining(now))})
	})
	return state, ok
}

// ValidateAndRefresh atomically validates and, only if still valid,
// refreshes a session in one locked operation. This is the operation
// the ported Rust type exists for: validate-then-refresh as two
// separate calls would let a session expire in between.
func (m *Manager) ValidateAndRefresh(id string) (valid bool, state State, message string, remaining time.Duration) {
	state = StateExpired
	message = "session not found"
	m.withLock(func() {
		s, found := m.sessions[id]
		if !found {
			return
		}
		now := m.clock.Now()
		st, msg := s.updateState(now)
		if !st.IsActive() {
			state, message = st, msg
			return
		}

		s.refresh(now)
		remaining = s.TimeRemaining(now)
		valid, state, message = true, StateActive, msg
		m.record(Event{Type: EventRefreshed, SessionID: id, UserID: s.UserID, Detail: durationDetail(remaining)})
	})
	return valid, state, message, remaining
}

// TerminateSession moves a session to StateTerminated. Returns false if
// the session is unknown.
func (m *Manager) TerminateSession(id, reason string) bool {
	var ok bool
	m.withLock(func() {
		s, found := m.sessions[id]
		if !found {
			return
		}
		ok = true
		s.state = StateTerminated
		m.record(Event{Type: EventTerminated, SessionID: id, UserID: s.UserID, Detail: reason})
	})
	return ok
}

// LockSession moves a session to StateLocked, requiring re-auth.
func (m *Manager) LockSession(id, reason string) bool {
	var ok bool
	m.withLock(func() {
		s, found := m.sessions[id]
		if !found {
			return
		}
		ok = true
		s.state = StateLocked
		m.record(Event{Type: EventLocked, SessionID: id, UserID: s.UserID, Detail: reason})
	})
	return ok
}

// RotateSessionID replaces a session's ID in place, preserving every
// other field, and re-indexes it in the session table. Used both for
// privilege-escalation rotation and periodic rotation; prevents session
// fixation across a privilege change.
func (m *Manager) RotateSessionID(oldID, reason string) (string, bool) {
	var newID string
	var ok bool
	m.withLock(func() {
		s, found := m.sessions[oldID]
		if !found {
			return
		}
		delete(m.sessions, oldID)

		newID = generateSessionID()
		s.ID = newID
		s.LastRotation = m.clock.Now()
		m.sessions[newID] = s
		ok = true

		m.record(Event{Type: EventRotated, SessionID: newID, UserID: s.UserID, Detail: fmt.Sprintf("old=%s reason=%s", oldID, reason)})
	})
	return newID, ok
}

// UpdatePrivilegeLevel changes a session's privilege and, if it actually
// escalated, rotates its ID. Returns the new session ID if rotation
// occurred.
func (m *Manager) UpdatePrivilegeLevel(id string, newLevel PrivilegeLevel) (string, bool) {
	shouldRotate := false
	m.withLock(func() {
		s, found := m.sessions[id]
		if !found {
			return
		}
		if s.Privilege == newLevel {
			return
		}
		old := s.Privilege
		s.Privilege = newLevel
		shouldRotate = true
		m.record(Event{Type: EventPrivilegeChanged, SessionID: id, UserID: s.UserID, Detail: fmt.Sprintf("%s->%s", old, newLevel)})
	})
	if !shouldRotate {
		return "", false
	}
	return m.RotateSessionID(id, fmt.Sprintf("privilege_escalation_to_%s", newLevel))
}

// CheckAndRotatePeriodic rotates a session's ID if RotationInterval has
// elapsed since its last rotation.
func (m *Manager) CheckAndRotatePeriodic(id string) (string, bool) {
	due := false
	m.withLock(func() {
		s, found := m.sessions[id]
		if !found {
			return
		}
		due = s.ShouldRotatePeriodic(m.clock.Now())
	})
	if !due {
		return "", false
	}
	return m.RotateSessionID(id, "periodic_rotation")
}

// CleanupExpired removes every session whose IsExpired is true,
// returning the count removed.
func (m *Manager) CleanupExpired() int {
	removed := 0
	m.withLock(func() {
		now := m.clock.Now()
		for id, s := range m.sessions {
			if s.IsExpired(now) {
				delete(m.sessions, id)
				removed++
			}
		}
	})
	return removed
}

// ActiveSessionCount returns the number of non-expired sessions.
func (m *Manager) ActiveSessionCount() int {
	count := 0
	m.withLock(func() {
		now := m.clock.Now()
		for _, s := range m.sessions {
			if !s.IsExpired(now) {
				count++
			}
		}
	})
	return count
}

func durationDetail(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

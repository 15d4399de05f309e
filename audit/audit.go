// Package audit implements the audit-logging half of C7: an
// append-only, secret-redacted trail of every query (which tier served
// it, tokens, cost, whether it was blocked) plus session lifecycle
// events. Ported from original_source/src/audit.rs's AuditEntry/
// AuditLogger/truncate_query, with redaction grounded on
// security/pii_masking.go's regexp-pattern-and-replacement engine,
// repurposed from PII categories to secret categories (API keys,
// bearer tokens, basic-auth credentials).
package audit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rigrun/rigrun/cost"
	"github.com/rigrun/rigrun/session"
	"github.com/rigrun/rigrun/types"
)

// queryPreviewLength matches the ported original's QUERY_PREVIEW_LENGTH.
const queryPreviewLength = 50

// maxRecentEntries bounds the in-memory ring buffer, matching the
// ported original's 10,000-entry recent_entries cap.
const maxRecentEntries = 10_000

// Tier is the audit-facing tier label: coarser than types.Tier in that
// a policy-blocked Cloud attempt gets its own category instead of being
// indistinguishable from a successful Cloud request.
type Tier string

const (
	TierCacheHit     Tier = "CACHE_HIT"
	TierLocal        Tier = "LOCAL"
	TierCloud        Tier = "CLOUD"
	TierCloudBlocked Tier = "CLOUD_BLOCKED"
)

func tierFor(t types.Tier, blocked bool) Tier {
	if blocked {
		return TierCloudBlocked
	}
	switch t {
	case types.TierCache:
		return TierCacheHit
	case types.TierLocal:
		return TierLocal
	default:
		return TierCloud
	}
}

// Entry is one logged query.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Tier         Tier      `json:"tier"`
	QueryPreview string    `json:"query_preview"`
	Tokens       int       `json:"tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Blocked      bool      `json:"blocked"`
}

// logLine formats an entry the way the ported original's
// to_log_line does: a fixed-width, human-scannable append-only record.
func (e Entry) logLine() string {
	return fmt.Sprintf("%s | %13s | %q | %d tokens | $%.2f",
		e.Timestamp.Format("2006-01-02 15:04:05"), e.Tier, e.QueryPreview, e.Tokens, e.CostUSD)
}

// truncateQuery collapses whitespace (including newlines) and clips to
// maxLen, adding an ellipsis marker, matching the ported original's
// truncate_query.
func truncateQuery(query string, maxLen int) string {
	collapsed := strings.Join(strings.Fields(query), " ")
	if len(collapsed) <= maxLen {
		return collapsed
	}
	cut := maxLen - 3
	if cut < 0 {
		cut = 0
	}
	return collapsed[:cut] + "..."
}

// Logger is the append-only audit sink plus a bounded in-memory buffer
// for fast export. Safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	logPath string
	enabled bool
	recent  []Entry
	redact  *Redactor
	clock   clock.Clock
}

// NewLogger builds a Logger writing to logPath. enabled=false makes
// every logging call a no-op, matching the ported original's
// is_enabled/set_enabled toggle for privacy-conscious operators who
// want the router to run with auditing off entirely.
func NewLogger(logPath string, enabled bool) *Logger {
	return newLoggerWithClock(logPath, enabled, clock.New())
}

func newLoggerWithClock(logPath string, enabled bool, clk clock.Clock) *Logger {
	return &Logger{logPath: logPath, enabled: enabled, redact: NewRedactor(), clock: clk}
}

// SetEnabled toggles logging at runtime.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

func (l *Logger) log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}

	l.recent = append(l.recent, entry)
	if len(l.recent) > maxRecentEntries {
		l.recent = l.recent[len(l.recent)-maxRecentEntries:]
	}

	if l.logPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.logPath), 0o755); err != nil {
		return fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintln(f, entry.logLine())
	return err
}

// LogQuery records a served query: tier, token counts, and cost. The
// query text is redacted and truncated to a 50-char preview before
// anything touches the entry or the log file.
func (l *Logger) LogQuery(tier types.Tier, query string, promptTokens, completionTokens int, model string) error {
	cleaned := l.redact.Redact(query)
	entry := Entry{
		Timestamp:    l.clock.Now(),
		Tier:         tierFor(tier, false),
		QueryPreview: truncateQuery(cleaned, queryPreviewLength),
		Tokens:       promptTokens + completionTokens,
		CostUSD:      cost.CalculateChatCost(model, promptTokens, completionTokens),
	}
	return l.log(entry)
}

// LogBlocked records a Cloud attempt refused by policy (Paranoid/
// LocalOnly mode). No tokens, no cost: the backend was never called.
func (l *Logger) LogBlocked(tier types.Tier, query string) error {
	cleaned := l.redact.Redact(query)
	entry := Entry{
		Timestamp:    l.clock.Now(),
		Tier:         tierFor(tier, true),
		QueryPreview: truncateQuery(cleaned, queryPreviewLength),
		Blocked:      true,
	}
	return l.log(entry)
}

// RecordSessionEvent implements session.Sink, so a Logger can be handed
// directly to session.NewManager as its event sink.
func (l *Logger) RecordSessionEvent(e session.Event) {
	line := fmt.Sprintf("%s | %s | session=%s user=%s detail=%s",
		e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.SessionID, e.UserID, l.redact.Redact(e.Detail))

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || l.logPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.logPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// RecentEntries returns a copy of the in-memory ring buffer.
func (l *Logger) RecentEntries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.recent))
	copy(out, l.recent)
	return out
}

// ReadAll reads every line from the log file on disk. A missing file
// returns an empty slice, not an error.
func (l *Logger) ReadAll() ([]string, error) {
	f, err := os.Open(l.logPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Clear truncates the log file and empties the in-memory buffer.
func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = nil
	if l.logPath == "" {
		return nil
	}
	err := os.Remove(l.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RecordSuccess implements routing.Recorder, letting a Logger be handed
// directly to routing.New as the audit half of bookkeeping.
func (l *Logger) RecordSuccess(tier types.Tier, q types.Query, resp types.Response, blocked bool) {
	model := resp.Model
	if model == "" {
		model = q.RequestedModel
	}
	l.LogQuery(tier, q.LastUserText(), resp.PromptTokens, resp.CompletionTokens, model)
}

// RecordBlocked implements routing.Recorder.
func (l *Logger) RecordBlocked(tier types.Tier, q types.Query) {
	l.LogBlocked(tier, q.LastUserText())
}

// Redactor scrubs secret-shaped substrings (API keys, bearer tokens,
// basic-auth credentials, email addresses) from audit previews before
// they ever reach disk. Grounded on security.PIIMasker's
// compiled-pattern-and-replacement shape, narrowed from PII categories
// to the secret categories relevant to an audit trail of LLM prompts.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	re          *regexp.Regexp
	replacement string
}

// NewRedactor builds a Redactor with the built-in secret patterns.
func NewRedactor() *Redactor {
	return &Redactor{patterns: builtinSecretPatterns()}
}

// Redact returns text with every matched secret pattern replaced by its
// placeholder.
func (r *Redactor) Redact(text string) string {
	out := text
	for _, p := range r.patterns {
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}

func builtinSecretPatterns() []redactPattern {
	return []redactPattern{
		{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), "[REDACTED_API_KEY]"},
		{regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]{10,}`), "Bearer [REDACTED_TOKEN]"},
		{regexp.MustCompile(`(?i)\b[A-Za-z][A-Za-z0-9+.-]*://[^\s:@/]+:[^\s:@/]+@`), "[REDACTED_CREDENTIALS]@"},
		{regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`), "password=[REDACTED]"},
		{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[REDACTED_EMAIL]"},
	}
}

// Package stats implements cost/savings tracking (C7's stats half):
// every completed request records actual spend (Cloud) or imputed
// savings (Cache/Local, priced as if Cloud had served it with the
// requested model). Grounded on original_source/src/stats/mod.rs's
// framing ("local inference is free, every local query is money
// saved") and persisted with the same write-temp-then-rename rollup
// pattern as cache.FlushToDisk.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/rigrun/rigrun/cost"
	"github.com/rigrun/rigrun/types"
)

// Usage is one completed request's accounting inputs.
type Usage struct {
	Tier             types.Tier
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Totals accumulates request counts, token counts, real cloud spend,
// and imputed savings over some period (a session or all-time).
type Totals struct {
	Requests         int64   `json:"requests"`
	CacheHits        int64   `json:"cache_hits"`
	LocalRequests    int64   `json:"local_requests"`
	CloudRequests    int64   `json:"cloud_requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CloudSpendUSD    float64 `json:"cloud_spend_usd"`
	SavedUSD         float64 `json:"saved_usd"`
}

func (t *Totals) record(u Usage) {
	t.Requests++
	t.PromptTokens += int64(u.PromptTokens)
	t.CompletionTokens += int64(u.CompletionTokens)

	imputedCost := cost.CalculateChatCost(u.Model, u.PromptTokens, u.CompletionTokens)
	switch u.Tier {
	case types.TierCache:
		t.CacheHits++
		t.SavedUSD += imputedCost
	case types.TierLocal:
		t.LocalRequests++
		t.SavedUSD += imputedCost
	case types.TierCloud:
		t.CloudRequests++
		t.CloudSpendUSD += imputedCost
	}
}

// DailyRollup is a per-UTC-day aggregate of usage and imputed savings,
// frozen at UTC midnight: a DailyRollup for "today" only ever grows
// (monotone non-decreasing) until the day rolls over, at which point it
// is appended to the Tracker's history and a fresh one begins.
type DailyRollup struct {
	Date       string  `json:"date"`
	Queries    int64   `json:"queries"`
	LocalCount int64   `json:"local_count"`
	CloudCount int64   `json:"cloud_count"`
	CacheHits  int64   `json:"cache_hits"`
	SpentUSD   float64 `json:"spent_usd"`
	SavedUSD   float64 `json:"saved_usd"`
}

func (d *DailyRollup) record(u Usage) {
	d.Queries++
	imputedCost := cost.CalculateChatCost(u.Model, u.PromptTokens, u.CompletionTokens)
	switch u.Tier {
	case types.TierCache:
		d.CacheHits++
		d.SavedUSD += imputedCost
	case types.TierLocal:
		d.LocalCount++
		d.SavedUSD += imputedCost
	case types.TierCloud:
		d.CloudCount++
		d.SpentUSD += imputedCost
	}
}

const dailyRollupDateFormat = "2006-01-02"

// Tracker accumulates session (process-lifetime) and all-time
// (persisted) totals, plus a rolling history of frozen DailyRollups.
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	session Totals
	allTime Totals
	daily   DailyRollup
	history []DailyRollup
	clock   clock.Clock
}

// NewTracker builds a Tracker with no prior history. Call LoadFromDisk
// to seed allTime from a previous run's rollup.
func NewTracker() *Tracker {
	return newTrackerWithClock(clock.New())
}

func newTrackerWithClock(clk clock.Clock) *Tracker {
	return &Tracker{clock: clk}
}

// Record folds one completed request's usage into the session, all-time,
// and current-day totals, rolling the day over first if the clock has
// crossed a UTC midnight since the last Record call.
func (t *Tracker) Record(u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.session.record(u)
	t.allTime.record(u)

	today := t.clock.Now().UTC().Format(dailyRollupDateFormat)
	if t.daily.Date == "" {
		t.daily.Date = today
	} else if t.daily.Date != today {
		t.history = append(t.history, t.daily)
		t.daily = DailyRollup{Date: today}
	}
	t.daily.record(u)
}

// Today returns a snapshot of the current UTC day's rollup. It keeps
// growing until the day rolls over; it is never retroactively frozen.
func (t *Tracker) Today() DailyRollup {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.daily
}

// DailyHistory returns every DailyRollup frozen at a prior UTC midnight,
// oldest first. The current day is not included; call Today for that.
func (t *Tracker) DailyHistory() []DailyRollup {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DailyRollup, len(t.history))
	copy(out, t.history)
	return out
}

// SessionStats returns a snapshot of totals accumulated since this
// Tracker was constructed (process lifetime).
func (t *Tracker) SessionStats() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// AllTime returns a snapshot of totals accumulated across every
// Record call plus whatever was loaded from a prior rollup.
func (t *Tracker) AllTime() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allTime
}

const rollupVersion = 2

type rollup struct {
	Version int           `json:"version"`
	Date    string        `json:"date"`
	Totals  Totals        `json:"totals"`
	Daily   DailyRollup   `json:"daily"`
	History []DailyRollup `json:"history"`
}

// FlushToDisk writes the current all-time totals, the in-progress daily
// rollup, and the frozen daily history to path, using the same
// write-temp-then-rename pattern as the response cache's disk
// persistence so a crash mid-write can't corrupt it.
func (t *Tracker) FlushToDisk(path string) error {
	t.mu.Lock()
	history := make([]DailyRollup, len(t.history))
	copy(history, t.history)
	snapshot := rollup{
		Version: rollupVersion,
		Date:    t.clock.Now().Format(dailyRollupDateFormat),
		Totals:  t.allTime,
		Daily:   t.daily,
		History: history,
	}
	t.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal stats rollup: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".stats-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp stats file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp stats file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp stats file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// LoadFromDisk seeds allTime from a prior rollup at path. A missing or
// corrupt file is not an error: stats simply start from zero, matching
// the cache's "tolerate and continue" load contract.
func (t *Tracker) LoadFromDisk(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return nil
	}

	var snapshot rollup
	if err := json.Unmarshal(data, &snapshot); err != nil || snapshot.Version != rollupVersion {
		return nil
	}

	t.mu.Lock()
	t.allTime = snapshot.Totals
	t.daily = snapshot.Daily
	t.history = snapshot.History
	t.mu.Unlock()
	return nil
}

// RecordSuccess implements routing.Recorder, letting a Tracker be
// handed directly to routing.New as the success half of bookkeeping.
func (t *Tracker) RecordSuccess(tier types.Tier, q types.Query, resp types.Response, blocked bool) {
	if blocked {
		return
	}
	model := resp.Model
	if model == "" {
		model = q.RequestedModel
	}
	t.Record(Usage{Tier: tier, Model: model, PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens})
}

// RecordBlocked implements routing.Recorder. Blocked attempts never
// reach a backend, so they carry no token/cost accounting.
func (t *Tracker) RecordBlocked(types.Tier, types.Query) {}

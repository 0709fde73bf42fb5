// Package ratelimit mirrors the external API's daily and per-minute call
// budgets, merges the most pessimistic view from cache and store, and
// enforces the operator's posture when a budget runs out.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/config"
	"github.com/finbridge/exactlink/internal/db/models"
	"github.com/finbridge/exactlink/internal/notify"
	"github.com/finbridge/exactlink/internal/provider"
	"github.com/finbridge/exactlink/internal/store"
	"golang.org/x/time/rate"
)

const cacheKeyPrefix = "rate-limits:"

// Reset timestamps above this are taken to be milliseconds since epoch.
const millisEpochFloor = int64(100_000_000_000)

const (
	dailyWarnPercent  = 90.0
	minutelyWarnFloor = 10
)

// CheckResult is the merged quota view handed to a caller about to make
// an API call.
type CheckResult struct {
	CanProceed        bool
	DailyLimit        int64
	DailyRemaining    int64
	MinutelyLimit     int64
	MinutelyRemaining int64
}

// TrackResult summarizes one ingested response's quota information.
type TrackResult struct {
	Tracked              bool
	DailyUsagePercent    *float64
	MinutelyUsagePercent *float64
	Warnings             []string
}

// Tracker maintains the best available estimate of remaining budget.
// Reads go through a short-TTL cache; cache and persisted copies merge by
// taking the lower remaining per window, because either could be stale in
// the less-restrictive direction.
type Tracker struct {
	states *store.RateLimits
	cache  store.Cache
	hub    *notify.Hub
	clock  clock.Clock
	cfg    config.RateLimitConfig
	waiter *Waiter

	// Pre-observation safety net: until real headers have been seen for
	// a connection, calls are paced at the conservative default rate.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTracker(states *store.RateLimits, cache store.Cache, hub *notify.Hub, clk clock.Clock, cfg config.RateLimitConfig) *Tracker {
	return &Tracker{
		states:   states,
		cache:    cache,
		hub:      hub,
		clock:    clk,
		cfg:      cfg,
		waiter:   NewWaiter(states, cache, clk, cfg),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Waiter exposes the gate for callers that manage waits themselves.
func (t *Tracker) Waiter() *Waiter { return t.waiter }

// Check evaluates whether a call may proceed right now. Depending on the
// configured posture it raises a quota error, tolerates the overrun, or
// blocks until the minutely window resets.
func (t *Tracker) Check(ctx context.Context, connectionID string) (*CheckResult, error) {
	state, err := t.states.GetOrCreate(connectionID, t.defaultState())
	if err != nil {
		return nil, err
	}

	merged := *state
	if cached, ok := t.cachedState(connectionID); ok {
		mergeRestrictive(&merged, cached)
	}
	t.applyElapsedResets(&merged)

	if merged.LastCheckedAt == 0 {
		// No real headers observed yet; pace locally instead of
		// trusting the optimistic defaults.
		if !t.limiter(connectionID).Allow() {
			if err := t.enforceMinutely(ctx, &merged); err != nil {
				return nil, err
			}
		}
	}

	t.warnThresholds(&merged)

	if merged.DailyLimit > 0 && merged.DailyRemaining <= 0 {
		secondsLeft := merged.DailyResetAt - t.clock.Now().Unix()
		if secondsLeft < 0 {
			secondsLeft = 0
		}
		if t.cfg.DailyPosture == config.PostureTolerate {
			log.Printf("⚠️ daily quota exhausted for connection %s, tolerating per configuration", connectionID)
		} else {
			return nil, &QuotaExceededError{Window: WindowDaily, Limit: merged.DailyLimit, SecondsUntilReset: secondsLeft}
		}
	}

	if merged.MinutelyLimit > 0 && merged.MinutelyRemaining <= 0 {
		if err := t.enforceMinutely(ctx, &merged); err != nil {
			return nil, err
		}
	}

	t.writeCache(&merged)

	return &CheckResult{
		CanProceed:        true,
		DailyLimit:        merged.DailyLimit,
		DailyRemaining:    merged.DailyRemaining,
		MinutelyLimit:     merged.MinutelyLimit,
		MinutelyRemaining: merged.MinutelyRemaining,
	}, nil
}

// RecordUsage ingests the quota headers one API response carried. Absent
// headers are a no-op: not every client surface exposes them uniformly.
func (t *Tracker) RecordUsage(ctx context.Context, connectionID string, snapshot *provider.QuotaSnapshot) (*TrackResult, error) {
	if snapshot == nil || snapshot.Empty() {
		return &TrackResult{Tracked: false}, nil
	}

	state, err := t.states.GetOrCreate(connectionID, t.defaultState())
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	if state.LastCheckedAt != 0 {
		last := time.Unix(state.LastCheckedAt, 0).UTC()
		if last.Format("2006-01-02") != now.UTC().Format("2006-01-02") {
			state.TotalCallsToday = 0
		}
	}

	applySnapshot(state, snapshot)
	state.TotalCallsToday++
	state.LastCheckedAt = now.Unix()

	if err := t.states.Save(state); err != nil {
		return nil, err
	}
	t.writeCache(state)

	result := &TrackResult{Tracked: true}
	if state.DailyLimit > 0 {
		pct := usagePercent(state.DailyLimit, state.DailyRemaining)
		result.DailyUsagePercent = &pct
		if pct >= dailyWarnPercent {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("daily usage at %.1f%% of %d", pct, state.DailyLimit))
		}
	}
	if state.MinutelyLimit > 0 {
		pct := usagePercent(state.MinutelyLimit, state.MinutelyRemaining)
		result.MinutelyUsagePercent = &pct
		if state.MinutelyRemaining < minutelyWarnFloor {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("minutely remaining down to %d", state.MinutelyRemaining))
		}
	}

	t.hub.Publish(notify.Event{
		Type:         notify.EventRateLimitUpdated,
		ConnectionID: connectionID,
		Data: map[string]any{
			"daily_remaining":    state.DailyRemaining,
			"minutely_remaining": state.MinutelyRemaining,
			"total_calls_today":  state.TotalCallsToday,
		},
	})
	if len(result.Warnings) > 0 {
		t.hub.Publish(notify.Event{
			Type:         notify.EventRateLimitApproached,
			ConnectionID: connectionID,
			Data:         map[string]any{"warnings": result.Warnings},
		})
	}

	return result, nil
}

// enforceMinutely applies the minutely posture: raise immediately or
// delegate to the waiter.
func (t *Tracker) enforceMinutely(ctx context.Context, state *models.RateLimitState) error {
	if t.cfg.MinutelyPosture == config.PostureWait {
		return t.waiter.WaitForReset(ctx, state, WindowMinutely)
	}
	secondsLeft := state.MinutelyResetAt - t.clock.Now().Unix()
	if secondsLeft < 0 {
		secondsLeft = 0
	}
	limit := state.MinutelyLimit
	if limit == 0 {
		limit = t.cfg.DefaultMinutelyLimit
	}
	return &QuotaExceededError{Window: WindowMinutely, Limit: limit, SecondsUntilReset: secondsLeft}
}

func (t *Tracker) defaultState() models.RateLimitState {
	// Daily budget unconstrained until observed; minutely starts at the
	// conservative default so the first minute cannot overrun.
	return models.RateLimitState{
		MinutelyLimit:     t.cfg.DefaultMinutelyLimit,
		MinutelyRemaining: t.cfg.DefaultMinutelyLimit,
	}
}

func (t *Tracker) limiter(connectionID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim, ok := t.limiters[connectionID]
	if !ok {
		perSecond := rate.Limit(float64(t.cfg.DefaultMinutelyLimit) / 60.0)
		lim = rate.NewLimiter(perSecond, int(t.cfg.DefaultMinutelyLimit))
		t.limiters[connectionID] = lim
	}
	return lim
}

func (t *Tracker) cachedState(connectionID string) (*models.RateLimitState, bool) {
	raw, ok := t.cache.Get(cacheKeyPrefix + connectionID)
	if !ok {
		return nil, false
	}
	var state models.RateLimitState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, false
	}
	return &state, true
}

func (t *Tracker) writeCache(state *models.RateLimitState) {
	refreshCache(t.cache, state, t.cfg.CacheTTL)
}

func refreshCache(cache store.Cache, state *models.RateLimitState, ttl time.Duration) {
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	cache.Set(cacheKeyPrefix+state.ConnectionID, string(raw), ttl)
}

// applyElapsedResets snaps remaining back to the limit for windows whose
// reset time has already passed.
func (t *Tracker) applyElapsedResets(state *models.RateLimitState) {
	now := t.clock.Now().Unix()
	if state.DailyResetAt != 0 && state.DailyResetAt <= now {
		state.DailyRemaining = state.DailyLimit
	}
	if state.MinutelyResetAt != 0 && state.MinutelyResetAt <= now {
		state.MinutelyRemaining = state.MinutelyLimit
	}
}

func (t *Tracker) warnThresholds(state *models.RateLimitState) {
	if state.DailyLimit > 0 {
		if pct := usagePercent(state.DailyLimit, state.DailyRemaining); pct >= dailyWarnPercent {
			log.Printf("⚠️ connection %s at %.1f%% of daily quota (%d remaining)", state.ConnectionID, pct, state.DailyRemaining)
		}
	}
	if state.MinutelyLimit > 0 && state.MinutelyRemaining < minutelyWarnFloor {
		log.Printf("⚠️ connection %s down to %d minutely calls", state.ConnectionID, state.MinutelyRemaining)
	}
}

// mergeRestrictive folds the cached view into dst, keeping the lower
// remaining per window. Remaining counts may only ever shrink between
// resets, so the smaller number is the trustworthy one.
func mergeRestrictive(dst, cached *models.RateLimitState) {
	if cached.DailyRemaining < dst.DailyRemaining {
		dst.DailyRemaining = cached.DailyRemaining
		if cached.DailyLimit > 0 {
			dst.DailyLimit = cached.DailyLimit
		}
		if cached.DailyResetAt > 0 {
			dst.DailyResetAt = cached.DailyResetAt
		}
	}
	if cached.MinutelyRemaining < dst.MinutelyRemaining {
		dst.MinutelyRemaining = cached.MinutelyRemaining
		if cached.MinutelyLimit > 0 {
			dst.MinutelyLimit = cached.MinutelyLimit
		}
		if cached.MinutelyResetAt > 0 {
			dst.MinutelyResetAt = cached.MinutelyResetAt
		}
	}
	if cached.LastCheckedAt > dst.LastCheckedAt {
		dst.LastCheckedAt = cached.LastCheckedAt
	}
}

// applySnapshot writes observed header values over the state, clamping to
// the remaining<=limit invariant and normalizing millisecond resets.
func applySnapshot(state *models.RateLimitState, s *provider.QuotaSnapshot) {
	if s.DailyLimit != nil {
		state.DailyLimit = *s.DailyLimit
	}
	if s.DailyRemaining != nil {
		state.DailyRemaining = *s.DailyRemaining
	}
	if s.DailyResetAt != nil {
		state.DailyResetAt = normalizeEpochSeconds(*s.DailyResetAt)
	}
	if s.MinutelyLimit != nil {
		state.MinutelyLimit = *s.MinutelyLimit
	}
	if s.MinutelyRemaining != nil {
		state.MinutelyRemaining = *s.MinutelyRemaining
	}
	if s.MinutelyResetAt != nil {
		state.MinutelyResetAt = normalizeEpochSeconds(*s.MinutelyResetAt)
	}

	if state.DailyLimit > 0 && state.DailyRemaining > state.DailyLimit {
		state.DailyRemaining = state.DailyLimit
	}
	if state.MinutelyLimit > 0 && state.MinutelyRemaining > state.MinutelyLimit {
		state.MinutelyRemaining = state.MinutelyLimit
	}
}

func normalizeEpochSeconds(v int64) int64 {
	if v > millisEpochFloor {
		return v / 1000
	}
	return v
}

func usagePercent(limit, remaining int64) float64 {
	return float64(limit-remaining) / float64(limit) * 100.0
}

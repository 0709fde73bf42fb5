package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/config"
	"github.com/finbridge/exactlink/internal/db/models"
	"github.com/finbridge/exactlink/internal/store"
)

// progressChunk bounds each individual sleep so operators can see the
// process is intentionally blocked, not hung.
const progressChunk = 5 * time.Second

// Waiter sleeps past an imminent quota reset instead of failing outright.
// This is the one place in the core that deliberately blocks the caller,
// bounded by the operator-configured maximum wait per window.
type Waiter struct {
	states *store.RateLimits
	cache  store.Cache
	clock  clock.Clock
	cfg    config.RateLimitConfig
}

func NewWaiter(states *store.RateLimits, cache store.Cache, clk clock.Clock, cfg config.RateLimitConfig) *Waiter {
	return &Waiter{states: states, cache: cache, clock: clk, cfg: cfg}
}

// WaitForReset blocks until the window's reset has passed, then
// optimistically restores the counters. The wait-or-fail decision is made
// up front: it never sleeps partially and then fails.
func (w *Waiter) WaitForReset(ctx context.Context, state *models.RateLimitState, window Window) error {
	now := w.clock.Now().Unix()

	var resetAt, limit int64
	var maxWait time.Duration
	switch window {
	case WindowDaily:
		resetAt, limit, maxWait = state.DailyResetAt, state.DailyLimit, w.cfg.MaxWaitDaily
	case WindowMinutely:
		resetAt, limit, maxWait = state.MinutelyResetAt, state.MinutelyLimit, w.cfg.MaxWaitMinutely
	}

	wait := time.Duration(resetAt-now) * time.Second
	if wait < 0 {
		wait = 0
	}
	if wait > maxWait {
		return &QuotaExceededError{
			Window:            window,
			Limit:             limit,
			SecondsUntilReset: int64(wait.Seconds()),
		}
	}

	// One extra second tolerates clock skew against the provider.
	remaining := wait + time.Second
	log.Printf("⏳ %s quota exhausted for connection %s, waiting %s for reset", window, state.ConnectionID, remaining)
	for remaining > 0 {
		chunk := remaining
		if chunk > progressChunk {
			chunk = progressChunk
		}
		if err := w.clock.Sleep(ctx, chunk); err != nil {
			return err
		}
		remaining -= chunk
		if remaining > 0 {
			log.Printf("⏳ still waiting %s for %s reset on connection %s", remaining, window, state.ConnectionID)
		}
	}

	w.resetWindow(state, window)
	if err := w.states.Save(state); err != nil {
		return err
	}
	refreshCache(w.cache, state, w.cfg.CacheTTL)
	return nil
}

// resetWindow restores the counters locally and advances the reset one
// full window from now. The next real API response corrects this if the
// provider disagrees.
func (w *Waiter) resetWindow(state *models.RateLimitState, window Window) {
	now := w.clock.Now()
	switch window {
	case WindowDaily:
		state.DailyRemaining = state.DailyLimit
		state.DailyResetAt = now.Add(24 * time.Hour).Unix()
	case WindowMinutely:
		state.MinutelyRemaining = state.MinutelyLimit
		state.MinutelyResetAt = now.Add(time.Minute).Unix()
	}
}

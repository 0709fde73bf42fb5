// Package retry is the single backoff combinator used by every outbound
// call that may transiently fail.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultPolicy matches the refresh contract: 3 attempts backing off
// 100ms, 200ms, 400ms.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
}

// MaxRetriesError reports that every attempt failed.
type MaxRetriesError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("%s: max retries exceeded after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *MaxRetriesError) Unwrap() error { return e.Last }

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do aborts immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn under the policy, sleeping after every failed attempt. It
// returns nil on the first success, the unwrapped error for a permanent
// failure, and a MaxRetriesError once attempts are exhausted.
func Do(ctx context.Context, clk clock.Clock, p Policy, op string, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}

	delay := p.BaseDelay
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		log.Printf("⚠️ %s attempt %d/%d failed: %v", op, attempt, p.MaxAttempts, err)

		if sleepErr := clk.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return &MaxRetriesError{Op: op, Attempts: p.MaxAttempts, Last: last}
}

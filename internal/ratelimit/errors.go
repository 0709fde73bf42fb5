package ratelimit

import "fmt"

// Window identifies which quota budget is being enforced.
type Window string

const (
	WindowDaily    Window = "daily"
	WindowMinutely Window = "minutely"
)

// QuotaExceededError reports an exhausted budget that will not be waited
// out. It carries what the caller needs to schedule its own backoff.
type QuotaExceededError struct {
	Window            Window
	Limit             int64
	SecondsUntilReset int64
}

func (e *QuotaExceededError) Error() string {
	if e.SecondsUntilReset > 0 {
		return fmt.Sprintf("%s rate limit of %d exceeded, resets in %ds", e.Window, e.Limit, e.SecondsUntilReset)
	}
	return fmt.Sprintf("%s rate limit of %d exceeded", e.Window, e.Limit)
}

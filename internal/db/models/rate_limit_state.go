package models

import "time"

// RateLimitState mirrors the external API's daily and per-minute quota
// counters for one connection. It is persisted here and additionally
// cached with a short TTL; readers merge the two by taking the lower
// remaining value per window.
//
// Reset columns are absolute unix seconds. A zero limit means the window
// has never been observed.
type RateLimitState struct {
	ConnectionID string `gorm:"primaryKey"`

	DailyLimit     int64
	DailyRemaining int64
	DailyResetAt   int64

	MinutelyLimit     int64
	MinutelyRemaining int64
	MinutelyResetAt   int64

	LastCheckedAt   int64
	TotalCallsToday int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

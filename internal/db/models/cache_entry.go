package models

import "time"

// CacheEntry is one row of the shared TTL cache table. It backs the
// rate-limit snapshot cache and the token refresh lock when no external
// cache is deployed; every process sharing the database sees the same
// entries.
type CacheEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	ExpiresAt int64 `gorm:"index"` // unix seconds
	CreatedAt time.Time
}

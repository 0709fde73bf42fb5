package store

import (
	"sync"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/db/models"
	"gorm.io/gorm"
)

// Cache is the shared TTL key/value store reachable by every process.
// It carries the rate-limit snapshot cache and the refresh-lock sentinel.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration)
	// SetNX stores the value only when the key is absent or expired.
	// Returns true when this caller won the slot.
	SetNX(key, value string, ttl time.Duration) bool
	Delete(key string)
}

// DBCache backs Cache with the cache_entries table, so all processes
// sharing the database observe the same entries. Row creation on a
// primary-key conflict is what makes SetNX mutual-exclusive.
type DBCache struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewDBCache(db *gorm.DB, clk clock.Clock) *DBCache {
	return &DBCache{db: db, clock: clk}
}

func (c *DBCache) Get(key string) (string, bool) {
	var entry models.CacheEntry
	if err := c.db.Where("key = ?", key).First(&entry).Error; err != nil {
		return "", false
	}
	if entry.ExpiresAt <= c.clock.Now().Unix() {
		return "", false
	}
	return entry.Value, true
}

func (c *DBCache) Set(key, value string, ttl time.Duration) {
	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: c.clock.Now().Add(ttl).Unix(),
	}
	if err := c.db.Where("key = ?", key).Delete(&models.CacheEntry{}).Error; err == nil {
		c.db.Create(&entry)
	}
}

func (c *DBCache) SetNX(key, value string, ttl time.Duration) bool {
	now := c.clock.Now()
	// Reap an expired holder first so the slot can be retaken.
	c.db.Where("key = ? AND expires_at <= ?", key, now.Unix()).Delete(&models.CacheEntry{})

	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: now.Add(ttl).Unix(),
	}
	return c.db.Create(&entry).Error == nil
}

func (c *DBCache) Delete(key string) {
	c.db.Where("key = ?", key).Delete(&models.CacheEntry{})
}

// MemoryCache is an in-process Cache for tests and single-process runs.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	return &MemoryCache{clock: clk, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || !entry.expiresAt.After(c.clock.Now()) {
		return "", false
	}
	return entry.value, true
}

func (c *MemoryCache) Set(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

func (c *MemoryCache) SetNX(key, value string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok && entry.expiresAt.After(c.clock.Now()) {
		return false
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: c.clock.Now().Add(ttl)}
	return true
}

func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

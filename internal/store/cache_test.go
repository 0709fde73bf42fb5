package store

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/finbridge/exactlink/internal/clock"
	"github.com/finbridge/exactlink/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Connection{}, &models.RateLimitState{}, &models.CacheEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestDBCacheSetGetExpiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cache := NewDBCache(newTestDB(t), clk)

	cache.Set("k", "v", time.Minute)
	if got, ok := cache.Get("k"); !ok || got != "v" {
		t.Fatalf("expected v, got %q ok=%v", got, ok)
	}

	clk.Advance(61 * time.Second)
	if _, ok := cache.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestDBCacheSetNX(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cache := NewDBCache(newTestDB(t), clk)

	if !cache.SetNX("lock", "owner-1", 30*time.Second) {
		t.Fatal("first SetNX should win")
	}
	if cache.SetNX("lock", "owner-2", 30*time.Second) {
		t.Fatal("second SetNX should lose while entry lives")
	}

	clk.Advance(31 * time.Second)
	if !cache.SetNX("lock", "owner-3", 30*time.Second) {
		t.Fatal("SetNX should win after the previous entry expired")
	}
	if got, _ := cache.Get("lock"); got != "owner-3" {
		t.Fatalf("expected owner-3, got %q", got)
	}
}

func TestDBCacheDelete(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cache := NewDBCache(newTestDB(t), clk)

	cache.Set("k", "v", time.Minute)
	cache.Delete("k")
	if _, ok := cache.Get("k"); ok {
		t.Fatal("expected entry to be deleted")
	}
}

func TestMemoryCacheMatchesDBCacheSemantics(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cache := NewMemoryCache(clk)

	cache.Set("k", "v", time.Minute)
	if got, ok := cache.Get("k"); !ok || got != "v" {
		t.Fatalf("expected v, got %q ok=%v", got, ok)
	}
	if cache.SetNX("k", "other", time.Minute) {
		t.Fatal("SetNX should lose against a live entry")
	}
	clk.Advance(2 * time.Minute)
	if _, ok := cache.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
	if !cache.SetNX("k", "other", time.Minute) {
		t.Fatal("SetNX should win after expiry")
	}
}

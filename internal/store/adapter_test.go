package store

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestSaveStateRoundtrip(testContext *testing.T) {
	adapter, _ := mustAdapter(testContext, nil)

	state := []byte{0x01, 0x02, 0x03}
	if err := adapter.SaveState(context.Background(), "doc-save", state, "hello world", "hello"); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}

	loaded, ok, err := adapter.LoadState(context.Background(), "doc-save")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if !ok {
		testContext.Fatalf("expected state to exist")
	}
	if string(loaded) != string(state) {
		testContext.Fatalf("state mismatch: %v vs %v", loaded, state)
	}
}

func TestLoadStateMissingDocument(testContext *testing.T) {
	adapter, _ := mustAdapter(testContext, nil)

	state, ok, err := adapter.LoadState(context.Background(), "doc-missing")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if ok || state != nil {
		testContext.Fatalf("expected absent state, got %v", state)
	}
}

func TestSaveStatePersistsProjection(testContext *testing.T) {
	adapter, db := mustAdapter(testContext, nil)

	if err := adapter.SaveState(context.Background(), "doc-text", []byte{0xAA}, "searchable body", "excerpt text"); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}

	var record SnapshotRecord
	if err := db.Where("note_id = ?", "doc-text").Take(&record).Error; err != nil {
		testContext.Fatalf("failed to read snapshot row: %v", err)
	}
	if record.SearchableText != "searchable body" {
		testContext.Fatalf("unexpected searchable text: %q", record.SearchableText)
	}
	if record.Excerpt != "excerpt text" {
		testContext.Fatalf("unexpected excerpt: %q", record.Excerpt)
	}
}

func TestSaveStateOverwritesExisting(testContext *testing.T) {
	adapter, _ := mustAdapter(testContext, nil)

	if err := adapter.SaveState(context.Background(), "doc-over", []byte{0x01}, "one", "one"); err != nil {
		testContext.Fatalf("first save failed: %v", err)
	}
	if err := adapter.SaveState(context.Background(), "doc-over", []byte{0x02, 0x03}, "two", "two"); err != nil {
		testContext.Fatalf("second save failed: %v", err)
	}

	loaded, ok, err := adapter.LoadState(context.Background(), "doc-over")
	if err != nil || !ok {
		testContext.Fatalf("load failed: %v ok=%v", err, ok)
	}
	if len(loaded) != 2 || loaded[0] != 0x02 {
		testContext.Fatalf("expected overwritten state, got %v", loaded)
	}
}

func TestLoadStatePrefersCacheTier(testContext *testing.T) {
	cache := NewCache(time.Minute, nil)
	adapter, db := mustAdapter(testContext, cache)

	if err := adapter.SaveState(context.Background(), "doc-cache", []byte{0x0A}, "", ""); err != nil {
		testContext.Fatalf("save failed: %v", err)
	}

	// Corrupt the durable row; a cache hit must not touch it.
	if err := db.Model(&SnapshotRecord{}).Where("note_id = ?", "doc-cache").
		Update("state_b64", "!!not-base64!!").Error; err != nil {
		testContext.Fatalf("failed to corrupt row: %v", err)
	}

	loaded, ok, err := adapter.LoadState(context.Background(), "doc-cache")
	if err != nil || !ok {
		testContext.Fatalf("expected cache hit: %v ok=%v", err, ok)
	}
	if len(loaded) != 1 || loaded[0] != 0x0A {
		testContext.Fatalf("unexpected cached state: %v", loaded)
	}

	adapter.DropCached("doc-cache")
	if _, _, err := adapter.LoadState(context.Background(), "doc-cache"); err == nil {
		testContext.Fatalf("expected durable decode error after cache drop")
	}
}

func TestCacheExpiresEntries(testContext *testing.T) {
	current := time.Unix(1700000000, 0)
	cache := NewCache(time.Minute, func() time.Time { return current })

	cache.Set("doc-ttl", []byte{0x01})
	if _, ok := cache.Get("doc-ttl"); !ok {
		testContext.Fatalf("expected fresh entry to hit")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := cache.Get("doc-ttl"); ok {
		testContext.Fatalf("expected expired entry to miss")
	}
	if cache.Len() != 0 {
		testContext.Fatalf("expected expired entry to be swept on read")
	}
}

func TestCacheCopiesState(testContext *testing.T) {
	cache := NewCache(time.Minute, nil)
	original := []byte{0x01, 0x02}
	cache.Set("doc-copy", original)
	original[0] = 0xFF

	cached, ok := cache.Get("doc-copy")
	if !ok {
		testContext.Fatalf("expected cache hit")
	}
	if cached[0] != 0x01 {
		testContext.Fatalf("cache shared caller memory")
	}
	cached[1] = 0xEE
	again, _ := cache.Get("doc-copy")
	if again[1] != 0x02 {
		testContext.Fatalf("cache returned shared memory")
	}
}

func mustAdapter(testContext *testing.T, cache *Cache) (*Adapter, *gorm.DB) {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	adapter, err := NewAdapter(AdapterConfig{
		Database: db,
		Cache:    cache,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		testContext.Fatalf("failed to create adapter: %v", err)
	}
	return adapter, db
}

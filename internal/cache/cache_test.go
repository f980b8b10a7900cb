package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	ns := "model"

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, ns, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, ns, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, ns, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, ns, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, ns, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, ns, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, ns, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("ZeroTTLNeverExpires", func(t *testing.T) {
		_ = cache.Set(ctx, ns, "forever", []byte("v"), 0)
		time.Sleep(5 * time.Millisecond)

		val, _ := cache.Get(ctx, ns, "forever")
		if string(val) != "v" {
			t.Errorf("expected 'v', got '%s'", string(val))
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewLRUCache(3)

		_ = small.Set(ctx, ns, "a", []byte("1"), time.Minute)
		_ = small.Set(ctx, ns, "b", []byte("2"), time.Minute)
		_ = small.Set(ctx, ns, "c", []byte("3"), time.Minute)

		// touch 'a' so 'b' is the least recently used
		_, _ = small.Get(ctx, ns, "a")
		_ = small.Set(ctx, ns, "d", []byte("4"), time.Minute)

		if val, _ := small.Get(ctx, ns, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := small.Get(ctx, ns, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "model", "shared-key", []byte("model-value"), time.Minute)
		_ = cache.Set(ctx, "analysis", "shared-key", []byte("analysis-value"), time.Minute)

		val1, _ := cache.Get(ctx, "model", "shared-key")
		val2, _ := cache.Get(ctx, "analysis", "shared-key")

		if string(val1) != "model-value" {
			t.Errorf("expected 'model-value', got '%s'", string(val1))
		}
		if string(val2) != "analysis-value" {
			t.Errorf("expected 'analysis-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		if err := cache.Set(ctx, "", "key", []byte("value"), time.Minute); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got %v", err)
		}
		if _, err := cache.Get(ctx, "", "key"); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got %v", err)
		}
		if err := cache.Delete(ctx, "", "key"); !errors.Is(err, ErrNamespaceRequired) {
			t.Errorf("expected ErrNamespaceRequired, got %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats := NewLRUCache(50)
		_ = stats.Set(ctx, ns, "k1", []byte("v1"), time.Minute)
		_ = stats.Set(ctx, ns, "k2", []byte("v2"), time.Minute)

		size, capacity := stats.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, ns, "k", []byte("v"), time.Minute)

		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, ns, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})

	t.Run("RedisUnavailable", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "redis", RedisAddr: "127.0.0.1:1"})
		if err == nil {
			t.Error("expected error for unreachable redis")
		}
	})
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testEntry(body string, expires time.Time) *CacheEntry {
	return &CacheEntry{
		StatusCode: 200,
		Headers:    map[string][]string{"Content-Type": {"text/plain"}},
		Data:       []byte(body),
		CachedAt:   expires.Add(-time.Minute),
		Expires:    expires,
	}
}

func TestNewMemoryBackend_Defaults(t *testing.T) {
	m := NewMemoryBackend(MemoryConfig{})
	if len(m.shards) != DefaultMemoryShards {
		t.Errorf("shards = %d, want %d", len(m.shards), DefaultMemoryShards)
	}

	total := 0
	for _, s := range m.shards {
		total += s.capacity
	}
	if total != DefaultMemoryCapacity {
		t.Errorf("total capacity = %d, want %d", total, DefaultMemoryCapacity)
	}
}

func TestNewMemoryBackend_CapacitySplit(t *testing.T) {
	m := NewMemoryBackend(MemoryConfig{Capacity: 10, Shards: 3})
	total := 0
	for _, s := range m.shards {
		total += s.capacity
	}
	if total != 10 {
		t.Errorf("total capacity = %d, want 10", total)
	}

	small := NewMemoryBackend(MemoryConfig{Capacity: 2, Shards: 8})
	if len(small.shards) != 2 {
		t.Errorf("shards = %d, want capped at capacity 2", len(small.shards))
	}
}

func TestMemoryBackend_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(MemoryConfig{Capacity: 10, Shards: 1})

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get(missing) error = %v, want ErrCacheMiss", err)
	}

	entry := testEntry("hello", time.Now().Add(time.Minute))
	if err := m.Set(ctx, "k", entry, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != "hello" {
		t.Errorf("Data = %q, want hello", got.Data)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get after Delete error = %v, want ErrCacheMiss", err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete of missing key should not fail: %v", err)
	}

	if err := m.Set(ctx, "nil", nil, time.Minute); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Set(nil) error = %v, want ErrInvalidEntry", err)
	}
}

func TestMemoryBackend_Isolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(MemoryConfig{Capacity: 10, Shards: 1})

	entry := testEntry("hello", time.Now().Add(time.Minute))
	_ = m.Set(ctx, "k", entry, time.Minute)

	// mutating the caller's copy after Set must not reach the store
	entry.Data[0] = 'J'
	entry.Headers.Set("Content-Type", "text/html")

	got, _ := m.Get(ctx, "k")
	if string(got.Data) != "hello" || got.Headers.Get("Content-Type") != "text/plain" {
		t.Fatalf("stored entry was mutated through the caller's pointer: %q %v", got.Data, got.Headers)
	}

	// mutating a returned copy must not reach the store either
	got.Data[0] = 'Y'
	again, _ := m.Get(ctx, "k")
	if string(again.Data) != "hello" {
		t.Errorf("stored entry was mutated through a returned copy: %q", again.Data)
	}
}

func TestMemoryBackend_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(MemoryConfig{Capacity: 2, Shards: 1})

	var evicted []string
	m.OnEvict(func(key string) { evicted = append(evicted, key) })

	exp := time.Now().Add(time.Minute)
	_ = m.Set(ctx, "a", testEntry("a", exp), time.Minute)
	_ = m.Set(ctx, "b", testEntry("b", exp), time.Minute)

	// touch a so that b becomes least recently used
	if _, err := m.Get(ctx, "a"); err != nil {
		t.Fatalf("Get(a) failed: %v", err)
	}
	_ = m.Set(ctx, "c", testEntry("c", exp), time.Minute)

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
	if _, err := m.Get(ctx, "b"); !errors.Is(err, ErrCacheMiss) {
		t.Error("b should have been evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, err := m.Get(ctx, key); err != nil {
			t.Errorf("%s should still be cached: %v", key, err)
		}
	}

	if n, _ := m.Len(ctx); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
}

func TestMemoryBackend_ReplaceDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(MemoryConfig{Capacity: 1, Shards: 1})

	evictions := 0
	m.OnEvict(func(string) { evictions++ })

	exp := time.Now().Add(time.Minute)
	_ = m.Set(ctx, "a", testEntry("v1", exp), time.Minute)
	_ = m.Set(ctx, "a", testEntry("v2", exp), time.Minute)

	if evictions != 0 {
		t.Errorf("evictions = %d, want 0 for an in-place replace", evictions)
	}
	got, _ := m.Get(ctx, "a")
	if string(got.Data) != "v2" {
		t.Errorf("Data = %q, want v2", got.Data)
	}
}

func TestMemoryBackend_Concurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(MemoryConfig{Capacity: 64, Shards: 4})
	exp := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (i*100+j)%128)
				_ = m.Set(ctx, key, testEntry(key, exp), time.Minute)
				if got, err := m.Get(ctx, key); err == nil && string(got.Data) != key {
					t.Errorf("Get(%s) returned %q", key, got.Data)
				}
			}
		}(i)
	}
	wg.Wait()

	if n, _ := m.Len(ctx); n > 64 {
		t.Errorf("Len() = %d, exceeds capacity 64", n)
	}
}

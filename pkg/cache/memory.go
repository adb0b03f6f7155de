package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	// DefaultMemoryCapacity is the default number of entries kept in memory.
	DefaultMemoryCapacity = 10000

	// DefaultMemoryShards is the default number of LRU shards.
	DefaultMemoryShards = 16
)

// MemoryConfig configures a MemoryBackend.
type MemoryConfig struct {
	// Capacity is the total number of entries across all shards.
	Capacity int

	// Shards is the number of independently locked LRU lists.
	Shards int
}

// MemoryBackend is an in-process, sharded LRU backend.
type MemoryBackend struct {
	evictHooks
	shards []*memoryShard
}

type memoryShard struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type memoryItem struct {
	key   string
	entry *CacheEntry
}

// NewMemoryBackend creates an in-memory LRU backend.
// Capacity is split across shards so that the total never exceeds it.
func NewMemoryBackend(cfg MemoryConfig) *MemoryBackend {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	shards := cfg.Shards
	if shards <= 0 {
		shards = DefaultMemoryShards
	}
	if shards > capacity {
		shards = capacity
	}

	m := &MemoryBackend{shards: make([]*memoryShard, shards)}
	for i := range m.shards {
		shardCap := capacity / shards
		if i < capacity%shards {
			shardCap++
		}
		m.shards[i] = &memoryShard{
			capacity: shardCap,
			ll:       list.New(),
			items:    make(map[string]*list.Element),
		}
	}
	return m
}

func (m *MemoryBackend) shard(key string) *memoryShard {
	if len(m.shards) == 1 {
		return m.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get returns a copy of the entry and marks it most recently used.
func (m *MemoryBackend) Get(_ context.Context, key string) (*CacheEntry, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	s.ll.MoveToFront(el)
	return el.Value.(*memoryItem).entry.Clone(), nil
}

// Set stores a copy of entry, evicting least recently used entries of the
// shard when it is full.
func (m *MemoryBackend) Set(_ context.Context, key string, entry *CacheEntry, _ time.Duration) error {
	if entry == nil {
		return ErrInvalidEntry
	}
	stored := entry.Clone()

	s := m.shard(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		el.Value.(*memoryItem).entry = stored
		s.ll.MoveToFront(el)
		s.mu.Unlock()
		return nil
	}

	var evicted []string
	for s.ll.Len() >= s.capacity {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		item := s.ll.Remove(oldest).(*memoryItem)
		delete(s.items, item.key)
		evicted = append(evicted, item.key)
	}
	s.items[key] = s.ll.PushFront(&memoryItem{key: key, entry: stored})
	s.mu.Unlock()

	m.notify(evicted...)
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	s := m.shard(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		s.ll.Remove(el)
		delete(s.items, key)
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries across all shards.
func (m *MemoryBackend) Len(_ context.Context) (int, error) {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += s.ll.Len()
		s.mu.Unlock()
	}
	return n, nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process backend: a mutex-guarded map with LRU eviction
// and lazy TTL expiry. Expired entries are dropped on read and swept when
// the map is full.
type Memory struct {
	mu      sync.Mutex
	maxKeys int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates a bounded in-memory backend. maxKeys <= 0 means 10000.
func NewMemory(maxKeys int) *Memory {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Memory{
		maxKeys: maxKeys,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	ent := el.Value.(*memEntry)
	if ent.expired(time.Now()) {
		m.removeLocked(el)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	// Copy so callers can't mutate the stored value.
	out := make([]byte, len(ent.value))
	copy(out, ent.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key string, value []byte, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	if el, ok := m.entries[key]; ok {
		ent := el.Value.(*memEntry)
		ent.value = stored
		ent.expiresAt = expires
		m.order.MoveToFront(el)
		return
	}

	m.evictLocked()
	el := m.order.PushFront(&memEntry{key: key, value: stored, expiresAt: expires})
	m.entries[key] = el
}

// evictLocked makes room for one new entry: expired entries first, then LRU.
func (m *Memory) evictLocked() {
	if len(m.entries) < m.maxKeys {
		return
	}
	now := time.Now()
	for el := m.order.Back(); el != nil && len(m.entries) >= m.maxKeys; {
		prev := el.Prev()
		if el.Value.(*memEntry).expired(now) {
			m.removeLocked(el)
		}
		el = prev
	}
	for len(m.entries) >= m.maxKeys {
		m.removeLocked(m.order.Back())
	}
}

func (m *Memory) removeLocked(el *list.Element) {
	ent := el.Value.(*memEntry)
	m.order.Remove(el)
	delete(m.entries, ent.key)
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := m.Get(ctx, key)
	return found, err
}

func (m *Memory) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, found, _ := m.Get(ctx, k); found {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) SetMany(_ context.Context, items map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range items {
		m.setLocked(k, v, ttl)
	}
	return nil
}

func (m *Memory) Items(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make(map[string][]byte)
	for key, el := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		ent := el.Value.(*memEntry)
		if ent.expired(now) {
			continue
		}
		v := make([]byte, len(ent.value))
		copy(v, ent.value)
		out[key] = v
	}
	return out, nil
}

func (m *Memory) Clear(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, el := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(el)
		}
	}
	return nil
}

func (m *Memory) Size(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	count := 0
	for key, el := range m.entries {
		if strings.HasPrefix(key, prefix) && !el.Value.(*memEntry).expired(now) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Close() error { return nil }

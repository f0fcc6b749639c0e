package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory 是进程内缓存层：固定 TTL、惰性过期、按条目数 LRU 封顶。
// 并发安全（由 lru.Cache 内部加锁保证）。
type Memory struct {
	ttl   time.Duration
	items *lru.Cache[string, Entry]

	// now 仅供测试注入时钟。
	now func() time.Time
}

func NewMemory(ttl time.Duration, maxEntries int) (*Memory, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	items, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Memory{ttl: ttl, items: items, now: time.Now}, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool) {
	e, ok := m.GetEntry(ctx, key)
	return e.Payload, ok
}

func (m *Memory) GetEntry(_ context.Context, key string) (Entry, bool) {
	e, ok := m.items.Get(key)
	if !ok {
		return Entry{}, false
	}
	if e.Expired(m.now(), m.ttl) {
		// 惰性回收：过期条目在下一次查找时删除。
		m.items.Remove(key)
		return Entry{}, false
	}
	return e, true
}

func (m *Memory) Put(ctx context.Context, key string, payload []byte) {
	m.PutEntry(ctx, Entry{Key: key, Payload: payload, FetchedAt: m.now()})
}

// PutEntry 按条目自带的 FetchedAt 写入；已过期的条目直接丢弃。
func (m *Memory) PutEntry(_ context.Context, e Entry) {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = m.now()
	}
	if e.Expired(m.now(), m.ttl) {
		return
	}
	m.items.Add(e.Key, e)
}

// Len 返回当前条目数（含尚未被惰性回收的过期条目）。
func (m *Memory) Len() int { return m.items.Len() }

package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultTTL 是抓取结果的默认存活时间。
	DefaultTTL = 5 * time.Minute
	// DefaultMaxEntries 是内存层的条目上限（超出按 LRU 淘汰）。
	DefaultMaxEntries = 512
)

// Cache 是按 URL（或等价 key）索引的原始文档缓存。
//
// 约束：
// - 未命中永远是安全的（调用方会回源）
// - 任何内部错误都降级为未命中，不向上抛
// - 写入后的条目不可变（同 key 重写即整体替换）
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, payload []byte)
}

// Entry 是一条缓存记录。
type Entry struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Expired 表示条目已超过 ttl（now - FetchedAt > ttl）。
func (e Entry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.FetchedAt) > ttl
}

// EntryCache 是能按完整 Entry 读写的层（保留 FetchedAt）。
// Chain 回填时优先走这条路径，回填的副本沿用原始抓取时间，不会延长存活期。
type EntryCache interface {
	GetEntry(ctx context.Context, key string) (Entry, bool)
	PutEntry(ctx context.Context, e Entry)
}

var (
	_ EntryCache = (*Memory)(nil)
	_ EntryCache = (*Store)(nil)
	_ EntryCache = (*Redis)(nil)
)

// Chain 把多个层串起来：读时按顺序查找，命中后回填更靠前的层；写时写入所有层。
type Chain struct {
	layers []Cache
}

func NewChain(layers ...Cache) *Chain {
	out := make([]Cache, 0, len(layers))
	for _, l := range layers {
		if l != nil {
			out = append(out, l)
		}
	}
	return &Chain{layers: out}
}

func (c *Chain) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, l := range c.layers {
		e, ok := getEntry(ctx, l, key)
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			putEntry(ctx, c.layers[j], e)
		}
		return e.Payload, true
	}
	return nil, false
}

func (c *Chain) Put(ctx context.Context, key string, payload []byte) {
	for _, l := range c.layers {
		l.Put(ctx, key, payload)
	}
}

// getEntry 读取一层；不支持 EntryCache 的层 FetchedAt 为零值（未知）。
func getEntry(ctx context.Context, l Cache, key string) (Entry, bool) {
	if ec, ok := l.(EntryCache); ok {
		return ec.GetEntry(ctx, key)
	}
	b, ok := l.Get(ctx, key)
	return Entry{Key: key, Payload: b}, ok
}

func putEntry(ctx context.Context, l Cache, e Entry) {
	if ec, ok := l.(EntryCache); ok && !e.FetchedAt.IsZero() {
		ec.PutEntry(ctx, e)
		return
	}
	l.Put(ctx, e.Key, e.Payload)
}

// Nop 永不命中；用于禁用缓存。
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Put(context.Context, string, []byte)        {}

func logger(l *zerolog.Logger) *zerolog.Logger {
	if l == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return l
}

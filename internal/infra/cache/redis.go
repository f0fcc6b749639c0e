package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis 是可选的共享缓存层（多实例部署 serve 时复用抓取结果）。
// 过期交给 redis 的 EX 处理；连接错误一律降级为未命中。
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
	Log    *zerolog.Logger
}

// NewRedis 解析 redis://... 形式的 URL 并构造缓存层。
func NewRedis(rawURL string, ttl time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{Client: redis.NewClient(opt), TTL: ttl, Prefix: "anires:http:"}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.Client.Get(ctx, r.Prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger(r.Log).Debug().Err(err).Str("key", key).Msg("redis cache get failed")
		}
		return nil, false
	}
	return b, true
}

func (r *Redis) Put(ctx context.Context, key string, payload []byte) {
	if err := r.Client.Set(ctx, r.Prefix+key, payload, r.TTL).Err(); err != nil {
		logger(r.Log).Debug().Err(err).Str("key", key).Msg("redis cache set failed")
	}
}

// GetEntry 用 PTTL 反推抓取时间：FetchedAt = now - (TTL - 剩余存活)。
func (r *Redis) GetEntry(ctx context.Context, key string) (Entry, bool) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := r.Client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, r.Prefix+key)
		ttl = p.PTTL(ctx, r.Prefix+key)
		return nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger(r.Log).Debug().Err(err).Str("key", key).Msg("redis cache get failed")
		}
		return Entry{}, false
	}
	b, err := get.Bytes()
	if err != nil {
		return Entry{}, false
	}
	fetched := time.Now()
	if left := ttl.Val(); left > 0 && left < r.TTL {
		fetched = fetched.Add(left - r.TTL)
	}
	return Entry{Key: key, Payload: b, FetchedAt: fetched}, true
}

// PutEntry 只写入剩余的存活时间；已过期的条目不写。
func (r *Redis) PutEntry(ctx context.Context, e Entry) {
	left := r.TTL
	if !e.FetchedAt.IsZero() {
		left -= time.Since(e.FetchedAt)
	}
	if left <= 0 {
		return
	}
	if err := r.Client.Set(ctx, r.Prefix+e.Key, e.Payload, left).Err(); err != nil {
		logger(r.Log).Debug().Err(err).Str("key", e.Key).Msg("redis cache set failed")
	}
}

func (r *Redis) Close() error { return r.Client.Close() }

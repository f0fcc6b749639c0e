package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/John-Robertt/anires/internal/catalog"
	"github.com/John-Robertt/anires/internal/config"
	"github.com/John-Robertt/anires/internal/infra/cache"
	"github.com/John-Robertt/anires/internal/infra/httpx"
	"github.com/John-Robertt/anires/internal/infra/ratelimit"
	"github.com/John-Robertt/anires/internal/match"
	providerx "github.com/John-Robertt/anires/internal/provider"
	"github.com/John-Robertt/anires/internal/provider/aniwatch"
	"github.com/John-Robertt/anires/internal/provider/consumet"
	"github.com/John-Robertt/anires/internal/provider/crunchy"
	"github.com/John-Robertt/anires/internal/provider/dirlist"
	"github.com/John-Robertt/anires/internal/provider/gogo"
	"github.com/John-Robertt/anires/internal/provider/hianime"
	"github.com/John-Robertt/anires/internal/resolve"
)

// App 持有进程级共享资源：缓存、限速器、Fetcher、provider 注册表、解析引擎与首页聚合。
//
// 约束：
// - 缓存与限速器在启动时构造一次，之后只通过注入使用（没有包级全局状态）
// - 同一个 App 可被多个并发调用共享（serve 模式）
// - 用完必须 Close：停止限速队列、关闭 redis 连接
type App struct {
	Config   config.EffectiveConfig
	Fetcher  *providerx.Fetcher
	Limiter  *ratelimit.Limiter
	Registry providerx.Registry
	Engine   *resolve.Engine
	Catalog  *catalog.Catalog

	closers []io.Closer
}

// Options 是 New 的可选依赖；零值即生产配置。
type Options struct {
	Log *zerolog.Logger
	// FS 是磁盘缓存使用的文件系统；nil 表示真实文件系统。
	FS afero.Fs
	// Observer 透传给解析引擎。
	Observer resolve.Observer
}

// New 按配置装配全部组件：缓存链 -> 限速器 -> HTTP client -> Fetcher -> provider -> 引擎。
func New(eff config.EffectiveConfig, opts Options) (*App, error) {
	log := providerx.Logger(opts.Log)

	c, closers, err := BuildCache(eff, opts.FS, log)
	if err != nil {
		return nil, err
	}

	client, err := httpx.NewClient(httpx.Options{ProxyURL: eff.ProxyURL})
	if err != nil {
		closeAll(closers)
		return nil, fmt.Errorf("proxy.url 无效：%w", err)
	}

	limiter := ratelimit.New(eff.RequestDelay)
	f := &providerx.Fetcher{
		Client:    client,
		Cache:     c,
		Limiter:   limiter,
		CORSProxy: eff.CORSProxy,
		Log:       log,
	}

	reg, err := BuildRegistry(eff, f, log)
	if err != nil {
		limiter.Close()
		closeAll(closers)
		return nil, err
	}

	engine := resolve.New(reg, match.New(match.DefaultOptions()), log)
	engine.Timeout = eff.Timeout
	engine.Observer = opts.Observer

	log.Debug().
		Strs("providers", reg.Names()).
		Dur("delay", eff.RequestDelay).
		Dur("cache_ttl", eff.CacheTTL).
		Bool("proxy", eff.ProxyURL != "").
		Bool("cors_proxy", eff.CORSProxy != "").
		Msg("app ready")

	return &App{
		Config:   eff,
		Fetcher:  f,
		Limiter:  limiter,
		Registry: reg,
		Engine:   engine,
		Catalog:  catalog.New(reg, log),
		closers:  closers,
	}, nil
}

// Close 释放限速队列与外部连接；可重复调用。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.Limiter != nil {
		a.Limiter.Close()
	}
	err := closeAll(a.closers)
	a.closers = nil
	return err
}

// BuildCache 按配置组装缓存链：内存（必有）-> 磁盘（cache.dir）-> redis（cache.redis_url）。
// CacheTTL 为 0 时返回 Nop。
func BuildCache(eff config.EffectiveConfig, fs afero.Fs, log *zerolog.Logger) (cache.Cache, []io.Closer, error) {
	if eff.CacheTTL <= 0 {
		return cache.Nop{}, nil, nil
	}
	mem, err := cache.NewMemory(eff.CacheTTL, eff.CacheMaxEntries)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化内存缓存失败：%w", err)
	}
	layers := []cache.Cache{mem}

	if eff.CacheDir != "" {
		if fs == nil {
			fs = afero.NewOsFs()
		}
		st := cache.NewStore(fs, eff.CacheDir, eff.CacheTTL, false)
		st.Log = log
		layers = append(layers, st)
	}

	var closers []io.Closer
	if eff.RedisURL != "" {
		r, err := cache.NewRedis(eff.RedisURL, eff.CacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("cache.redis_url 无效：%w", err)
		}
		r.Log = log
		layers = append(layers, r)
		closers = append(closers, r)
	}

	if len(layers) == 1 {
		return mem, closers, nil
	}
	return cache.NewChain(layers...), closers, nil
}

// BuildRegistry 按 eff.Providers 的顺序构造 adapter；顺序即优先级。
func BuildRegistry(eff config.EffectiveConfig, f *providerx.Fetcher, log *zerolog.Logger) (providerx.Registry, error) {
	ps := make([]providerx.Provider, 0, len(eff.Providers))
	for _, name := range eff.Providers {
		base := eff.BaseURLs[name]
		var p providerx.Provider
		switch name {
		case config.ProviderHianime:
			p = hianime.New(f, base, log)
		case config.ProviderAniwatch:
			p = aniwatch.New(f, base, log)
		case config.ProviderConsumet:
			p = consumet.New(f, base, eff.ConsumetSite, log)
		case config.ProviderGogo:
			p = gogo.New(f, base, log)
		case config.ProviderDirlist:
			url := eff.DirlistURL
			if base != "" {
				url = base
			}
			p = dirlist.New(f, url, log)
		case config.ProviderCrunchy:
			p = crunchy.New(f, base, eff.CrunchyClientID, eff.CrunchyClientSecret, eff.CrunchyLocale, log)
		default:
			return providerx.Registry{}, fmt.Errorf("未知 provider：%q", name)
		}
		ps = append(ps, p)
	}
	return providerx.NewRegistry(ps...)
}

func closeAll(cs []io.Closer) error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

// DefaultKinds 是首页默认展示的列表类型（顺序即展示顺序）。
var DefaultKinds = []string{providerx.ListTrending, providerx.ListRecent, providerx.ListPopular}

const defaultConcurrency = 4

// Section 是首页的一个分区。
type Section struct {
	Provider string             `json:"provider"`
	Kind     string             `json:"kind"`
	Items    []domain.SearchHit `json:"items"`
}

// Home 是首页全部分区；没有内容的分区不出现。
type Home struct {
	Sections    []Section `json:"sections"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Catalog 并发拉取各 provider 的首页列表。
//
// 约束：
// - 列表之间没有顺序依赖，也不共享匹配状态，所以可以并发；并发度受 Concurrency 限制
// - 每个请求仍经过 Fetcher（缓存 + 按 provider 限速），并发不会突破站点预算
// - 输出顺序固定：provider 注册顺序 × Kinds 顺序，与完成先后无关
type Catalog struct {
	Registry    providerx.Registry
	Kinds       []string
	Concurrency int
	Log         *zerolog.Logger
}

func New(reg providerx.Registry, log *zerolog.Logger) *Catalog {
	return &Catalog{Registry: reg, Kinds: DefaultKinds, Concurrency: defaultConcurrency, Log: log}
}

// Home 扇出所有 (provider, kind) 组合，等全部完成后按固定顺序汇总。
func (c *Catalog) Home(ctx context.Context) Home {
	listers := c.Registry.Listers()
	kinds := c.Kinds
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	n := c.Concurrency
	if n <= 0 {
		n = defaultConcurrency
	}

	slots := make([]Section, len(listers)*len(kinds))
	p := pool.New().WithMaxGoroutines(n).WithContext(ctx)
	for i, pr := range listers {
		l := pr.(providerx.Lister)
		for j, kind := range kinds {
			idx := i*len(kinds) + j
			name := pr.Name()
			p.Go(func(ctx context.Context) error {
				started := time.Now()
				items := l.Listing(ctx, kind)
				slots[idx] = Section{Provider: name, Kind: kind, Items: items}
				providerx.Logger(c.Log).Debug().
					Str("provider", name).
					Str("kind", kind).
					Int("items", len(items)).
					Dur("dur", time.Since(started)).
					Msg("listing")
				return nil
			})
		}
	}
	_ = p.Wait()

	out := Home{Sections: []Section{}, GeneratedAt: time.Now().UTC()}
	for _, s := range slots {
		if len(s.Items) == 0 {
			continue
		}
		out.Sections = append(out.Sections, s)
	}
	return out
}

// Listing 取单个 provider 的单个列表。
func (c *Catalog) Listing(ctx context.Context, provider, kind string) ([]domain.SearchHit, error) {
	p, ok := c.Registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("未知 provider：%q", provider)
	}
	l, ok := p.(providerx.Lister)
	if !ok {
		return nil, fmt.Errorf("provider %q 不支持首页列表", provider)
	}
	items := l.Listing(ctx, kind)
	if items == nil {
		items = []domain.SearchHit{}
	}
	return items, nil
}

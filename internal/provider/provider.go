package provider

import (
	"context"

	"github.com/John-Robertt/anires/internal/domain"
)

// Provider 把“站点变化”限制在 provider 包内部；编排层只依赖统一的三段式接口。
//
// 约束：
// - 三个操作都不向上抛错：网络/解析失败一律记日志并返回空结果（nil / false）
// - 缓存、限速、重试由 Fetcher 统一实现，adapter 不自行处理
// - Search 结果的 ExternalID 必须能直接交给同一 provider 的 Info
// - Info 返回的 EpisodeRef.ExternalID 必须能直接交给同一 provider 的 Sources
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) []domain.SearchHit
	Info(ctx context.Context, id string) (domain.SeriesInfo, bool)
	Sources(ctx context.Context, episodeID string, opt domain.SourceOptions) domain.RawSources
}

// 首页列表类型。
const (
	ListTrending = "trending"
	ListRecent   = "recent"
	ListPopular  = "popular"
)

// Lister 是可选能力：提供首页类目列表（热门/最近更新/人气）。
type Lister interface {
	Listing(ctx context.Context, kind string) []domain.SearchHit
}

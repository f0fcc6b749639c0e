package domain

import "sort"

// SearchHit 是 provider 搜索返回的一条候选（只在单次解析内存活，不持久化）。
//
// 约束：ExternalID 只在同一 provider 的同一次搜索响应内唯一。
type SearchHit struct {
	Provider   string  `json:"provider"`
	ExternalID string  `json:"external_id"`
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Thumbnail  string  `json:"thumbnail,omitempty"`
	MediaType  string  `json:"media_type,omitempty"`
	Rating     float64 `json:"rating,omitempty"`
}

// SeriesInfo 是 provider.Info 的产物：一个条目的元数据 + 完整剧集列表。
type SeriesInfo struct {
	Provider     string       `json:"provider"`
	ExternalID   string       `json:"external_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Genres       []string     `json:"genres"`
	Status       string       `json:"status,omitempty"`
	EpisodeCount int          `json:"episode_count"`
	Episodes     []EpisodeRef `json:"episodes"`
}

// EpisodeRef 指向某一集；ExternalID 交给同一 provider 的 Sources 使用。
type EpisodeRef struct {
	ExternalID string `json:"external_id"`
	Number     int    `json:"number"`
	Title      string `json:"title,omitempty"`
	Thumbnail  string `json:"thumbnail,omitempty"`
}

// SortEpisodes 按 Number 升序排序并去重（同号保留首次出现的那一条）。
// 输入不会被修改。
func SortEpisodes(in []EpisodeRef) []EpisodeRef {
	seen := make(map[int]struct{}, len(in))
	out := make([]EpisodeRef, 0, len(in))
	for _, ep := range in {
		if ep.ExternalID == "" {
			continue
		}
		if _, ok := seen[ep.Number]; ok {
			continue
		}
		seen[ep.Number] = struct{}{}
		out = append(out, ep)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Finalize 规范化剧集列表并同步 EpisodeCount。
// provider 若报告了更大的总集数（例如尚未放出的集），保留较大的值。
func (s *SeriesInfo) Finalize() {
	s.Episodes = SortEpisodes(s.Episodes)
	if s.Genres == nil {
		s.Genres = []string{}
	}
	if len(s.Episodes) > s.EpisodeCount {
		s.EpisodeCount = len(s.Episodes)
	}
}

// Episode 按集号查找；找不到返回 false。
func (s SeriesInfo) Episode(number int) (EpisodeRef, bool) {
	for _, ep := range s.Episodes {
		if ep.Number == number {
			return ep, true
		}
	}
	return EpisodeRef{}, false
}

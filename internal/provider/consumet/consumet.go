package consumet

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

const (
	Name           = "consumet"
	DefaultBaseURL = "https://api.consumet.org"
	DefaultSite    = "gogoanime"

	// 搜索最多翻两页：第二页之后基本是噪声。
	maxSearchPages = 2
)

// Provider 是多站点聚合 API（/anime/{site}/...）。
// Info 的响应里直接带剧集列表（一步到位）；剧集 ID 原样交给 watch 端点。
type Provider struct {
	BaseURL string
	Site    string
	Fetcher *providerx.Fetcher
	Log     *zerolog.Logger
}

func New(f *providerx.Fetcher, baseURL, site string, log *zerolog.Logger) *Provider {
	return &Provider{BaseURL: baseURL, Site: site, Fetcher: f, Log: log}
}

func (*Provider) Name() string { return Name }

func (p *Provider) endpoint(parts ...string) string {
	site := strings.ToLower(strings.TrimSpace(p.Site))
	if site == "" {
		site = DefaultSite
	}
	var b strings.Builder
	b.WriteString(providerx.BaseURL(p.BaseURL, DefaultBaseURL))
	b.WriteString("/anime/")
	b.WriteString(url.PathEscape(site))
	for _, s := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// title 兼容两种形态：纯字符串，或 {"romaji","english","native"} 对象。
type title string

func (t *title) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = title(s)
		return nil
	}
	var o struct {
		English string `json:"english"`
		Romaji  string `json:"romaji"`
		Native  string `json:"native"`
	}
	if err := json.Unmarshal(b, &o); err != nil {
		return err
	}
	for _, s := range []string{o.English, o.Romaji, o.Native} {
		if strings.TrimSpace(s) != "" {
			*t = title(s)
			return nil
		}
	}
	*t = ""
	return nil
}

type result struct {
	ID       string  `json:"id"`
	Title    title   `json:"title"`
	URL      string  `json:"url"`
	Image    string  `json:"image"`
	Type     string  `json:"type"`
	SubOrDub string  `json:"subOrDub"`
	Rating   float64 `json:"rating"`
}

type page struct {
	CurrentPage int      `json:"currentPage"`
	HasNextPage bool     `json:"hasNextPage"`
	Results     []result `json:"results"`
}

func (p *Provider) hits(in []result, seen map[string]struct{}) []domain.SearchHit {
	var out []domain.SearchHit
	for _, r := range in {
		id := strings.TrimSpace(r.ID)
		t := providerx.NormSpace(string(r.Title))
		if id == "" || t == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		u := strings.TrimSpace(r.URL)
		if u == "" {
			u = p.endpoint("info", id)
		}
		out = append(out, domain.SearchHit{
			Provider:   Name,
			ExternalID: id,
			Title:      t,
			URL:        u,
			Thumbnail:  r.Image,
			MediaType:  r.Type,
			Rating:     r.Rating,
		})
	}
	return out
}

// Search 翻页直到 hasNextPage=false 或达到页数上限；跨页按 id 去重。
func (p *Provider) Search(ctx context.Context, query string) []domain.SearchHit {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	var out []domain.SearchHit
	seen := map[string]struct{}{}
	for n := 1; n <= maxSearchPages; n++ {
		var pg page
		u := p.endpoint(query) + "?page=" + strconv.Itoa(n)
		if err := p.Fetcher.GetJSON(ctx, Name, "search", u, nil, &pg); err != nil {
			providerx.Report(p.Log, Name, "search", err)
			break
		}
		out = append(out, p.hits(pg.Results, seen)...)
		if !pg.HasNextPage {
			break
		}
	}
	return out
}

type infoResponse struct {
	ID            string   `json:"id"`
	Title         title    `json:"title"`
	Description   string   `json:"description"`
	Genres        []string `json:"genres"`
	Status        string   `json:"status"`
	TotalEpisodes int      `json:"totalEpisodes"`
	Episodes      []struct {
		ID     string  `json:"id"`
		Number float64 `json:"number"`
		Title  string  `json:"title"`
		Image  string  `json:"image"`
	} `json:"episodes"`
}

func (p *Provider) Info(ctx context.Context, id string) (domain.SeriesInfo, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SeriesInfo{}, false
	}
	var v infoResponse
	if err := p.Fetcher.GetJSON(ctx, Name, "info", p.endpoint("info", id), nil, &v); err != nil {
		providerx.Report(p.Log, Name, "info", err)
		return domain.SeriesInfo{}, false
	}
	t := providerx.NormSpace(string(v.Title))
	if t == "" {
		providerx.Report(p.Log, Name, "info", providerx.Errorf(Name, "info", "响应缺少 title：%s", id))
		return domain.SeriesInfo{}, false
	}
	info := domain.SeriesInfo{
		Provider:     Name,
		ExternalID:   id,
		Title:        t,
		Description:  providerx.NormSpace(v.Description),
		Genres:       providerx.NormList(v.Genres),
		Status:       v.Status,
		EpisodeCount: v.TotalEpisodes,
	}
	for _, e := range v.Episodes {
		info.Episodes = append(info.Episodes, domain.EpisodeRef{
			ExternalID: strings.TrimSpace(e.ID),
			Number:     int(e.Number),
			Title:      providerx.NormSpace(e.Title),
			Thumbnail:  e.Image,
		})
	}
	info.Finalize()
	return info, true
}

type watchResponse struct {
	Headers map[string]string `json:"headers"`
	Sources []struct {
		URL     string `json:"url"`
		Quality string `json:"quality"`
		IsM3U8  bool   `json:"isM3U8"`
	} `json:"sources"`
	Subtitles []struct {
		URL  string `json:"url"`
		Lang string `json:"lang"`
	} `json:"subtitles"`
	Intro *domain.Marker `json:"intro"`
	Outro *domain.Marker `json:"outro"`
}

// Sources 先取 server 列表，再按顺序逐个请求 watch；server 列表不可用时用 API 默认 server。
// 音轨由站点的剧集 ID 决定（sub/dub 是不同条目），这里不区分。
func (p *Provider) Sources(ctx context.Context, episodeID string, opt domain.SourceOptions) domain.RawSources {
	episodeID = strings.TrimSpace(episodeID)
	if episodeID == "" {
		return domain.RawSources{}
	}
	var servers []struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := p.Fetcher.GetJSON(ctx, Name, "servers", p.endpoint("servers", episodeID), nil, &servers); err != nil {
		providerx.Report(p.Log, Name, "servers", err)
	}
	names := make([]string, 0, len(servers))
	for _, s := range servers {
		if n := strings.ToLower(strings.TrimSpace(s.Name)); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		names = []string{""}
	}

	for _, name := range providerx.ServerOrder(opt.Server, names) {
		if ctx.Err() != nil {
			break
		}
		raw, err := p.watch(ctx, episodeID, name)
		if err != nil {
			providerx.Report(p.Log, Name, "sources", err)
			continue
		}
		if len(raw.Sources) > 0 {
			return raw
		}
	}
	return domain.RawSources{}
}

func (p *Provider) watch(ctx context.Context, episodeID, server string) (domain.RawSources, error) {
	u := p.endpoint("watch", episodeID)
	if server != "" {
		u += "?server=" + url.QueryEscape(server)
	}
	var v watchResponse
	if err := p.Fetcher.GetJSON(ctx, Name, "sources", u, nil, &v); err != nil {
		return domain.RawSources{}, err
	}
	out := domain.RawSources{Intro: v.Intro, Outro: v.Outro}
	for k, val := range v.Headers {
		switch strings.ToLower(k) {
		case "referer":
			out.Headers.Referer = val
		case "origin":
			out.Headers.Origin = val
		}
	}
	for _, s := range v.Sources {
		container := ""
		if s.IsM3U8 {
			container = domain.ContainerHLS
		}
		out.Sources = append(out.Sources, domain.RawSource{URL: s.URL, Quality: s.Quality, Container: container, Server: server})
	}
	for _, s := range v.Subtitles {
		if strings.EqualFold(s.Lang, "thumbnails") {
			continue
		}
		out.Subtitles = append(out.Subtitles, domain.Subtitle{URL: s.URL, Language: s.Lang})
	}
	return out, nil
}

func (p *Provider) Listing(ctx context.Context, kind string) []domain.SearchHit {
	var path string
	switch kind {
	case providerx.ListTrending:
		path = "top-airing"
	case providerx.ListRecent:
		path = "recent-episodes"
	case providerx.ListPopular:
		path = "popular"
	default:
		return nil
	}
	var pg page
	if err := p.Fetcher.GetJSON(ctx, Name, "listing", p.endpoint(path), nil, &pg); err != nil {
		providerx.Report(p.Log, Name, "listing", err)
		return nil
	}
	return p.hits(pg.Results, map[string]struct{}{})
}

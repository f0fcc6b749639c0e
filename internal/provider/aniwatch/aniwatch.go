package aniwatch

import (
	"context"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

const (
	Name = "aniwatch"
	// DefaultBaseURL 指向自建的 API 镜像实例。
	DefaultBaseURL = "http://localhost:4000"
)

// Provider 是主站点的 JSON API 镜像（/api/v2/hianime/...）。
// ID 与主站点一致：slug+数字；剧集 ID 为 "slug-数字?ep=<id>"。
type Provider struct {
	BaseURL string
	Fetcher *providerx.Fetcher
	Log     *zerolog.Logger
}

func New(f *providerx.Fetcher, baseURL string, log *zerolog.Logger) *Provider {
	return &Provider{BaseURL: baseURL, Fetcher: f, Log: log}
}

func (*Provider) Name() string { return Name }

func (p *Provider) api(path string) string {
	return providerx.BaseURL(p.BaseURL, DefaultBaseURL) + "/api/v2/hianime" + path
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Status  int  `json:"status"`
	Data    T    `json:"data"`
}

type animeCard struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	JName    string  `json:"jname"`
	Poster   string  `json:"poster"`
	Type     string  `json:"type"`
	Rating   string  `json:"rating"`
	Score    float64 `json:"score"`
	Episodes struct {
		Sub int `json:"sub"`
		Dub int `json:"dub"`
	} `json:"episodes"`
}

func (p *Provider) hit(c animeCard) (domain.SearchHit, bool) {
	id := strings.TrimSpace(c.ID)
	title := providerx.NormSpace(c.Name)
	if id == "" || title == "" {
		return domain.SearchHit{}, false
	}
	return domain.SearchHit{
		Provider:   Name,
		ExternalID: id,
		Title:      title,
		URL:        p.api("/anime/" + url.PathEscape(id)),
		Thumbnail:  c.Poster,
		MediaType:  c.Type,
		Rating:     c.Score,
	}, true
}

func (p *Provider) hits(cards []animeCard) []domain.SearchHit {
	out := make([]domain.SearchHit, 0, len(cards))
	for _, c := range cards {
		if h, ok := p.hit(c); ok {
			out = append(out, h)
		}
	}
	return out
}

func (p *Provider) Search(ctx context.Context, query string) []domain.SearchHit {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	var env envelope[struct {
		Animes []animeCard `json:"animes"`
	}]
	u := p.api("/search?q=" + url.QueryEscape(query) + "&page=1")
	if err := p.Fetcher.GetJSON(ctx, Name, "search", u, nil, &env); err != nil {
		providerx.Report(p.Log, Name, "search", err)
		return nil
	}
	return p.hits(env.Data.Animes)
}

type animeInfo struct {
	Anime struct {
		Info struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Stats       struct {
				Type     string `json:"type"`
				Episodes struct {
					Sub int `json:"sub"`
					Dub int `json:"dub"`
				} `json:"episodes"`
			} `json:"stats"`
		} `json:"info"`
		MoreInfo struct {
			Status string   `json:"status"`
			Genres []string `json:"genres"`
		} `json:"moreInfo"`
	} `json:"anime"`
}

type episodeList struct {
	TotalEpisodes int `json:"totalEpisodes"`
	Episodes      []struct {
		Title     string `json:"title"`
		EpisodeID string `json:"episodeId"`
		Number    int    `json:"number"`
		IsFiller  bool   `json:"isFiller"`
	} `json:"episodes"`
}

// Info 需要两次请求：元数据与剧集列表是两个端点。
func (p *Provider) Info(ctx context.Context, id string) (domain.SeriesInfo, bool) {
	id, _ = providerx.QualifiedID(id)
	if id == "" {
		return domain.SeriesInfo{}, false
	}
	var meta envelope[animeInfo]
	if err := p.Fetcher.GetJSON(ctx, Name, "info", p.api("/anime/"+url.PathEscape(id)), nil, &meta); err != nil {
		providerx.Report(p.Log, Name, "info", err)
		return domain.SeriesInfo{}, false
	}
	ai := meta.Data.Anime
	if strings.TrimSpace(ai.Info.Name) == "" {
		providerx.Report(p.Log, Name, "info", providerx.Errorf(Name, "info", "响应缺少 name：%s", id))
		return domain.SeriesInfo{}, false
	}

	var list envelope[episodeList]
	if err := p.Fetcher.GetJSON(ctx, Name, "episodes", p.api("/anime/"+url.PathEscape(id)+"/episodes"), nil, &list); err != nil {
		providerx.Report(p.Log, Name, "episodes", err)
		return domain.SeriesInfo{}, false
	}

	info := domain.SeriesInfo{
		Provider:     Name,
		ExternalID:   id,
		Title:        providerx.NormSpace(ai.Info.Name),
		Description:  providerx.NormSpace(ai.Info.Description),
		Genres:       providerx.NormList(ai.MoreInfo.Genres),
		Status:       ai.MoreInfo.Status,
		EpisodeCount: max(list.Data.TotalEpisodes, ai.Info.Stats.Episodes.Sub),
	}
	for _, e := range list.Data.Episodes {
		info.Episodes = append(info.Episodes, domain.EpisodeRef{
			ExternalID: strings.TrimSpace(e.EpisodeID),
			Number:     e.Number,
			Title:      providerx.NormSpace(e.Title),
		})
	}
	info.Finalize()
	return info, true
}

type serverList struct {
	Sub []serverItem `json:"sub"`
	Dub []serverItem `json:"dub"`
	Raw []serverItem `json:"raw"`
}

type serverItem struct {
	ServerID   int    `json:"serverId"`
	ServerName string `json:"serverName"`
}

type sourcesData struct {
	Headers map[string]string `json:"headers"`
	Sources []struct {
		URL     string `json:"url"`
		Type    string `json:"type"`
		Quality string `json:"quality"`
		IsM3U8  bool   `json:"isM3U8"`
	} `json:"sources"`
	Tracks []struct {
		File  string `json:"file"`
		URL   string `json:"url"`
		Label string `json:"label"`
		Lang  string `json:"lang"`
		Kind  string `json:"kind"`
	} `json:"tracks"`
	Subtitles []struct {
		URL  string `json:"url"`
		Lang string `json:"lang"`
	} `json:"subtitles"`
	Intro *domain.Marker `json:"intro"`
	Outro *domain.Marker `json:"outro"`
}

func (p *Provider) Sources(ctx context.Context, episodeID string, opt domain.SourceOptions) domain.RawSources {
	episodeID = strings.TrimSpace(episodeID)
	if _, ok := providerx.EpisodeParam(episodeID); !ok {
		providerx.Report(p.Log, Name, "sources", providerx.Errorf(Name, "sources", "剧集 ID 缺少 ep 参数：%s", episodeID))
		return domain.RawSources{}
	}

	var sl envelope[serverList]
	u := p.api("/episode/servers?animeEpisodeId=" + url.QueryEscape(episodeID))
	if err := p.Fetcher.GetJSON(ctx, Name, "servers", u, nil, &sl); err != nil {
		providerx.Report(p.Log, Name, "servers", err)
		return domain.RawSources{}
	}

	category := domain.AudioSub
	servers := sl.Data.Sub
	if strings.EqualFold(opt.Audio, domain.AudioDub) {
		category, servers = domain.AudioDub, sl.Data.Dub
	} else if len(servers) == 0 {
		category, servers = "raw", sl.Data.Raw
	}
	names := make([]string, 0, len(servers))
	for _, s := range servers {
		if n := strings.TrimSpace(s.ServerName); n != "" {
			names = append(names, n)
		}
	}

	for _, name := range providerx.ServerOrder(opt.Server, names) {
		if ctx.Err() != nil {
			break
		}
		raw, err := p.sources(ctx, episodeID, name, category)
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

func (p *Provider) sources(ctx context.Context, episodeID, server, category string) (domain.RawSources, error) {
	q := url.Values{}
	q.Set("animeEpisodeId", episodeID)
	q.Set("server", server)
	q.Set("category", category)

	var env envelope[sourcesData]
	if err := p.Fetcher.GetJSON(ctx, Name, "sources", p.api("/episode/sources?"+q.Encode()), nil, &env); err != nil {
		return domain.RawSources{}, err
	}
	d := env.Data
	out := domain.RawSources{Intro: d.Intro, Outro: d.Outro}
	for k, v := range d.Headers {
		switch strings.ToLower(k) {
		case "referer":
			out.Headers.Referer = v
		case "origin":
			out.Headers.Origin = v
		}
	}
	for _, s := range d.Sources {
		container := s.Type
		if s.IsM3U8 && container == "" {
			container = domain.ContainerHLS
		}
		out.Sources = append(out.Sources, domain.RawSource{URL: s.URL, Quality: s.Quality, Container: container, Server: server})
	}
	for _, t := range d.Tracks {
		if t.Kind == "thumbnails" || strings.EqualFold(t.Lang, "thumbnails") {
			continue
		}
		u := t.File
		if u == "" {
			u = t.URL
		}
		lang := t.Label
		if lang == "" {
			lang = t.Lang
		}
		out.Subtitles = append(out.Subtitles, domain.Subtitle{URL: u, Language: lang})
	}
	for _, s := range d.Subtitles {
		out.Subtitles = append(out.Subtitles, domain.Subtitle{URL: s.URL, Language: s.Lang})
	}
	return out, nil
}

// Listing 复用 /home 的分栏。
func (p *Provider) Listing(ctx context.Context, kind string) []domain.SearchHit {
	var env envelope[struct {
		Trending []animeCard `json:"trendingAnimes"`
		Latest   []animeCard `json:"latestEpisodeAnimes"`
		Popular  []animeCard `json:"mostPopularAnimes"`
	}]
	if err := p.Fetcher.GetJSON(ctx, Name, "listing", p.api("/home"), nil, &env); err != nil {
		providerx.Report(p.Log, Name, "listing", err)
		return nil
	}
	switch kind {
	case providerx.ListTrending:
		return p.hits(env.Data.Trending)
	case providerx.ListRecent:
		return p.hits(env.Data.Latest)
	case providerx.ListPopular:
		return p.hits(env.Data.Popular)
	}
	return nil
}

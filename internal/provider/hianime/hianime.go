package hianime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

const (
	Name           = "hianime"
	DefaultBaseURL = "https://hianime.to"
)

// Provider 是主抓取站点：HTML 搜索页 + 详情页，剧集列表与播放源走站内 AJAX。
//
// ID 形态：
// - 搜索结果 / Info：slug+数字（"frieren-beyond-journeys-end-18542"）
// - 剧集列表 AJAX：只要数字后缀（"18542"）
// - 剧集 ID：slug+数字?ep=<episode id>；server 列表只认 ep 参数
type Provider struct {
	BaseURL string
	Fetcher *providerx.Fetcher
	Log     *zerolog.Logger
}

func New(f *providerx.Fetcher, baseURL string, log *zerolog.Logger) *Provider {
	return &Provider{BaseURL: baseURL, Fetcher: f, Log: log}
}

func (*Provider) Name() string { return Name }

func (p *Provider) baseURL() string { return providerx.BaseURL(p.BaseURL, DefaultBaseURL) }

func (p *Provider) Search(ctx context.Context, query string) []domain.SearchHit {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	u := p.baseURL() + "/search?keyword=" + url.QueryEscape(query)
	doc, err := p.Fetcher.GetDocument(ctx, Name, "search", u, nil)
	if err != nil {
		providerx.Report(p.Log, Name, "search", err)
		return nil
	}
	return parseItems(doc, p.baseURL())
}

// parseItems 解析列表页的 div.flw-item 卡片（搜索、最近更新、人气共用）。
func parseItems(doc *goquery.Document, base string) []domain.SearchHit {
	var out []domain.SearchHit
	seen := map[string]struct{}{}
	doc.Find("div.flw-item").Each(func(_ int, s *goquery.Selection) {
		a := s.Find(".film-detail .film-name a").First()
		href, _ := a.Attr("href")
		id, _ := providerx.QualifiedID(href)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}

		title := providerx.NormSpace(a.Text())
		if t, ok := a.Attr("title"); ok && strings.TrimSpace(t) != "" {
			title = providerx.NormSpace(t)
		}
		thumb, _ := s.Find(".film-poster img").First().Attr("data-src")
		if thumb == "" {
			thumb, _ = s.Find(".film-poster img").First().Attr("src")
		}
		out = append(out, domain.SearchHit{
			Provider:   Name,
			ExternalID: id,
			Title:      title,
			URL:        providerx.ResolveURL(base, providerx.StripQuery(href)),
			Thumbnail:  strings.TrimSpace(thumb),
			MediaType:  providerx.NormSpace(s.Find(".fd-infor .fdi-item").First().Text()),
		})
	})
	return out
}

func (p *Provider) Info(ctx context.Context, id string) (domain.SeriesInfo, bool) {
	id, _ = providerx.QualifiedID(id)
	if id == "" {
		return domain.SeriesInfo{}, false
	}
	doc, err := p.Fetcher.GetDocument(ctx, Name, "info", p.baseURL()+"/"+id, nil)
	if err != nil {
		providerx.Report(p.Log, Name, "info", err)
		return domain.SeriesInfo{}, false
	}
	info, err := parseInfo(doc, id)
	if err != nil {
		providerx.Report(p.Log, Name, "info", providerx.ParseError(Name, "info", err))
		return domain.SeriesInfo{}, false
	}

	// 剧集列表不在详情页里：按数字 ID 单独请求。
	num, ok := providerx.NumericSuffix(id)
	if !ok {
		num = strings.TrimSpace(doc.Find("#wrapper").AttrOr("data-id", ""))
	}
	if num == "" {
		providerx.Report(p.Log, Name, "episodes", providerx.Errorf(Name, "episodes", "缺少数字 ID：%s", id))
		return domain.SeriesInfo{}, false
	}
	eps, err := p.episodes(ctx, num)
	if err != nil {
		providerx.Report(p.Log, Name, "episodes", err)
		return domain.SeriesInfo{}, false
	}
	info.Episodes = eps
	info.Finalize()
	return info, true
}

func parseInfo(doc *goquery.Document, id string) (domain.SeriesInfo, error) {
	detail := doc.Find(".anisc-detail").First()
	title := providerx.NormSpace(detail.Find(".film-name").First().Text())
	if title == "" {
		return domain.SeriesInfo{}, errors.New("详情页缺少标题")
	}
	info := domain.SeriesInfo{
		Provider:    Name,
		ExternalID:  id,
		Title:       title,
		Description: providerx.NormSpace(detail.Find(".film-description .text").First().Text()),
	}
	doc.Find(".anisc-info .item").Each(func(_ int, s *goquery.Selection) {
		head := strings.ToLower(strings.TrimSuffix(providerx.NormSpace(s.Find(".item-head").First().Text()), ":"))
		switch head {
		case "genres":
			var gs []string
			s.Find("a").Each(func(_ int, a *goquery.Selection) { gs = append(gs, a.Text()) })
			info.Genres = providerx.NormList(gs)
		case "status":
			info.Status = providerx.NormSpace(s.Find(".name").First().Text())
		case "episodes":
			info.EpisodeCount = providerx.FirstInt(s.Find(".name").First().Text())
		}
	})
	return info, nil
}

type htmlEnvelope struct {
	Status     bool   `json:"status"`
	HTML       string `json:"html"`
	TotalItems int    `json:"totalItems"`
}

func (p *Provider) episodes(ctx context.Context, num string) ([]domain.EpisodeRef, error) {
	var env htmlEnvelope
	u := p.baseURL() + "/ajax/v2/episode/list/" + url.PathEscape(num)
	if err := p.Fetcher.GetJSON(ctx, Name, "episodes", u, xhrHeader(p.baseURL()), &env); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(env.HTML))
	if err != nil {
		return nil, providerx.ParseError(Name, "episodes", err)
	}
	var eps []domain.EpisodeRef
	doc.Find("a.ep-item").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		epID := strings.TrimPrefix(strings.TrimSpace(href), "/watch/")
		if epID == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(a.AttrOr("data-number", "")))
		if err != nil {
			n = providerx.EpisodeNumber(a.Text())
		}
		eps = append(eps, domain.EpisodeRef{
			ExternalID: epID,
			Number:     n,
			Title:      providerx.NormSpace(a.AttrOr("title", "")),
		})
	})
	if len(eps) == 0 && env.TotalItems > 0 {
		return nil, providerx.Errorf(Name, "episodes", "列表声明 %d 集但未解析到任何条目", env.TotalItems)
	}
	return eps, nil
}

type server struct {
	ID   string
	Name string
	Type string // sub / dub / raw
}

// Sources 依次尝试 server：先拿 embed 链接，再调用 embed 的 getSources 拿直链。
// 直链都拿不到时退回 embed 链接本身。
func (p *Provider) Sources(ctx context.Context, episodeID string, opt domain.SourceOptions) domain.RawSources {
	ep, ok := providerx.EpisodeKey(episodeID)
	if !ok {
		providerx.Report(p.Log, Name, "sources", providerx.Errorf(Name, "sources", "无法识别的剧集 ID：%s", episodeID))
		return domain.RawSources{}
	}
	servers, err := p.servers(ctx, ep)
	if err != nil {
		providerx.Report(p.Log, Name, "servers", err)
		return domain.RawSources{}
	}
	candidates := filterServers(servers, opt.Audio)

	byName := make(map[string]server, len(candidates))
	names := make([]string, 0, len(candidates))
	for _, s := range candidates {
		byName[s.Name] = s
		names = append(names, s.Name)
	}

	var embeds []domain.RawSource
	for _, name := range providerx.ServerOrder(opt.Server, names) {
		if ctx.Err() != nil {
			break
		}
		s := byName[name]
		link, err := p.embedLink(ctx, s.ID)
		if err != nil {
			providerx.Report(p.Log, Name, "sources", err)
			continue
		}
		raw, err := p.extract(ctx, link, s.Name)
		if err != nil {
			providerx.Report(p.Log, Name, "extract", err)
		}
		if len(raw.Sources) > 0 {
			return raw
		}
		embeds = append(embeds, domain.RawSource{URL: link, Container: domain.ContainerEmbed, Server: s.Name})
	}
	return domain.RawSources{Sources: embeds}
}

func (p *Provider) servers(ctx context.Context, ep string) ([]server, error) {
	var env htmlEnvelope
	u := p.baseURL() + "/ajax/v2/episode/servers?episodeId=" + url.QueryEscape(ep)
	if err := p.Fetcher.GetJSON(ctx, Name, "servers", u, xhrHeader(p.baseURL()), &env); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(env.HTML))
	if err != nil {
		return nil, providerx.ParseError(Name, "servers", err)
	}
	var out []server
	doc.Find("div.server-item").Each(func(_ int, s *goquery.Selection) {
		id := strings.TrimSpace(s.AttrOr("data-id", ""))
		if id == "" {
			return
		}
		out = append(out, server{
			ID:   id,
			Name: providerx.NormSpace(s.Find("a").First().Text()),
			Type: strings.ToLower(strings.TrimSpace(s.AttrOr("data-type", ""))),
		})
	})
	if len(out) == 0 {
		return nil, providerx.Errorf(Name, "servers", "没有可用 server：ep=%s", ep)
	}
	return out, nil
}

// filterServers 按音轨过滤；要 sub 但只有 raw 时退回 raw。
func filterServers(all []server, audio string) []server {
	want := domain.AudioSub
	if strings.EqualFold(audio, domain.AudioDub) {
		want = domain.AudioDub
	}
	var out []server
	for _, s := range all {
		if s.Type == want {
			out = append(out, s)
		}
	}
	if len(out) == 0 && want == domain.AudioSub {
		for _, s := range all {
			if s.Type == "raw" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (p *Provider) embedLink(ctx context.Context, serverID string) (string, error) {
	var v struct {
		Type string `json:"type"`
		Link string `json:"link"`
	}
	u := p.baseURL() + "/ajax/v2/episode/sources?id=" + url.QueryEscape(serverID)
	if err := p.Fetcher.GetJSON(ctx, Name, "sources", u, xhrHeader(p.baseURL()), &v); err != nil {
		return "", err
	}
	link := strings.TrimSpace(v.Link)
	if link == "" {
		return "", providerx.Errorf(Name, "sources", "server %s 没有返回 embed 链接", serverID)
	}
	return providerx.ResolveURL(p.baseURL(), link), nil
}

type embedSources struct {
	Sources json.RawMessage `json:"sources"`
	Tracks  []struct {
		File  string `json:"file"`
		Label string `json:"label"`
		Kind  string `json:"kind"`
	} `json:"tracks"`
	Encrypted bool           `json:"encrypted"`
	Intro     *domain.Marker `json:"intro"`
	Outro     *domain.Marker `json:"outro"`
}

type embedFile struct {
	File string `json:"file"`
	Type string `json:"type"`
}

// extract 调用 embed 站点的 getSources：
// https://host/embed-2/e-1/<id>?k=1 -> https://host/embed-2/ajax/e-1/getSources?id=<id>
func (p *Provider) extract(ctx context.Context, embed, serverName string) (domain.RawSources, error) {
	api, origin, err := getSourcesURL(embed)
	if err != nil {
		return domain.RawSources{}, providerx.ParseError(Name, "extract", err)
	}
	h := xhrHeader(origin)
	h.Set("Referer", embed)

	var v embedSources
	if err := p.Fetcher.GetJSON(ctx, Name, "extract", api, h, &v); err != nil {
		return domain.RawSources{}, err
	}
	var files []embedFile
	if err := json.Unmarshal(v.Sources, &files); err != nil {
		// encrypted=true 时 sources 是密文字符串；不做解密，交给 embed 兜底。
		if v.Encrypted {
			return domain.RawSources{}, providerx.Errorf(Name, "extract", "sources 已加密")
		}
		return domain.RawSources{}, providerx.ParseError(Name, "extract", err)
	}

	out := domain.RawSources{
		Headers: domain.Headers{Referer: origin + "/"},
		Intro:   v.Intro,
		Outro:   v.Outro,
	}
	for _, f := range files {
		out.Sources = append(out.Sources, domain.RawSource{URL: f.File, Container: f.Type, Server: serverName})
	}
	for _, t := range v.Tracks {
		if t.Kind != "" && t.Kind != "captions" && t.Kind != "subtitles" {
			continue
		}
		out.Subtitles = append(out.Subtitles, domain.Subtitle{URL: t.File, Language: t.Label})
	}
	return out, nil
}

func getSourcesURL(embed string) (api, origin string, err error) {
	u, err := url.Parse(embed)
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("embed 链接无效：%q", embed)
	}
	dir, id := path.Split(strings.TrimRight(u.Path, "/"))
	dir = strings.TrimRight(dir, "/")
	parent, leaf := path.Split(dir)
	if id == "" || leaf == "" {
		return "", "", fmt.Errorf("embed 路径无法识别：%q", u.Path)
	}
	origin = u.Scheme + "://" + u.Host
	api = origin + path.Join("/", parent, "ajax", leaf, "getSources") + "?id=" + url.QueryEscape(id)
	return api, origin, nil
}

func xhrHeader(referer string) http.Header {
	h := http.Header{}
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Referer", referer+"/")
	return h
}

// Listing 提供首页列表。
func (p *Provider) Listing(ctx context.Context, kind string) []domain.SearchHit {
	var page string
	switch kind {
	case providerx.ListTrending:
		page = "/top-airing"
	case providerx.ListRecent:
		page = "/recently-updated"
	case providerx.ListPopular:
		page = "/most-popular"
	default:
		return nil
	}
	doc, err := p.Fetcher.GetDocument(ctx, Name, "listing", p.baseURL()+page, nil)
	if err != nil {
		providerx.Report(p.Log, Name, "listing", err)
		return nil
	}
	return parseItems(doc, p.baseURL())
}

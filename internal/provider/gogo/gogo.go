package gogo

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/domain"
	"github.com/John-Robertt/anires/internal/infra/httpx"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

const (
	Name           = "gogo"
	DefaultBaseURL = "https://anitaku.to"
	DefaultAjaxURL = "https://ajax.gogocdn.net"
)

// Provider 是老牌 HTML 站点，整页用 colly 抓取，请求经 Fetcher（缓存 + 限速）发出。
//
// ID 形态：
// - 条目：category 页的 slug（"sousou-no-frieren"），带 "-dub" 的是配音版
// - 剧集：剧集页 slug（"sousou-no-frieren-episode-1"）
//
// 剧集列表不在 category 页：页面只给 movie_id 与分段范围，列表走 ajax 站点。
type Provider struct {
	BaseURL string
	AjaxURL string
	Fetcher *providerx.Fetcher
	Log     *zerolog.Logger
}

func New(f *providerx.Fetcher, baseURL string, log *zerolog.Logger) *Provider {
	return &Provider{BaseURL: baseURL, Fetcher: f, Log: log}
}

func (*Provider) Name() string { return Name }

func (p *Provider) baseURL() string { return providerx.BaseURL(p.BaseURL, DefaultBaseURL) }
func (p *Provider) ajaxURL() string { return providerx.BaseURL(p.AjaxURL, DefaultAjaxURL) }

// collector 每次调用新建：colly 的 visited 记录是按 collector 存的。
func (p *Provider) collector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(colly.UserAgent(httpx.RandomUA()))
	c.WithTransport(ctxTransport{ctx: ctx, next: p.Fetcher.Transport(Name)})
	return c
}

// ctxTransport 把调用方的 ctx 带进 colly 发出的请求（colly 自己不传 ctx）。
type ctxTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t ctxTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(r.WithContext(t.ctx))
}

var reEpisodeSuffix = regexp.MustCompile(`-episode-\d+(?:-\d+)?$`)

// seriesSlug 把 category 链接或剧集链接都还原成条目 slug。
func seriesSlug(href string) string {
	id, _ := providerx.QualifiedID(href)
	return reEpisodeSuffix.ReplaceAllString(id, "")
}

func (p *Provider) cards(ctx context.Context, u string) ([]domain.SearchHit, error) {
	var out []domain.SearchHit
	seen := map[string]struct{}{}
	c := p.collector(ctx)
	c.OnHTML("ul.items li", func(e *colly.HTMLElement) {
		href := e.ChildAttr("p.name a", "href")
		id := seriesSlug(href)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		title := providerx.NormSpace(e.ChildAttr("p.name a", "title"))
		if title == "" {
			title = providerx.NormSpace(e.ChildText("p.name a"))
		}
		if title == "" {
			return
		}
		seen[id] = struct{}{}
		out = append(out, domain.SearchHit{
			Provider:   Name,
			ExternalID: id,
			Title:      title,
			URL:        p.baseURL() + "/category/" + id,
			Thumbnail:  e.ChildAttr("div.img img", "src"),
		})
	})
	if err := c.Visit(u); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) Search(ctx context.Context, query string) []domain.SearchHit {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	out, err := p.cards(ctx, p.baseURL()+"/search.html?keyword="+url.QueryEscape(query))
	if err != nil {
		providerx.Report(p.Log, Name, "search", err)
		return nil
	}
	return out
}

type categoryPage struct {
	info    domain.SeriesInfo
	movieID string
	alias   string
	epEnd   int
}

func (p *Provider) Info(ctx context.Context, id string) (domain.SeriesInfo, bool) {
	id = seriesSlug(id)
	if id == "" {
		return domain.SeriesInfo{}, false
	}
	page, err := p.category(ctx, id)
	if err != nil {
		providerx.Report(p.Log, Name, "info", err)
		return domain.SeriesInfo{}, false
	}
	if page.info.Title == "" || page.movieID == "" {
		providerx.Report(p.Log, Name, "info", providerx.Errorf(Name, "info", "category 页缺少标题或 movie_id：%s", id))
		return domain.SeriesInfo{}, false
	}
	alias := page.alias
	if alias == "" {
		alias = id
	}
	eps, err := p.episodes(ctx, page.movieID, alias, page.epEnd)
	if err != nil {
		providerx.Report(p.Log, Name, "episodes", err)
		return domain.SeriesInfo{}, false
	}
	info := page.info
	info.Episodes = eps
	info.Finalize()
	return info, true
}

func (p *Provider) category(ctx context.Context, id string) (categoryPage, error) {
	page := categoryPage{info: domain.SeriesInfo{Provider: Name, ExternalID: id}}
	c := p.collector(ctx)
	c.OnHTML("div.anime_info_body_bg", func(e *colly.HTMLElement) {
		page.info.Title = providerx.NormSpace(e.ChildText("h1"))
		e.ForEach("p.type", func(_ int, el *colly.HTMLElement) {
			label := providerx.NormSpace(el.ChildText("span"))
			switch strings.ToLower(strings.TrimSuffix(label, ":")) {
			case "plot summary":
				page.info.Description = providerx.NormSpace(strings.TrimPrefix(providerx.NormSpace(el.Text), label))
			case "genre":
				var gs []string
				el.ForEach("a", func(_ int, a *colly.HTMLElement) {
					g := a.Attr("title")
					if g == "" {
						g = strings.TrimPrefix(strings.TrimSpace(a.Text), ",")
					}
					gs = append(gs, g)
				})
				page.info.Genres = providerx.NormList(gs)
			case "status":
				page.info.Status = providerx.NormSpace(el.ChildText("a"))
			}
		})
		if d := providerx.NormSpace(e.ChildText("div.description")); d != "" {
			page.info.Description = d
		}
	})
	c.OnHTML("input#movie_id", func(e *colly.HTMLElement) { page.movieID = strings.TrimSpace(e.Attr("value")) })
	c.OnHTML("input#alias_anime", func(e *colly.HTMLElement) { page.alias = strings.TrimSpace(e.Attr("value")) })
	c.OnHTML("#episode_page a", func(e *colly.HTMLElement) {
		if n, err := strconv.Atoi(strings.TrimSpace(e.Attr("ep_end"))); err == nil && n > page.epEnd {
			page.epEnd = n
		}
	})
	if err := c.Visit(p.baseURL() + "/category/" + url.PathEscape(id)); err != nil {
		return categoryPage{}, err
	}
	page.info.EpisodeCount = page.epEnd
	return page, nil
}

// episodes 请求 ajax 列表；返回的是 HTML 片段（不是整页），直接交给 goquery。
func (p *Provider) episodes(ctx context.Context, movieID, alias string, epEnd int) ([]domain.EpisodeRef, error) {
	q := url.Values{}
	q.Set("ep_start", "0")
	q.Set("ep_end", strconv.Itoa(epEnd))
	q.Set("id", movieID)
	q.Set("default_ep", "0")
	q.Set("alias", alias)
	h := http.Header{}
	h.Set("Referer", p.baseURL()+"/")

	doc, err := p.Fetcher.GetDocument(ctx, Name, "episodes", p.ajaxURL()+"/ajax/load-list-episode?"+q.Encode(), h)
	if err != nil {
		return nil, err
	}
	var eps []domain.EpisodeRef
	doc.Find("#episode_related li a").Each(func(_ int, a *goquery.Selection) {
		epID, _ := providerx.QualifiedID(a.AttrOr("href", ""))
		if epID == "" {
			return
		}
		label := providerx.NormSpace(a.Find("div.name").Text())
		n := providerx.EpisodeNumber(label)
		if n == 0 {
			n = providerx.EpisodeNumber(epID)
		}
		eps = append(eps, domain.EpisodeRef{ExternalID: epID, Number: n})
	})
	if len(eps) == 0 && epEnd > 0 {
		return nil, providerx.Errorf(Name, "episodes", "列表声明 %d 集但未解析到任何条目", epEnd)
	}
	return eps, nil
}

type embedServer struct {
	Name string
	URL  string
}

// Sources 从剧集页拿到各 server 的 embed 链接，逐个探测其中的直链；
// 都探测不到时把 embed 链接本身作为兜底来源返回。
func (p *Provider) Sources(ctx context.Context, episodeID string, opt domain.SourceOptions) domain.RawSources {
	episodeID, _ = providerx.QualifiedID(episodeID)
	if episodeID == "" {
		return domain.RawSources{}
	}
	servers, err := p.servers(ctx, episodeID)
	if err != nil {
		providerx.Report(p.Log, Name, "servers", err)
		return domain.RawSources{}
	}
	byName := make(map[string]embedServer, len(servers))
	names := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, ok := byName[s.Name]; ok {
			continue
		}
		byName[s.Name] = s
		names = append(names, s.Name)
	}

	var embeds []domain.RawSource
	for _, name := range providerx.ServerOrder(opt.Server, names) {
		if ctx.Err() != nil {
			break
		}
		s := byName[name]
		raw, err := p.openEmbed(ctx, s)
		if err != nil {
			providerx.Report(p.Log, Name, "embed", err)
		}
		if len(raw.Sources) > 0 {
			return raw
		}
		embeds = append(embeds, domain.RawSource{URL: s.URL, Container: domain.ContainerEmbed, Server: s.Name})
	}
	return domain.RawSources{Sources: embeds}
}

func (p *Provider) servers(ctx context.Context, episodeID string) ([]embedServer, error) {
	var out []embedServer
	c := p.collector(ctx)
	c.OnHTML("div.anime_muti_link ul li", func(e *colly.HTMLElement) {
		link := strings.TrimSpace(e.ChildAttr("a", "data-video"))
		if link == "" {
			return
		}
		name := ""
		if f := strings.Fields(e.Attr("class")); len(f) > 0 {
			name = strings.ToLower(f[0])
		}
		if name == "" {
			name = strings.ToLower(providerx.NormSpace(strings.ReplaceAll(e.ChildText("a"), "Choose this server", "")))
		}
		out = append(out, embedServer{Name: name, URL: providerx.ResolveURL(p.baseURL(), link)})
	})
	if err := c.Visit(p.baseURL() + "/" + url.PathEscape(episodeID)); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, providerx.Errorf(Name, "servers", "剧集页没有 server：%s", episodeID)
	}
	return out, nil
}

var (
	reFileURL = regexp.MustCompile(`(?i)(?:file|src|source)\s*[:=]\s*["'](https?://[^"'\s]+?\.(?:m3u8|mp4)(?:\?[^"'\s]*)?)["']`)
	reLabel   = regexp.MustCompile(`(?i)\b(\d{3,4})p\b`)
)

// openEmbed 打开 embed 页，按常见播放器配置（file: "..."、<source src=...>）找直链。
func (p *Provider) openEmbed(ctx context.Context, s embedServer) (domain.RawSources, error) {
	h := http.Header{}
	h.Set("Referer", p.baseURL()+"/")
	body, err := p.Fetcher.Get(ctx, Name, s.URL, h)
	if err != nil {
		return domain.RawSources{}, err
	}
	out := domain.RawSources{}
	if u, err := url.Parse(s.URL); err == nil && u.Host != "" {
		out.Headers.Referer = u.Scheme + "://" + u.Host + "/"
	}
	seen := map[string]struct{}{}
	for _, m := range reFileURL.FindAllStringSubmatch(string(body), -1) {
		link := m[1]
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		quality := ""
		if q := reLabel.FindStringSubmatch(link); q != nil {
			quality = q[1] + "p"
		}
		out.Sources = append(out.Sources, domain.RawSource{URL: link, Quality: quality, Server: s.Name})
	}
	return out, nil
}

// Listing：首页“最近更新”、人气页、连载页都是同一种 ul.items 卡片。
func (p *Provider) Listing(ctx context.Context, kind string) []domain.SearchHit {
	var page string
	switch kind {
	case providerx.ListTrending:
		page = "/ongoing-anime.html"
	case providerx.ListRecent:
		page = "/"
	case providerx.ListPopular:
		page = "/popular.html"
	default:
		return nil
	}
	out, err := p.cards(ctx, p.baseURL()+page)
	if err != nil {
		providerx.Report(p.Log, Name, "listing", err)
		return nil
	}
	return out
}

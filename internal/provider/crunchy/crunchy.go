package crunchy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/domain"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

const (
	Name           = "crunchy"
	DefaultBaseURL = "https://www.crunchyroll.com"
	DefaultLocale  = "en-US"

	// 搜索只展开前几个系列的季度列表：每个系列要多一次请求。
	maxSeriesExpanded = 3
	// token 提前过期的余量。
	tokenSkew = 30 * time.Second
)

// Provider 是带 DRM 的正版流媒体平台 JSON API。
//
// 约束：
// - 所有请求都要匿名 client token（client_id 授权），token 按过期时间缓存在实例里
// - 一个系列按季度拆成多个搜索结果，ID 为 "系列ID/季度ID"
// - 带 DRM 的流会被标记并在归一阶段丢弃；配音通过剧集的 versions 找到对应 guid
type Provider struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Locale       string
	Fetcher      *providerx.Fetcher
	Log          *zerolog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

func New(f *providerx.Fetcher, baseURL, clientID, clientSecret, locale string, log *zerolog.Logger) *Provider {
	return &Provider{
		BaseURL:      baseURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Locale:       locale,
		Fetcher:      f,
		Log:          log,
	}
}

func (*Provider) Name() string { return Name }

func (p *Provider) baseURL() string { return providerx.BaseURL(p.BaseURL, DefaultBaseURL) }

func (p *Provider) locale() string {
	if l := strings.TrimSpace(p.Locale); l != "" {
		return l
	}
	return DefaultLocale
}

func (p *Provider) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

var errNoClient = errors.New("未配置 client_id")

// accessToken 返回有效 token；过期或缺失时重新申请（不走缓存）。
func (p *Provider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && p.clock().Before(p.expires) {
		return p.token, nil
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return "", providerx.ParseError(Name, "token", errNoClient)
	}

	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(p.ClientID+":"+p.ClientSecret)))
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.Fetcher.Do(ctx, Name, providerx.Request{
		URL:     p.baseURL() + "/auth/v1/token",
		Method:  http.MethodPost,
		Header:  h,
		Body:    []byte(url.Values{"grant_type": {"client_id"}}.Encode()),
		NoCache: true,
	})
	if err != nil {
		return "", err
	}
	var v struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return "", providerx.ParseError(Name, "token", err)
	}
	if v.AccessToken == "" {
		return "", providerx.Errorf(Name, "token", "响应缺少 access_token")
	}
	ttl := time.Duration(v.ExpiresIn)*time.Second - tokenSkew
	if ttl <= 0 {
		ttl = time.Minute
	}
	p.token, p.expires = v.AccessToken, p.clock().Add(ttl)
	return p.token, nil
}

func (p *Provider) getJSON(ctx context.Context, op, path string, q url.Values, v any) error {
	tok, err := p.accessToken(ctx)
	if err != nil {
		return err
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("locale", p.locale())
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	return p.Fetcher.GetJSON(ctx, Name, op, p.baseURL()+path+"?"+q.Encode(), h, v)
}

type list[T any] struct {
	Total int `json:"total"`
	Data  []T `json:"data"`
}

type image struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
}

type series struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Images struct {
		PosterTall [][]image `json:"poster_tall"`
	} `json:"images"`
	SeriesMetadata struct {
		SeasonCount  int `json:"season_count"`
		EpisodeCount int `json:"episode_count"`
	} `json:"series_metadata"`
}

type season struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	SeriesID     string `json:"series_id"`
	SeasonNumber int    `json:"season_number"`
	IsSubbed     bool   `json:"is_subbed"`
	IsDubbed     bool   `json:"is_dubbed"`
	AudioLocale  string `json:"audio_locale"`
}

// original 判断季度是否是原声版本：只有配音、没有字幕的季度是配音副本，不单独列出。
func (s season) original() bool { return !(s.IsDubbed && !s.IsSubbed) }

func firstImage(sets [][]image) string {
	for _, set := range sets {
		best := image{}
		for _, im := range set {
			if im.Width > best.Width {
				best = im
			}
		}
		if best.Source != "" {
			return best.Source
		}
	}
	return ""
}

// Search 先搜系列，再把前几个系列展开成季度级结果；季度列表拿不到时退回系列级结果。
func (p *Provider) Search(ctx context.Context, query string) []domain.SearchHit {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	var res list[struct {
		Type  string   `json:"type"`
		Items []series `json:"items"`
	}]
	q := url.Values{"q": {query}, "n": {"6"}, "type": {"series"}}
	if err := p.getJSON(ctx, "search", "/content/v2/discover/search", q, &res); err != nil {
		providerx.Report(p.Log, Name, "search", err)
		return nil
	}
	var found []series
	for _, group := range res.Data {
		if group.Type != "" && group.Type != "series" {
			continue
		}
		found = append(found, group.Items...)
	}

	var out []domain.SearchHit
	for i, s := range found {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Title) == "" {
			continue
		}
		thumb := firstImage(s.Images.PosterTall)
		if i < maxSeriesExpanded {
			seasons, err := p.seasons(ctx, s.ID)
			if err == nil && len(seasons) > 0 {
				for _, se := range seasons {
					out = append(out, p.seasonHit(s, se, len(seasons), thumb))
				}
				continue
			}
			providerx.Report(p.Log, Name, "seasons", err)
		}
		out = append(out, domain.SearchHit{
			Provider:   Name,
			ExternalID: s.ID,
			Title:      providerx.NormSpace(s.Title),
			URL:        p.baseURL() + "/series/" + s.ID,
			Thumbnail:  thumb,
			MediaType:  "series",
		})
	}
	return out
}

func (p *Provider) seasonHit(s series, se season, total int, thumb string) domain.SearchHit {
	title := providerx.NormSpace(se.Title)
	if title == "" || (strings.EqualFold(title, providerx.NormSpace(s.Title)) && se.SeasonNumber > 1) {
		title = providerx.NormSpace(s.Title)
		if total > 1 && se.SeasonNumber > 1 {
			title += " Season " + strconv.Itoa(se.SeasonNumber)
		}
	}
	return domain.SearchHit{
		Provider:   Name,
		ExternalID: s.ID + "/" + se.ID,
		Title:      title,
		URL:        p.baseURL() + "/series/" + s.ID,
		Thumbnail:  thumb,
		MediaType:  "season",
	}
}

func (p *Provider) seasons(ctx context.Context, seriesID string) ([]season, error) {
	var res list[season]
	if err := p.getJSON(ctx, "seasons", "/content/v2/cms/series/"+url.PathEscape(seriesID)+"/seasons", nil, &res); err != nil {
		return nil, err
	}
	var out []season
	for _, s := range res.Data {
		if s.ID != "" && s.original() {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SeasonNumber < out[j].SeasonNumber })
	if len(out) == 0 {
		return nil, providerx.Errorf(Name, "seasons", "系列没有原声季度：%s", seriesID)
	}
	return out, nil
}

// splitID 拆开 "系列ID/季度ID"；只有系列 ID 时 seasonID 为空。
func splitID(id string) (seriesID, seasonID string) {
	id = strings.Trim(strings.TrimSpace(id), "/")
	seriesID, seasonID, _ = strings.Cut(id, "/")
	return seriesID, seasonID
}

type episode struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	EpisodeNumber  int     `json:"episode_number"`
	SequenceNumber float64 `json:"sequence_number"`
	Images         struct {
		Thumbnail [][]image `json:"thumbnail"`
	} `json:"images"`
}

func (p *Provider) Info(ctx context.Context, id string) (domain.SeriesInfo, bool) {
	seriesID, seasonID := splitID(id)
	if seriesID == "" {
		return domain.SeriesInfo{}, false
	}

	var se season
	if seasonID == "" {
		// 只给了系列 ID：取第一个原声季度。
		seasons, err := p.seasons(ctx, seriesID)
		if err != nil {
			providerx.Report(p.Log, Name, "seasons", err)
			return domain.SeriesInfo{}, false
		}
		se = seasons[0]
	} else {
		var res list[season]
		if err := p.getJSON(ctx, "info", "/content/v2/cms/seasons/"+url.PathEscape(seasonID), nil, &res); err != nil {
			providerx.Report(p.Log, Name, "info", err)
			return domain.SeriesInfo{}, false
		}
		if len(res.Data) == 0 {
			providerx.Report(p.Log, Name, "info", providerx.Errorf(Name, "info", "季度不存在：%s", seasonID))
			return domain.SeriesInfo{}, false
		}
		se = res.Data[0]
	}

	var eps list[episode]
	if err := p.getJSON(ctx, "episodes", "/content/v2/cms/seasons/"+url.PathEscape(se.ID)+"/episodes", nil, &eps); err != nil {
		providerx.Report(p.Log, Name, "episodes", err)
		return domain.SeriesInfo{}, false
	}

	info := domain.SeriesInfo{
		Provider:    Name,
		ExternalID:  seriesID + "/" + se.ID,
		Title:       providerx.NormSpace(se.Title),
		Description: providerx.NormSpace(se.Description),
	}
	for _, e := range eps.Data {
		n := e.EpisodeNumber
		if n <= 0 {
			n = int(e.SequenceNumber)
		}
		if n <= 0 {
			continue
		}
		info.Episodes = append(info.Episodes, domain.EpisodeRef{
			ExternalID: e.ID,
			Number:     n,
			Title:      providerx.NormSpace(e.Title),
			Thumbnail:  firstImage(e.Images.Thumbnail),
		})
	}
	info.Finalize()
	return info, true
}

type version struct {
	AudioLocale string `json:"audio_locale"`
	GUID        string `json:"guid"`
	Original    bool   `json:"original"`
}

// dubGUID 在剧集的 versions 里找配音版本（非原声，优先当前语言）。
func (p *Provider) dubGUID(ctx context.Context, episodeID string) (string, error) {
	var res list[struct {
		EpisodeMetadata struct {
			Versions []version `json:"versions"`
		} `json:"episode_metadata"`
	}]
	if err := p.getJSON(ctx, "versions", "/content/v2/cms/objects/"+url.PathEscape(episodeID), nil, &res); err != nil {
		return "", err
	}
	if len(res.Data) == 0 {
		return "", providerx.Errorf(Name, "versions", "剧集不存在：%s", episodeID)
	}
	var fallback string
	for _, v := range res.Data[0].EpisodeMetadata.Versions {
		if v.Original || v.GUID == "" {
			continue
		}
		if strings.EqualFold(v.AudioLocale, p.locale()) {
			return v.GUID, nil
		}
		if fallback == "" {
			fallback = v.GUID
		}
	}
	if fallback == "" {
		return "", providerx.Errorf(Name, "versions", "没有配音版本：%s", episodeID)
	}
	return fallback, nil
}

type streamVariant struct {
	URL           string `json:"url"`
	HardsubLocale string `json:"hardsub_locale"`
}

type streamsResponse struct {
	Data []map[string]map[string]streamVariant `json:"data"`
	Meta struct {
		AudioLocale string `json:"audio_locale"`
		Subtitles   map[string]struct {
			URL    string `json:"url"`
			Format string `json:"format"`
			Locale string `json:"locale"`
		} `json:"subtitles"`
	} `json:"meta"`
}

// Sources 取剧集（或配音版本）的播放清单。一次请求返回全部流类型：
// 每种流类型视为一个 server，hint 只影响顺序；只保留软字幕（hardsub 为空）的变体。
func (p *Provider) Sources(ctx context.Context, episodeID string, opt domain.SourceOptions) domain.RawSources {
	guid := strings.TrimSpace(episodeID)
	if guid == "" {
		return domain.RawSources{}
	}
	if strings.EqualFold(opt.Audio, domain.AudioDub) {
		g, err := p.dubGUID(ctx, guid)
		if err != nil {
			providerx.Report(p.Log, Name, "versions", err)
			return domain.RawSources{}
		}
		guid = g
	}

	var res streamsResponse
	if err := p.getJSON(ctx, "sources", "/content/v2/cms/videos/"+url.PathEscape(guid)+"/streams", nil, &res); err != nil {
		providerx.Report(p.Log, Name, "sources", err)
		return domain.RawSources{}
	}
	if len(res.Data) == 0 {
		providerx.Report(p.Log, Name, "sources", providerx.Errorf(Name, "sources", "streams 为空：%s", guid))
		return domain.RawSources{}
	}
	kinds := make([]string, 0, len(res.Data[0]))
	for k := range res.Data[0] {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	out := domain.RawSources{Headers: domain.Headers{Origin: p.baseURL()}}
	for _, kind := range providerx.ServerOrder(opt.Server, kinds) {
		v, ok := res.Data[0][kind][""]
		if !ok || v.HardsubLocale != "" {
			continue
		}
		out.Sources = append(out.Sources, domain.RawSource{
			URL:       v.URL,
			Container: container(kind),
			Server:    kind,
			DRM:       strings.HasPrefix(kind, "drm_"),
		})
	}

	langs := make([]string, 0, len(res.Meta.Subtitles))
	for l := range res.Meta.Subtitles {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	for _, l := range langs {
		s := res.Meta.Subtitles[l]
		lang := s.Locale
		if lang == "" {
			lang = l
		}
		out.Subtitles = append(out.Subtitles, domain.Subtitle{URL: s.URL, Language: lang})
	}
	return out
}

func container(kind string) string {
	switch {
	case strings.Contains(kind, "hls"):
		return domain.ContainerHLS
	case strings.Contains(kind, "dash"):
		return domain.ContainerDASH
	}
	return ""
}

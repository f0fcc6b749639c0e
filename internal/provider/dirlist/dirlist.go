package dirlist

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/domain"
	"github.com/John-Robertt/anires/internal/match"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

const Name = "dirlist"

// 目录服务器的 Server 名固定：只有一个“直连”来源。
const serverName = "direct"

var (
	videoExts    = map[string]bool{".mkv": true, ".mp4": true, ".webm": true, ".m4v": true, ".avi": true, ".ts": true, ".m3u8": true}
	subtitleExts = map[string]bool{".vtt": true, ".srt": true, ".ass": true, ".ssa": true}
)

// Provider 读取静态文件服务器的目录索引（nginx autoindex / Apache / Caddy browse）。
//
// 布局约定：根目录下每个子目录是一个条目，条目目录里的视频文件是剧集；
// 与视频同名（可带语言后缀）的 .vtt/.srt/.ass 视为外挂字幕。
//
// ID 形态：条目 ID 是目录名，剧集 ID 是 "目录名/文件名"（都未转义）。
type Provider struct {
	BaseURL string
	Fetcher *providerx.Fetcher
	Log     *zerolog.Logger
}

func New(f *providerx.Fetcher, baseURL string, log *zerolog.Logger) *Provider {
	return &Provider{BaseURL: baseURL, Fetcher: f, Log: log}
}

func (*Provider) Name() string { return Name }

// entryURL 把未转义的相对路径拼回 URL；dir=true 时补末尾 "/"。
func (p *Provider) entryURL(rel string, dir bool) string {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return providerx.BaseURL(p.BaseURL, "") + "/"
	}
	parts := strings.Split(rel, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	u := providerx.BaseURL(p.BaseURL, "") + "/" + strings.Join(parts, "/")
	if dir {
		u += "/"
	}
	return u
}

type entry struct {
	Name string // 已反转义
	Dir  bool
}

// list 解析一页目录索引；排序链接（?C=N;O=D）、上级目录、跨站链接都会被跳过。
func (p *Provider) list(ctx context.Context, op, dirURL string) ([]entry, error) {
	doc, err := p.Fetcher.GetDocument(ctx, Name, op, dirURL, nil)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(dirURL)
	if err != nil {
		return nil, providerx.ParseError(Name, op, err)
	}
	var out []entry
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Host != base.Host || abs.RawQuery != "" {
			return
		}
		// 只要当前目录的直接子项。
		if !strings.HasPrefix(abs.Path, base.Path) || abs.Path == base.Path {
			return
		}
		rest := strings.TrimPrefix(abs.Path, base.Path)
		dir := strings.HasSuffix(rest, "/")
		rest = strings.TrimSuffix(rest, "/")
		if rest == "" || strings.Contains(rest, "/") {
			return
		}
		if _, ok := seen[rest]; ok {
			return
		}
		seen[rest] = struct{}{}
		out = append(out, entry{Name: rest, Dir: dir})
	})
	return out, nil
}

// Search 在根目录索引里本地过滤：条目名与查询至少共享一个有效词即视为候选，
// 排序交给 Title Matcher。
func (p *Provider) Search(ctx context.Context, query string) []domain.SearchHit {
	want := match.Tokens(query)
	if len(want) == 0 || providerx.BaseURL(p.BaseURL, "") == "" {
		return nil
	}
	entries, err := p.list(ctx, "search", p.entryURL("", true))
	if err != nil {
		providerx.Report(p.Log, Name, "search", err)
		return nil
	}
	var out []domain.SearchHit
	for _, e := range entries {
		if !e.Dir || !sharesToken(want, match.Tokens(e.Name)) {
			continue
		}
		out = append(out, domain.SearchHit{
			Provider:   Name,
			ExternalID: e.Name,
			Title:      providerx.NormSpace(e.Name),
			URL:        p.entryURL(e.Name, true),
			MediaType:  "Folder",
		})
	}
	return out
}

// sharesToken 只比较长度 > 2 的词（"no"、"of" 之类会让无关条目全部命中）；
// 查询里没有这样的词时退回比较全部词。
func sharesToken(want, have []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	long := want[:0:0]
	for _, t := range want {
		if len(t) > 2 {
			long = append(long, t)
		}
	}
	if len(long) == 0 {
		long = want
	}
	for _, t := range long {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func (p *Provider) Info(ctx context.Context, id string) (domain.SeriesInfo, bool) {
	id = strings.Trim(strings.TrimSpace(id), "/")
	if id == "" || providerx.BaseURL(p.BaseURL, "") == "" {
		return domain.SeriesInfo{}, false
	}
	entries, err := p.list(ctx, "info", p.entryURL(id, true))
	if err != nil {
		providerx.Report(p.Log, Name, "info", err)
		return domain.SeriesInfo{}, false
	}
	info := domain.SeriesInfo{
		Provider:   Name,
		ExternalID: id,
		Title:      providerx.NormSpace(path.Base(id)),
	}
	for _, e := range entries {
		if e.Dir || !videoExts[strings.ToLower(path.Ext(e.Name))] {
			continue
		}
		n := EpisodeNumber(e.Name)
		if n <= 0 {
			continue
		}
		info.Episodes = append(info.Episodes, domain.EpisodeRef{
			ExternalID: id + "/" + e.Name,
			Number:     n,
			Title:      strings.TrimSuffix(e.Name, path.Ext(e.Name)),
		})
	}
	info.Finalize()
	return info, true
}

var (
	reBracket   = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)
	reDashNum   = regexp.MustCompile(`\s-\s(\d{1,4})(?:v\d)?\b`)
	reQualityFn = regexp.MustCompile(`(?i)\b(\d{3,4})p\b`)
)

// EpisodeNumber 从文件名解析集号：先去掉 [组名]、(年份) 之类的括号段，
// 再依次尝试 "Title - 05"、"S01E05"/"Episode 5"、第一个数字。
func EpisodeNumber(file string) int {
	stem := strings.TrimSuffix(file, path.Ext(file))
	stem = reBracket.ReplaceAllString(stem, " ")
	stem = strings.NewReplacer("_", " ", ".", " ").Replace(stem)
	if m := reDashNum.FindStringSubmatch(stem); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return providerx.EpisodeNumber(stem)
}

// Sources 直接返回文件 URL，并在同目录里找同名字幕。
// Server/Audio 提示不适用：目录里只有一个文件。
func (p *Provider) Sources(ctx context.Context, episodeID string, _ domain.SourceOptions) domain.RawSources {
	episodeID = strings.Trim(strings.TrimSpace(episodeID), "/")
	dir, file := path.Split(episodeID)
	if file == "" || !videoExts[strings.ToLower(path.Ext(file))] || providerx.BaseURL(p.BaseURL, "") == "" {
		return domain.RawSources{}
	}
	quality := ""
	if m := reQualityFn.FindStringSubmatch(file); m != nil {
		quality = m[1] + "p"
	}
	out := domain.RawSources{Sources: []domain.RawSource{{
		URL:       p.entryURL(episodeID, false),
		Quality:   quality,
		Container: strings.TrimPrefix(strings.ToLower(path.Ext(file)), "."),
		Server:    serverName,
	}}}

	entries, err := p.list(ctx, "subtitles", p.entryURL(dir, true))
	if err != nil {
		// 字幕是附加信息：列目录失败仍返回视频本身。
		providerx.Report(p.Log, Name, "subtitles", err)
		return out
	}
	stem := strings.TrimSuffix(file, path.Ext(file))
	for _, e := range entries {
		ext := strings.ToLower(path.Ext(e.Name))
		if e.Dir || !subtitleExts[ext] {
			continue
		}
		base := strings.TrimSuffix(e.Name, path.Ext(e.Name))
		if base != stem && !strings.HasPrefix(base, stem+".") {
			continue
		}
		lang := strings.TrimPrefix(strings.TrimPrefix(base, stem), ".")
		if lang == "" {
			lang = "und"
		}
		out.Subtitles = append(out.Subtitles, domain.Subtitle{URL: p.entryURL(dir+e.Name, false), Language: lang})
	}
	return out
}

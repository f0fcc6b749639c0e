package normalize

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/John-Robertt/anires/internal/domain"
)

// Ladder 是推荐来源时的清晰度优先级（分段播放列表优先于它）。
var Ladder = []string{"1080p", "720p", "480p", "360p", "auto"}

// Bundle 把一次 Sources 的原始产物归一为 StreamingBundle。
//
// 步骤：
// - 丢弃空 URL、非 http(s) URL、带 DRM 标记的来源
// - 按容器提示 / 扩展名判定是否分段播放列表（HLS/DASH）
// - 按 URL 精确去重（保留第一次出现）
// - 计算推荐下标
func Bundle(raw domain.RawSources) domain.StreamingBundle {
	b := domain.EmptyBundle()
	b.Sources = Sources(raw.Sources)
	b.Recommended = Recommend(b.Sources)
	b.Subtitles = Subtitles(raw.Subtitles)
	if !raw.Headers.IsZero() {
		h := raw.Headers
		b.Headers = &h
	}
	b.Intro = marker(raw.Intro)
	b.Outro = marker(raw.Outro)
	return b
}

// Sources 执行丢弃、分类与去重；返回切片非 nil。
func Sources(raw []domain.RawSource) []domain.StreamSource {
	out := make([]domain.StreamSource, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		if r.DRM {
			continue
		}
		u := cleanURL(r.URL)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}

		kind := Classify(u, r.Container)
		q := Quality(r.Quality)
		if q == "" && kind == domain.KindPlaylist {
			q = "auto"
		}
		out = append(out, domain.StreamSource{
			URL:                 u,
			Quality:             q,
			IsSegmentedPlaylist: kind == domain.KindPlaylist,
			Kind:                kind,
			Server:              strings.TrimSpace(r.Server),
		})
	}
	return out
}

// Recommend 返回推荐下标：任一分段播放列表 > 清晰度阶梯 > 第一个非 embed > 第一个；空列表返回 -1。
func Recommend(srcs []domain.StreamSource) int {
	if len(srcs) == 0 {
		return -1
	}
	for i, s := range srcs {
		if s.IsSegmentedPlaylist {
			return i
		}
	}
	for _, q := range Ladder {
		for i, s := range srcs {
			if s.Kind != domain.KindEmbed && s.Quality == q {
				return i
			}
		}
	}
	for i, s := range srcs {
		if s.Kind != domain.KindEmbed {
			return i
		}
	}
	return 0
}

var playlistHints = map[string]struct{}{
	"hls": {}, "m3u8": {}, "dash": {}, "mpd": {},
	"application/vnd.apple.mpegurl": {}, "application/x-mpegurl": {}, "audio/mpegurl": {},
	"application/dash+xml": {},
}

var fileHints = map[string]struct{}{
	"mp4": {}, "mkv": {}, "webm": {}, "avi": {}, "mov": {}, "file": {},
	"video/mp4": {}, "video/webm": {}, "video/x-matroska": {},
}

var embedHints = map[string]struct{}{"embed": {}, "iframe": {}, "text/html": {}}

// Classify 判定来源类型：先看容器提示（含 content-type），再看 URL 扩展名；都无法判定时视为单文件。
func Classify(rawURL, container string) string {
	c := strings.ToLower(strings.TrimSpace(container))
	if i := strings.IndexByte(c, ';'); i >= 0 {
		c = strings.TrimSpace(c[:i])
	}
	c = strings.TrimPrefix(c, ".")
	if _, ok := playlistHints[c]; ok {
		return domain.KindPlaylist
	}
	if _, ok := embedHints[c]; ok {
		return domain.KindEmbed
	}
	if _, ok := fileHints[c]; ok {
		return domain.KindFile
	}

	switch ext := urlExt(rawURL); ext {
	case ".m3u8", ".mpd":
		return domain.KindPlaylist
	case ".mp4", ".mkv", ".webm", ".avi", ".mov", ".m4v":
		return domain.KindFile
	}
	// 代理/CDN 常把真实地址塞进 query，扩展名只出现在参数里。
	low := strings.ToLower(rawURL)
	if strings.Contains(low, ".m3u8") || strings.Contains(low, ".mpd") {
		return domain.KindPlaylist
	}
	return domain.KindFile
}

func urlExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

func cleanURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "//") {
		s = "https:" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return s
}

var reHeight = regexp.MustCompile(`(\d{3,4})\s*p?\b`)

// Quality 把各站点的清晰度标签统一为 "1080p" / "720p" / ... / "auto"。
// 无法识别的标签原样（小写、折叠空白）返回；空标签返回 ""。
func Quality(label string) string {
	l := strings.ToLower(strings.Join(strings.Fields(label), " "))
	switch l {
	case "":
		return ""
	case "auto", "default", "adaptive", "multi", "multi quality", "hls", "backup", "master":
		return "auto"
	case "fhd", "full hd", "fullhd":
		return "1080p"
	case "hd":
		return "720p"
	case "sd":
		return "480p"
	}
	// "1920x1080" 取最后一个数字；"720p (HD)" 取第一个。
	ms := reHeight.FindAllStringSubmatch(l, -1)
	if len(ms) == 0 {
		return l
	}
	m := ms[0]
	if strings.Contains(l, "x") && len(ms) > 1 {
		m = ms[len(ms)-1]
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 144 || n > 4320 {
		return l
	}
	return strconv.Itoa(n) + "p"
}

var languageNames = map[string]string{
	"en": "English", "eng": "English",
	"ja": "Japanese", "jpn": "Japanese", "jp": "Japanese",
	"es": "Spanish", "spa": "Spanish", "es-419": "Spanish (Latin America)", "es-la": "Spanish (Latin America)",
	"pt": "Portuguese", "por": "Portuguese", "pt-br": "Portuguese (Brazil)",
	"fr": "French", "fre": "French", "fra": "French",
	"de": "German", "ger": "German", "deu": "German",
	"it": "Italian", "ita": "Italian",
	"ru": "Russian", "rus": "Russian",
	"ar": "Arabic", "ara": "Arabic",
	"zh": "Chinese", "chi": "Chinese", "zho": "Chinese",
	"ko": "Korean", "kor": "Korean",
	"id": "Indonesian", "ind": "Indonesian",
	"vi": "Vietnamese", "vie": "Vietnamese",
	"th": "Thai", "tha": "Thai",
}

// Language 把语言代码（en / en-US / eng）映射为可读名称；已是名称的原样返回。
func Language(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "Unknown"
	}
	key := strings.ToLower(strings.ReplaceAll(s, "_", "-"))
	if name, ok := languageNames[key]; ok {
		return name
	}
	if i := strings.IndexByte(key, '-'); i > 0 {
		if name, ok := languageNames[key[:i]]; ok {
			return name
		}
	}
	return s
}

// Subtitles 归一语言名并按 URL 去重；返回切片非 nil。
func Subtitles(in []domain.Subtitle) []domain.Subtitle {
	out := make([]domain.Subtitle, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		u := cleanURL(s.URL)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, domain.Subtitle{URL: u, Language: Language(s.Language)})
	}
	return out
}

func marker(m *domain.Marker) *domain.Marker {
	if m == nil || m.End <= m.Start || m.End <= 0 {
		return nil
	}
	c := *m
	return &c
}

package provider

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ResolveURL 把页面内的相对链接解析为绝对 URL。
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

func NormSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

// NormList 去空、去重、保序。
func NormList(in []string) []string {
	m := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = NormSpace(s)
		if s == "" {
			continue
		}
		if _, ok := m[s]; ok {
			continue
		}
		m[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// FirstInt 取字符串中第一段连续数字；没有返回 0。
func FirstInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			break
		}
	}
	if b.Len() == 0 {
		return 0
	}
	n, _ := strconv.Atoi(b.String())
	return n
}

var reEpisodeNum = regexp.MustCompile(`(?i)(?:episode|\bep|s\d{1,2}e)[\s._-]*(\d{1,4})`)

// EpisodeNumber 从“Episode 12”“EP 03”“xxx-episode-7”等文本中解析集号。
func EpisodeNumber(s string) int {
	if m := reEpisodeNum.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return FirstInt(s)
}

// BaseURL 返回去掉末尾 "/" 的基址；为空时用 def。
func BaseURL(configured, def string) string {
	b := strings.TrimSpace(configured)
	if b == "" {
		b = def
	}
	return strings.TrimRight(b, "/")
}

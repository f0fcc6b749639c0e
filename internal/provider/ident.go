package provider

import (
	"net/url"
	"strings"
)

// 上游的 ID 常以“slug-数字”的形式嵌在 URL 里，不同端点需要不同形态：
// 详情页要 slug+数字，剧集列表 AJAX 只要数字，部分镜像只认 slug。
// 这里的函数都是纯函数，adapter 显式选择需要的形态。

// CanonicalSlug 去掉 scheme/host、query、fragment、路径前缀，以及末尾一个 "-<数字>"。
//
//	"https://site.to/watch/frieren-18542?ep=107257" -> "frieren"
//	"/category/one-piece"                          -> "one-piece"
func CanonicalSlug(raw string) string {
	seg := lastSegment(raw)
	if i := strings.LastIndexByte(seg, '-'); i > 0 && isDigits(seg[i+1:]) {
		seg = seg[:i]
	}
	return seg
}

// QualifiedID 从结果 URL 重建“slug+数字后缀”形式的 ID。
// ok=false 表示 URL 里没有数字后缀（返回值仍是最后一段路径）。
func QualifiedID(rawURL string) (id string, ok bool) {
	seg := lastSegment(rawURL)
	_, ok = NumericSuffix(seg)
	return seg, ok
}

// NumericSuffix 取 ID 末尾的 "-<数字>"；纯数字 ID 原样返回。
func NumericSuffix(id string) (string, bool) {
	seg := lastSegment(id)
	if isDigits(seg) {
		return seg, true
	}
	i := strings.LastIndexByte(seg, '-')
	if i < 0 || !isDigits(seg[i+1:]) {
		return "", false
	}
	return seg[i+1:], true
}

// EpisodeParam 读取剧集 ID 中的 ?ep= 参数（例如 "frieren-18542?ep=107257"）。
func EpisodeParam(id string) (string, bool) {
	i := strings.IndexByte(id, '?')
	if i < 0 {
		return "", false
	}
	q, err := url.ParseQuery(id[i+1:])
	if err != nil {
		return "", false
	}
	ep := strings.TrimSpace(q.Get("ep"))
	return ep, ep != ""
}

// EpisodeKey 把剧集 ID 转成站点 AJAX 使用的剧集号：只接受 "?ep=<id>" 或纯数字 ID。
// "slug-<数字>" 是条目 ID，其数字后缀是条目号而不是剧集号，返回 false。
func EpisodeKey(id string) (string, bool) {
	if ep, ok := EpisodeParam(id); ok {
		return ep, isDigits(ep)
	}
	id = strings.TrimSpace(id)
	return id, isDigits(id)
}

// StripQuery 去掉 query 与 fragment。
func StripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

func lastSegment(raw string) string {
	s := strings.TrimSpace(raw)
	s = StripQuery(s)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
		if j := strings.IndexByte(s, '/'); j >= 0 {
			s = s[j:]
		} else {
			s = ""
		}
	}
	s = strings.Trim(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

package match

import (
	"strings"

	"github.com/mozillazg/go-unidecode"
)

// Normalize 把标题规整为可比较的形式：转写为 ASCII、小写、去标点、折叠空白。
// Normalize(Normalize(s)) == Normalize(s)。
func Normalize(s string) string {
	s = unidecode.Unidecode(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "&", " and ")

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '\'' || c == '`':
			// "journey's" -> "journeys"
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens 返回 Normalize 后的词。
func Tokens(s string) []string { return strings.Fields(Normalize(s)) }

// significant 返回长度 > 2 的词（去重保序）。
func significant(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if len(t) <= 2 {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

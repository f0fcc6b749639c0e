package match

import (
	"regexp"
	"strconv"
	"strings"
)

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
}

var cardinalWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var romans = map[string]int{"ii": 2, "iii": 3, "iv": 4}

const (
	ordinalAlt  = `first|second|third|fourth|fifth|sixth|seventh|eighth|ninth|tenth`
	cardinalAlt = `one|two|three|four|five|six|seven|eight|nine|ten`
)

// 按优先级排列：先看明确的 season，再看 part/cour，最后才是独立的罗马数字。
// 所有表达式都作用于 Normalize 之后的文本。
var seasonREs = []*regexp.Regexp{
	regexp.MustCompile(`\bseason (\d{1,2})\b`),
	regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th) season\b`),
	regexp.MustCompile(`\b(` + ordinalAlt + `) season\b`),
	regexp.MustCompile(`\bseason (` + cardinalAlt + `)\b`),
	regexp.MustCompile(`\bseason (ii|iii|iv)\b`),
	regexp.MustCompile(`\bs(\d{1,2})\b`),
	regexp.MustCompile(`\b(?:part|cour) (\d{1,2})\b`),
	regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th) (?:part|cour)\b`),
	regexp.MustCompile(`\b(` + ordinalAlt + `) (?:part|cour)\b`),
	regexp.MustCompile(`\b(?:part|cour) (ii|iii|iv)\b`),
}

// 独立罗马数字不能是第一个词（"II" 本身不是标题）。
var romanRE = regexp.MustCompile(` (ii|iii|iv)\b`)

// "season 2 of frieren" / "the second season of frieren"
var seasonOfRE = regexp.MustCompile(`^(?:the )?(?:season (?:\d{1,2}|` + cardinalAlt + `)|(?:\d{1,2})(?:st|nd|rd|th) season|(?:` + ordinalAlt + `) season) of (.+)$`)

// ExtractSeason 从标题里提取季号；没有季标记返回 ok=false。
//
//	"Attack on Titan Season 3" -> 3
//	"Frieren II"               -> 2
//	"One Piece"                -> (0, false)
func ExtractSeason(title string) (int, bool) {
	return seasonOf(Normalize(title))
}

func seasonOf(norm string) (int, bool) {
	for _, re := range seasonREs {
		if m := re.FindStringSubmatch(norm); m != nil {
			if n, ok := seasonValue(m[1]); ok {
				return n, true
			}
		}
	}
	if m := romanRE.FindStringSubmatch(norm); m != nil {
		return romans[m[1]], true
	}
	return 0, false
}

func seasonValue(s string) (int, bool) {
	if n, ok := ordinalWords[s]; ok {
		return n, true
	}
	if n, ok := cardinalWords[s]; ok {
		return n, true
	}
	if n, ok := romans[s]; ok {
		return n, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// StripSeason 去掉所有季标记，返回 Normalize 后的“基础标题”。
func StripSeason(title string) string {
	return stripNormalized(Normalize(title))
}

func stripNormalized(norm string) string {
	if m := seasonOfRE.FindStringSubmatch(norm); m != nil {
		norm = m[1]
	}
	for _, re := range seasonREs {
		norm = re.ReplaceAllString(norm, " ")
	}
	norm = romanRE.ReplaceAllString(norm, " ")
	return strings.Join(strings.Fields(norm), " ")
}

// SeasonOf 识别 "season N of <base>" 这类说法，返回基础标题与季号。
func SeasonOf(query string) (base string, season int, ok bool) {
	norm := Normalize(query)
	m := seasonOfRE.FindStringSubmatch(norm)
	if m == nil {
		return "", 0, false
	}
	season, ok = seasonOf(norm)
	if !ok {
		return "", 0, false
	}
	return stripNormalized(m[1]), season, true
}

// BaseTitle 返回可用于重新搜索的基础标题；标题里没有任何季标记时 ok=false。
func BaseTitle(query string) (string, bool) {
	norm := Normalize(query)
	if _, has := seasonOf(norm); !has {
		return "", false
	}
	base := stripNormalized(norm)
	if base == "" || base == norm {
		return "", false
	}
	return base, true
}

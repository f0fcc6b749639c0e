package match

import (
	"fmt"
	"sort"
	"strings"

	"github.com/John-Robertt/anires/internal/domain"
)

// Options 是打分与阈值参数。默认值来自线上经验，未经系统校准，允许按目录调整。
type Options struct {
	// Threshold 是最佳候选的最低分；输入只有一条时用 SingleHitThreshold。
	Threshold          float64
	SingleHitThreshold float64

	ExactScore      float64 // 标题完全相同
	SameSeasonExact float64 // 季号相同且基础标题相同
	SameSeasonFuzzy float64 // 季号相同、基础标题不同（至少共享一个有效词）

	KeywordBonus  float64 // 每个共享的领域关键词
	SeasonPenalty float64 // 未指定季号时，候选带季标记
	NoSeasonBonus float64 // 未指定季号时，候选不带季标记

	// BareIsSeasonOne=true 时，指定第 1 季会把不带季标记的候选视为第 1 季。
	BareIsSeasonOne bool

	Keywords []string
}

func DefaultOptions() Options {
	return Options{
		Threshold:          30,
		SingleHitThreshold: 20,
		ExactScore:         100,
		SameSeasonExact:    100,
		SameSeasonFuzzy:    80,
		KeywordBonus:       10,
		SeasonPenalty:      10,
		NoSeasonBonus:      5,
		BareIsSeasonOne:    true,
		Keywords: []string{
			"movie", "film", "ova", "ona", "special", "specials", "recap",
			"shippuden", "kai", "brotherhood", "final", "zero", "dub", "uncensored",
		},
	}
}

// Query 是一次匹配的输入。Season>0 时覆盖标题中的季标记。
type Query struct {
	Title  string
	Season int
}

// Candidate 是打分后的候选（只在匹配过程中存活）。
type Candidate struct {
	Hit    domain.SearchHit `json:"hit"`
	Score  float64          `json:"score"`
	Season int              `json:"season,omitempty"` // 0 表示候选不带季标记
}

// NoMatchError 表示没有任何候选达到阈值（调用方不应猜测）。
type NoMatchError struct {
	Query     string
	Hits      int     // 输入条数
	Eligible  int     // 未被排除的候选数
	BestScore float64 // 最高分（无候选时为 0）
}

func (e *NoMatchError) Error() string {
	if e.Eligible == 0 {
		return fmt.Sprintf("没有可信匹配：%q（%d 条结果均被排除）", e.Query, e.Hits)
	}
	return fmt.Sprintf("没有可信匹配：%q（最高分 %.0f，共 %d 条结果）", e.Query, e.BestScore, e.Hits)
}

type Matcher struct {
	opts     Options
	keywords map[string]struct{}
}

func New(opts Options) *Matcher {
	kw := make(map[string]struct{}, len(opts.Keywords))
	for _, k := range opts.Keywords {
		if k = Normalize(k); k != "" {
			kw[k] = struct{}{}
		}
	}
	return &Matcher{opts: opts, keywords: kw}
}

func (m *Matcher) Options() Options { return m.opts }

// Rank 给所有未被排除的候选打分，按分数降序返回。
func (m *Matcher) Rank(q Query, hits []domain.SearchHit) []Candidate {
	qNorm := Normalize(q.Title)
	qBase := stripNormalized(qNorm)
	qSig := significant(strings.Fields(qBase))

	wanted := q.Season
	if wanted <= 0 {
		wanted, _ = seasonOf(qNorm)
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		hNorm := Normalize(h.Title)
		if hNorm == "" {
			continue
		}
		hSeason, hasSeason := seasonOf(hNorm)
		hBase := stripNormalized(hNorm)

		var score float64
		if wanted > 0 {
			if !hasSeason {
				if wanted != 1 || !m.opts.BareIsSeasonOne {
					continue
				}
				hSeason = 1
			}
			if hSeason != wanted {
				continue
			}
			switch {
			case hBase == qBase:
				score = m.opts.SameSeasonExact
			case sharesWord(qSig, strings.Fields(hBase)):
				score = m.opts.SameSeasonFuzzy
			default:
				continue
			}
		} else {
			// 查询不带季标记时 qBase == qNorm；候选去掉季标记后与之相同即视为完全匹配。
			if hNorm == qNorm || hBase == qBase {
				score = m.opts.ExactScore
			} else {
				score = m.fuzzy(qBase, qSig, hNorm, hasSeason)
			}
		}
		if !hasSeason {
			hSeason = 0
		}
		out = append(out, Candidate{Hit: h, Score: score, Season: hSeason})
	}
	// 同分时不带季标记的候选优先，其余保持输入顺序。
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Season == 0 && out[j].Season != 0
	})
	return out
}

// Best 返回最佳候选；低于阈值返回 *NoMatchError。
func (m *Matcher) Best(q Query, hits []domain.SearchHit) (Candidate, error) {
	ranked := m.Rank(q, hits)
	nm := &NoMatchError{Query: q.Title, Hits: len(hits), Eligible: len(ranked)}
	if len(ranked) == 0 {
		return Candidate{}, nm
	}
	best := ranked[0]
	nm.BestScore = best.Score
	threshold := m.opts.Threshold
	if len(hits) == 1 {
		threshold = m.opts.SingleHitThreshold
	}
	if best.Score < threshold {
		return Candidate{}, nm
	}
	return best, nil
}

// fuzzy 是未指定季号时的近似打分：有效词重合率 ×100 + 关键词加分 + 季标记调整，
// 上限低于 ExactScore，保证完全相同的标题永远排第一。
func (m *Matcher) fuzzy(qBase string, qSig []string, hNorm string, hasSeason bool) float64 {
	hTokens := strings.Fields(hNorm)
	words := qSig
	if len(words) == 0 {
		words = strings.Fields(qBase)
	}
	if len(words) == 0 {
		return 0
	}

	found := 0
	for _, w := range words {
		if containsWord(hTokens, w) {
			found++
		}
	}
	score := float64(found) / float64(len(words)) * 100

	qTokens := strings.Fields(qBase)
	for k := range m.keywords {
		if hasToken(qTokens, k) && hasToken(hTokens, k) {
			score += m.opts.KeywordBonus
		}
	}
	if hasSeason {
		score -= m.opts.SeasonPenalty
	} else {
		score += m.opts.NoSeasonBonus
	}

	if score >= m.opts.ExactScore {
		score = m.opts.ExactScore - 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// containsWord 双向子串包含：查询词在候选词中，或候选词（>2 字符）在查询词中。
func containsWord(tokens []string, w string) bool {
	for _, t := range tokens {
		if strings.Contains(t, w) {
			return true
		}
		if len(t) > 2 && strings.Contains(w, t) {
			return true
		}
	}
	return false
}

func sharesWord(sig, tokens []string) bool {
	for _, w := range sig {
		if containsWord(tokens, w) {
			return true
		}
	}
	return false
}

func hasToken(tokens []string, w string) bool {
	for _, t := range tokens {
		if t == w {
			return true
		}
	}
	return false
}

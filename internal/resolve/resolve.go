package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/John-Robertt/anires/internal/domain"
	"github.com/John-Robertt/anires/internal/match"
	"github.com/John-Robertt/anires/internal/normalize"
	providerx "github.com/John-Robertt/anires/internal/provider"
)

// DefaultAlternates 是最佳匹配拿不到来源时，额外尝试的同批搜索结果数。
const DefaultAlternates = 2

// TitleOptions 是 ResolveByTitle 的可选参数。
type TitleOptions struct {
	SeasonHint int    // >0 时覆盖标题中的季标记
	Episode    int    // 0 表示第 1 集
	Server     string // 首选 server（提示，不保证）
	Audio      string // sub / dub
}

// StreamOptions 是 EpisodeStream 的可选参数。
type StreamOptions struct {
	Provider string // 空表示按注册顺序逐个尝试
	Server   string
	Audio    string
}

// Engine 是解析状态机的唯一入口：按注册顺序逐个尝试 provider，每个 provider 内部依次
// Searching → Matching → FetchingEpisodes → FetchingSources，任何一步失败就换下一个。
//
// 约束：
// - provider 之间严格串行；一次调用内不会并发请求多个 provider
// - 三个入口永不返回 error，也不 panic；失败写在 Failure 里（哪一步、什么类别）
// - ctx 的取消/超时（Timeout）会传到每一次 fetch，被放弃的调用会尽快让出限速队列
type Engine struct {
	Registry providerx.Registry
	Matcher  *match.Matcher
	Log      *zerolog.Logger
	Observer Observer

	// Timeout 作用于整次调用；<=0 表示只受调用方 ctx 约束。
	Timeout time.Duration
	// Alternates 是最佳匹配拿不到来源时额外尝试的候选数。
	Alternates int
}

func New(reg providerx.Registry, m *match.Matcher, log *zerolog.Logger) *Engine {
	if m == nil {
		m = match.New(match.DefaultOptions())
	}
	return &Engine{Registry: reg, Matcher: m, Log: log, Alternates: DefaultAlternates}
}

// ResolveByTitle 只知道展示标题时使用：搜索、匹配、取剧集列表、取指定集的来源。
func (e *Engine) ResolveByTitle(ctx context.Context, query string, opt TitleOptions) domain.Resolution {
	started := time.Now()
	query = providerx.NormSpace(query)
	s, cancel := e.start(ctx, query)
	defer cancel()

	res := domain.Resolution{ID: s.rid, Query: query, StartedAt: started}
	switch {
	case match.Normalize(query) == "":
		res.Failure = s.invalid("标题为空")
	case opt.SeasonHint < 0 || opt.Episode < 0:
		res.Failure = s.invalid(fmt.Sprintf("季号/集号不能为负数：season=%d episode=%d", opt.SeasonHint, opt.Episode))
	case e.Registry.Len() == 0:
		res.Failure = s.invalid("没有可用的 provider")
	default:
		s.resolveTitle(&res, opt)
	}
	return s.finish(res)
}

// ResolveByCatalogID 在上层已经知道 provider/ID 时使用；source 为空时按注册顺序尝试。
// 只取到剧集列表为止，来源由 EpisodeStream 按需获取。
func (e *Engine) ResolveByCatalogID(ctx context.Context, id, source string) domain.Resolution {
	started := time.Now()
	id = strings.TrimSpace(id)
	s, cancel := e.start(ctx, id)
	defer cancel()

	res := domain.Resolution{ID: s.rid, Query: id, StartedAt: started}
	providers, err := e.pick(source)
	switch {
	case id == "":
		res.Failure = s.invalid("条目 ID 为空")
	case err != nil:
		res.Failure = s.invalid(err.Error())
	default:
		for _, p := range providers {
			if s.canceled() {
				break
			}
			if info, ok := s.info(p, id, false); ok {
				res.Provider = p.Name()
				res.Series = &info
				break
			}
		}
		if res.Series == nil {
			res.Failure = s.exhausted()
		}
	}
	return s.finish(res)
}

// EpisodeStream 按剧集 ID 取来源；总失败时返回空 bundle 与 Failure。
func (e *Engine) EpisodeStream(ctx context.Context, episodeID string, opt StreamOptions) domain.StreamResult {
	episodeID = strings.TrimSpace(episodeID)
	s, cancel := e.start(ctx, episodeID)
	defer cancel()

	out := domain.StreamResult{Bundle: domain.EmptyBundle()}
	providers, err := e.pick(opt.Provider)
	switch {
	case episodeID == "":
		out.Failure = s.invalid("剧集 ID 为空")
	case err != nil:
		out.Failure = s.invalid(err.Error())
	default:
		srcOpt := domain.SourceOptions{Server: opt.Server, Audio: opt.Audio}
		for _, p := range providers {
			if s.canceled() {
				break
			}
			if b, ok := s.sources(p, episodeID, 0, srcOpt); ok {
				out.Provider = p.Name()
				out.Bundle = b
				break
			}
		}
		if out.Provider == "" {
			out.Failure = s.exhausted()
		}
	}
	out.Attempts = s.trace()
	s.done(out.Failure)
	return out
}

func (e *Engine) pick(name string) ([]providerx.Provider, error) {
	if strings.TrimSpace(name) == "" {
		if e.Registry.Len() == 0 {
			return nil, errors.New("没有可用的 provider")
		}
		return e.Registry.Ordered(), nil
	}
	p, ok := e.Registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("未知 provider：%q（可用：%s）", name, strings.Join(e.Registry.Names(), ", "))
	}
	return []providerx.Provider{p}, nil
}

// session 是一次调用的可变状态；只在调用所在的 goroutine 上使用。
type session struct {
	e       *Engine
	ctx     context.Context
	rid     string
	log     zerolog.Logger
	started time.Time

	attempts []domain.Attempt
	furthest domain.Stage

	notFound  error // 最近一次“没找到”的原因（NoMatchError 等）
	noSources error // 最近一次“找到了但没片源”的原因
}

func (e *Engine) start(ctx context.Context, input string) (*session, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	cancel := context.CancelFunc(func() {})
	if e.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
	}
	rid := uuid.NewString()
	s := &session{
		e:        e,
		ctx:      ctx,
		rid:      rid,
		log:      providerx.Logger(e.Log).With().Str("rid", rid).Logger(),
		started:  time.Now(),
		furthest: domain.StageIdle,
	}
	s.log.Debug().Str("input", input).Msg("resolve start")
	if e.Observer != nil {
		e.Observer.OnStart(rid, input)
	}
	return s, cancel
}

func (s *session) resolveTitle(res *domain.Resolution, opt TitleOptions) {
	q := match.Query{Title: res.Query, Season: opt.SeasonHint}
	episode := opt.Episode
	if episode == 0 {
		episode = 1
	}
	srcOpt := domain.SourceOptions{Server: opt.Server, Audio: opt.Audio}
	retry := retryTitle(res.Query)

	for _, p := range s.e.Registry.Ordered() {
		if s.canceled() {
			break
		}
		if s.tryProvider(res, p, q, retry, episode, srcOpt) {
			return
		}
	}
	res.Failure = s.exhausted()
}

// retryTitle 返回去掉季标记后的基础标题；查询里没有季标记时返回 ""。
func retryTitle(query string) string {
	if base, _, ok := match.SeasonOf(query); ok && base != "" {
		return base
	}
	if base, ok := match.BaseTitle(query); ok {
		return base
	}
	return ""
}

// tryProvider 在单个 provider 上跑完整条流水线；返回 true 表示已写入成功结果。
// 搜索无结果或无可信匹配时，若查询带季标记，会用基础标题重搜一次（匹配仍用完整查询）。
func (s *session) tryProvider(res *domain.Resolution, p providerx.Provider, q match.Query, retry string, episode int, opt domain.SourceOptions) bool {
	name := p.Name()
	term := q.Title
	retried := false
	for {
		s.enter(name, domain.StageSearching)
		hits := p.Search(s.ctx, term)
		if s.canceled() {
			return false
		}

		if len(hits) == 0 {
			s.record(name, domain.StageSearching, domain.OutcomeEmpty, term)
		} else {
			s.record(name, domain.StageSearching, domain.OutcomeOK, fmt.Sprintf("%q：%d 条结果", term, len(hits)))
			s.enter(name, domain.StageMatching)
			c, err := s.e.Matcher.Best(q, hits)
			if err == nil {
				s.record(name, domain.StageMatching, domain.OutcomeOK, fmt.Sprintf("%s（%.0f）", c.Hit.Title, c.Score))
				return s.fetch(res, p, q, c, hits, episode, opt)
			}
			s.notFound = err
			s.record(name, domain.StageMatching, domain.OutcomeNoMatch, err.Error())
		}

		if retried || retry == "" {
			return false
		}
		retried = true
		term = retry
		s.record(name, domain.StageSearching, domain.OutcomeRetry, "改用基础标题："+retry)
	}
}

// fetch 依次尝试最佳匹配与备选候选；最佳匹配没有剧集列表时直接放弃该 provider。
func (s *session) fetch(res *domain.Resolution, p providerx.Provider, q match.Query, best match.Candidate, hits []domain.SearchHit, episode int, opt domain.SourceOptions) bool {
	name := p.Name()
	cands := append([]match.Candidate{best}, s.alternates(q, best, hits)...)
	for i, c := range cands {
		if s.canceled() {
			return false
		}
		info, ok := s.info(p, c.Hit.ExternalID, true)
		if !ok {
			if i == 0 {
				return false
			}
			continue
		}
		ref, found := info.Episode(episode)
		if !found {
			s.noSources = &NoSourcesError{Provider: name, ID: c.Hit.ExternalID, Episode: episode, Reason: fmt.Sprintf("剧集列表共 %d 集", len(info.Episodes))}
			s.record(name, domain.StageFetchingEpisodes, domain.OutcomeEmpty, fmt.Sprintf("%s 没有第 %d 集", c.Hit.ExternalID, episode))
			continue
		}
		bundle, ok := s.sources(p, ref.ExternalID, episode, opt)
		if !ok {
			continue
		}

		hit := c.Hit
		res.Provider = name
		res.Match = &hit
		res.Score = c.Score
		res.Series = &info
		res.Episode = &ref
		res.Bundle = &bundle
		return true
	}
	return false
}

// alternates 取同一批搜索结果里除最佳匹配外、分数达到阈值的前 N 个候选。
func (s *session) alternates(q match.Query, best match.Candidate, hits []domain.SearchHit) []match.Candidate {
	n := s.e.Alternates
	if n <= 0 {
		return nil
	}
	floor := s.e.Matcher.Options().Threshold
	var out []match.Candidate
	for _, c := range s.e.Matcher.Rank(q, hits) {
		if len(out) == n {
			break
		}
		if c.Hit.ExternalID == best.Hit.ExternalID || c.Score < floor {
			continue
		}
		out = append(out, c)
	}
	return out
}

// info 取剧集列表；拿不到或为空都算失败。
// matched=true 表示条目来自标题匹配：此时空列表记为“找到了但没片源”。
func (s *session) info(p providerx.Provider, id string, matched bool) (domain.SeriesInfo, bool) {
	name := p.Name()
	s.enter(name, domain.StageFetchingEpisodes)
	info, ok := p.Info(s.ctx, id)
	if s.canceled() {
		return domain.SeriesInfo{}, false
	}
	switch {
	case !ok:
		if matched {
			s.noSources = &NoSourcesError{Provider: name, ID: id, Reason: "取不到条目详情"}
		} else {
			s.notFound = fmt.Errorf("%s：条目不存在：%s", name, id)
		}
		s.record(name, domain.StageFetchingEpisodes, domain.OutcomeEmpty, id)
		return domain.SeriesInfo{}, false
	case len(info.Episodes) == 0:
		s.noSources = &NoSourcesError{Provider: name, ID: id, Reason: "剧集列表为空"}
		s.record(name, domain.StageFetchingEpisodes, domain.OutcomeEmpty, id+"：剧集列表为空")
		return domain.SeriesInfo{}, false
	}
	s.record(name, domain.StageFetchingEpisodes, domain.OutcomeOK, fmt.Sprintf("%s：%d 集", id, len(info.Episodes)))
	return info, true
}

// sources 取来源并归一；没有任何可播放来源视为失败（只有字幕也算失败）。
func (s *session) sources(p providerx.Provider, episodeID string, episode int, opt domain.SourceOptions) (domain.StreamingBundle, bool) {
	name := p.Name()
	s.enter(name, domain.StageFetchingSources)
	b := normalize.Bundle(p.Sources(s.ctx, episodeID, opt))
	if s.canceled() {
		return domain.StreamingBundle{}, false
	}
	if len(b.Sources) == 0 {
		s.noSources = &NoSourcesError{Provider: name, ID: episodeID, Episode: episode, Reason: "来源为空"}
		s.record(name, domain.StageFetchingSources, domain.OutcomeEmpty, episodeID)
		return domain.StreamingBundle{}, false
	}
	s.record(name, domain.StageFetchingSources, domain.OutcomeOK, fmt.Sprintf("%s：%d 个来源", episodeID, len(b.Sources)))
	return b, true
}

func (s *session) canceled() bool { return s.ctx.Err() != nil }

func (s *session) enter(provider string, stage domain.Stage) {
	if stageRank[stage] > stageRank[s.furthest] {
		s.furthest = stage
	}
	if s.e.Observer != nil {
		s.e.Observer.OnStage(s.rid, provider, stage)
	}
}

func (s *session) record(provider string, stage domain.Stage, outcome, detail string) {
	a := domain.Attempt{Provider: provider, Stage: stage, Outcome: outcome, Detail: detail}
	s.attempts = append(s.attempts, a)
	s.log.Debug().
		Str("provider", provider).
		Str("stage", string(stage)).
		Str("outcome", outcome).
		Str("detail", detail).
		Msg("attempt")
	if s.e.Observer != nil {
		s.e.Observer.OnAttempt(s.rid, a)
	}
}

var stageRank = map[domain.Stage]int{
	domain.StageIdle:             0,
	domain.StageSearching:        1,
	domain.StageMatching:         2,
	domain.StageFetchingEpisodes: 3,
	domain.StageFetchingSources:  4,
	domain.StageDone:             5,
}

func (s *session) invalid(msg string) *domain.Failure {
	return &domain.Failure{Stage: domain.StageIdle, Code: domain.ErrCodeInvalidInput, Message: msg}
}

// exhausted 在所有 provider 都失败后给出最终失败：
// 取消/超时优先；其次只要有条目被确定过就是 no_sources，否则是 not_found。
func (s *session) exhausted() *domain.Failure {
	if err := s.ctx.Err(); err != nil {
		msg := "调用已取消"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "解析超时"
		}
		s.record("", s.furthest, domain.OutcomeCanceled, err.Error())
		return &domain.Failure{Stage: s.furthest, Code: domain.ErrCodeCanceled, Message: msg}
	}
	if s.noSources != nil {
		return &domain.Failure{Stage: s.furthest, Code: domain.ErrCodeNoSources, Message: "暂无可用片源：" + s.noSources.Error()}
	}
	msg := "找不到该番剧"
	if s.notFound != nil {
		msg += "：" + s.notFound.Error()
	}
	return &domain.Failure{Stage: s.furthest, Code: domain.ErrCodeNotFound, Message: msg}
}

func (s *session) trace() []domain.Attempt {
	if s.attempts == nil {
		return []domain.Attempt{}
	}
	return s.attempts
}

func (s *session) finish(res domain.Resolution) domain.Resolution {
	res.FinishedAt = time.Now()
	res.Attempts = s.trace()
	if res.Failure == nil {
		res.Stage = domain.StageDone
	}
	res.Finalize()
	s.done(res.Failure)
	return res
}

func (s *session) done(f *domain.Failure) {
	dur := time.Since(s.started)
	if f != nil {
		s.log.Info().
			Str("stage", string(f.Stage)).
			Str("code", f.Code).
			Str("msg", f.Message).
			Dur("dur", dur).
			Msg("resolve failed")
	} else {
		s.log.Info().Dur("dur", dur).Msg("resolved")
	}
	if s.e.Observer != nil {
		s.e.Observer.OnDone(s.rid, f, dur)
	}
}

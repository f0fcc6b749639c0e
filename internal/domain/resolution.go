package domain

import "time"

// Stage 是解析状态机的阶段名（也用于对外说明“哪一步失败”）。
type Stage string

const (
	StageIdle             Stage = "idle"
	StageSearching        Stage = "searching"
	StageMatching         Stage = "matching"
	StageFetchingEpisodes Stage = "fetching_episodes"
	StageFetchingSources  Stage = "fetching_sources"
	StageDone             Stage = "done"
	StageFailed           Stage = "failed"
)

const (
	// ErrCodeNotFound 表示没有任何 provider 给出可信匹配（UI：“找不到该番剧”）。
	ErrCodeNotFound = "not_found"
	// ErrCodeNoSources 表示匹配成功但拿不到可播放来源（UI：“暂无可用片源”）。
	ErrCodeNoSources = "no_sources"
	// ErrCodeInvalidInput 表示调用参数不合法（空标题、未知 provider 等）。
	ErrCodeInvalidInput = "invalid_input"
	// ErrCodeCanceled 表示调用方取消或超时。
	ErrCodeCanceled = "canceled"
)

// Attempt 的 Outcome 取值。
const (
	OutcomeOK       = "ok"
	OutcomeEmpty    = "empty"
	OutcomeNoMatch  = "no_match"
	OutcomeRetry    = "retry"
	OutcomeSkipped  = "skipped"
	OutcomeCanceled = "canceled"
)

// Attempt 记录状态机中一次 provider 级的步骤（用于解释 fallback 原因）。
type Attempt struct {
	Provider string `json:"provider"`
	Stage    Stage  `json:"stage"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// Failure 是对外的失败描述：哪一步、什么类别。
type Failure struct {
	Stage   Stage  `json:"stage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Resolution 是 ResolveByTitle / ResolveByCatalogID 的结果。
//
// 约束：Failure == nil 时 Series 必然非空；边界 API 永不返回 error。
type Resolution struct {
	ID         string           `json:"id"`
	Query      string           `json:"query,omitempty"`
	Provider   string           `json:"provider,omitempty"`
	Match      *SearchHit       `json:"match,omitempty"`
	Score      float64          `json:"score,omitempty"`
	Series     *SeriesInfo      `json:"series,omitempty"`
	Episode    *EpisodeRef      `json:"episode,omitempty"`
	Bundle     *StreamingBundle `json:"bundle,omitempty"`
	Stage      Stage            `json:"stage"`
	Failure    *Failure         `json:"failure,omitempty"`
	Attempts   []Attempt        `json:"attempts"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// OK 表示解析成功。
func (r Resolution) OK() bool { return r.Failure == nil && r.Series != nil }

// StreamResult 是 EpisodeStream 的结果；Bundle 永远非 nil 语义（失败时为空 bundle）。
type StreamResult struct {
	Provider string          `json:"provider,omitempty"`
	Bundle   StreamingBundle `json:"bundle"`
	Failure  *Failure        `json:"failure,omitempty"`
	Attempts []Attempt       `json:"attempts"`
}

// Finalize 统一时间为 UTC，并保证切片字段非 nil（JSON 输出稳定）。
func (r *Resolution) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	if r.Attempts == nil {
		r.Attempts = []Attempt{}
	}
	if r.Failure != nil {
		r.Stage = StageFailed
	}
}

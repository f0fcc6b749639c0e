package resolve

import (
	"time"

	"github.com/John-Robertt/anires/internal/domain"
)

// Observer 把“阶段切换/provider 尝试/调用结束”从状态机里解耦出来，
// 由 CLI 决定怎么展示进度。
//
// 约束：
// - resolve 包只负责发事件，不做任何输出（stdout 留给 JSON 结果）。
// - Observer 的实现必须并发安全：HTTP 服务里多个解析会同时进行。
// - 回调在状态机所在的 goroutine 上同步执行，不应阻塞。
type Observer interface {
	// OnStart 在一次调用开始时触发；rid 贯穿同一次调用的所有事件。
	OnStart(rid, input string)
	// OnStage 在进入某个 provider 的某个阶段时触发。
	OnStage(rid, provider string, stage domain.Stage)
	// OnAttempt 在某一步有结论时触发（ok/empty/no_match/retry）。
	OnAttempt(rid string, a domain.Attempt)
	// OnDone 在调用结束时触发；f == nil 表示成功。
	OnDone(rid string, f *domain.Failure, dur time.Duration)
}

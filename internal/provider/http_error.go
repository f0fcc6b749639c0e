package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// HTTPStatusError 表示站点返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// BlockedError 表示请求被站点引导到了“验证/拦截”页面（通常需要浏览器执行 JS 或人工验证）。
// 不尝试绕过，直接视为网络失败，让编排层走 provider 降级或提示用户配置代理。
type BlockedError struct {
	URL    string
	Reason string // 例如 "cf-challenge"
}

func (e *BlockedError) Error() string {
	if e == nil {
		return "blocked"
	}
	if strings.TrimSpace(e.Reason) == "" {
		return "blocked"
	}
	return "blocked: " + strings.TrimSpace(e.Reason)
}

// 错误类别。
const (
	KindNetwork = "network"
	KindParse   = "parse"
)

// Error 是 provider 内部的可追溯错误（不会越过 Provider 接口向上传播）。
type Error struct {
	Provider string // provider name（小写）
	Op       string // "search" / "info" / "episodes" / "sources" / "fetch" ...
	Kind     string // KindNetwork / KindParse
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider=%s op=%s kind=%s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ParseError 构造 parse 类错误（响应结构不认识，通常是上游改版）。
func ParseError(provider, op string, err error) error {
	if err == nil {
		err = errors.New("unrecognized response")
	}
	return &Error{Provider: provider, Op: op, Kind: KindParse, Err: err}
}

// Errorf 是 ParseError 的格式化版本。
func Errorf(provider, op, format string, args ...any) error {
	return ParseError(provider, op, fmt.Errorf(format, args...))
}

// IsKind 判断 err 链上是否存在指定类别的 *Error。
func IsKind(err error, kind string) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

var nopLogger = zerolog.Nop()

// Logger 把 nil 视为 Nop logger。
func Logger(l *zerolog.Logger) *zerolog.Logger {
	if l == nil {
		return &nopLogger
	}
	return l
}

// Report 记录被 adapter 吞掉的错误（adapter 对外只返回空结果）。
// ctx 取消属于调用方行为，只记 debug。
func Report(l *zerolog.Logger, provider, op string, err error) {
	if err == nil {
		return
	}
	log := Logger(l)
	ev := log.Warn()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		ev = log.Debug()
	}
	kind := KindNetwork
	var pe *Error
	if errors.As(err, &pe) {
		kind = pe.Kind
	}
	ev.Err(err).Str("provider", provider).Str("op", op).Str("kind", kind).Msg("provider returned empty result")
}

// ServerOrder 返回 server 的尝试顺序：hint（不区分大小写）优先，其余保持站点给出的顺序。
func ServerOrder(hint string, available []string) []string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	out := make([]string, 0, len(available))
	var rest []string
	for _, s := range available {
		if hint != "" && strings.ToLower(strings.TrimSpace(s)) == hint {
			out = append(out, s)
			continue
		}
		rest = append(rest, s)
	}
	return append(out, rest...)
}

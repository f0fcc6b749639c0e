package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultDelay 是同一 provider 相邻两次请求之间的固定间隔。
const DefaultDelay = 1000 * time.Millisecond

// ErrClosed 表示 Limiter 已关闭，任务未被执行。
var ErrClosed = errors.New("ratelimit: closed")

// Limiter 为每个 provider 维护一条 FIFO 队列，由独立的 drain 循环串行执行：
// 取出任务 -> 等待完成 -> 睡眠固定间隔 -> 取下一个。
//
// 约束：
// - 同一 provider 的任意两个任务，开始时间间隔 >= delay
// - 不同 provider 互不影响，可并发
// - 任务失败不会中断队列
// - 排队期间 ctx 结束的任务直接出队，不占用间隔
type Limiter struct {
	delay time.Duration

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	stop   chan struct{}

	// sleep 仅供测试替换。
	sleep func(d time.Duration, stop <-chan struct{})
}

type job struct {
	ctx  context.Context
	run  func(context.Context) error
	done chan error
}

type queue struct {
	pending []*job
	running bool
}

func New(delay time.Duration) *Limiter {
	if delay < 0 {
		delay = 0
	}
	return &Limiter{
		delay:  delay,
		queues: make(map[string]*queue),
		stop:   make(chan struct{}),
		sleep:  sleepOrStop,
	}
}

// Delay 返回固定间隔。
func (l *Limiter) Delay() time.Duration { return l.delay }

// Do 把任务排入 provider 的队列并等待其完成（或 ctx 结束）。
func (l *Limiter) Do(ctx context.Context, provider string, task func(context.Context) error) error {
	if task == nil {
		return errors.New("task 不能为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strings.ToLower(strings.TrimSpace(provider))

	j := &job{ctx: ctx, run: task, done: make(chan error, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	q, ok := l.queues[key]
	if !ok {
		q = &queue{}
		l.queues[key] = q
	}
	q.pending = append(q.pending, j)
	if !q.running {
		q.running = true
		go l.drain(key, q)
	}
	l.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// drain 循环之后会发现 ctx 已结束并跳过该任务。
		return ctx.Err()
	}
}

// Run 是 Do 的泛型版本，便于直接拿到任务结果。
// ctx 先结束时任务可能仍在 drain goroutine 上运行，结果只经 channel 传回。
func Run[T any](ctx context.Context, l *Limiter, provider string, task func(context.Context) (T, error)) (T, error) {
	res := make(chan T, 1)
	err := l.Do(ctx, provider, func(ctx context.Context) error {
		v, err := task(ctx)
		res <- v
		return err
	})
	var zero T
	select {
	case v := <-res:
		return v, err
	default:
		if err == nil {
			err = ctx.Err()
		}
		return zero, err
	}
}

// Pending 返回 provider 队列中尚未开始的任务数。
func (l *Limiter) Pending(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// Close 停止所有 drain 循环；尚未开始的任务以 ErrClosed 结束。
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.stop)
	for _, q := range l.queues {
		for _, j := range q.pending {
			j.done <- ErrClosed
		}
		q.pending = nil
	}
}

func (l *Limiter) drain(key string, q *queue) {
	for {
		l.mu.Lock()
		if l.closed || len(q.pending) == 0 {
			q.running = false
			l.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		l.mu.Unlock()

		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}

		j.done <- safeRun(j)
		l.sleep(l.delay, l.stop)
	}
}

func safeRun(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return j.run(j.ctx)
}

// PanicError 包装任务内的 panic，保证队列继续运转。
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return "ratelimit: task panicked" }

func sleepOrStop(d time.Duration, stop <-chan struct{}) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_SameProviderSpacing(t *testing.T) {
	const delay = 30 * time.Millisecond
	l := New(delay)
	defer l.Close()

	var (
		mu     sync.Mutex
		starts []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), "hianime", func(context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, delay, "第 %d 个任务间隔过短", i)
	}
}

func TestLimiter_ProvidersIndependent(t *testing.T) {
	l := New(time.Second)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Do(ctx, "a", func(context.Context) error { return nil }))

	// a 正在睡眠间隔，b 不应受影响。
	begin := time.Now()
	require.NoError(t, l.Do(ctx, "b", func(context.Context) error { return nil }))
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
}

func TestLimiter_FailureDoesNotStallQueue(t *testing.T) {
	l := New(5 * time.Millisecond)
	defer l.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err := l.Do(ctx, "p", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = l.Do(ctx, "p", func(context.Context) error { panic("x") })
	var pe *PanicError
	assert.ErrorAs(t, err, &pe)

	got, err := Run(ctx, l, "p", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestLimiter_CanceledWhileQueued(t *testing.T) {
	l := New(200 * time.Millisecond)
	defer l.Close()

	require.NoError(t, l.Do(context.Background(), "p", func(context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := l.Do(ctx, "p", func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 等待 drain 循环越过被取消的任务。
	time.Sleep(250 * time.Millisecond)
	assert.False(t, ran, "已取消的任务不应被执行")
}

// 任务执行中 ctx 结束：Run 立即返回零值，任务随后写入的结果不能被读到（-race 下无竞争）。
func TestRun_CanceledWhileRunning(t *testing.T) {
	l := New(0)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	finished := make(chan struct{})
	got, err := Run(ctx, l, "p", func(context.Context) ([]byte, error) {
		defer close(finished)
		time.Sleep(50 * time.Millisecond)
		return []byte("late"), nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, got)

	<-finished
}

func TestLimiter_Closed(t *testing.T) {
	l := New(0)
	l.Close()
	err := l.Do(context.Background(), "p", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

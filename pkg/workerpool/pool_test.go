package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	var inFlight, peak int64
	fn := func(ctx context.Context, task *Task) *Result {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return &Result{Success: true, Data: task.Index * 2}
	}

	p, err := New(Config{Workers: 3, QueueSize: 30}, fn, nil)
	require.NoError(t, err)
	p.Start()

	for i := 0; i < 30; i++ {
		require.NoError(t, p.Submit(&Task{ID: fmt.Sprintf("t%d", i), Index: i}))
	}
	p.Wait()

	seen := make(map[int]int)
	for r := range p.Results() {
		assert.True(t, r.Success)
		seen[r.Index] = r.Data.(int)
	}
	assert.Len(t, seen, 30)
	assert.Equal(t, 58, seen[29])
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))

	stats := p.Stats()
	assert.Equal(t, int64(30), stats.TasksSubmitted)
	assert.Equal(t, int64(30), stats.TasksCompleted)
	assert.Equal(t, int64(0), stats.QueueDepth)
}

func TestPoolRecoversPanics(t *testing.T) {
	fn := func(ctx context.Context, task *Task) *Result {
		if task.Index == 1 {
			panic("bad input")
		}
		return &Result{Success: true}
	}

	p, err := New(Config{Workers: 2, QueueSize: 3}, fn, nil)
	require.NoError(t, err)
	p.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(&Task{ID: fmt.Sprintf("t%d", i), Index: i}))
	}
	p.Wait()

	failed := 0
	for r := range p.Results() {
		if !r.Success {
			failed++
			assert.Equal(t, 1, r.Index)
			assert.Contains(t, r.Error.Error(), "panicked")
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, int64(1), p.Stats().TasksPanicked)
}

func TestPoolRejectsAfterWait(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	p.Start()
	p.Wait()

	assert.True(t, errors.Is(p.Submit(&Task{ID: "late"}), ErrClosed))
}

func TestPoolQueueFull(t *testing.T) {
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	// Workers are not started, so the second task has nowhere to go.
	require.NoError(t, p.Submit(&Task{ID: "a"}))
	assert.ErrorIs(t, p.Submit(&Task{ID: "b"}), ErrQueueFull)

	p.Start()
	p.Wait()
}

func TestPoolCancelledTaskContext(t *testing.T) {
	var calls int64
	p, err := New(Config{Workers: 1, QueueSize: 1}, func(context.Context, *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Submit(&Task{ID: "a", Context: ctx}))
	p.Start()
	p.Wait()

	r := <-p.Results()
	require.NotNil(t, r)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Error, context.Canceled)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
}

func TestNewRequiresFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

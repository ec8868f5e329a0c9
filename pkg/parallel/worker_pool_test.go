package parallel

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

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.GreaterOrEqual(t, cfg.MaxWorkers, 2)
	assert.LessOrEqual(t, cfg.MaxWorkers, 8)

	cfg = cfg.WithWorkers(3).WithTimeout(time.Second)
	assert.Equal(t, 3, cfg.MaxWorkers)
	assert.Equal(t, time.Second, cfg.Timeout)

	assert.Equal(t, DefaultPoolConfig().MaxWorkers, NewWorkerPool[int, int](PoolConfig{}).config.MaxWorkers)
}

func TestWorkerPool_ResultsInOrder(t *testing.T) {
	pool := NewWorkerPool[int, string](DefaultPoolConfig().WithWorkers(4))
	inputs := []int{5, 1, 4, 2, 3, 0}

	results := pool.ExecuteFunc(context.Background(), inputs, func(_ context.Context, n int) (string, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		if n == 4 {
			return "", errors.New("four")
		}
		return fmt.Sprintf("snapshot-%d", n), nil
	})

	require.Len(t, results, len(inputs))
	for i, r := range results {
		assert.Equal(t, inputs[i], r.Input)
		assert.False(t, r.Skipped)
		if r.Input == 4 {
			assert.EqualError(t, r.Error, "four")
			continue
		}
		assert.NoError(t, r.Error)
		assert.Equal(t, fmt.Sprintf("snapshot-%d", r.Input), r.Result)
	}

	m := pool.Metrics()
	assert.Equal(t, 6, m.Tasks)
	assert.Equal(t, 1, m.Failed)
	assert.Zero(t, m.Skipped)
	assert.GreaterOrEqual(t, m.Slowest, 5*time.Millisecond)
	assert.GreaterOrEqual(t, m.Elapsed, m.Slowest)
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	pool := NewWorkerPool[int, int](PoolConfig{MaxWorkers: 2})
	var running, peak atomic.Int32

	pool.ExecuteFunc(context.Background(), make([]int, 10), func(_ context.Context, _ int) (int, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return 0, nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestWorkerPool_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := NewWorkerPool[int, int](PoolConfig{MaxWorkers: 1})

	var calls atomic.Int32
	results := pool.ExecuteFunc(ctx, []int{1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		calls.Add(1)
		return n, nil
	})

	require.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Error, context.Canceled)
		assert.True(t, r.Skipped)
	}
	assert.Zero(t, calls.Load())
	assert.Equal(t, 3, pool.Metrics().Skipped)
}

func TestWorkerPool_Timeout(t *testing.T) {
	pool := NewWorkerPool[int, int](PoolConfig{MaxWorkers: 1, Timeout: 20 * time.Millisecond})
	results := pool.ExecuteFunc(context.Background(), []int{1, 2}, func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		return n, ctx.Err()
	})

	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Error, context.DeadlineExceeded)
	assert.False(t, results[0].Skipped)
	assert.ErrorIs(t, results[1].Error, context.DeadlineExceeded)
	assert.True(t, results[1].Skipped)
}

func TestWorkerPool_Empty(t *testing.T) {
	pool := NewWorkerPool[int, int](PoolConfig{})
	assert.Nil(t, pool.ExecuteFunc(context.Background(), nil, func(context.Context, int) (int, error) {
		return 0, nil
	}))
}

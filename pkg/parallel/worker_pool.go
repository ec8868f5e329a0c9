// Package parallel runs batches of independent jobs, such as archiving a
// set of snapshots, on a bounded number of goroutines.
package parallel

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PoolConfig bounds a batch.
type PoolConfig struct {
	// MaxWorkers is the number of jobs running at once.
	MaxWorkers int
	// Timeout bounds the whole batch, 0 for none.
	Timeout time.Duration
}

// DefaultPoolConfig uses one worker per CPU, between 2 and 8.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxWorkers: min(max(runtime.NumCPU(), 2), 8)}
}

func (c PoolConfig) WithWorkers(n int) PoolConfig {
	c.MaxWorkers = n
	return c
}

func (c PoolConfig) WithTimeout(d time.Duration) PoolConfig {
	c.Timeout = d
	return c
}

// PoolMetrics describes the last batch of a pool.
type PoolMetrics struct {
	Tasks     int
	Failed    int
	Skipped   int
	Elapsed   time.Duration
	Slowest   time.Duration
	SlowestAt int
}

// TaskResult is the outcome of one input.
type TaskResult[T any, R any] struct {
	Input    T
	Result   R
	Error    error
	Duration time.Duration
	// Skipped is set when ctx ended before the input started.
	Skipped bool
}

// WorkerPool maps a function over batches of inputs.
type WorkerPool[T any, R any] struct {
	config PoolConfig

	mu      sync.Mutex
	metrics PoolMetrics
}

// NewWorkerPool creates a pool; a non-positive worker count means the default.
func NewWorkerPool[T any, R any](config PoolConfig) *WorkerPool[T, R] {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultPoolConfig().MaxWorkers
	}
	return &WorkerPool[T, R]{config: config}
}

// ExecuteFunc applies fn to every input and returns the results in input
// order. A failing input does not stop the others. Inputs not started
// before ctx is done get ctx.Err() as error.
func (p *WorkerPool[T, R]) ExecuteFunc(ctx context.Context, inputs []T, fn func(ctx context.Context, input T) (R, error)) []TaskResult[T, R] {
	if len(inputs) == 0 {
		return nil
	}
	start := time.Now()
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	results := make([]TaskResult[T, R], len(inputs))
	var g errgroup.Group
	g.SetLimit(p.config.MaxWorkers)
	for i, in := range inputs {
		results[i].Input = in
		if err := ctx.Err(); err != nil {
			results[i].Error, results[i].Skipped = err, true
			continue
		}
		g.Go(func() error {
			// The slot may have been granted after ctx ended.
			if err := ctx.Err(); err != nil {
				results[i].Error, results[i].Skipped = err, true
				return nil
			}
			t := time.Now()
			results[i].Result, results[i].Error = fn(ctx, in)
			results[i].Duration = time.Since(t)
			return nil
		})
	}
	_ = g.Wait()

	p.record(results, time.Since(start))
	return results
}

func (p *WorkerPool[T, R]) record(results []TaskResult[T, R], elapsed time.Duration) {
	m := PoolMetrics{Tasks: len(results), Elapsed: elapsed}
	for i, r := range results {
		switch {
		case r.Skipped:
			m.Skipped++
		case r.Error != nil:
			m.Failed++
		}
		if r.Duration > m.Slowest {
			m.Slowest, m.SlowestAt = r.Duration, i
		}
	}
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// Metrics returns the metrics of the last batch.
func (p *WorkerPool[T, R]) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
